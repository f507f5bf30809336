package pipeline

import "errors"

var (
	// ErrStaleRun is returned when a result belongs to a run or batch that has been superseded.
	ErrStaleRun          = errors.New("run has been superseded")
	ErrInvalidTransition = errors.New("invalid pipeline transition")
	ErrInvalidInput      = errors.New("invalid pipeline input")
	ErrBusy              = errors.New("an action is already in progress for this run")
	ErrNoPrompts         = errors.New("QA returned no refined prompts")
	ErrAssetLimit        = errors.New("upload limit reached for this image role")
	ErrAssetNotFound     = errors.New("uploaded asset not found")
)
