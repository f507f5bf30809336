package pipeline

import (
	"fmt"
	"time"

	"fashionpipeline/models"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type Mode string

const (
	ModeSimple   Mode = "simple"
	ModeAdvanced Mode = "advanced"
)

func (m Mode) Valid() bool {
	return m == ModeSimple || m == ModeAdvanced
}

// Stage is a simple-mode phase.
type Stage string

const (
	StageIdle             Stage = "idle"
	StageAnalyzing        Stage = "analyzing"
	StageFrontImage       Stage = "frontImage"
	StageQA               Stage = "qa"
	StageGeneratingImages Stage = "generatingImages"
	StageDone             Stage = "done"
	StageError            Stage = "error"
)

// Step is an advanced-mode phase. Every step change is triggered by the user.
type Step string

const (
	StepAnalyze  Step = "analyze"
	StepAnalysis Step = "analysis"
	StepQA       Step = "qa"
	StepFinal    Step = "final"
)

type ImageType string

const (
	ImageTypeStudio    ImageType = "studio"
	ImageTypeLifestyle ImageType = "lifestyle"
)

func (t ImageType) Valid() bool {
	return t == ImageTypeStudio || t == ImageTypeLifestyle
}

type ItemState string

const (
	ItemPending ItemState = "pending"
	ItemLoading ItemState = "loading"
	ItemReady   ItemState = "ready"
	ItemFailed  ItemState = "failed"
)

const (
	MaxBatchItems = 4
	// portrait ratio used for the front image and every batch item
	PortraitAspectRatio = "3:4"
)

type GenerationItem struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	State          ItemState `json:"state"`
	Error          string    `json:"error,omitempty"`
	RevealProgress int       `json:"revealProgress"`
}

type PromptImageState string

const (
	PromptImageNone    PromptImageState = "none"
	PromptImageLoading PromptImageState = "loading"
	PromptImageReady   PromptImageState = "ready"
	PromptImageFailed  PromptImageState = "failed"
)

// PromptImage is the advanced-mode single-item result for one refined prompt.
type PromptImage struct {
	State    PromptImageState `json:"state"`
	ImageURL string           `json:"imageUrl,omitempty"`
	Error    string           `json:"error,omitempty"`
	token    uint64
}

// Run is the PipelineRun aggregate. Values are treated as immutable; transitions return copies.
type Run struct {
	ID           string                 `json:"id"`
	Mode         Mode                   `json:"mode"`
	Stage        Stage                  `json:"stage,omitempty"`
	Step         Step                   `json:"step,omitempty"`
	ImageType    ImageType              `json:"imageType"`
	Analysis     *models.AnalysisResult `json:"analysis,omitempty"`
	FrontImage   string                 `json:"frontImage,omitempty"`
	Prompts      []models.RefinedPrompt `json:"prompts,omitempty"`
	Items        []GenerationItem       `json:"items"`
	BatchID      uint64                 `json:"batchId"`
	PromptImages map[int]PromptImage    `json:"promptImages,omitempty"`
	Busy         bool                   `json:"busy"`
	Error        string                 `json:"error,omitempty"`
	StartedAt    time.Time              `json:"startedAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Transition is a pure state change applied to the live run.
type Transition func(Run) (Run, error)

func NewRun(mode Mode, imageType ImageType) Run {
	if !imageType.Valid() {
		imageType = ImageTypeStudio
	}
	now := time.Now().UTC()
	run := Run{
		ID:        uuid.NewString(),
		Mode:      mode,
		ImageType: imageType,
		Items:     []GenerationItem{},
		StartedAt: now,
		UpdatedAt: now,
	}
	if mode == ModeAdvanced {
		run.Step = StepAnalyze
	} else {
		run.Mode = ModeSimple
		run.Stage = StageIdle
	}
	return run
}

func (r Run) Clone() Run {
	out := r
	if r.Analysis != nil {
		a := *r.Analysis
		out.Analysis = &a
	}
	out.Prompts = append([]models.RefinedPrompt(nil), r.Prompts...)
	out.Items = append([]GenerationItem{}, r.Items...)
	if r.PromptImages != nil {
		out.PromptImages = make(map[int]PromptImage, len(r.PromptImages))
		for k, v := range r.PromptImages {
			out.PromptImages[k] = v
		}
	}
	return out
}

// Failed reports whether the run sits in a failed state a retry may start from.
func (r Run) Failed() bool {
	if r.Mode == ModeAdvanced {
		return r.Error != "" && !r.Busy
	}
	return r.Stage == StageError
}

var simpleNext = map[Stage]Stage{
	StageIdle:             StageAnalyzing,
	StageAnalyzing:        StageFrontImage,
	StageFrontImage:       StageQA,
	StageQA:               StageGeneratingImages,
	StageGeneratingImages: StageDone,
}

// EnterStage moves a simple run forward by exactly one stage, or into error from an active stage.
func EnterStage(next Stage) Transition {
	return func(r Run) (Run, error) {
		if r.Mode != ModeSimple {
			return r, fmt.Errorf("%w: stage %s in %s mode", ErrInvalidTransition, next, r.Mode)
		}
		if next == StageError {
			switch r.Stage {
			case StageAnalyzing, StageFrontImage, StageQA, StageGeneratingImages:
				r.Stage = StageError
				return r, nil
			}
			return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Stage, next)
		}
		if simpleNext[r.Stage] != next {
			return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Stage, next)
		}
		r.Stage = next
		return r, nil
	}
}

var advancedNext = map[Step]Step{
	StepAnalyze:  StepAnalysis,
	StepAnalysis: StepQA,
	StepQA:       StepFinal,
}

func EnterStep(next Step) Transition {
	return func(r Run) (Run, error) {
		if r.Mode != ModeAdvanced {
			return r, fmt.Errorf("%w: step %s in %s mode", ErrInvalidTransition, next, r.Mode)
		}
		if advancedNext[r.Step] != next {
			return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Step, next)
		}
		r.Step = next
		return r, nil
	}
}

func WithAnalysis(a models.AnalysisResult) Transition {
	return func(r Run) (Run, error) {
		r.Analysis = &a
		return r, nil
	}
}

func WithFrontImage(url string) Transition {
	return func(r Run) (Run, error) {
		r.FrontImage = url
		return r, nil
	}
}

func WithPrompts(prompts []models.RefinedPrompt) Transition {
	return func(r Run) (Run, error) {
		r.Prompts = append([]models.RefinedPrompt(nil), prompts...)
		return r, nil
	}
}

func SetBusy(busy bool) Transition {
	return func(r Run) (Run, error) {
		r.Busy = busy
		if busy {
			r.Error = ""
		}
		return r, nil
	}
}

// Fail records a run-level failure. A simple run moves to error and, when no
// items exist yet, gets one synthetic failed item so the slot shows the message.
// An advanced run keeps its step and only records the message.
func Fail(message string) Transition {
	return func(r Run) (Run, error) {
		r.Error = message
		r.Busy = false
		if r.Mode == ModeAdvanced {
			return r, nil
		}
		r, err := EnterStage(StageError)(r)
		if err != nil {
			return r, err
		}
		if len(r.Items) == 0 {
			r.Items = []GenerationItem{{
				ID:    ItemID(r.ImageType, 0),
				Title: "Error",
				State: ItemFailed,
				Error: message,
			}}
		}
		return r, nil
	}
}

func ItemID(t ImageType, index int) string {
	return fmt.Sprintf("%s-%d", t, index)
}

var titleCaser = cases.Title(language.English)

// DefaultItemTitle renders "Studio Image 1" style titles for prompts without one.
func DefaultItemTitle(t ImageType, index int) string {
	return fmt.Sprintf("%s Image %d", titleCaser.String(string(t)), index+1)
}

// BatchSize is how many items a batch of n refined prompts produces.
func BatchSize(n int) int {
	return min(n, MaxBatchItems)
}

// StartBatch replaces the item list wholesale with one loading item per prompt (at most four).
func StartBatch(prompts []models.RefinedPrompt, imageType ImageType, batchID uint64) Transition {
	return func(r Run) (Run, error) {
		n := BatchSize(len(prompts))
		items := make([]GenerationItem, n)
		for i := 0; i < n; i++ {
			title := prompts[i].Title
			if title == "" {
				title = DefaultItemTitle(imageType, i)
			}
			items[i] = GenerationItem{ID: ItemID(imageType, i), Title: title, State: ItemPending}
		}
		for i := range items {
			items[i].State = ItemLoading
		}
		r.ImageType = imageType
		r.Items = items
		r.BatchID = batchID
		return r, nil
	}
}

// ResolveItem settles one loading item. Items never move backward.
func ResolveItem(index int, imageURL string, cause error) Transition {
	return func(r Run) (Run, error) {
		if index < 0 || index >= len(r.Items) {
			return r, fmt.Errorf("%w: item %d out of range", ErrInvalidTransition, index)
		}
		item := r.Items[index]
		if item.State != ItemLoading {
			return r, fmt.Errorf("%w: item %s is %s", ErrInvalidTransition, item.ID, item.State)
		}
		if cause != nil {
			item.State = ItemFailed
			item.Error = cause.Error()
		} else {
			item.State = ItemReady
			item.ImageURL = imageURL
			item.RevealProgress = 100
		}
		items := append([]GenerationItem(nil), r.Items...)
		items[index] = item
		r.Items = items
		return r, nil
	}
}

func requireStep(step Step) Transition {
	return func(r Run) (Run, error) {
		if r.Mode != ModeAdvanced || r.Step != step {
			return r, fmt.Errorf("%w: expected step %s, run is at %s", ErrInvalidTransition, step, r.Step)
		}
		return r, nil
	}
}

// EditAnalysisPrompt derives an edited copy of the analysis before synthesis.
func EditAnalysisPrompt(text string) Transition {
	return func(r Run) (Run, error) {
		if _, err := requireStep(StepAnalysis)(r); err != nil {
			return r, err
		}
		if r.Analysis == nil {
			return r, fmt.Errorf("%w: no analysis to edit", ErrInvalidTransition)
		}
		edited := *r.Analysis
		edited.InitialPrompt = text
		r.Analysis = &edited
		return r, nil
	}
}

// EditPrompt rewrites the text of one refined prompt. No network call is involved.
func EditPrompt(index int, text string) Transition {
	return func(r Run) (Run, error) {
		if _, err := requireStep(StepFinal)(r); err != nil {
			return r, err
		}
		if index < 0 || index >= len(r.Prompts) {
			return r, fmt.Errorf("%w: prompt %d out of range", ErrInvalidInput, index)
		}
		prompts := append([]models.RefinedPrompt(nil), r.Prompts...)
		prompts[index].Prompt = text
		r.Prompts = prompts
		return r, nil
	}
}

func BeginPromptImage(index int, token uint64) Transition {
	return func(r Run) (Run, error) {
		if _, err := requireStep(StepFinal)(r); err != nil {
			return r, err
		}
		if index < 0 || index >= len(r.Prompts) {
			return r, fmt.Errorf("%w: prompt %d out of range", ErrInvalidInput, index)
		}
		images := make(map[int]PromptImage, len(r.PromptImages)+1)
		for k, v := range r.PromptImages {
			images[k] = v
		}
		images[index] = PromptImage{State: PromptImageLoading, token: token}
		r.PromptImages = images
		return r, nil
	}
}

// ResolvePromptImage settles a single-item generation unless a newer one superseded it.
func ResolvePromptImage(index int, token uint64, imageURL string, cause error) Transition {
	return func(r Run) (Run, error) {
		current, ok := r.PromptImages[index]
		if !ok || current.token != token || current.State != PromptImageLoading {
			return r, ErrStaleRun
		}
		next := PromptImage{State: PromptImageReady, ImageURL: imageURL, token: token}
		if cause != nil {
			next = PromptImage{State: PromptImageFailed, Error: cause.Error(), token: token}
		}
		images := make(map[int]PromptImage, len(r.PromptImages))
		for k, v := range r.PromptImages {
			images[k] = v
		}
		images[index] = next
		r.PromptImages = images
		return r, nil
	}
}

// Chain applies transitions in order, stopping at the first error.
func Chain(transitions ...Transition) Transition {
	return func(r Run) (Run, error) {
		var err error
		for _, t := range transitions {
			if r, err = t(r); err != nil {
				return r, err
			}
		}
		return r, nil
	}
}
