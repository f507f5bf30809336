package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fashionpipeline/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Analyzer is the analysis and QA service contract.
type Analyzer interface {
	AnalyzeGarments(ctx context.Context, req models.AnalyzeRequest) (*models.AnalysisResult, error)
	PerformQA(ctx context.Context, garments []models.ImageRef, candidate models.ImageRef, analysis models.AnalysisResult) ([]models.RefinedPrompt, error)
}

// Synthesizer is the image synthesis contract. Implementations reject fewer than two input images.
type Synthesizer interface {
	GenerateImage(ctx context.Context, req models.SynthesisRequest) (string, error)
}

type Options struct {
	// SynthesisInterval spaces consecutive batch requests. Zero means no pacing.
	SynthesisInterval time.Duration
	Logger            zerolog.Logger
}

type Orchestrator struct {
	Analyzer    Analyzer
	Synthesizer Synthesizer
	Assets      *AssetCache

	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewOrchestrator(analyzer Analyzer, synthesizer Synthesizer, assets *AssetCache, opts Options) *Orchestrator {
	limit := rate.Inf
	if opts.SynthesisInterval > 0 {
		limit = rate.Every(opts.SynthesisInterval)
	}
	return &Orchestrator{
		Analyzer:    analyzer,
		Synthesizer: synthesizer,
		Assets:      assets,
		limiter:     rate.NewLimiter(limit, 1),
		log:         opts.Logger,
	}
}

// SwitchMode discards the live run and starts an idle one in the requested mode.
func (o *Orchestrator) SwitchMode(s *Session, mode Mode) (Run, error) {
	if !mode.Valid() {
		return Run{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}
	_, run := s.Replace(NewRun(mode, s.Snapshot().ImageType))
	return run, nil
}

// Start begins a new run in the session's mode and returns its first snapshot.
// A simple run chains through every stage in the background; an advanced run
// waits at analyze. Any run already in flight is superseded.
func (o *Orchestrator) Start(s *Session, imageType ImageType) (Run, error) {
	if len(s.Assets(RoleGarment)) == 0 {
		return Run{}, fmt.Errorf("%w: at least one garment image is required", ErrInvalidInput)
	}
	mode := s.Mode()
	ctx, run := s.Replace(NewRun(mode, imageType))
	if mode == ModeSimple {
		go o.RunSimple(ctx, s, run.ID)
	}
	return run, nil
}

// Retry starts over from analysis. Only a failed run may be retried.
func (o *Orchestrator) Retry(s *Session) (Run, error) {
	current := s.Snapshot()
	if !current.Failed() {
		return current, fmt.Errorf("%w: only a failed run can be retried", ErrInvalidTransition)
	}
	if current.Mode == ModeSimple {
		return o.Start(s, current.ImageType)
	}
	_, run := s.Replace(NewRun(ModeAdvanced, current.ImageType))
	return run, nil
}

// RunSimple drives analyzing -> frontImage -> qa -> generatingImages -> done for runID.
// It returns once the run finishes, fails, or is superseded.
func (o *Orchestrator) RunSimple(ctx context.Context, s *Session, runID string) (err error) {
	logger := o.log.With().Str("session_id", s.ID).Str("run_id", runID).Logger()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected pipeline failure: %v", r)
		}
		if err == nil || errors.Is(err, ErrStaleRun) {
			return
		}
		logger.Error().Err(err).Msg("pipeline run failed")
		s.Apply(runID, Fail(failureText(err)))
	}()

	if _, err = s.Apply(runID, EnterStage(StageAnalyzing)); err != nil {
		return err
	}
	garments, err := o.Assets.ResolveAll(ctx, runID, s.Assets(RoleGarment))
	if err != nil {
		return err
	}
	garmentRefs := urlRefs(garments)

	analysis, err := o.Analyzer.AnalyzeGarments(ctx, models.AnalyzeRequest{GarmentImages: garmentRefs})
	if err != nil {
		return stageFailed("analysis", err)
	}
	if !analysis.Complete() {
		return stageFailed("analysis", errNoInitialPrompt)
	}
	if _, err = s.Apply(runID, Chain(WithAnalysis(*analysis), EnterStage(StageFrontImage))); err != nil {
		return err
	}
	logger.Debug().Msg("analysis complete")

	front, err := o.Synthesizer.GenerateImage(ctx, models.SynthesisRequest{
		Prompt:      analysis.InitialPrompt,
		AspectRatio: PortraitAspectRatio,
		InputImages: remoteURLs(garments),
	})
	if err != nil {
		return stageFailed("front image", err)
	}
	if _, err = s.Apply(runID, Chain(WithFrontImage(front), EnterStage(StageQA))); err != nil {
		return err
	}

	prompts, err := o.Analyzer.PerformQA(ctx, garmentRefs, frontImageRef(front), *analysis)
	if err != nil {
		return stageFailed("QA", err)
	}
	if len(prompts) == 0 {
		return ErrNoPrompts
	}
	run, err := s.Apply(runID, Chain(WithPrompts(prompts), EnterStage(StageGeneratingImages)))
	if err != nil {
		return err
	}

	batchID, _, err := o.startBatch(s, runID, prompts, run.ImageType)
	if err != nil {
		return err
	}
	if err = o.fillBatch(ctx, s, runID, batchID, prompts, front, garments[0].URL); err != nil {
		return err
	}
	if _, err = s.Apply(runID, EnterStage(StageDone)); err != nil {
		return err
	}
	logger.Info().Msg("pipeline run complete")
	return nil
}

// startBatch publishes every item as loading under a fresh batch id.
func (o *Orchestrator) startBatch(s *Session, runID string, prompts []models.RefinedPrompt, imageType ImageType) (uint64, Run, error) {
	batchID := s.NextBatchID()
	run, err := s.Apply(runID, StartBatch(prompts, imageType, batchID))
	return batchID, run, err
}

// fillBatch requests the items one at a time. A failed item does not stop the ones after it.
func (o *Orchestrator) fillBatch(ctx context.Context, s *Session, runID string, batchID uint64, prompts []models.RefinedPrompt, front, garment string) error {
	for i := 0; i < BatchSize(len(prompts)); i++ {
		url, err := o.synthesizePaced(ctx, models.SynthesisRequest{
			Prompt:      prompts[i].Prompt,
			AspectRatio: PortraitAspectRatio,
			InputImages: []string{front, garment},
		})
		if err != nil {
			o.log.Warn().Err(err).Str("run_id", runID).Int("item", i).Msg("batch item failed")
		}
		if _, aerr := s.ApplyBatch(runID, batchID, ResolveItem(i, url, err)); aerr != nil {
			return aerr
		}
	}
	return nil
}

func (o *Orchestrator) synthesizePaced(ctx context.Context, req models.SynthesisRequest) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return o.Synthesizer.GenerateImage(ctx, req)
}

// Analyze runs the advanced-mode analysis step with every uploaded reference.
func (o *Orchestrator) Analyze(ctx context.Context, s *Session) (Run, error) {
	run := s.Snapshot()
	if len(s.Assets(RoleGarment)) == 0 {
		return run, fmt.Errorf("%w: at least one garment image is required", ErrInvalidInput)
	}
	if err := o.begin(s, run, StepAnalyze); err != nil {
		return s.Snapshot(), err
	}

	req, err := o.analyzeRequest(ctx, s, run.ID)
	var analysis *models.AnalysisResult
	if err == nil {
		analysis, err = o.Analyzer.AnalyzeGarments(ctx, req)
	}
	if err == nil && !analysis.Complete() {
		err = errNoInitialPrompt
	}
	if err != nil {
		return o.failStep(s, run.ID, stageFailed("analysis", err))
	}
	return s.Apply(run.ID, Chain(WithAnalysis(*analysis), EnterStep(StepAnalysis), SetBusy(false)))
}

func (o *Orchestrator) analyzeRequest(ctx context.Context, s *Session, runID string) (models.AnalyzeRequest, error) {
	var req models.AnalyzeRequest
	groups := []struct {
		role AssetRole
		dst  *[]models.ImageRef
	}{
		{RoleGarment, &req.GarmentImages},
		{RoleBackground, &req.BackgroundRefImages},
		{RoleModel, &req.ModelRefImages},
	}
	for _, group := range groups {
		remotes, err := o.Assets.ResolveAll(ctx, runID, s.Assets(group.role))
		if err != nil {
			return req, err
		}
		*group.dst = urlRefs(remotes)
	}
	return req, nil
}

// EditAnalysisPrompt replaces the initial prompt used for the front image.
func (o *Orchestrator) EditAnalysisPrompt(s *Session, text string) (Run, error) {
	run := s.Snapshot()
	if run.Busy {
		return run, ErrBusy
	}
	return s.Apply(run.ID, EditAnalysisPrompt(text))
}

// PerformQA generates the front image from the current analysis and asks QA for refined prompts.
// After a failure at qa it may be invoked again for the same run.
func (o *Orchestrator) PerformQA(ctx context.Context, s *Session) (Run, error) {
	run := s.Snapshot()
	from := StepAnalysis
	if run.Step == StepQA && run.Error != "" {
		from = StepQA
	}
	if err := o.begin(s, run, from); err != nil {
		return s.Snapshot(), err
	}
	if from == StepAnalysis {
		if _, err := s.Apply(run.ID, EnterStep(StepQA)); err != nil {
			return s.Snapshot(), err
		}
	}
	analysis := *run.Analysis

	garments, err := o.Assets.ResolveAll(ctx, run.ID, s.Assets(RoleGarment))
	if err != nil {
		return o.failStep(s, run.ID, err)
	}
	front, err := o.Synthesizer.GenerateImage(ctx, models.SynthesisRequest{
		Prompt:      analysis.InitialPrompt,
		AspectRatio: PortraitAspectRatio,
		InputImages: remoteURLs(garments),
	})
	if err != nil {
		return o.failStep(s, run.ID, stageFailed("front image", err))
	}
	if _, err := s.Apply(run.ID, WithFrontImage(front)); err != nil {
		return s.Snapshot(), err
	}

	prompts, err := o.Analyzer.PerformQA(ctx, urlRefs(garments), frontImageRef(front), analysis)
	if err == nil && len(prompts) == 0 {
		err = ErrNoPrompts
	}
	if err != nil {
		return o.failStep(s, run.ID, stageFailed("QA", err))
	}
	return s.Apply(run.ID, Chain(WithPrompts(prompts), EnterStep(StepFinal), SetBusy(false)))
}

func (o *Orchestrator) EditPrompt(s *Session, index int, text string) (Run, error) {
	run := s.Snapshot()
	return s.Apply(run.ID, EditPrompt(index, text))
}

// GeneratePrompt synthesizes one refined prompt from the raw garment images, independent of any batch.
// The result lands in PromptImages[index] unless a newer request for the same index superseded it.
func (o *Orchestrator) GeneratePrompt(s *Session, index int) (Run, error) {
	run := s.Snapshot()
	token := s.nextToken()
	started, err := s.Apply(run.ID, BeginPromptImage(index, token))
	if err != nil {
		return started, err
	}
	prompt := started.Prompts[index].Prompt
	garments := s.Assets(RoleGarment)
	ctx := s.runContext()
	go func() {
		images := make([]string, 0, len(garments))
		for _, g := range garments {
			images = append(images, inlineImage(g))
		}
		url, err := o.Synthesizer.GenerateImage(ctx, models.SynthesisRequest{
			Prompt:      prompt,
			AspectRatio: PortraitAspectRatio,
			InputImages: images,
		})
		if _, aerr := s.Apply(run.ID, ResolvePromptImage(index, token, url, err)); aerr != nil {
			o.log.Debug().Err(aerr).Str("run_id", run.ID).Int("prompt", index).Msg("prompt image dropped")
		}
	}()
	return started, nil
}

// GenerateBatch starts the advanced-mode batch from the current (possibly edited) prompts.
func (o *Orchestrator) GenerateBatch(s *Session, imageType ImageType) (Run, error) {
	run := s.Snapshot()
	if run.Mode != ModeAdvanced || run.Step != StepFinal {
		return run, fmt.Errorf("%w: batch generation needs the final step", ErrInvalidTransition)
	}
	if !imageType.Valid() {
		imageType = run.ImageType
	}
	ctx := s.runContext()
	garments, err := o.Assets.ResolveAll(ctx, run.ID, s.Assets(RoleGarment))
	if err != nil {
		return run, err
	}
	if len(garments) == 0 {
		return run, fmt.Errorf("%w: at least one garment image is required", ErrInvalidInput)
	}
	batchID, started, err := o.startBatch(s, run.ID, run.Prompts, imageType)
	if err != nil {
		return started, err
	}
	go func() {
		if err := o.fillBatch(ctx, s, run.ID, batchID, run.Prompts, run.FrontImage, garments[0].URL); err != nil && !errors.Is(err, ErrStaleRun) {
			o.log.Error().Err(err).Str("run_id", run.ID).Msg("batch failed")
		}
	}()
	return started, nil
}

// begin marks an advanced run busy if it is at the expected step.
func (o *Orchestrator) begin(s *Session, run Run, step Step) error {
	if run.Mode != ModeAdvanced {
		return fmt.Errorf("%w: run is in %s mode", ErrInvalidTransition, run.Mode)
	}
	if run.Busy {
		return ErrBusy
	}
	_, err := s.Apply(run.ID, Chain(requireStep(step), func(r Run) (Run, error) {
		if r.Busy {
			return r, ErrBusy
		}
		return SetBusy(true)(r)
	}))
	return err
}

func (o *Orchestrator) failStep(s *Session, runID string, cause error) (Run, error) {
	o.log.Error().Err(cause).Str("run_id", runID).Msg("advanced step failed")
	run, err := s.Apply(runID, Fail(failureText(cause)))
	if err != nil {
		return run, err
	}
	return run, cause
}

// frontImageRef wraps the front image as an inline payload; the analyzer fetches the URL itself.
func frontImageRef(url string) models.ImageRef {
	return models.ImageRef{Base64: url, MimeType: "image/png"}
}

func urlRefs(remotes []RemoteAsset) []models.ImageRef {
	refs := make([]models.ImageRef, len(remotes))
	for i, r := range remotes {
		refs[i] = models.ImageRef{URL: r.URL}
	}
	return refs
}

// inlineImage renders an asset as a data URL, or its remote URL when no bytes are held.
func inlineImage(a UploadedAsset) string {
	if len(a.Data) == 0 {
		return a.URL
	}
	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(a.Data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

var errNoInitialPrompt = errors.New("no initial prompt returned")

// stageError names the stage a provider call failed in. Only the cause is shown to the user.
type stageError struct {
	stage string
	err   error
}

func stageFailed(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

func (e *stageError) Error() string {
	return e.stage + " failed: " + e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

// failureText is the run-level message for err: the provider's own text, without stage context.
func failureText(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.err.Error()
	}
	return err.Error()
}
