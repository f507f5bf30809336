package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fashionpipeline/apiclient"
	"fashionpipeline/models"
	"fashionpipeline/test"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	session  *Session
	blobs    *test.BlobStoreMock
	analyzer *test.AnalyzerMock
	synth    Synthesizer
	orch     *Orchestrator
}

func newFixture(t *testing.T, garments int, synth Synthesizer) *fixture {
	t.Helper()
	f := &fixture{
		session:  NewSession("", ModeSimple),
		blobs:    &test.BlobStoreMock{},
		analyzer: &test.AnalyzerMock{},
		synth:    synth,
	}
	if f.synth == nil {
		f.synth = &test.SynthesizerMock{}
	}
	for i := 0; i < garments; i++ {
		_, err := f.session.AddAsset(UploadedAsset{Role: RoleGarment, Name: "garment.png", MimeType: "image/png", Data: []byte("png-bytes")})
		require.NoError(t, err)
	}
	f.orch = NewOrchestrator(f.analyzer, f.synth, NewAssetCache(f.blobs, time.Hour), Options{Logger: zerolog.Nop()})
	return f
}

func (f *fixture) runSimple(t *testing.T) (Run, error) {
	t.Helper()
	ctx, run := f.session.Replace(NewRun(ModeSimple, ImageTypeStudio))
	err := f.orch.RunSimple(ctx, f.session, run.ID)
	return f.session.Snapshot(), err
}

func TestRunSimpleReachesDone(t *testing.T) {
	synth := &test.SynthesizerMock{}
	f := newFixture(t, 2, synth)
	f.analyzer.Analysis = &models.AnalysisResult{GarmentAnalysis: "A", QAChecklist: "Q", InitialPrompt: "P"}

	run, err := f.runSimple(t)
	require.NoError(t, err)
	assert.Equal(t, StageDone, run.Stage)
	assert.Empty(t, run.Error)

	calls := synth.Calls()
	require.Len(t, calls, 5)
	front := calls[0]
	assert.Equal(t, "P", front.Prompt)
	assert.Equal(t, "3:4", front.AspectRatio)
	require.Len(t, front.InputImages, 2)
	assert.Equal(t, []string{"garment.png", "garment.png"}, f.blobs.Uploads)
	for _, u := range front.InputImages {
		assert.True(t, strings.HasPrefix(u, "https://blobs.example.com/"))
	}

	assert.Empty(t, f.analyzer.AnalyzeReqs[0].BackgroundRefImages)
	assert.Empty(t, f.analyzer.AnalyzeReqs[0].ModelRefImages)
	assert.Len(t, f.analyzer.AnalyzeReqs[0].GarmentImages, 2)

	require.Len(t, run.Items, 4)
	for i, item := range run.Items {
		assert.Equal(t, ItemReady, item.State, item.ID)
		assert.Equal(t, calls[i+1].Prompt, test.DefaultPrompts(4)[i].Prompt)
		assert.Equal(t, []string{run.FrontImage, front.InputImages[0]}, calls[i+1].InputImages)
		assert.Equal(t, "3:4", calls[i+1].AspectRatio)
	}
	assert.Equal(t, 2, f.blobs.UploadCount(), "garments are uploaded once for the whole run")
}

func TestRunSimpleEmptyQAFails(t *testing.T) {
	synth := &test.SynthesizerMock{}
	f := newFixture(t, 2, synth)
	f.analyzer.Prompts = []models.RefinedPrompt{}

	run, err := f.runSimple(t)
	assert.ErrorIs(t, err, ErrNoPrompts)
	assert.Equal(t, StageError, run.Stage)
	assert.Len(t, synth.Calls(), 1, "only the front image was requested")
	require.Len(t, run.Items, 1)
	assert.Equal(t, "studio-0", run.Items[0].ID)
	assert.Equal(t, ItemFailed, run.Items[0].State)
}

func TestRunSimpleAnalysisFailureStops(t *testing.T) {
	synth := &test.SynthesizerMock{}
	f := newFixture(t, 2, synth)
	f.analyzer.AnalyzeErr = errors.New("Google API key is not configured.")

	run, err := f.runSimple(t)
	require.Error(t, err)
	assert.Equal(t, StageError, run.Stage)
	assert.Equal(t, "Google API key is not configured.", run.Error)
	assert.Nil(t, run.Analysis)
	assert.Empty(t, synth.Calls())
	assert.Zero(t, f.analyzer.QACalls)
}

func TestRunSimpleSingleGarmentFailsAtFrontImage(t *testing.T) {
	f := newFixture(t, 1, nil)

	run, err := f.runSimple(t)
	require.Error(t, err)
	assert.Equal(t, StageError, run.Stage)
	assert.NotNil(t, run.Analysis)
	assert.Contains(t, run.Error, "At least two input images")
	assert.Zero(t, f.analyzer.QACalls)
}

func TestBatchItemFailureIsIsolated(t *testing.T) {
	synth := &test.SynthesizerMock{FailPrompts: map[string]error{"refined prompt 3": errors.New("prediction failed")}}
	f := newFixture(t, 2, synth)

	run, err := f.runSimple(t)
	require.NoError(t, err)
	assert.Equal(t, StageDone, run.Stage)
	assert.Equal(t, ItemReady, run.Items[0].State)
	assert.Equal(t, ItemReady, run.Items[1].State)
	assert.Equal(t, ItemFailed, run.Items[2].State)
	assert.Equal(t, "prediction failed", run.Items[2].Error)
	assert.Equal(t, ItemReady, run.Items[3].State)
}

func TestEveryItemFailingStillReachesDone(t *testing.T) {
	synth := &test.SynthesizerMock{FailPrompts: map[string]error{}}
	for _, p := range test.DefaultPrompts(4) {
		synth.FailPrompts[p.Prompt] = errors.New("nope")
	}
	f := newFixture(t, 2, synth)

	run, err := f.runSimple(t)
	require.NoError(t, err)
	assert.Equal(t, StageDone, run.Stage)
	assert.Empty(t, run.Error)
	for _, item := range run.Items {
		assert.Equal(t, ItemFailed, item.State)
	}
}

// orderCheckingSynth fails the test if a batch request is issued while an earlier item is still loading.
type orderCheckingSynth struct {
	t       *testing.T
	session *Session
	inner   test.SynthesizerMock
}

func (o *orderCheckingSynth) GenerateImage(ctx context.Context, req models.SynthesisRequest) (string, error) {
	run := o.session.Snapshot()
	if run.Stage == StageGeneratingImages {
		loading := 0
		for _, item := range run.Items {
			if item.State == ItemLoading {
				loading++
			}
		}
		resolved := len(run.Items) - loading
		assert.Equal(o.t, test.DefaultPrompts(4)[resolved].Prompt, req.Prompt, "requests follow list order, one at a time")
	}
	return o.inner.GenerateImage(ctx, req)
}

func TestBatchRequestsAreSequential(t *testing.T) {
	synth := &orderCheckingSynth{t: t}
	f := newFixture(t, 2, synth)
	synth.session = f.session

	run, err := f.runSimple(t)
	require.NoError(t, err)
	assert.Len(t, synth.inner.Calls(), 5)
	assert.Equal(t, StageDone, run.Stage)
}

// lateSynth holds batch requests until released, ignoring cancellation.
type lateSynth struct {
	inner   test.SynthesizerMock
	release chan struct{}
	once    sync.Once
	waiting chan struct{}
}

func (l *lateSynth) GenerateImage(ctx context.Context, req models.SynthesisRequest) (string, error) {
	if strings.HasPrefix(req.Prompt, "refined") {
		l.once.Do(func() { close(l.waiting) })
		<-l.release
	}
	return l.inner.GenerateImage(context.Background(), req)
}

func TestStaleBatchCannotTouchNewRun(t *testing.T) {
	synth := &lateSynth{release: make(chan struct{}), waiting: make(chan struct{})}
	f := newFixture(t, 2, synth)

	ctx, old := f.session.Replace(NewRun(ModeSimple, ImageTypeStudio))
	done := make(chan error, 1)
	go func() { done <- f.orch.RunSimple(ctx, f.session, old.ID) }()

	select {
	case <-synth.waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never started")
	}
	assert.Equal(t, StageGeneratingImages, f.session.Snapshot().Stage)

	_, fresh := f.session.Replace(NewRun(ModeSimple, ImageTypeLifestyle))
	close(synth.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStaleRun)
	case <-time.After(2 * time.Second):
		t.Fatal("stale run did not stop")
	}
	run := f.session.Snapshot()
	assert.Equal(t, fresh.ID, run.ID)
	assert.Equal(t, StageIdle, run.Stage)
	assert.Empty(t, run.Items)
}

type panickingAnalyzer struct{ test.AnalyzerMock }

func (p *panickingAnalyzer) AnalyzeGarments(ctx context.Context, req models.AnalyzeRequest) (*models.AnalysisResult, error) {
	panic("nil map")
}

func TestRunSimpleRecoversFromPanic(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.orch.Analyzer = &panickingAnalyzer{}

	run, err := f.runSimple(t)
	require.Error(t, err)
	assert.Equal(t, StageError, run.Stage)
	assert.Contains(t, run.Error, "nil map")
	require.Len(t, run.Items, 1)
	assert.Equal(t, "Error", run.Items[0].Title)
}

func TestStartAndRetry(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.analyzer.QAErr = errors.New("quota exceeded")

	_, err := f.orch.Retry(f.session)
	assert.ErrorIs(t, err, ErrInvalidTransition, "idle runs cannot be retried")

	first, err := f.orch.Start(f.session, ImageTypeStudio)
	require.NoError(t, err)
	require.True(t, test.WaitFor(2*time.Second, func() bool { return f.session.Snapshot().Stage == StageError }))
	assert.NotEmpty(t, f.session.Snapshot().FrontImage)

	f.analyzer.QAErr = nil
	second, err := f.orch.Retry(f.session)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Empty(t, second.FrontImage, "retry discards the previous run's state")
	require.True(t, test.WaitFor(2*time.Second, func() bool { return f.session.Snapshot().Stage == StageDone }))
}

func TestStartRequiresGarments(t *testing.T) {
	f := newFixture(t, 0, nil)
	_, err := f.orch.Start(f.session, ImageTypeStudio)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAdvancedFlow(t *testing.T) {
	synth := &test.SynthesizerMock{}
	f := newFixture(t, 2, synth)
	_, err := f.session.AddAsset(UploadedAsset{Role: RoleBackground, Name: "beach.jpg", MimeType: "image/jpeg", Data: []byte("jpg")})
	require.NoError(t, err)
	_, err = f.session.AddAsset(UploadedAsset{Role: RoleModel, Name: "model.jpg", MimeType: "image/jpeg", Data: []byte("jpg")})
	require.NoError(t, err)

	run, err := f.orch.SwitchMode(f.session, ModeAdvanced)
	require.NoError(t, err)
	assert.Equal(t, StepAnalyze, run.Step)

	_, err = f.orch.PerformQA(context.Background(), f.session)
	assert.ErrorIs(t, err, ErrInvalidTransition, "steps are never skipped")

	run, err = f.orch.Analyze(context.Background(), f.session)
	require.NoError(t, err)
	assert.Equal(t, StepAnalysis, run.Step)
	assert.False(t, run.Busy)
	assert.Len(t, f.analyzer.AnalyzeReqs[0].BackgroundRefImages, 1)
	assert.Len(t, f.analyzer.AnalyzeReqs[0].ModelRefImages, 1)
	assert.Empty(t, synth.Calls(), "analysis never chains into synthesis")

	_, err = f.orch.EditAnalysisPrompt(f.session, "edited front prompt")
	require.NoError(t, err)

	run, err = f.orch.PerformQA(context.Background(), f.session)
	require.NoError(t, err)
	assert.Equal(t, StepFinal, run.Step)
	assert.NotEmpty(t, run.FrontImage)
	require.Len(t, synth.Calls(), 1)
	assert.Equal(t, "edited front prompt", synth.Calls()[0].Prompt)

	run, err = f.orch.EditPrompt(f.session, 0, "closer crop")
	require.NoError(t, err)
	assert.Equal(t, "closer crop", run.Prompts[0].Prompt)
	assert.Len(t, synth.Calls(), 1, "editing makes no network call")

	run, err = f.orch.GeneratePrompt(f.session, 0)
	require.NoError(t, err)
	assert.Equal(t, PromptImageLoading, run.PromptImages[0].State)
	require.True(t, test.WaitFor(2*time.Second, func() bool {
		return f.session.Snapshot().PromptImages[0].State == PromptImageReady
	}))
	single := synth.Calls()[1]
	assert.Equal(t, "closer crop", single.Prompt)
	require.Len(t, single.InputImages, 2)
	assert.True(t, strings.HasPrefix(single.InputImages[0], "data:image/png;base64,"))
	assert.Empty(t, f.session.Snapshot().Items, "single-item generation is independent of the batch")

	run, err = f.orch.GenerateBatch(f.session, ImageTypeLifestyle)
	require.NoError(t, err)
	require.Len(t, run.Items, 4)
	assert.Equal(t, "lifestyle-0", run.Items[0].ID)
	require.True(t, test.WaitFor(2*time.Second, func() bool {
		for _, item := range f.session.Snapshot().Items {
			if item.State == ItemLoading {
				return false
			}
		}
		return true
	}))
	calls := synth.Calls()
	assert.Equal(t, "closer crop", calls[2].Prompt)
	assert.Equal(t, run.FrontImage, calls[2].InputImages[0])
	assert.Equal(t, 4, f.blobs.UploadCount(), "two garments, one background, one model")
}

func TestAdvancedQAFailureCanRunAgain(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.orch.SwitchMode(f.session, ModeAdvanced)
	_, err := f.orch.Analyze(context.Background(), f.session)
	require.NoError(t, err)

	f.analyzer.Prompts = []models.RefinedPrompt{}
	run, err := f.orch.PerformQA(context.Background(), f.session)
	assert.ErrorIs(t, err, ErrNoPrompts)
	assert.Equal(t, StepQA, run.Step)
	assert.True(t, run.Failed())

	f.analyzer.Prompts = nil
	run, err = f.orch.PerformQA(context.Background(), f.session)
	require.NoError(t, err)
	assert.Equal(t, StepFinal, run.Step)
	assert.Empty(t, run.Error)

	retried, err := f.orch.Retry(f.session)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, run.ID, retried.ID)
}

func TestAdvancedAnalyzeFailureRetries(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.orch.SwitchMode(f.session, ModeAdvanced)
	f.analyzer.AnalyzeErr = errors.New("malformed analysis response")

	run, err := f.orch.Analyze(context.Background(), f.session)
	require.Error(t, err)
	assert.Equal(t, StepAnalyze, run.Step)
	assert.Equal(t, "malformed analysis response", run.Error)

	retried, err := f.orch.Retry(f.session)
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, retried.ID)
	assert.Equal(t, ModeAdvanced, retried.Mode)
	assert.Empty(t, retried.Error)
}

func TestModeSwitchDropsInFlightRun(t *testing.T) {
	synth := &test.SynthesizerMock{Gate: make(chan struct{})}
	f := newFixture(t, 2, synth)

	first, err := f.orch.Start(f.session, ImageTypeStudio)
	require.NoError(t, err)
	require.True(t, test.WaitFor(2*time.Second, func() bool { return len(synth.Calls()) == 1 }))

	switched, err := f.orch.SwitchMode(f.session, ModeAdvanced)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, switched.ID)
	close(synth.Gate)

	time.Sleep(50 * time.Millisecond)
	run := f.session.Snapshot()
	assert.Equal(t, switched.ID, run.ID)
	assert.Equal(t, StepAnalyze, run.Step)
	assert.Empty(t, run.FrontImage)
	assert.Empty(t, run.Error)
}

func TestRunErrorCarriesProviderText(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.analyzer.AnalyzeErr = &apiclient.APIError{Status: 500, Message: "quota exhausted"}

	run, err := f.runSimple(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis failed")
	var apiErr *apiclient.APIError
	assert.ErrorAs(t, err, &apiErr)

	assert.Equal(t, "quota exhausted", run.Error)
	require.Len(t, run.Items, 1)
	assert.Equal(t, "quota exhausted", run.Items[0].Error)
}

func TestStepErrorCarriesProviderText(t *testing.T) {
	synth := &test.SynthesizerMock{}
	f := newFixture(t, 2, synth)
	f.orch.SwitchMode(f.session, ModeAdvanced)
	_, err := f.orch.Analyze(context.Background(), f.session)
	require.NoError(t, err)

	f.analyzer.QAErr = errors.New("Failed to perform QA and generate prompts.")
	run, err := f.orch.PerformQA(context.Background(), f.session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QA failed")
	assert.Equal(t, StepQA, run.Step)
	assert.Equal(t, "Failed to perform QA and generate prompts.", run.Error)
}
