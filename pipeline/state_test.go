package pipeline

import (
	"errors"
	"testing"

	"fashionpipeline/models"
	"fashionpipeline/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleStagesOnlyMoveForward(t *testing.T) {
	run := NewRun(ModeSimple, ImageTypeStudio)
	assert.Equal(t, StageIdle, run.Stage)

	_, err := EnterStage(StageQA)(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = EnterStage(StageGeneratingImages)(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, next := range []Stage{StageAnalyzing, StageFrontImage, StageQA, StageGeneratingImages, StageDone} {
		run, err = EnterStage(next)(run)
		require.NoError(t, err)
		assert.Equal(t, next, run.Stage)
	}

	_, err = EnterStage(StageAnalyzing)(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = EnterStage(StageError)(run)
	assert.ErrorIs(t, err, ErrInvalidTransition, "done is terminal")
}

func TestErrorReachableOnlyFromActiveStages(t *testing.T) {
	run := NewRun(ModeSimple, ImageTypeStudio)
	_, err := EnterStage(StageError)(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	run, _ = EnterStage(StageAnalyzing)(run)
	run, err = EnterStage(StageError)(run)
	require.NoError(t, err)
	assert.True(t, run.Failed())
}

func TestAdvancedStepsRejectSkipping(t *testing.T) {
	run := NewRun(ModeAdvanced, ImageTypeLifestyle)
	assert.Equal(t, StepAnalyze, run.Step)
	assert.Empty(t, run.Stage)

	_, err := EnterStep(StepQA)(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = EnterStage(StageAnalyzing)(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	run, err = Chain(EnterStep(StepAnalysis), EnterStep(StepQA), EnterStep(StepFinal))(run)
	require.NoError(t, err)
	assert.Equal(t, StepFinal, run.Step)
}

func TestFailAddsSyntheticItemWhenEmpty(t *testing.T) {
	run := NewRun(ModeSimple, ImageTypeLifestyle)
	run, _ = EnterStage(StageAnalyzing)(run)

	failed, err := Fail("analysis failed: boom")(run)
	require.NoError(t, err)
	assert.Equal(t, StageError, failed.Stage)
	assert.Equal(t, "analysis failed: boom", failed.Error)
	require.Len(t, failed.Items, 1)
	assert.Equal(t, "lifestyle-0", failed.Items[0].ID)
	assert.Equal(t, "Error", failed.Items[0].Title)
	assert.Equal(t, ItemFailed, failed.Items[0].State)
	assert.Equal(t, "analysis failed: boom", failed.Items[0].Error)
}

func TestFailKeepsExistingItems(t *testing.T) {
	run := NewRun(ModeSimple, ImageTypeStudio)
	run, err := Chain(
		EnterStage(StageAnalyzing), EnterStage(StageFrontImage), EnterStage(StageQA), EnterStage(StageGeneratingImages),
		StartBatch(test.DefaultPrompts(3), ImageTypeStudio, 1),
	)(run)
	require.NoError(t, err)

	failed, err := Fail("unexpected")(run)
	require.NoError(t, err)
	assert.Len(t, failed.Items, 3)
	assert.Equal(t, "unexpected", failed.Error)
}

func TestAdvancedFailKeepsStep(t *testing.T) {
	run := NewRun(ModeAdvanced, ImageTypeStudio)
	run, _ = SetBusy(true)(run)
	failed, err := Fail("analysis failed")(run)
	require.NoError(t, err)
	assert.Equal(t, StepAnalyze, failed.Step)
	assert.False(t, failed.Busy)
	assert.Empty(t, failed.Items)
	assert.True(t, failed.Failed())
}

func TestStartBatchCapsAtFourAndStartsLoading(t *testing.T) {
	for _, n := range []int{0, 1, 3, 4, 5, 9} {
		run, err := StartBatch(test.DefaultPrompts(n), ImageTypeStudio, 7)(NewRun(ModeSimple, ImageTypeStudio))
		require.NoError(t, err)
		assert.Len(t, run.Items, min(n, 4))
		assert.Equal(t, uint64(7), run.BatchID)
		for i, item := range run.Items {
			assert.Equal(t, ItemLoading, item.State)
			assert.Equal(t, ItemID(ImageTypeStudio, i), item.ID)
		}
	}
}

func TestStartBatchDefaultTitles(t *testing.T) {
	prompts := []models.RefinedPrompt{{Prompt: "a"}, {Title: "Back view", Prompt: "b"}}
	run, err := StartBatch(prompts, ImageTypeLifestyle, 1)(NewRun(ModeSimple, ImageTypeStudio))
	require.NoError(t, err)
	assert.Equal(t, "Lifestyle Image 1", run.Items[0].Title)
	assert.Equal(t, "Back view", run.Items[1].Title)
	assert.Equal(t, "lifestyle-1", run.Items[1].ID)
	assert.Equal(t, ImageTypeLifestyle, run.ImageType)
}

func TestStartBatchReplacesItemsWholesale(t *testing.T) {
	run, _ := StartBatch(test.DefaultPrompts(4), ImageTypeStudio, 1)(NewRun(ModeSimple, ImageTypeStudio))
	run, _ = ResolveItem(0, "https://x/0.png", nil)(run)
	run, err := StartBatch(test.DefaultPrompts(2), ImageTypeStudio, 2)(run)
	require.NoError(t, err)
	assert.Len(t, run.Items, 2)
	assert.Equal(t, ItemLoading, run.Items[0].State)
	assert.Empty(t, run.Items[0].ImageURL)
}

func TestResolveItemNeverMovesBackward(t *testing.T) {
	run, _ := StartBatch(test.DefaultPrompts(2), ImageTypeStudio, 1)(NewRun(ModeSimple, ImageTypeStudio))
	before := run

	run, err := ResolveItem(0, "https://x/0.png", nil)(run)
	require.NoError(t, err)
	assert.Equal(t, ItemReady, run.Items[0].State)
	assert.Equal(t, 100, run.Items[0].RevealProgress)
	assert.Equal(t, ItemLoading, before.Items[0].State, "transitions must not mutate their input")

	_, err = ResolveItem(0, "", errors.New("late"))(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	run, err = ResolveItem(1, "", errors.New("provider down"))(run)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, run.Items[1].State)
	assert.Equal(t, "provider down", run.Items[1].Error)

	_, err = ResolveItem(5, "", nil)(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEditPromptRequiresFinalStep(t *testing.T) {
	run := NewRun(ModeAdvanced, ImageTypeStudio)
	_, err := EditPrompt(0, "x")(run)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	run, _ = Chain(EnterStep(StepAnalysis), EnterStep(StepQA), WithPrompts(test.DefaultPrompts(2)), EnterStep(StepFinal))(run)
	edited, err := EditPrompt(1, "sharper lapels")(run)
	require.NoError(t, err)
	assert.Equal(t, "sharper lapels", edited.Prompts[1].Prompt)
	assert.Equal(t, "refined prompt 2", run.Prompts[1].Prompt)

	_, err = EditPrompt(2, "x")(run)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEditAnalysisPromptDerivesCopy(t *testing.T) {
	original := test.DefaultAnalysis()
	run, err := Chain(WithAnalysis(*original), EnterStep(StepAnalysis))(NewRun(ModeAdvanced, ImageTypeStudio))
	require.NoError(t, err)

	edited, err := EditAnalysisPrompt("P2")(run)
	require.NoError(t, err)
	assert.Equal(t, "P2", edited.Analysis.InitialPrompt)
	assert.Equal(t, original.InitialPrompt, run.Analysis.InitialPrompt)
}

func TestPromptImageTokenGuardsLateResults(t *testing.T) {
	run, _ := Chain(EnterStep(StepAnalysis), EnterStep(StepQA), WithPrompts(test.DefaultPrompts(2)), EnterStep(StepFinal))(NewRun(ModeAdvanced, ImageTypeStudio))

	run, err := BeginPromptImage(0, 1)(run)
	require.NoError(t, err)
	run, err = BeginPromptImage(0, 2)(run)
	require.NoError(t, err)

	_, err = ResolvePromptImage(0, 1, "https://x/old.png", nil)(run)
	assert.ErrorIs(t, err, ErrStaleRun)

	run, err = ResolvePromptImage(0, 2, "https://x/new.png", nil)(run)
	require.NoError(t, err)
	assert.Equal(t, PromptImageReady, run.PromptImages[0].State)
	assert.Equal(t, "https://x/new.png", run.PromptImages[0].ImageURL)

	_, err = BeginPromptImage(3, 3)(run)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDefaultItemTitle(t *testing.T) {
	assert.Equal(t, "Studio Image 1", DefaultItemTitle(ImageTypeStudio, 0))
	assert.Equal(t, "Lifestyle Image 4", DefaultItemTitle(ImageTypeLifestyle, 3))
}
