package services

import (
	"context"
	"errors"
	"testing"

	"fashionpipeline/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerStub struct {
	output any
	err    error
	calls  []map[string]any
}

func (r *runnerStub) Run(ctx context.Context, identifier string, input map[string]any) (any, error) {
	r.calls = append(r.calls, input)
	return r.output, r.err
}

func TestGenerateImageNeedsTwoImages(t *testing.T) {
	runner := &runnerStub{output: "https://out/1.png"}
	svc := &ReplicateService{Token: "t", Runner: runner}

	_, err := svc.GenerateImage(context.Background(), models.SynthesisRequest{
		Prompt:      "a model",
		InputImages: []string{"https://in/1.png"},
	})
	assert.ErrorIs(t, err, ErrNotEnoughImages)
	assert.Empty(t, runner.calls)
}

func TestGenerateImageNotConfigured(t *testing.T) {
	svc := &ReplicateService{}
	_, err := svc.GenerateImage(context.Background(), models.SynthesisRequest{InputImages: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, "Replicate API token is not configured.", err.Error())
}

func TestGenerateImageOutputs(t *testing.T) {
	tests := []struct {
		name    string
		output  any
		want    string
		wantErr error
	}{
		{"bare string", "https://out/a.png", "https://out/a.png", nil},
		{"string list", []string{"https://out/b.png", "https://out/c.png"}, "https://out/b.png", nil},
		{"any list", []any{"https://out/d.png"}, "https://out/d.png", nil},
		{"empty list", []any{}, "", ErrUnexpectedOutput},
		{"object", map[string]any{"url": "https://out/e.png"}, "", ErrUnexpectedOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &runnerStub{output: tt.output}
			svc := &ReplicateService{Token: "t", Runner: runner}
			got, err := svc.GenerateImage(context.Background(), models.SynthesisRequest{
				Prompt:      "p",
				AspectRatio: "3:4",
				InputImage1: "https://in/1.png",
				InputImage2: "https://in/2.png",
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.Len(t, runner.calls, 1)
			assert.Equal(t, []string{"https://in/1.png", "https://in/2.png"}, runner.calls[0]["input_images"])
			assert.Equal(t, "3:4", runner.calls[0]["aspect_ratio"])
		})
	}
}

func TestGenerateImageProviderFailure(t *testing.T) {
	svc := &ReplicateService{Token: "t", Runner: &runnerStub{err: errors.New("rate limited")}}
	_, err := svc.GenerateImage(context.Background(), models.SynthesisRequest{InputImages: []string{"a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to generate image")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRunDiagnostic(t *testing.T) {
	runner := &runnerStub{output: map[string]any{
		"images": []any{"https://out/1.png", "not a url"},
		"meta":   map[string]any{"preview": "http://out/p.png"},
	}}
	svc := &ReplicateService{Token: "t", Runner: runner}

	report, err := svc.RunDiagnostic(context.Background(), "https://in/1.png", "")
	require.NoError(t, err)
	assert.Equal(t, "unexpected", report.OutputType)
	assert.ElementsMatch(t, []string{"images[0]: https://out/1.png", "meta.preview: http://out/p.png"}, report.FoundURLs)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"https://in/1.png"}, runner.calls[0]["input_images"])
	assert.Equal(t, "1:1", runner.calls[0]["aspect_ratio"])
	assert.NotEmpty(t, runner.calls[0]["prompt"])

	_, err = (&ReplicateService{}).RunDiagnostic(context.Background(), "https://in/1.png", "x")
	assert.EqualError(t, err, "Replicate API token not configured")
}

func TestDecodeSynthesisOutput(t *testing.T) {
	assert.Equal(t, OutputString, DecodeSynthesisOutput("x").Kind)
	assert.Equal(t, OutputList, DecodeSynthesisOutput([]any{"a", "b"}).Kind)
	assert.Equal(t, OutputUnexpected, DecodeSynthesisOutput([]any{"a", 1}).Kind)
	assert.Equal(t, OutputUnexpected, DecodeSynthesisOutput([]string{}).Kind)
	assert.Equal(t, OutputUnexpected, DecodeSynthesisOutput(nil).Kind)

	_, err := DecodeSynthesisOutput(42).ImageURL()
	assert.ErrorIs(t, err, ErrUnexpectedOutput)
}
