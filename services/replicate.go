package services

import (
	"context"
	"fmt"
	"strings"

	"fashionpipeline/models"

	"github.com/replicate/replicate-go"
	"github.com/rs/zerolog/log"
)

const DefaultReplicateModel = "flux-kontext-apps/multi-image-list"

// ModelRunner runs a hosted model and returns its raw output.
type ModelRunner interface {
	Run(ctx context.Context, identifier string, input map[string]any) (any, error)
}

type replicateRunner struct {
	client *replicate.Client
}

func (r replicateRunner) Run(ctx context.Context, identifier string, input map[string]any) (any, error) {
	output, err := r.client.Run(ctx, identifier, replicate.PredictionInput(input), nil)
	if err != nil {
		return nil, err
	}
	return output, nil
}

type ImageSynthesizer interface {
	GenerateImage(ctx context.Context, req models.SynthesisRequest) (string, error)
}

type OutputKind int

const (
	OutputUnexpected OutputKind = iota
	OutputList
	OutputString
)

func (k OutputKind) String() string {
	switch k {
	case OutputList:
		return "list"
	case OutputString:
		return "string"
	default:
		return "unexpected"
	}
}

// SynthesisOutput is the validated shape of a synthesis response.
type SynthesisOutput struct {
	Kind OutputKind
	URLs []string
	Raw  any
}

func DecodeSynthesisOutput(raw any) SynthesisOutput {
	switch v := raw.(type) {
	case string:
		return SynthesisOutput{Kind: OutputString, URLs: []string{v}, Raw: raw}
	case []string:
		if len(v) > 0 {
			return SynthesisOutput{Kind: OutputList, URLs: v, Raw: raw}
		}
	case []any:
		if len(v) == 0 {
			break
		}
		urls := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return SynthesisOutput{Kind: OutputUnexpected, Raw: raw}
			}
			urls = append(urls, s)
		}
		return SynthesisOutput{Kind: OutputList, URLs: urls, Raw: raw}
	}
	return SynthesisOutput{Kind: OutputUnexpected, Raw: raw}
}

// ImageURL returns the canonical reference: the first list element or the bare string.
func (o SynthesisOutput) ImageURL() (string, error) {
	if o.Kind == OutputUnexpected || len(o.URLs) == 0 {
		return "", ErrUnexpectedOutput
	}
	return o.URLs[0], nil
}

type ReplicateService struct {
	Token  string
	Model  string
	Runner ModelRunner
}

func NewReplicateService(cfg *Config) (*ReplicateService, error) {
	service := &ReplicateService{Token: cfg.ReplicateAPIToken, Model: cfg.ReplicateModel}
	if cfg.ReplicateAPIToken == "" {
		// calls fail with a configuration error until a token is provided
		return service, nil
	}
	client, err := replicate.NewClient(replicate.WithToken(cfg.ReplicateAPIToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create replicate client: %w", err)
	}
	service.Runner = replicateRunner{client: client}
	return service, nil
}

func (s *ReplicateService) model() string {
	if s.Model == "" {
		return DefaultReplicateModel
	}
	return s.Model
}

func (s *ReplicateService) ready() error {
	if s.Token == "" || s.Runner == nil {
		return ConfigError{Msg: "Replicate API token is not configured."}
	}
	return nil
}

func (s *ReplicateService) GenerateImage(ctx context.Context, req models.SynthesisRequest) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	in := req.Normalize()
	if len(in.InputImages) < 2 {
		return "", ErrNotEnoughImages
	}

	input := map[string]any{
		"prompt":       in.Prompt,
		"aspect_ratio": in.AspectRatio,
		"input_images": in.InputImages,
	}
	raw, err := s.Runner.Run(ctx, s.model(), input)
	if err != nil {
		log.Error().Err(err).Str("model", s.model()).Msg("replicate run failed")
		return "", fmt.Errorf("Failed to generate image: %w", err)
	}
	output := DecodeSynthesisOutput(raw)
	imageURL, err := output.ImageURL()
	if err != nil {
		log.Error().Str("kind", output.Kind.String()).Interface("output", raw).Msg("replicate output rejected")
		return "", fmt.Errorf("Failed to generate image: %w", err)
	}
	log.Info().Str("model", s.model()).Int("images", len(in.InputImages)).Str("kind", output.Kind.String()).Msg("image generated")
	return imageURL, nil
}

type DiagnosticReport struct {
	OutputType string   `json:"outputType"`
	FoundURLs  []string `json:"foundUrls"`
	RawOutput  any      `json:"rawOutput"`
}

// RunDiagnostic runs the model on a single image at 1:1 and reports what came back.
// It deliberately skips the two-image guard.
func (s *ReplicateService) RunDiagnostic(ctx context.Context, imageURL, prompt string) (*DiagnosticReport, error) {
	if s.Token == "" || s.Runner == nil {
		return nil, ConfigError{Msg: "Replicate API token not configured"}
	}
	if prompt == "" {
		prompt = "Transform this into an Aesop-style minimalist aesthetic"
	}
	raw, err := s.Runner.Run(ctx, s.model(), map[string]any{
		"prompt":           prompt,
		"aspect_ratio":     "1:1",
		"input_images":     []string{imageURL},
		"output_format":    "png",
		"safety_tolerance": 2,
	})
	if err != nil {
		return nil, err
	}
	return &DiagnosticReport{
		OutputType: DecodeSynthesisOutput(raw).Kind.String(),
		FoundURLs:  collectURLs(raw, ""),
		RawOutput:  raw,
	}, nil
}

func collectURLs(value any, path string) []string {
	var found []string
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, "http") {
			found = append(found, fmt.Sprintf("%s: %s", path, v))
		}
	case []any:
		for i, item := range v {
			found = append(found, collectURLs(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	case []string:
		for i, item := range v {
			found = append(found, collectURLs(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	case map[string]any:
		for key, item := range v {
			next := key
			if path != "" {
				next = path + "." + key
			}
			found = append(found, collectURLs(item, next)...)
		}
	}
	return found
}
