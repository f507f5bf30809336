package services

import (
	"context"
	"fmt"
	"strings"

	"fashionpipeline/models"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// LLMModelName is the Gemini model used for text and vision calls.
type LLMModelName int32

const (
	Pro25 LLMModelName = iota
	Flash25
	FlashLite25
	Flash20
)

func (t LLMModelName) String() string {
	switch t {
	case Pro25:
		return "gemini-2.5-pro"
	case Flash25:
		return "gemini-2.5-flash"
	case FlashLite25:
		return "gemini-2.5-flash-lite"
	default:
		return "gemini-2.0-flash"
	}
}

func floatPointer(f float32) *float32 {
	return &f
}

// FashionAnalyzer covers every call made to the analysis/prompt service.
type FashionAnalyzer interface {
	AnalyzeGarments(ctx context.Context, req models.AnalyzeRequest) (*models.AnalysisResult, error)
	PerformQA(ctx context.Context, garments []models.ImageRef, candidate models.ImageRef, analysis models.AnalysisResult) ([]models.RefinedPrompt, error)
	GenerateCharacterSheet(ctx context.Context, image models.ImageRef, backgroundIdea string) ([]models.RefinedPrompt, error)
	RefineCharacterSheet(ctx context.Context, image models.ImageRef, suggestions, originalIdea string) ([]models.RefinedPrompt, error)
	GenerateDetailedPrompt(ctx context.Context, req models.DetailedPromptRequest) (string, error)
}

type GeminiService struct {
	Model  string
	client *genai.Client
}

func NewGeminiService(ctx context.Context, cfg *Config) (*GeminiService, error) {
	service := &GeminiService{Model: cfg.GeminiModel}
	if cfg.GoogleAPIKey == "" {
		return service, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	service.client = client
	return service, nil
}

var refinedPromptListSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"title":  {Type: genai.TypeString},
			"prompt": {Type: genai.TypeString},
		},
		Required: []string{"title", "prompt"},
	},
}

const analysisInstruction = `You are a senior fashion stylist and e-commerce art director. You receive garment photos and optional background and model reference photos.
Return JSON with:
- garmentAnalysis: a precise description of every garment (type, cut, fabric, color, pattern, hardware, distinctive details).
- qaChecklist: a checklist a reviewer uses to verify a generated image reproduces each garment faithfully.
- initialJsonPrompt: a structured image-generation prompt for a front-facing, full-body studio shot of a model wearing all garments together, portrait 3:4, honoring any background or model references.`

const qaInstruction = `You are a fashion QA reviewer. Compare the generated fashion image (last image) against the original garment photos using the analysis and QA checklist provided.
Identify every deviation, then write four refined image-generation prompts that fix those deviations and produce varied final shots (different poses, framings and settings) of the same outfit.
Return a JSON array of objects with "title" and "prompt".`

const characterSheetInstruction = `You design character sheets for fashion campaigns. From the reference image write distinct shot prompts: front, three-quarter, back, a close detail and one bold "crazy shot" using the background idea when given.
Return a JSON array of objects with "title" and "prompt".`

const detailedPromptInstruction = `You write detailed, production-ready prompts for an image generation model. Describe subject, garments, pose, framing, lighting, lens, background and mood in one paragraph. Return only the prompt text.`

func (s *GeminiService) AnalyzeGarments(ctx context.Context, req models.AnalyzeRequest) (*models.AnalysisResult, error) {
	if len(req.GarmentImages) == 0 {
		return nil, fmt.Errorf("at least one garment image is required")
	}
	var parts []*genai.Part
	groups := []struct {
		label  string
		images []models.ImageRef
	}{
		{"Garment images", req.GarmentImages},
		{"Background reference images", req.BackgroundRefImages},
		{"Model reference images", req.ModelRefImages},
	}
	for _, group := range groups {
		if len(group.images) == 0 {
			continue
		}
		parts = append(parts, &genai.Part{Text: group.label + ":"})
		imageParts, err := imagePartsFor(ctx, group.images)
		if err != nil {
			return nil, err
		}
		parts = append(parts, imageParts...)
	}

	text, err := s.generate(ctx, parts, analysisInstruction, &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"garmentAnalysis":   {Type: genai.TypeString},
			"qaChecklist":       {Type: genai.TypeString},
			"initialJsonPrompt": {Type: genai.TypeString},
		},
		Required: []string{"garmentAnalysis", "qaChecklist", "initialJsonPrompt"},
	})
	if err != nil {
		return nil, err
	}
	result, err := parseModelPayload[models.AnalysisResult](text)
	if err != nil {
		return nil, fmt.Errorf("malformed analysis response: %w", err)
	}
	if !result.Complete() {
		return nil, fmt.Errorf("analysis response has no initial prompt: %w", ErrEmptyResponse)
	}
	return &result, nil
}

func (s *GeminiService) PerformQA(ctx context.Context, garments []models.ImageRef, candidate models.ImageRef, analysis models.AnalysisResult) ([]models.RefinedPrompt, error) {
	if len(garments) == 0 {
		return nil, fmt.Errorf("missing required field: originalGarmentImages")
	}
	if candidate.Empty() {
		return nil, fmt.Errorf("missing required field: generatedFashionImage")
	}
	if !analysis.Complete() {
		return nil, fmt.Errorf("missing required field: analysisData")
	}

	parts, err := imagePartsFor(ctx, append(append([]models.ImageRef{}, garments...), candidate))
	if err != nil {
		return nil, err
	}
	parts = append(parts, &genai.Part{Text: fmt.Sprintf(
		"Garment analysis:\n%s\n\nQA checklist:\n%s\n\nPrompt used for the generated image:\n%s",
		analysis.GarmentAnalysis, analysis.QAChecklist, analysis.InitialPrompt,
	)})

	text, err := s.generate(ctx, parts, qaInstruction, refinedPromptListSchema)
	if err != nil {
		return nil, err
	}
	return parsePromptList(text)
}

func (s *GeminiService) GenerateCharacterSheet(ctx context.Context, image models.ImageRef, backgroundIdea string) ([]models.RefinedPrompt, error) {
	parts, err := imagePartsFor(ctx, []models.ImageRef{image})
	if err != nil {
		return nil, err
	}
	if backgroundIdea != "" {
		parts = append(parts, &genai.Part{Text: "Crazy shot background idea: " + backgroundIdea})
	}
	text, err := s.generate(ctx, parts, characterSheetInstruction, refinedPromptListSchema)
	if err != nil {
		return nil, err
	}
	return parsePromptList(text)
}

func (s *GeminiService) RefineCharacterSheet(ctx context.Context, image models.ImageRef, suggestions, originalIdea string) ([]models.RefinedPrompt, error) {
	parts, err := imagePartsFor(ctx, []models.ImageRef{image})
	if err != nil {
		return nil, err
	}
	parts = append(parts, &genai.Part{Text: "Refinement suggestions: " + suggestions})
	if originalIdea != "" {
		parts = append(parts, &genai.Part{Text: "Original crazy shot idea: " + originalIdea})
	}
	text, err := s.generate(ctx, parts, characterSheetInstruction+" Apply the refinement suggestions to every prompt.", refinedPromptListSchema)
	if err != nil {
		return nil, err
	}
	return parsePromptList(text)
}

func (s *GeminiService) GenerateDetailedPrompt(ctx context.Context, req models.DetailedPromptRequest) (string, error) {
	parts, err := imagePartsFor(ctx, req.ImagesToProcess)
	if err != nil {
		return "", err
	}
	if req.TextConcept != "" {
		parts = append(parts, &genai.Part{Text: "Concept: " + req.TextConcept})
	}
	if req.RefinementSuggestions != "" {
		parts = append(parts, &genai.Part{Text: "Refinements: " + req.RefinementSuggestions})
	}
	text, err := s.generate(ctx, parts, detailedPromptInstruction, nil)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(trimCodeFence(text))
	if prompt == "" {
		return "", ErrEmptyResponse
	}
	return prompt, nil
}

func (s *GeminiService) generate(ctx context.Context, parts []*genai.Part, instruction string, schema *genai.Schema) (string, error) {
	if s.client == nil {
		return "", ConfigError{Msg: "Google API key is not configured."}
	}
	config := &genai.GenerateContentConfig{
		CandidateCount: 1,
		Temperature:    floatPointer(0.7),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: instruction}},
		},
	}
	if schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schema
	}

	result, err := s.client.Models.GenerateContent(ctx, s.Model, []*genai.Content{{Role: genai.RoleUser, Parts: parts}}, config)
	if err != nil {
		log.Error().Err(err).Str("model", s.Model).Msg("GenerateContent failed")
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	if result.UsageMetadata != nil {
		log.Debug().
			Int32("input_tokens", result.UsageMetadata.PromptTokenCount).
			Int32("output_tokens", result.UsageMetadata.CandidatesTokenCount).
			Int32("thoughts_tokens", result.UsageMetadata.ThoughtsTokenCount).
			Msg("gemini usage")
	}
	return firstCandidateText(result)
}

func firstCandidateText(result *genai.GenerateContentResponse) (string, error) {
	if result == nil {
		return "", ErrEmptyResponse
	}
	if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("content violation: %s %s", result.PromptFeedback.BlockReason, result.PromptFeedback.BlockReasonMessage)
	}
	for _, c := range result.Candidates {
		for _, rating := range c.SafetyRatings {
			if rating.Blocked {
				return "", fmt.Errorf("content blocked by safety setting: %s", rating.Category)
			}
		}
	}
	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func imagePartsFor(ctx context.Context, refs []models.ImageRef) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(refs))
	for i, ref := range refs {
		data, mimeType, err := ResolveImageRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}})
	}
	return parts, nil
}

func parsePromptList(text string) ([]models.RefinedPrompt, error) {
	prompts, err := parseModelPayload[[]models.RefinedPrompt](text)
	if err != nil {
		return nil, fmt.Errorf("malformed prompt list: %w", err)
	}
	kept := prompts[:0]
	for _, p := range prompts {
		if strings.TrimSpace(p.Prompt) == "" {
			continue
		}
		kept = append(kept, p)
	}
	return kept, nil
}
