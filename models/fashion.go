package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AnalysisResult is produced once per run by the analysis call.
type AnalysisResult struct {
	GarmentAnalysis string `json:"garmentAnalysis"`
	QAChecklist     string `json:"qaChecklist"`
	// InitialPrompt travels as initialJsonPrompt; providers sometimes return it as an object.
	InitialPrompt string `json:"initialJsonPrompt"`
}

type analysisResultWire struct {
	GarmentAnalysis    string          `json:"garmentAnalysis"`
	QAChecklist        string          `json:"qaChecklist"`
	InitialJsonPrompt  json.RawMessage `json:"initialJsonPrompt"`
	InitialPromptAlias json.RawMessage `json:"initialPrompt"`
}

func (a *AnalysisResult) UnmarshalJSON(data []byte) error {
	var wire analysisResultWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	raw := wire.InitialJsonPrompt
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = wire.InitialPromptAlias
	}
	prompt, err := structuredText(raw)
	if err != nil {
		return fmt.Errorf("initialJsonPrompt: %w", err)
	}
	a.GarmentAnalysis = wire.GarmentAnalysis
	a.QAChecklist = wire.QAChecklist
	a.InitialPrompt = prompt
	return nil
}

// Complete reports whether every field the pipeline relies on is present.
func (a AnalysisResult) Complete() bool {
	return a.InitialPrompt != ""
}

// structuredText accepts a JSON string or any JSON value and returns its text form.
func structuredText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", err
	}
	return compact.String(), nil
}

// RefinedPrompt is one titled prompt returned by QA or the character sheet helpers.
type RefinedPrompt struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
}

// ImageRef is either a URL reference or an inline payload.
// Base64 may hold raw base64, a data URL, or an http(s) URL.
type ImageRef struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func (r ImageRef) Empty() bool {
	return r.URL == "" && r.Base64 == ""
}

// UnmarshalJSON also accepts a bare string, which older QA callers send for garment URLs.
func (r *ImageRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = ImageRef{URL: s}
		return nil
	}
	type plain ImageRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ImageRef(p)
	return nil
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type AnalyzeRequest struct {
	GarmentImages       []ImageRef `json:"garmentImages"`
	BackgroundRefImages []ImageRef `json:"backgroundRefImages,omitempty"`
	ModelRefImages      []ImageRef `json:"modelRefImages,omitempty"`
}

type QARequest struct {
	OriginalGarmentImages []ImageRef      `json:"originalGarmentImages"`
	GeneratedFashionImage *ImageRef       `json:"generatedFashionImage"`
	AnalysisData          *AnalysisResult `json:"analysisData"`
}

// SynthesisRequest is the images/generate body. Legacy callers send input_image_1/2.
type SynthesisRequest struct {
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspect_ratio"`
	InputImages []string `json:"input_images,omitempty"`
	InputImage1 string   `json:"input_image_1,omitempty"`
	InputImage2 string   `json:"input_image_2,omitempty"`
}

// Normalize folds the legacy positional slots into InputImages.
// An explicit input_images list wins over the legacy fields.
func (r SynthesisRequest) Normalize() SynthesisRequest {
	if r.InputImages == nil && (r.InputImage1 != "" || r.InputImage2 != "") {
		images := make([]string, 0, 2)
		if r.InputImage1 != "" {
			images = append(images, r.InputImage1)
		}
		if r.InputImage2 != "" {
			images = append(images, r.InputImage2)
		}
		r.InputImages = images
	}
	r.InputImage1 = ""
	r.InputImage2 = ""
	return r
}

type SynthesisResponse struct {
	ImageURL string `json:"imageUrl"`
}

type CharacterSheetRequest struct {
	Image                   *ImageRef `json:"image"`
	CrazyShotBackgroundIdea string    `json:"crazyShotBackgroundIdea,omitempty"`
}

type CharacterSheetRefineRequest struct {
	Image                 *ImageRef `json:"image"`
	Suggestions           string    `json:"suggestions"`
	OriginalCrazyShotIdea string    `json:"originalCrazyShotIdea,omitempty"`
}

type DetailedPromptRequest struct {
	ImagesToProcess       []ImageRef `json:"imagesToProcess,omitempty"`
	TextConcept           string     `json:"textConcept,omitempty"`
	RefinementSuggestions string     `json:"refinementSuggestions,omitempty"`
}

type DetailedPromptResponse struct {
	Prompt string `json:"prompt"`
}

type UploadResponse struct {
	URL string `json:"url"`
}
