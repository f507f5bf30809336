// Package apiclient talks to the fashion pipeline HTTP API. It implements the
// analysis, synthesis and upload contracts the orchestrator consumes, so a
// pipeline can run in-process against a remote service.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"fashionpipeline/models"

	"github.com/rs/zerolog/log"
)

const genericFailure = "An unexpected error occurred."

// APIError is a non-2xx response. Message follows details, then error, then a generic text.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Token, when set, is sent as a bearer token.
	Token string
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) AnalyzeGarments(ctx context.Context, req models.AnalyzeRequest) (*models.AnalysisResult, error) {
	var result models.AnalysisResult
	if err := c.postJSON(ctx, "/api/v1/fashion/analyze", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) PerformQA(ctx context.Context, garments []models.ImageRef, candidate models.ImageRef, analysis models.AnalysisResult) ([]models.RefinedPrompt, error) {
	var prompts []models.RefinedPrompt
	err := c.postJSON(ctx, "/api/v1/fashion/perform-qa", models.QARequest{
		OriginalGarmentImages: garments,
		GeneratedFashionImage: &candidate,
		AnalysisData:          &analysis,
	}, &prompts)
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

func (c *Client) GenerateImage(ctx context.Context, req models.SynthesisRequest) (string, error) {
	var out models.SynthesisResponse
	if err := c.postJSON(ctx, "/api/v1/images/generate", req.Normalize(), &out); err != nil {
		return "", err
	}
	if out.ImageURL == "" {
		return "", fmt.Errorf("image service returned no imageUrl")
	}
	return out.ImageURL, nil
}

// Upload sends content to the upload endpoint as multipart form data.
func (c *Client) Upload(ctx context.Context, fileName string, content []byte, mimeType string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, strings.ReplaceAll(fileName, `"`, "")))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(content); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	var out models.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/api/upload", writer.FormDataContentType(), &body, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) Delete(ctx context.Context, url string) error {
	payload, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, "/api/upload", "application/json", bytes.NewReader(payload), nil)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
		log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("error", apiErr.Message).Msg("api call failed")
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		models.ErrorResponse
		// echo's own HTTP errors
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return genericFailure
	}
	switch {
	case body.Details != "":
		return body.Details
	case body.Error != "":
		return body.Error
	case body.Message != "":
		return body.Message
	}
	return genericFailure
}
