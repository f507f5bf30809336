package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	"fashionpipeline/models"
	"fashionpipeline/services"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
)

func JsonString(model interface{}) string {
	bytes, _ := json.Marshal(model)
	return string(bytes)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

func NewRawJSONRequest(method string, target string, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

func GenerateUserToken(subject string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * 72)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		log.Fatalf("Error when signing token for %s. Error %s ", subject, err)
	}
	return t
}

func NewJSONAuthRequest(method string, target string, subject string, param interface{}) *http.Request {
	req := NewJSONRequest(method, target, param)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", GenerateUserToken(subject)))
	return req
}

// NewMultipartRequest builds a form upload with one file part and extra text fields.
func NewMultipartRequest(target, fileName, mimeType string, content []byte, fields map[string]string) *http.Request {
	var body strings.Builder
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	if fileName != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
		header.Set("Content-Type", mimeType)
		part, _ := writer.CreatePart(header)
		part.Write(content)
	}
	writer.Close()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body.String()))
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// Serve runs req through e and decodes the JSON body into out when out is not nil.
func Serve(e *echo.Echo, req *http.Request, out interface{}) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code > 300 {
		log.Printf("%s", rec.Body.String())
	}
	if out != nil {
		json.Unmarshal(rec.Body.Bytes(), out)
	}
	return rec
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

type AWSProviderMock struct {
	MockUrl string

	mu      sync.Mutex
	Uploads []string
	Deleted []string
}

func (awsService *AWSProviderMock) InitPresignClient(ctx context.Context) error {
	return nil
}

func (awsService *AWSProviderMock) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {
	return fmt.Sprintf("https://fakebucketurl.com/%s/%s", bucketName, fileName), nil
}

func (awsService *AWSProviderMock) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	if awsService.MockUrl != "" {
		return awsService.MockUrl, nil
	}
	return fmt.Sprintf("https://fakebucketurl.com/%s/%s?signed=1", bucketName, fileKey), nil
}

func (awsService *AWSProviderMock) UploadToPresignedURL(ctx context.Context, url string, fileContent []byte, mimeType string) (int, error) {
	awsService.mu.Lock()
	defer awsService.mu.Unlock()
	awsService.Uploads = append(awsService.Uploads, url)
	return 200, nil
}

func (awsService *AWSProviderMock) DeleteObject(ctx context.Context, bucketName, fileKey string) error {
	awsService.mu.Lock()
	defer awsService.mu.Unlock()
	awsService.Deleted = append(awsService.Deleted, fileKey)
	return nil
}

// BlobStoreMock hands out deterministic URLs and counts uploads.
type BlobStoreMock struct {
	Delay time.Duration
	Err   error

	mu      sync.Mutex
	Uploads []string
	Deleted []string
}

func (b *BlobStoreMock) Upload(ctx context.Context, fileName string, content []byte, mimeType string) (string, error) {
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	if b.Err != nil {
		return "", b.Err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Uploads = append(b.Uploads, fileName)
	return fmt.Sprintf("https://blobs.example.com/%d-%s", len(b.Uploads), fileName), nil
}

func (b *BlobStoreMock) Delete(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Deleted = append(b.Deleted, url)
	return nil
}

func (b *BlobStoreMock) UploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Uploads)
}

// AnalyzerMock returns canned analysis and QA results.
type AnalyzerMock struct {
	Analysis   *models.AnalysisResult
	Prompts    []models.RefinedPrompt
	AnalyzeErr error
	QAErr      error

	mu          sync.Mutex
	AnalyzeReqs []models.AnalyzeRequest
	QACalls     int
}

func DefaultAnalysis() *models.AnalysisResult {
	return &models.AnalysisResult{
		GarmentAnalysis: "Navy wool blazer with notch lapels",
		QAChecklist:     "Lapel shape, button count, fabric texture",
		InitialPrompt:   `{"shot":"front","subject":"model wearing navy blazer"}`,
	}
}

func DefaultPrompts(n int) []models.RefinedPrompt {
	prompts := make([]models.RefinedPrompt, n)
	for i := range prompts {
		prompts[i] = models.RefinedPrompt{Title: fmt.Sprintf("Shot %d", i+1), Prompt: fmt.Sprintf("refined prompt %d", i+1)}
	}
	return prompts
}

func (m *AnalyzerMock) AnalyzeGarments(ctx context.Context, req models.AnalyzeRequest) (*models.AnalysisResult, error) {
	m.mu.Lock()
	m.AnalyzeReqs = append(m.AnalyzeReqs, req)
	m.mu.Unlock()
	if m.AnalyzeErr != nil {
		return nil, m.AnalyzeErr
	}
	if m.Analysis != nil {
		return m.Analysis, nil
	}
	return DefaultAnalysis(), nil
}

func (m *AnalyzerMock) PerformQA(ctx context.Context, garments []models.ImageRef, candidate models.ImageRef, analysis models.AnalysisResult) ([]models.RefinedPrompt, error) {
	m.mu.Lock()
	m.QACalls++
	m.mu.Unlock()
	if m.QAErr != nil {
		return nil, m.QAErr
	}
	if m.Prompts != nil {
		return m.Prompts, nil
	}
	return DefaultPrompts(4), nil
}

func (m *AnalyzerMock) GenerateCharacterSheet(ctx context.Context, image models.ImageRef, backgroundIdea string) ([]models.RefinedPrompt, error) {
	return DefaultPrompts(5), nil
}

func (m *AnalyzerMock) RefineCharacterSheet(ctx context.Context, image models.ImageRef, suggestions, originalIdea string) ([]models.RefinedPrompt, error) {
	return DefaultPrompts(5), nil
}

func (m *AnalyzerMock) GenerateDetailedPrompt(ctx context.Context, req models.DetailedPromptRequest) (string, error) {
	if req.TextConcept == "" && len(req.ImagesToProcess) == 0 {
		return "", errors.New("nothing to describe")
	}
	return "A detailed prompt about " + req.TextConcept, nil
}

// SynthesizerMock records every request. FailPrompts maps a prompt to the error it should produce.
type SynthesizerMock struct {
	FailPrompts map[string]error
	Err         error
	// Gate, when set, blocks every call until it is closed or the context ends.
	Gate chan struct{}

	mu       sync.Mutex
	Requests []models.SynthesisRequest
}

func (m *SynthesizerMock) GenerateImage(ctx context.Context, req models.SynthesisRequest) (string, error) {
	req = req.Normalize()
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	n := len(m.Requests)
	m.mu.Unlock()
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err, ok := m.FailPrompts[req.Prompt]; ok {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	if len(req.InputImages) < 2 {
		return "", errors.New("At least two input images must be provided in input_images array.")
	}
	return fmt.Sprintf("https://replicate.delivery/out-%d.png", n), nil
}

func (m *SynthesizerMock) Calls() []models.SynthesisRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SynthesisRequest(nil), m.Requests...)
}

// RunDiagnostic reports a fixed single-URL output.
func (m *SynthesizerMock) RunDiagnostic(ctx context.Context, imageURL, prompt string) (*services.DiagnosticReport, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return &services.DiagnosticReport{
		OutputType: "string",
		FoundURLs:  []string{": https://replicate.delivery/diag.png"},
		RawOutput:  "https://replicate.delivery/diag.png",
	}, nil
}

// EnqueuerMock records tasks instead of sending them to redis.
type EnqueuerMock struct {
	Err error

	mu    sync.Mutex
	Tasks []*asynq.Task
}

func (m *EnqueuerMock) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tasks = append(m.Tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(m.Tasks)), Type: task.Type(), Queue: "generate"}, nil
}
