package controllers

import (
	"context"
	"net/http"

	"fashionpipeline/models"
	"fashionpipeline/services"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// diagnosticRunner is implemented by synthesizers that can run the single-image test path.
type diagnosticRunner interface {
	RunDiagnostic(ctx context.Context, imageURL, prompt string) (*services.DiagnosticReport, error)
}

type DeleteUploadIn struct {
	URL string `json:"url"`
}

type TestReplicateIn struct {
	TestImageURL string `json:"testImageUrl"`
	TestPrompt   string `json:"testPrompt"`
}

type TestReplicateResponse struct {
	Success   bool                       `json:"success"`
	Error     string                     `json:"error,omitempty"`
	DebugInfo *services.DiagnosticReport `json:"debugInfo,omitempty"`
}

// FashionController serves the stateless endpoints the pipeline is built on.
type FashionController struct {
	Analyzer     services.FashionAnalyzer
	Synthesizer  services.ImageSynthesizer
	Blobs        services.BlobStore
	MaxDimension int
}

func (controller *FashionController) FashionRoutes(g *echo.Group) {
	g.POST("/upload", controller.Upload)
	g.DELETE("/upload", controller.DeleteUpload)
	g.POST("/v1/fashion/analyze", controller.Analyze)
	g.POST("/v1/fashion/perform-qa", controller.PerformQA)
	g.POST("/v1/images/generate", controller.GenerateImage)
	g.GET("/test-replicate", controller.TestReplicateInfo)
	g.POST("/test-replicate", controller.TestReplicate)
	g.POST("/v1/character-sheet/generate", controller.GenerateCharacterSheet)
	g.POST("/v1/character-sheet/refine", controller.RefineCharacterSheet)
	g.POST("/v1/prompts/generate-detailed", controller.GenerateDetailedPrompt)
}

func (controller *FashionController) Upload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "No file uploaded"})
	}
	content, mimeType, err := readImageUpload(file, controller.MaxDimension)
	if err != nil {
		return pipelineFailure(c, "Failed to read upload.", err)
	}
	url, err := controller.Blobs.Upload(c.Request().Context(), file.Filename, content, mimeType)
	if err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to upload file.", err)
	}
	log.Info().Str("name", file.Filename).Int("size", len(content)).Str("url", url).Msg("file uploaded")
	return c.JSON(http.StatusOK, models.UploadResponse{URL: url})
}

func (controller *FashionController) DeleteUpload(c echo.Context) error {
	var req DeleteUploadIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBadBody)
	}
	if req.URL == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "No URL provided"})
	}
	if err := controller.Blobs.Delete(c.Request().Context(), req.URL); err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to delete blob", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (controller *FashionController) Analyze(c echo.Context) error {
	var req models.AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBadBody)
	}
	if len(req.GarmentImages) == 0 {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "The 'garmentImages' field is required and must be a non-empty array."})
	}
	result, err := controller.Analyzer.AnalyzeGarments(c.Request().Context(), req)
	if err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to analyze garments.", err)
	}
	return c.JSON(http.StatusOK, result)
}

func (controller *FashionController) PerformQA(c echo.Context) error {
	var req models.QARequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBadBody)
	}
	if len(req.OriginalGarmentImages) == 0 || req.GeneratedFashionImage == nil || req.GeneratedFashionImage.Empty() || req.AnalysisData == nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Missing required fields: 'originalGarmentImages', 'generatedFashionImage', or 'analysisData'."})
	}
	prompts, err := controller.Analyzer.PerformQA(c.Request().Context(), req.OriginalGarmentImages, *req.GeneratedFashionImage, *req.AnalysisData)
	if err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to perform QA and generate prompts.", err)
	}
	return c.JSON(http.StatusOK, prompts)
}

func (controller *FashionController) GenerateImage(c echo.Context) error {
	var req models.SynthesisRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBadBody)
	}
	req = req.Normalize()
	if len(req.InputImages) < 2 {
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "Failed to generate image.",
			Details: "At least two input images must be provided.",
		})
	}
	url, err := controller.Synthesizer.GenerateImage(c.Request().Context(), req)
	if err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to generate image.", err)
	}
	return c.JSON(http.StatusOK, models.SynthesisResponse{ImageURL: url})
}

func (controller *FashionController) TestReplicateInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":   "Replicate test endpoint",
		"available": true,
	})
}

func (controller *FashionController) TestReplicate(c echo.Context) error {
	var req TestReplicateIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBadBody)
	}
	if req.TestImageURL == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "The 'testImageUrl' field is required."})
	}
	runner, ok := controller.Synthesizer.(diagnosticRunner)
	if !ok {
		return c.JSON(http.StatusInternalServerError, TestReplicateResponse{Error: "Test failed: diagnostics are not supported by this synthesizer"})
	}
	report, err := runner.RunDiagnostic(c.Request().Context(), req.TestImageURL, req.TestPrompt)
	if err != nil {
		log.Error().Err(err).Str("image", req.TestImageURL).Msg("replicate diagnostic failed")
		return c.JSON(http.StatusInternalServerError, TestReplicateResponse{Error: "Test failed: " + err.Error(), DebugInfo: report})
	}
	return c.JSON(http.StatusOK, TestReplicateResponse{Success: true, DebugInfo: report})
}

func (controller *FashionController) GenerateCharacterSheet(c echo.Context) error {
	var req models.CharacterSheetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBadBody)
	}
	if req.Image == nil || req.Image.Empty() {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "The 'image' field is required."})
	}
	prompts, err := controller.Analyzer.GenerateCharacterSheet(c.Request().Context(), *req.Image, req.CrazyShotBackgroundIdea)
	if err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to generate character sheet.", err)
	}
	return c.JSON(http.StatusOK, prompts)
}

func (controller *FashionController) RefineCharacterSheet(c echo.Context) error {
	var req models.CharacterSheetRefineRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBadBody)
	}
	if req.Image == nil || req.Image.Empty() || req.Suggestions == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Missing required fields: 'image' or 'suggestions'."})
	}
	prompts, err := controller.Analyzer.RefineCharacterSheet(c.Request().Context(), *req.Image, req.Suggestions, req.OriginalCrazyShotIdea)
	if err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to refine character sheet.", err)
	}
	return c.JSON(http.StatusOK, prompts)
}

func (controller *FashionController) GenerateDetailedPrompt(c echo.Context) error {
	var req models.DetailedPromptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBadBody)
	}
	if len(req.ImagesToProcess) == 0 && req.TextConcept == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Either 'imagesToProcess' or 'textConcept' must be provided."})
	}
	prompt, err := controller.Analyzer.GenerateDetailedPrompt(c.Request().Context(), req)
	if err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to generate detailed prompt.", err)
	}
	return c.JSON(http.StatusOK, models.DetailedPromptResponse{Prompt: prompt})
}
