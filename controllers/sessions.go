package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"fashionpipeline/models"
	"fashionpipeline/pipeline"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type CreateSessionIn struct {
	Mode string `json:"mode" validate:"omitempty,oneof=simple advanced"`
}

type SessionCreatedResponse struct {
	SessionID string        `json:"sessionId"`
	Mode      pipeline.Mode `json:"mode"`
}

type SetModeIn struct {
	Mode string `json:"mode" validate:"required,oneof=simple advanced"`
}

type StartRunIn struct {
	ImageType string `json:"imageType" validate:"omitempty,oneof=studio lifestyle"`
}

type EditAnalysisIn struct {
	InitialPrompt string `json:"initialPrompt" validate:"required"`
}

type EditPromptIn struct {
	Prompt string `json:"prompt" validate:"required"`
}

// SessionController exposes the orchestrator to presentation clients.
type SessionController struct {
	Sessions     *pipeline.SessionStore
	Orchestrator *pipeline.Orchestrator
	MaxDimension int
}

func (controller *SessionController) SessionRoutes(g *echo.Group) {
	g.POST("", controller.CreateSession)

	sg := g.Group("/:id", controller.SessionMiddleware)
	sg.POST("/assets", controller.AddAsset)
	sg.GET("/assets", controller.ListAssets)
	sg.DELETE("/assets/:assetId", controller.RemoveAsset)
	sg.PUT("/mode", controller.SetMode)
	sg.POST("/runs", controller.StartRun)
	sg.GET("/run", controller.GetRun)
	sg.POST("/run/retry", controller.Retry)
	sg.POST("/run/analyze", controller.Analyze)
	sg.PATCH("/run/analysis", controller.EditAnalysis)
	sg.POST("/run/qa", controller.PerformQA)
	sg.PATCH("/run/prompts/:index", controller.EditPrompt)
	sg.POST("/run/prompts/:index/generate", controller.GeneratePrompt)
	sg.POST("/run/generate", controller.GenerateBatch)
}

// bindValid binds and validates req, writing the 400 response itself.
func bindValid(c echo.Context, req interface{}) (bool, error) {
	if err := c.Bind(req); err != nil {
		return false, c.JSON(http.StatusBadRequest, errBadBody)
	}
	if err := c.Validate(req); err != nil {
		message := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			message = fmt.Sprint(he.Message)
		}
		return false, c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: message})
	}
	return true, nil
}

func (controller *SessionController) CreateSession(c echo.Context) error {
	var req CreateSessionIn
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	mode := pipeline.ModeSimple
	if req.Mode != "" {
		mode = pipeline.Mode(req.Mode)
	}

	var session *pipeline.Session
	if subject, authenticated := tokenSubject(c); authenticated && subject != "" {
		session = controller.Sessions.GetOrCreate(subject, mode)
	} else {
		session = controller.Sessions.Create(mode)
	}
	log.Info().Str("session_id", session.ID).Str("mode", string(session.Mode())).Msg("session opened")
	return c.JSON(http.StatusCreated, SessionCreatedResponse{SessionID: session.ID, Mode: session.Mode()})
}

func (controller *SessionController) AddAsset(c echo.Context) error {
	session := currentSession(c)
	role := pipeline.AssetRole(c.FormValue("role"))
	if role == "" {
		role = pipeline.RoleGarment
	}
	if !role.Valid() {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "The 'role' field must be one of garment, background or model."})
	}
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "No file uploaded"})
	}
	content, mimeType, err := readImageUpload(file, controller.MaxDimension)
	if err != nil {
		return pipelineFailure(c, "Failed to read upload.", err)
	}
	asset, err := session.AddAsset(pipeline.UploadedAsset{
		Role:     role,
		Name:     file.Filename,
		MimeType: mimeType,
		Data:     content,
	})
	if err != nil {
		return pipelineFailure(c, "Failed to add image.", err)
	}
	return c.JSON(http.StatusCreated, asset)
}

func (controller *SessionController) ListAssets(c echo.Context) error {
	return c.JSON(http.StatusOK, currentSession(c).Assets(pipeline.AssetRole(c.QueryParam("role"))))
}

func (controller *SessionController) RemoveAsset(c echo.Context) error {
	session := currentSession(c)
	asset, err := session.RemoveAsset(c.Param("assetId"))
	if err != nil {
		return pipelineFailure(c, "Failed to remove image.", err)
	}
	deleted := controller.Orchestrator.Assets.Forget(c.Request().Context(), asset.ID)
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "deletedBlobs": deleted})
}

func (controller *SessionController) SetMode(c echo.Context) error {
	var req SetModeIn
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	run, err := controller.Orchestrator.SwitchMode(currentSession(c), pipeline.Mode(req.Mode))
	if err != nil {
		return pipelineFailure(c, "Failed to switch mode.", err)
	}
	return c.JSON(http.StatusOK, run)
}

func (controller *SessionController) StartRun(c echo.Context) error {
	var req StartRunIn
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	imageType := pipeline.ImageTypeStudio
	if req.ImageType != "" {
		imageType = pipeline.ImageType(req.ImageType)
	}
	run, err := controller.Orchestrator.Start(currentSession(c), imageType)
	if err != nil {
		return pipelineFailure(c, "Failed to start run.", err)
	}
	return c.JSON(http.StatusAccepted, run)
}

func (controller *SessionController) GetRun(c echo.Context) error {
	return c.JSON(http.StatusOK, currentSession(c).Snapshot())
}

func (controller *SessionController) Retry(c echo.Context) error {
	run, err := controller.Orchestrator.Retry(currentSession(c))
	if err != nil {
		return pipelineFailure(c, "Failed to retry run.", err)
	}
	return c.JSON(http.StatusAccepted, run)
}

func (controller *SessionController) Analyze(c echo.Context) error {
	run, err := controller.Orchestrator.Analyze(c.Request().Context(), currentSession(c))
	if err != nil {
		return pipelineFailure(c, "Failed to analyze garments.", err)
	}
	return c.JSON(http.StatusOK, run)
}

func (controller *SessionController) EditAnalysis(c echo.Context) error {
	var req EditAnalysisIn
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	run, err := controller.Orchestrator.EditAnalysisPrompt(currentSession(c), req.InitialPrompt)
	if err != nil {
		return pipelineFailure(c, "Failed to update analysis.", err)
	}
	return c.JSON(http.StatusOK, run)
}

func (controller *SessionController) PerformQA(c echo.Context) error {
	run, err := controller.Orchestrator.PerformQA(c.Request().Context(), currentSession(c))
	if err != nil {
		return pipelineFailure(c, "Failed to perform QA and generate prompts.", err)
	}
	return c.JSON(http.StatusOK, run)
}

func promptIndex(c echo.Context) (int, error) {
	var index int
	err := echo.PathParamsBinder(c).Int("index", &index).BindError()
	return index, err
}

func (controller *SessionController) EditPrompt(c echo.Context) error {
	index, err := promptIndex(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid prompt index"})
	}
	var req EditPromptIn
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	run, err := controller.Orchestrator.EditPrompt(currentSession(c), index, req.Prompt)
	if err != nil {
		return pipelineFailure(c, "Failed to update prompt.", err)
	}
	return c.JSON(http.StatusOK, run)
}

func (controller *SessionController) GeneratePrompt(c echo.Context) error {
	index, err := promptIndex(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid prompt index"})
	}
	run, err := controller.Orchestrator.GeneratePrompt(currentSession(c), index)
	if err != nil {
		return pipelineFailure(c, "Failed to generate image.", err)
	}
	return c.JSON(http.StatusAccepted, run)
}

func (controller *SessionController) GenerateBatch(c echo.Context) error {
	var req StartRunIn
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	run, err := controller.Orchestrator.GenerateBatch(currentSession(c), pipeline.ImageType(req.ImageType))
	if err != nil {
		return pipelineFailure(c, "Failed to generate images.", err)
	}
	return c.JSON(http.StatusAccepted, run)
}
