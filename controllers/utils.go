package controllers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"fashionpipeline/models"
	"fashionpipeline/pipeline"
	"fashionpipeline/services"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
)

// uploads larger than this are rejected before decoding
const maxUploadBytes = 20 << 20

var errBadBody = models.ErrorResponse{Error: "Invalid request body"}

// failure writes the {error, details} body used by every endpoint.
func failure(c echo.Context, status int, message string, cause error) error {
	body := models.ErrorResponse{Error: message}
	if cause != nil {
		body.Details = cause.Error()
	}
	if status >= http.StatusInternalServerError && cause != nil {
		sentry.CaptureException(fmt.Errorf("%s %s: %w", c.Request().Method, c.Path(), cause))
	}
	return c.JSON(status, body)
}

func pipelineStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput), errors.Is(err, pipeline.ErrAssetLimit):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrAssetNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidTransition), errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrStaleRun):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// pipelineFailure maps orchestrator errors to statuses. Client mistakes carry the
// error text as the message; anything else is reported under the action's failure message.
func pipelineFailure(c echo.Context, message string, err error) error {
	status := pipelineStatus(err)
	if status == http.StatusInternalServerError {
		return failure(c, status, message, err)
	}
	return c.JSON(status, models.ErrorResponse{Error: err.Error()})
}

// readImageUpload reads a multipart image, checks its type and downsizes it to maxDimension.
func readImageUpload(file *multipart.FileHeader, maxDimension int) ([]byte, string, error) {
	if file.Size > maxUploadBytes {
		return nil, "", fmt.Errorf("%w: file exceeds %d MB", pipeline.ErrInvalidInput, maxUploadBytes>>20)
	}
	src, err := file.Open()
	if err != nil {
		return nil, "", err
	}
	defer src.Close()
	content, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(content) == 0 {
		return nil, "", fmt.Errorf("%w: empty file", pipeline.ErrInvalidInput)
	}

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(content)
	}
	if !services.IsAllowedImage(file.Filename, mimeType) {
		return nil, "", fmt.Errorf("%w: unsupported file type %s", pipeline.ErrInvalidInput, mimeType)
	}
	return services.NormalizeImage(content, mimeType, maxDimension)
}
