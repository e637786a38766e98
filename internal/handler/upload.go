package handler

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/tunedrop/pipeline/internal/model"
	"github.com/tunedrop/pipeline/internal/pipeline"
	"github.com/tunedrop/pipeline/internal/storage"
	"github.com/tunedrop/pipeline/pkg/response"
)

const maxUploadSize = 100 * 1024 * 1024 // 100MB

// UploadHandler stages a direct upload and submits it to the pipeline.
type UploadHandler struct {
	gateway      *storage.Gateway
	orchestrator *pipeline.Orchestrator
}

func NewUploadHandler(gateway *storage.Gateway, orch *pipeline.Orchestrator) *UploadHandler {
	return &UploadHandler{
		gateway:      gateway,
		orchestrator: orch,
	}
}

// Upload handles POST /api/pipeline/upload
func (h *UploadHandler) Upload(c *fiber.Ctx) error {
	userID := c.FormValue("userId")
	if userID == "" {
		return response.ValidationError(c, "userId is required", nil)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size > maxUploadSize {
		return response.ValidationError(c, "File size exceeds 100MB limit", map[string]interface{}{
			"maxSize":  maxUploadSize,
			"fileSize": file.Size,
		})
	}

	contentType := file.Header.Get("Content-Type")
	validTypes := map[string]bool{
		"audio/wav":   true,
		"audio/x-wav": true,
		"audio/wave":  true,
		"audio/mpeg":  true,
		"audio/mp3":   true,
		"audio/mp4":   true,
		"audio/x-m4a": true,
		"audio/aac":   true,
		"audio/x-aac": true,
		"audio/flac":  true,
		"audio/ogg":   true,
	}
	if !validTypes[contentType] {
		return response.ValidationError(c, "Invalid file type. Supported: WAV, MP3, M4A, AAC, FLAC, OGG", map[string]interface{}{
			"contentType": contentType,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	assetID := uuid.New().String()
	tempKey := fmt.Sprintf("staging/%s", assetID)

	if err := h.gateway.Local.Put(c.Context(), tempKey, f); err != nil {
		return response.ServiceError(c, "Failed to stage upload")
	}

	if err := h.orchestrator.Submit(c.Context(), assetID, userID, tempKey); err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, model.UploadResponse{
		AssetID:         assetID,
		LifecycleStatus: model.LifecycleUploading,
		Size:            file.Size,
		CreatedAt:       time.Now().UTC(),
	})
}
