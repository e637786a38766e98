package handler

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/tunedrop/pipeline/internal/model"
	"github.com/tunedrop/pipeline/internal/pipeline"
	"github.com/tunedrop/pipeline/internal/tracker"
	"github.com/tunedrop/pipeline/pkg/response"
)

type PipelineHandler struct {
	orchestrator *pipeline.Orchestrator
	validator    *validator.Validate
}

func NewPipelineHandler(orch *pipeline.Orchestrator, v *validator.Validate) *PipelineHandler {
	return &PipelineHandler{
		orchestrator: orch,
		validator:    v,
	}
}

// Submit handles POST /api/pipeline/submit
func (h *PipelineHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.orchestrator.Submit(c.Context(), req.AssetID, req.UserID, req.TempKey); err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, model.SubmitResponse{
		AssetID:         req.AssetID,
		LifecycleStatus: model.LifecycleUploading,
		SubmittedAt:     time.Now().UTC(),
	})
}

// Status handles GET /api/pipeline/assets/:assetId/status
func (h *PipelineHandler) Status(c *fiber.Ctx) error {
	assetID := c.Params("assetId")
	if assetID == "" {
		return response.ValidationError(c, "Asset ID is required", nil)
	}

	result, err := h.orchestrator.Status(c.Context(), assetID)
	if err != nil {
		if errors.Is(err, tracker.ErrAssetNotFound) {
			return response.NotFound(c, "Asset not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

func formatValidationErrors(err error) []map[string]string {
	var out []map[string]string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out = append(out, map[string]string{
				"field": fe.Field(),
				"rule":  fe.Tag(),
			})
		}
	}
	return out
}
