package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/evaluation"
	"github.com/ordering-engine/backend/internal/features"
	"github.com/ordering-engine/backend/internal/forecast"
	"github.com/ordering-engine/backend/internal/ingestion"
	"github.com/ordering-engine/backend/internal/normalization"
	"github.com/ordering-engine/backend/internal/patterns"
	"github.com/ordering-engine/backend/internal/pipeline"
	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
)

// Pipeline is the part of pipeline.Service the HTTP layer drives.
type Pipeline interface {
	IngestInvoice(ctx context.Context, userID string, inv ingestion.Invoice) (*pipeline.IngestResult, error)
	Normalize(ctx context.Context, userID string, lineIDs []string) (*normalization.Result, error)
	RefreshFeatures(ctx context.Context, userID string, ingredientIDs []string) (*features.Result, error)
	DetectDeliveryPatterns(ctx context.Context, userID string) (*patterns.Result, error)
	GenerateForecasts(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error)
	GetPredictions(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error)
	GetPatterns(ctx context.Context, userID string) ([]models.DeliverySchedule, error)
	Explain(ctx context.Context, userID, ingredientID string) ([]forecast.Explanation, error)
	Accuracy(ctx context.Context, userID string, days int) (*evaluation.Report, error)
	RunFullPipeline(ctx context.Context, userID string, progress pipeline.ProgressFunc) (*pipeline.RunResult, error)
}

type PipelineHandler struct {
	pipeline Pipeline
}

func NewPipelineHandler(p Pipeline) *PipelineHandler {
	return &PipelineHandler{
		pipeline: p,
	}
}

type idsRequest struct {
	LineIDs       []string `json:"line_ids"`
	IngredientIDs []string `json:"ingredient_ids"`
}

// parseIDs accepts an empty body as "everything".
func parseIDs(c *fiber.Ctx) (*idsRequest, error) {
	var req idsRequest
	if len(c.Body()) == 0 {
		return &req, nil
	}
	if err := c.BodyParser(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (h *PipelineHandler) Normalize(c *fiber.Ctx) error {
	userID := c.Params("userID")

	req, err := parseIDs(c)
	if err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.pipeline.Normalize(c.Context(), userID, req.LineIDs)
	if err != nil {
		return respondError(c, err, "Failed to normalize invoice lines")
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"result":  result,
	})
}

func (h *PipelineHandler) RefreshFeatures(c *fiber.Ctx) error {
	userID := c.Params("userID")

	req, err := parseIDs(c)
	if err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.pipeline.RefreshFeatures(c.Context(), userID, req.IngredientIDs)
	if err != nil {
		return respondError(c, err, "Failed to refresh features")
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"result":  result,
	})
}

func (h *PipelineHandler) DetectPatterns(c *fiber.Ctx) error {
	userID := c.Params("userID")

	result, err := h.pipeline.DetectDeliveryPatterns(c.Context(), userID)
	if err != nil {
		return respondError(c, err, "Failed to detect delivery patterns")
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"result":  result,
	})
}

func (h *PipelineHandler) GenerateForecasts(c *fiber.Ctx) error {
	userID := c.Params("userID")

	req, err := parseIDs(c)
	if err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	forecasts, err := h.pipeline.GenerateForecasts(c.Context(), userID, req.IngredientIDs)
	if err != nil {
		return respondError(c, err, "Failed to generate forecasts")
	}

	return c.JSON(fiber.Map{
		"user_id":   userID,
		"count":     len(forecasts),
		"forecasts": forecasts,
	})
}

func (h *PipelineHandler) RunPipeline(c *fiber.Ctx) error {
	userID := c.Params("userID")

	result, err := h.pipeline.RunFullPipeline(c.Context(), userID, nil)
	if err != nil {
		return respondError(c, err, "Pipeline run failed")
	}

	return c.JSON(result)
}

// respondError maps service errors onto status codes. A failed stage reports
// which stage broke.
func respondError(c *fiber.Ctx, err error, msg string) error {
	userID := c.Params("userID")

	if errors.Is(err, ingestion.ErrInvalidInvoice) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if errors.Is(err, models.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Error(msg,
		zap.String("user_id", userID),
		zap.String("path", c.Path()),
		zap.Error(err),
	)

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": msg,
			"stage": stageErr.Stage,
		})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
	})
}
