package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ordering-engine/backend/internal/evaluation"
	"github.com/ordering-engine/backend/internal/storage/models"
)

const maxAccuracyDays = 365

type PredictionsHandler struct {
	pipeline Pipeline
}

func NewPredictionsHandler(p Pipeline) *PredictionsHandler {
	return &PredictionsHandler{
		pipeline: p,
	}
}

// GetPredictions serves the latest forecasts. Repeat ingredient_id to filter.
func (h *PredictionsHandler) GetPredictions(c *fiber.Ctx) error {
	userID := c.Params("userID")

	var ingredientIDs []string
	for _, id := range c.Context().QueryArgs().PeekMulti("ingredient_id") {
		ingredientIDs = append(ingredientIDs, string(id))
	}

	forecasts, err := h.pipeline.GetPredictions(c.Context(), userID, ingredientIDs)
	if err != nil {
		return respondError(c, err, "Failed to read predictions")
	}
	if forecasts == nil {
		forecasts = []models.Forecast{}
	}

	return c.JSON(fiber.Map{
		"user_id":     userID,
		"count":       len(forecasts),
		"predictions": forecasts,
	})
}

func (h *PredictionsHandler) GetPatterns(c *fiber.Ctx) error {
	userID := c.Params("userID")

	schedules, err := h.pipeline.GetPatterns(c.Context(), userID)
	if err != nil {
		return respondError(c, err, "Failed to read delivery patterns")
	}
	if schedules == nil {
		schedules = []models.DeliverySchedule{}
	}

	return c.JSON(fiber.Map{
		"user_id":   userID,
		"schedules": schedules,
	})
}

func (h *PredictionsHandler) Explain(c *fiber.Ctx) error {
	userID := c.Params("userID")
	ingredientID := c.Params("ingredientID")

	explanations, err := h.pipeline.Explain(c.Context(), userID, ingredientID)
	if err != nil {
		return respondError(c, err, "Failed to explain prediction")
	}

	return c.JSON(fiber.Map{
		"user_id":       userID,
		"ingredient_id": ingredientID,
		"explanations":  explanations,
	})
}

func (h *PredictionsHandler) Accuracy(c *fiber.Ctx) error {
	userID := c.Params("userID")

	days := c.QueryInt("days", evaluation.DefaultWindowDays)
	if days < 1 || days > maxAccuracyDays {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "days must be between 1 and 365",
		})
	}

	report, err := h.pipeline.Accuracy(c.Context(), userID, days)
	if err != nil {
		return respondError(c, err, "Failed to evaluate forecasts")
	}

	if c.Query("format") == "text" {
		return c.SendString(report.String())
	}
	return c.JSON(report)
}
