package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/middleware/validation"
	"github.com/ordering-engine/backend/pkg/logger"
)

// ReadyFunc reports whether backing stores are reachable.
type ReadyFunc func(ctx context.Context) error

// Register mounts the REST API under /api/v1 and the pipeline stream under
// /ws/pipeline.
func Register(app *fiber.App, p Pipeline, ready ReadyFunc) {
	invoiceHandler := NewInvoiceHandler(p)
	pipelineHandler := NewPipelineHandler(p)
	predictionsHandler := NewPredictionsHandler(p)
	wsHandler := NewWebSocketHandler(p)

	validate := validation.Middleware(validation.Config{
		MaxIDs: 1000,
		Logger: logger.Log,
	})

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if ready != nil {
			if err := ready(c.Context()); err != nil {
				logger.Warn("Readiness check failed", zap.Error(err))
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "unavailable",
				})
			}
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	users := api.Group("/users/:userID")

	users.Post("/invoices", validate, invoiceHandler.UploadInvoice)
	users.Post("/normalize", validate, pipelineHandler.Normalize)
	users.Post("/features/refresh", validate, pipelineHandler.RefreshFeatures)
	users.Post("/patterns/detect", validate, pipelineHandler.DetectPatterns)
	users.Post("/forecasts/generate", validate, pipelineHandler.GenerateForecasts)
	users.Post("/pipeline/run", validate, pipelineHandler.RunPipeline)

	users.Get("/predictions", validate, predictionsHandler.GetPredictions)
	users.Get("/predictions/:ingredientID/explain", validate, predictionsHandler.Explain)
	users.Get("/patterns", validate, predictionsHandler.GetPatterns)
	users.Get("/accuracy", validate, predictionsHandler.Accuracy)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/pipeline", websocket.New(wsHandler.HandleConnection))
}
