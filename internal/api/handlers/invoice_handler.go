package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/ingestion"
	"github.com/ordering-engine/backend/pkg/logger"
)

type InvoiceHandler struct {
	pipeline Pipeline
}

func NewInvoiceHandler(p Pipeline) *InvoiceHandler {
	return &InvoiceHandler{
		pipeline: p,
	}
}

func (h *InvoiceHandler) UploadInvoice(c *fiber.Ctx) error {
	userID := c.Params("userID")

	var req ingestion.Invoice
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.pipeline.IngestInvoice(c.Context(), userID, req)
	if err != nil {
		return respondError(c, err, "Failed to ingest invoice")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user_id":    userID,
		"invoice_id": req.InvoiceID,
		"result":     result,
	})
}
