package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/middleware/validation"
	"github.com/ordering-engine/backend/internal/pipeline"
	"github.com/ordering-engine/backend/pkg/logger"
)

// WebSocketHandler runs pipelines on request and streams stage events back
// over the connection.
type WebSocketHandler struct {
	pipeline Pipeline
}

func NewWebSocketHandler(p Pipeline) *WebSocketHandler {
	return &WebSocketHandler{
		pipeline: p,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type   string `json:"type"`
			UserID string `json:"user_id"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "run" {
			continue
		}

		if !validation.ValidID(msg.UserID) {
			h.sendError(c, "Invalid user id", "")
			continue
		}

		logger.Info("Processing WebSocket pipeline run", zap.String("user_id", msg.UserID))

		if err := h.streamRun(c, msg.UserID); err != nil {
			logger.Error("Failed to stream pipeline run", zap.String("user_id", msg.UserID), zap.Error(err))
			break
		}
	}
}

// streamRun returns an error only when the connection itself broke.
func (h *WebSocketHandler) streamRun(c *websocket.Conn, userID string) error {
	var writeErr error
	progress := func(e pipeline.Event) {
		if writeErr != nil {
			return
		}
		writeErr = c.WriteJSON(map[string]interface{}{
			"type":  "progress",
			"event": e,
		})
	}

	result, err := h.pipeline.RunFullPipeline(context.Background(), userID, progress)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		var stageErr *pipeline.StageError
		stage := ""
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		return h.sendError(c, "Pipeline run failed", stage)
	}

	return c.WriteJSON(map[string]interface{}{
		"type":   "complete",
		"result": result,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg, stage string) error {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}
	if stage != "" {
		msg["stage"] = stage
	}

	return c.WriteJSON(msg)
}
