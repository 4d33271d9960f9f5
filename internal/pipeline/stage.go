package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/metrics"
	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
)

// StageError reports which stage failed for which user and how many rows it
// had written before failing.
type StageError struct {
	Stage  string
	UserID string
	Rows   int
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed for user %s after %d rows: %v", e.Stage, e.UserID, e.Rows, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is one progress notification of a pipeline run.
type Event struct {
	UserID     string `json:"user_id"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Rows       int    `json:"rows"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ProgressFunc func(Event)

func (s *Service) runStage(ctx context.Context, userID, stage string, progress ProgressFunc, fn func() (int, error)) error {
	emit := func(e Event) {
		if progress != nil {
			e.UserID = userID
			e.Stage = stage
			progress(e)
		}
	}

	start := time.Now()
	emit(Event{Status: StatusStarted})
	logger.Info("Stage started", zap.String("user_id", userID), zap.String("stage", stage))

	rows, err := fn()
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())

	if err != nil {
		metrics.StageRuns.WithLabelValues(stage, "error").Inc()
		logger.Error("Stage failed",
			zap.String("user_id", userID),
			zap.String("stage", stage),
			zap.Int("rows", rows),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		emit(Event{Status: StatusFailed, Rows: rows, DurationMs: elapsed.Milliseconds(), Error: err.Error()})
		return &StageError{Stage: stage, UserID: userID, Rows: rows, Err: err}
	}

	metrics.StageRuns.WithLabelValues(stage, "success").Inc()
	logger.Info("Stage completed",
		zap.String("user_id", userID),
		zap.String("stage", stage),
		zap.Int("rows", rows),
		zap.Duration("duration", elapsed),
	)

	err = s.store.InsertAuditEntry(ctx, &models.AuditEntry{
		UserID: userID,
		Stage:  stage,
		Action: ActionStageCompleted,
		Detail: fmt.Sprintf("rows=%d duration_ms=%d", rows, elapsed.Milliseconds()),
	})
	if err != nil {
		logger.Warn("Failed to record stage audit entry",
			zap.String("user_id", userID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}

	emit(Event{Status: StatusCompleted, Rows: rows, DurationMs: elapsed.Milliseconds()})
	return nil
}
