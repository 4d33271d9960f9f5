package features

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
)

const (
	StageName = "features"

	DefaultLookbackDays = 180
)

type Store interface {
	ListFactsSince(ctx context.Context, userID string, since time.Time, ingredientIDs []string) ([]models.NormalizedFact, error)
	UpsertFeatureSnapshot(ctx context.Context, s *models.FeatureSnapshot) error
	UpsertUsageMetric(ctx context.Context, m *models.UsageMetric) error
	DeleteUsageMetric(ctx context.Context, userID, ingredientID string) error
	ListSnapshotIngredients(ctx context.Context, userID string, ingredientIDs []string) ([]string, error)
}

type Result struct {
	Ingredients  int `json:"ingredients"`
	Snapshots    int `json:"snapshots"`
	UsageMetrics int `json:"usage_metrics"`
	// Cleared counts ingredients that had features before but no facts in
	// the lookback window.
	Cleared int `json:"cleared"`
}

// Engine recomputes rolling statistics from normalized facts. It keeps no
// state between calls.
type Engine struct {
	store        Store
	lookbackDays int
	now          func() time.Time
}

func NewEngine(store Store, lookbackDays int) *Engine {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	return &Engine{store: store, lookbackDays: lookbackDays, now: time.Now}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Refresh recomputes today's snapshot and the usage metric of every
// ingredient with facts in the lookback window, optionally limited to
// ingredientIDs. An ingredient below two delivery days loses its usage metric.
// An ingredient with an earlier snapshot but no facts in the window gets an
// empty snapshot for today and loses its usage metric.
func (e *Engine) Refresh(ctx context.Context, userID string, ingredientIDs []string) (*Result, error) {
	today := models.Date(e.now())
	since := today.AddDate(0, 0, -e.lookbackDays)

	facts, err := e.store.ListFactsSince(ctx, userID, since, ingredientIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}

	// Facts arrive newest first, so the first fact seen per ingredient is
	// its most recent one.
	grouped := make(map[string][]models.NormalizedFact)
	var order []string
	for _, f := range facts {
		if f.DeliveryDate.After(today) {
			continue
		}
		if _, ok := grouped[f.IngredientID]; !ok {
			order = append(order, f.IngredientID)
		}
		grouped[f.IngredientID] = append(grouped[f.IngredientID], f)
	}

	result := &Result{Ingredients: len(order)}
	for _, ingredientID := range order {
		group := grouped[ingredientID]
		totals := DailyTotals(group)

		snapshot := Snapshot(userID, ingredientID, totals, today)
		if err := e.store.UpsertFeatureSnapshot(ctx, &snapshot); err != nil {
			return result, err
		}
		result.Snapshots++

		usage := Usage(userID, ingredientID, totals, &group[0], today)
		if usage == nil {
			logger.Debug("Not enough deliveries for usage metrics",
				zap.String("user_id", userID),
				zap.String("ingredient_id", ingredientID),
				zap.Int("delivery_days", len(totals)),
			)
			if err := e.store.DeleteUsageMetric(ctx, userID, ingredientID); err != nil {
				return result, err
			}
			continue
		}
		if err := e.store.UpsertUsageMetric(ctx, usage); err != nil {
			return result, err
		}
		result.UsageMetrics++
	}

	if err := e.clearDormant(ctx, userID, ingredientIDs, grouped, today, result); err != nil {
		return result, err
	}

	return result, nil
}

func (e *Engine) clearDormant(ctx context.Context, userID string, ingredientIDs []string, active map[string][]models.NormalizedFact, today time.Time, result *Result) error {
	known, err := e.store.ListSnapshotIngredients(ctx, userID, ingredientIDs)
	if err != nil {
		return fmt.Errorf("failed to list snapshot ingredients: %w", err)
	}

	for _, ingredientID := range known {
		if _, ok := active[ingredientID]; ok {
			continue
		}

		snapshot := Snapshot(userID, ingredientID, nil, today)
		if err := e.store.UpsertFeatureSnapshot(ctx, &snapshot); err != nil {
			return err
		}
		if err := e.store.DeleteUsageMetric(ctx, userID, ingredientID); err != nil {
			return err
		}
		result.Cleared++

		logger.Debug("No facts in lookback window, features cleared",
			zap.String("user_id", userID),
			zap.String("ingredient_id", ingredientID),
		)
	}
	return nil
}
