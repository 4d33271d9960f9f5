package evaluation

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
)

const DefaultWindowDays = 90

type Store interface {
	ListForecastsDeliveredBetween(ctx context.Context, userID string, from, to time.Time) ([]models.Forecast, error)
	ListFactsSince(ctx context.Context, userID string, since time.Time, ingredientIDs []string) ([]models.NormalizedFact, error)
}

// Evaluator scores past forecasts against what was actually delivered.
type Evaluator struct {
	store Store
	now   func() time.Time
}

type Sample struct {
	IngredientID string    `json:"ingredient_id"`
	DeliveryDate time.Time `json:"delivery_date"`
	Forecast     float64   `json:"forecast"`
	Actual       float64   `json:"actual"`
	LowerBound   *float64  `json:"lower_bound,omitempty"`
	UpperBound   *float64  `json:"upper_bound,omitempty"`
}

type Report struct {
	UserID     string   `json:"user_id"`
	WindowDays int      `json:"window_days"`
	Evaluated  int      `json:"evaluated"`
	MAE        float64  `json:"mae"`
	MAPE       *float64 `json:"mape,omitempty"`
	Coverage   *float64 `json:"coverage,omitempty"`
	Bounded    int      `json:"bounded"`
	Samples    []Sample `json:"samples"`
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store, now: time.Now}
}

func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate compares every forecast whose delivery date fell within the last
// days days (today excluded) with the quantity received that day.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, days int) (*Report, error) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	today := models.Date(e.now())
	from := today.AddDate(0, 0, -days)

	forecasts, err := e.store.ListForecastsDeliveredBetween(ctx, userID, from, today)
	if err != nil {
		return nil, fmt.Errorf("failed to load past forecasts: %w", err)
	}
	facts, err := e.store.ListFactsSince(ctx, userID, from, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}

	report := Score(forecasts, Actuals(facts))
	report.UserID = userID
	report.WindowDays = days

	logger.Info("Forecast accuracy evaluated",
		zap.String("user_id", userID),
		zap.Int("evaluated", report.Evaluated),
		zap.Float64("mae", report.MAE),
	)
	return report, nil
}

type dayKey struct {
	ingredientID string
	date         time.Time
}

// Actuals sums the positive quantity delivered per ingredient per day.
func Actuals(facts []models.NormalizedFact) map[string]map[time.Time]float64 {
	out := make(map[string]map[time.Time]float64)
	for _, f := range facts {
		if f.BaseQuantity <= 0 {
			continue
		}
		if out[f.IngredientID] == nil {
			out[f.IngredientID] = make(map[time.Time]float64)
		}
		out[f.IngredientID][models.Date(f.DeliveryDate)] += f.BaseQuantity
	}
	return out
}

// Score computes MAE over every forecast, MAPE over forecasts with a non-zero
// actual and interval coverage over forecasts that carry bounds.
func Score(forecasts []models.Forecast, actuals map[string]map[time.Time]float64) *Report {
	report := &Report{}
	seen := make(map[dayKey]bool)

	var absErr, pctErr float64
	var pctN, covered int
	for _, f := range forecasts {
		key := dayKey{f.IngredientID, models.Date(f.DeliveryDate)}
		if seen[key] {
			continue
		}
		seen[key] = true

		actual := actuals[f.IngredientID][key.date]
		report.Samples = append(report.Samples, Sample{
			IngredientID: f.IngredientID,
			DeliveryDate: key.date,
			Forecast:     f.ForecastQuantity,
			Actual:       actual,
			LowerBound:   f.LowerBound,
			UpperBound:   f.UpperBound,
		})

		diff := math.Abs(f.ForecastQuantity - actual)
		absErr += diff
		if actual != 0 {
			pctErr += diff / math.Abs(actual)
			pctN++
		}
		if f.LowerBound != nil && f.UpperBound != nil {
			report.Bounded++
			if actual >= *f.LowerBound && actual <= *f.UpperBound {
				covered++
			}
		}
	}

	report.Evaluated = len(report.Samples)
	if report.Evaluated > 0 {
		report.MAE = absErr / float64(report.Evaluated)
	}
	if pctN > 0 {
		report.MAPE = models.Float(pctErr / float64(pctN) * 100)
	}
	if report.Bounded > 0 {
		report.Coverage = models.Float(float64(covered) / float64(report.Bounded))
	}
	return report
}

func (r *Report) String() string {
	mape, coverage := "n/a", "n/a"
	if r.MAPE != nil {
		mape = fmt.Sprintf("%.1f%%", *r.MAPE)
	}
	if r.Coverage != nil {
		coverage = fmt.Sprintf("%.1f%% of %d bounded", *r.Coverage*100, r.Bounded)
	}

	return fmt.Sprintf(`
Forecast Accuracy Report
========================

User: %s
Window: last %d days
Forecasts evaluated: %d

Mean absolute error: %.2f
Mean absolute percentage error: %s
Interval coverage: %s
`,
		r.UserID,
		r.WindowDays,
		r.Evaluated,
		r.MAE,
		mape,
		coverage,
	)
}
