package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
)

const (
	StageName = "forecasts"

	DefaultDeliveriesAhead = 4
	DefaultSearchDays      = 60
	// FallbackHorizonDays is used when the ingredient's vendor has no
	// detected schedule.
	FallbackHorizonDays = 7

	// z-score of a two-sided 95% normal interval.
	zScore95 = 1.96
)

const (
	SourceAvg28d = "avg_quantity_28d"
	SourceAvg90d = "avg_quantity_90d"
	SourceAvg7d  = "avg_quantity_7d"
	SourceNone   = "none"

	MethodUsagePerDelivery = "usage_per_delivery"
	MethodRollingAverage   = "rolling_average"

	ScheduleDefault = "default_weekly"
)

type Store interface {
	LatestFeatureSnapshots(ctx context.Context, userID string, ingredientIDs []string) (map[string]models.FeatureSnapshot, error)
	ListUsageMetrics(ctx context.Context, userID string, ingredientIDs []string) (map[string]models.UsageMetric, error)
	LatestVendorByIngredient(ctx context.Context, userID string) (map[string]string, error)
	ListDeliverySchedules(ctx context.Context, userID string) ([]models.DeliverySchedule, error)
	UpsertForecasts(ctx context.Context, forecasts []models.Forecast) error
}

type Generator struct {
	store           Store
	deliveriesAhead int
	searchDays      int
	now             func() time.Time
}

func NewGenerator(store Store, deliveriesAhead, searchDays int) *Generator {
	if deliveriesAhead <= 0 {
		deliveriesAhead = DefaultDeliveriesAhead
	}
	if searchDays <= 0 {
		searchDays = DefaultSearchDays
	}
	return &Generator{
		store:           store,
		deliveriesAhead: deliveriesAhead,
		searchDays:      searchDays,
		now:             time.Now,
	}
}

func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate forecasts the upcoming deliveries of every ingredient with a
// feature snapshot (optionally limited to ingredientIDs) and persists them.
func (g *Generator) Generate(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error) {
	today := models.Date(g.now())

	snapshots, err := g.store.LatestFeatureSnapshots(ctx, userID, ingredientIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load feature snapshots: %w", err)
	}
	usage, err := g.store.ListUsageMetrics(ctx, userID, ingredientIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage metrics: %w", err)
	}
	vendors, err := g.store.LatestVendorByIngredient(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ingredient vendors: %w", err)
	}
	schedules, err := g.store.ListDeliverySchedules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery schedules: %w", err)
	}

	byVendor := make(map[string]*models.DeliverySchedule, len(schedules))
	for i := range schedules {
		byVendor[schedules[i].VendorName] = &schedules[i]
	}

	ids := make([]string, 0, len(snapshots))
	for id := range snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []models.Forecast
	for _, id := range ids {
		snapshot := snapshots[id]
		vendor := vendors[id]
		schedule := byVendor[vendor]

		var metric *models.UsageMetric
		if m, ok := usage[id]; ok {
			metric = &m
		}

		dates := DeliveryDates(schedule, today, g.deliveriesAhead, g.searchDays)
		out = append(out, Build(&snapshot, metric, vendor, schedule, today, dates)...)
	}

	if err := g.store.UpsertForecasts(ctx, out); err != nil {
		return nil, err
	}

	logger.Debug("Forecasts generated",
		zap.String("user_id", userID),
		zap.Int("ingredients", len(ids)),
		zap.Int("forecasts", len(out)),
	)
	return out, nil
}

// Baseline picks the first available rolling average, preferring the
// 28-day window.
func Baseline(s *models.FeatureSnapshot) (float64, string) {
	switch {
	case s == nil:
		return 0, SourceNone
	case s.Avg28d != nil:
		return *s.Avg28d, SourceAvg28d
	case s.Avg90d != nil:
		return *s.Avg90d, SourceAvg90d
	case s.Avg7d != nil:
		return *s.Avg7d, SourceAvg7d
	}
	return 0, SourceNone
}

// DeliveryDates returns up to count dates strictly after today that fall on
// one of the schedule's weekdays, searching searchDays ahead. Without a
// usable schedule it returns today plus FallbackHorizonDays.
func DeliveryDates(schedule *models.DeliverySchedule, today time.Time, count, searchDays int) []time.Time {
	today = models.Date(today)
	fallback := []time.Time{today.AddDate(0, 0, FallbackHorizonDays)}
	if schedule == nil || len(schedule.DeliveryWeekdays) == 0 {
		return fallback
	}

	days := make(map[int]bool, len(schedule.DeliveryWeekdays))
	for _, d := range schedule.DeliveryWeekdays {
		days[d] = true
	}

	var out []time.Time
	for i := 1; i <= searchDays && len(out) < count; i++ {
		d := today.AddDate(0, 0, i)
		if days[models.Weekday(d)] {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Interval is the 95% normal interval around q; nil bounds when the variance
// is unknown.
func Interval(q float64, variance *float64) (*float64, *float64) {
	if variance == nil {
		return nil, nil
	}
	margin := zScore95 * math.Sqrt(math.Max(*variance, 0))
	return models.Float(math.Max(q-margin, 0)), models.Float(q + margin)
}

// Build produces one forecast per delivery date for a single ingredient.
func Build(snapshot *models.FeatureSnapshot, usage *models.UsageMetric, vendor string, schedule *models.DeliverySchedule, today time.Time, dates []time.Time) []models.Forecast {
	baseline, source := Baseline(snapshot)

	params := models.ModelParams{
		Source:         source,
		Method:         MethodRollingAverage,
		Baseline:       baseline,
		ScheduleMethod: ScheduleDefault,
	}
	if snapshot != nil {
		params.Variance28d = snapshot.Variance28d
	}
	if schedule != nil {
		params.ScheduleMethod = string(schedule.DetectionMethod)
		params.ScheduleConfidence = models.Float(schedule.ConfidenceScore)
	}

	quantity := baseline
	if usage != nil {
		params.WeeklyUsage = usage.AverageWeeklyUsage
		params.DeliveriesPerWeek = usage.DeliveriesPerWeek
		params.UnitsPerDelivery = usage.UnitsPerDelivery
		params.PackUnitsPerCase = usage.PackUnitsPerCase
		params.SuggestedCaseLabel = usage.SuggestedCaseLabel

		switch {
		case usage.UnitsPerDelivery != nil:
			quantity = *usage.UnitsPerDelivery
			params.Method = MethodUsagePerDelivery
		case usage.AverageWeeklyUsage != nil && usage.DeliveriesPerWeek != nil && *usage.DeliveriesPerWeek > 0:
			quantity = *usage.AverageWeeklyUsage / *usage.DeliveriesPerWeek
			params.Method = MethodUsagePerDelivery
		}
	}
	quantity = math.Max(quantity, 0)

	if params.PackUnitsPerCase != nil && *params.PackUnitsPerCase > 0 {
		params.SuggestedCases = models.Float(quantity / *params.PackUnitsPerCase)
	}

	lower, upper := Interval(quantity, params.Variance28d)

	userID, ingredientID := "", ""
	if snapshot != nil {
		userID, ingredientID = snapshot.UserID, snapshot.IngredientID
	} else if usage != nil {
		userID, ingredientID = usage.UserID, usage.IngredientID
	}

	out := make([]models.Forecast, 0, len(dates))
	for _, d := range dates {
		out = append(out, models.Forecast{
			UserID:           userID,
			IngredientID:     ingredientID,
			ForecastDate:     models.Date(today),
			DeliveryDate:     models.Date(d),
			HorizonDays:      models.DaysBetween(today, d),
			ForecastQuantity: quantity,
			LowerBound:       lower,
			UpperBound:       upper,
			VendorName:       vendor,
			ModelVersion:     models.ModelVersion,
			ModelParams:      params,
		})
	}
	return out
}
