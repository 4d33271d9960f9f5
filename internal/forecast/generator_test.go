package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordering-engine/backend/internal/storage/models"
)

// Monday.
var today = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func TestBaselineSourceFallback(t *testing.T) {
	q, src := Baseline(&models.FeatureSnapshot{Avg7d: models.Float(3), Avg90d: models.Float(5)})
	require.Equal(t, 5.0, q)
	require.Equal(t, SourceAvg90d, src)

	q, src = Baseline(&models.FeatureSnapshot{Avg7d: models.Float(3), Avg28d: models.Float(4), Avg90d: models.Float(5)})
	require.Equal(t, 4.0, q)
	require.Equal(t, SourceAvg28d, src)

	q, src = Baseline(&models.FeatureSnapshot{Avg7d: models.Float(3)})
	require.Equal(t, 3.0, q)
	require.Equal(t, SourceAvg7d, src)

	q, src = Baseline(&models.FeatureSnapshot{})
	require.Equal(t, 0.0, q)
	require.Equal(t, SourceNone, src)
}

func TestDeliveryDatesFollowSchedule(t *testing.T) {
	schedule := &models.DeliverySchedule{DeliveryWeekdays: []int{0, 3}}
	dates := DeliveryDates(schedule, today, 4, 60)
	require.Equal(t, []time.Time{
		time.Date(2024, 6, 6, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC),
	}, dates)
}

func TestDeliveryDatesExcludeToday(t *testing.T) {
	dates := DeliveryDates(&models.DeliverySchedule{DeliveryWeekdays: []int{0}}, today, 1, 60)
	require.Equal(t, []time.Time{today.AddDate(0, 0, 7)}, dates)
}

func TestDeliveryDatesFallback(t *testing.T) {
	require.Equal(t, []time.Time{today.AddDate(0, 0, 7)}, DeliveryDates(nil, today, 4, 60))
	require.Equal(t, []time.Time{today.AddDate(0, 0, 7)}, DeliveryDates(&models.DeliverySchedule{}, today, 4, 60))
}

func TestIntervalBounds(t *testing.T) {
	lower, upper := Interval(10, nil)
	require.Nil(t, lower)
	require.Nil(t, upper)

	lower, upper = Interval(10, models.Float(4))
	require.InDelta(t, 10-1.96*2, *lower, 1e-9)
	require.InDelta(t, 10+1.96*2, *upper, 1e-9)

	lower, upper = Interval(1, models.Float(100))
	require.Equal(t, 0.0, *lower)
	require.InDelta(t, 1+1.96*10, *upper, 1e-9)
}

func TestBuildUsesUsagePerDelivery(t *testing.T) {
	snapshot := &models.FeatureSnapshot{
		UserID:       "user-1",
		IngredientID: "ing-1",
		Avg90d:       models.Float(5),
		Variance28d:  models.Float(9),
	}
	usage := &models.UsageMetric{
		AverageWeeklyUsage: models.Float(24),
		DeliveriesPerWeek:  models.Float(2),
		UnitsPerDelivery:   models.Float(12),
		PackUnitsPerCase:   models.Float(6),
		SuggestedCaseLabel: "6 x 1 ea",
	}
	schedule := &models.DeliverySchedule{VendorName: "Sysco", DeliveryWeekdays: []int{1, 4}, ConfidenceScore: 0.9, DetectionMethod: models.DetectionHistorical}

	dates := DeliveryDates(schedule, today, 4, 60)
	forecasts := Build(snapshot, usage, "Sysco", schedule, today, dates)
	require.Len(t, forecasts, 4)

	f := forecasts[0]
	require.Equal(t, "ing-1", f.IngredientID)
	require.Equal(t, 12.0, f.ForecastQuantity)
	require.Equal(t, 1, f.HorizonDays)
	require.Equal(t, models.ModelVersion, f.ModelVersion)
	require.Equal(t, SourceAvg90d, f.ModelParams.Source)
	require.Equal(t, MethodUsagePerDelivery, f.ModelParams.Method)
	require.Equal(t, 2.0, *f.ModelParams.SuggestedCases)
	require.Equal(t, "historical", f.ModelParams.ScheduleMethod)
	require.Equal(t, 0.9, *f.ModelParams.ScheduleConfidence)

	for _, f := range forecasts {
		require.NotNil(t, f.LowerBound)
		require.NotNil(t, f.UpperBound)
		require.LessOrEqual(t, *f.LowerBound, f.ForecastQuantity)
		require.LessOrEqual(t, f.ForecastQuantity, *f.UpperBound)
		require.Greater(t, f.HorizonDays, 0)
	}
}

func TestBuildRollingAverageWithoutUsage(t *testing.T) {
	snapshot := &models.FeatureSnapshot{UserID: "user-1", IngredientID: "ing-1", Avg28d: models.Float(7)}
	forecasts := Build(snapshot, nil, "", nil, today, DeliveryDates(nil, today, 4, 60))

	require.Len(t, forecasts, 1)
	f := forecasts[0]
	require.Equal(t, 7.0, f.ForecastQuantity)
	require.Equal(t, MethodRollingAverage, f.ModelParams.Method)
	require.Equal(t, ScheduleDefault, f.ModelParams.ScheduleMethod)
	require.Equal(t, 7, f.HorizonDays)
	require.Nil(t, f.LowerBound)
	require.Nil(t, f.UpperBound)
}

type fakeStore struct {
	snapshots map[string]models.FeatureSnapshot
	usage     map[string]models.UsageMetric
	vendors   map[string]string
	schedules []models.DeliverySchedule
	saved     []models.Forecast
	saveErr   error
}

func (s *fakeStore) LatestFeatureSnapshots(ctx context.Context, userID string, ids []string) (map[string]models.FeatureSnapshot, error) {
	return s.snapshots, nil
}

func (s *fakeStore) ListUsageMetrics(ctx context.Context, userID string, ids []string) (map[string]models.UsageMetric, error) {
	return s.usage, nil
}

func (s *fakeStore) LatestVendorByIngredient(ctx context.Context, userID string) (map[string]string, error) {
	return s.vendors, nil
}

func (s *fakeStore) ListDeliverySchedules(ctx context.Context, userID string) ([]models.DeliverySchedule, error) {
	return s.schedules, nil
}

func (s *fakeStore) UpsertForecasts(ctx context.Context, forecasts []models.Forecast) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, forecasts...)
	return nil
}

func TestGenerateMatchesVendorSchedule(t *testing.T) {
	store := &fakeStore{
		snapshots: map[string]models.FeatureSnapshot{
			"ing-a": {UserID: "user-1", IngredientID: "ing-a", Avg90d: models.Float(5)},
			"ing-b": {UserID: "user-1", IngredientID: "ing-b", Avg28d: models.Float(2)},
		},
		vendors: map[string]string{"ing-a": "Sysco", "ing-b": "Local Farm"},
		schedules: []models.DeliverySchedule{
			{VendorName: "Sysco", DeliveryWeekdays: []int{2}, ConfidenceScore: 1, DetectionMethod: models.DetectionHistorical},
		},
	}

	out, err := NewGenerator(store, 4, 60).WithClock(func() time.Time { return today }).Generate(context.Background(), "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, out, store.saved)
	require.Len(t, out, 5)

	for _, f := range out[:4] {
		require.Equal(t, "ing-a", f.IngredientID)
		require.Equal(t, "Sysco", f.VendorName)
		require.Equal(t, 2, models.Weekday(f.DeliveryDate))
		require.Equal(t, SourceAvg90d, f.ModelParams.Source)
	}
	require.Equal(t, "ing-b", out[4].IngredientID)
	require.Equal(t, today.AddDate(0, 0, 7), out[4].DeliveryDate)
}

func TestGenerateReturnsPersistenceError(t *testing.T) {
	store := &fakeStore{
		snapshots: map[string]models.FeatureSnapshot{"ing-a": {IngredientID: "ing-a", Avg7d: models.Float(1)}},
		saveErr:   errors.New("disk I/O error"),
	}
	_, err := NewGenerator(store, 0, 0).Generate(context.Background(), "user-1", nil)
	require.ErrorContains(t, err, "disk I/O error")
}
