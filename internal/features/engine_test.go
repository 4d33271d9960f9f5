package features

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ordering-engine/backend/internal/normalization"
	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/internal/storage/sqlite"
	"github.com/ordering-engine/backend/pkg/logger"
)

// Monday.
var today = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func fact(daysAgo int, qty float64) models.NormalizedFact {
	return models.NormalizedFact{
		IngredientID: "ing-1",
		DeliveryDate: today.AddDate(0, 0, -daysAgo),
		BaseQuantity: qty,
	}
}

func TestDailyTotalsSkipsNonPositive(t *testing.T) {
	totals := DailyTotals([]models.NormalizedFact{
		fact(1, 4), fact(1, 6), fact(2, -3), fact(3, 0), fact(5, 2),
	})
	require.Equal(t, []DailyTotal{
		{Date: today.AddDate(0, 0, -5), Quantity: 2},
		{Date: today.AddDate(0, 0, -1), Quantity: 10},
	}, totals)
}

func TestRollingAverageConservesTotals(t *testing.T) {
	facts := []models.NormalizedFact{
		fact(0, 5), fact(3, 7), fact(6, 9), fact(7, 100), fact(20, 11), fact(27, 13), fact(28, 1000),
	}
	totals := DailyTotals(facts)

	avg7 := RollingAverage(totals, today, 7)
	require.NotNil(t, avg7)
	require.InDelta(t, (5.0+7+9)/3, *avg7, 1e-9)

	avg28 := RollingAverage(totals, today, 28)
	require.NotNil(t, avg28)
	require.InDelta(t, 5.0+7+9+100+11+13, *avg28*6, 1e-9)

	avg90 := RollingAverage(totals, today, 90)
	require.NotNil(t, avg90)
	require.InDelta(t, 5.0+7+9+100+11+13+1000, *avg90*7, 1e-9)
}

func TestRollingAverageEmptyWindow(t *testing.T) {
	totals := DailyTotals([]models.NormalizedFact{fact(40, 3)})
	require.Nil(t, RollingAverage(totals, today, 7))
	require.Nil(t, RollingAverage(totals, today, 28))
	require.NotNil(t, RollingAverage(totals, today, 90))
}

func TestVarianceNeedsTwoPoints(t *testing.T) {
	require.Nil(t, Variance(DailyTotals([]models.NormalizedFact{fact(1, 3)}), today, 28))

	v := Variance(DailyTotals([]models.NormalizedFact{fact(1, 2), fact(8, 4), fact(15, 6)}), today, 28)
	require.NotNil(t, v)
	require.InDelta(t, 4.0, *v, 1e-9)
}

func TestSeasonalityUsesISOWeekdays(t *testing.T) {
	// 7 and 14 days ago are Mondays, 2 days ago is a Saturday.
	s := Seasonality(DailyTotals([]models.NormalizedFact{fact(7, 4), fact(14, 8), fact(2, 5)}), today, 28)
	require.Equal(t, models.WeekdaySeasonality{1: 6, 6: 5}, s)

	require.Nil(t, Seasonality(nil, today, 28))
}

func TestUsageRequiresTwoDeliveries(t *testing.T) {
	require.Nil(t, Usage("u", "ing-1", DailyTotals([]models.NormalizedFact{fact(1, 3), fact(1, 4)}), nil, today))
}

func TestUsageWeeklyCadence(t *testing.T) {
	latest := fact(0, 12)
	latest.Metadata.PackUnitsPerCase = models.Float(6)
	latest.Metadata.CaseLabel = "6 ea"

	totals := DailyTotals([]models.NormalizedFact{latest, fact(7, 12), fact(14, 12), fact(21, 12)})
	m := Usage("u", "ing-1", totals, &latest, today)
	require.NotNil(t, m)

	require.Equal(t, 4, m.OrdersLast28d)
	require.InDelta(t, 48.0, m.TotalQuantity28d, 1e-9)
	require.InDelta(t, 12.0, *m.AverageWeeklyUsage, 1e-9)
	require.InDelta(t, 7.0, *m.AverageReorderIntervalDays, 1e-9)
	require.InDelta(t, 1.0, *m.DeliveriesPerWeek, 1e-9)
	require.InDelta(t, 12.0, *m.UnitsPerDelivery, 1e-9)
	require.Equal(t, 6.0, *m.PackUnitsPerCase)
	require.Equal(t, "6 ea", m.SuggestedCaseLabel)
	require.Equal(t, today, *m.LastDeliveryDate)
}

func TestUsageFallsBackTo90DayTotal(t *testing.T) {
	totals := DailyTotals([]models.NormalizedFact{fact(40, 26), fact(54, 26)})
	m := Usage("u", "ing-1", totals, nil, today)
	require.NotNil(t, m)
	require.Equal(t, 0, m.OrdersLast28d)
	require.InDelta(t, 4.0, *m.AverageWeeklyUsage, 1e-9)
	require.InDelta(t, 0.5, *m.DeliveriesPerWeek, 1e-9)
	require.InDelta(t, 8.0, *m.UnitsPerDelivery, 1e-9)
}

func TestRefreshPersistsSnapshotsAndUsage(t *testing.T) {
	ctx := context.Background()
	logger.Set(zaptest.NewLogger(t))

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	var lines []models.RawInvoiceLine
	for i, daysAgo := range []int{1, 8, 15, 22} {
		lines = append(lines, models.RawInvoiceLine{
			ID:           "milk-" + string(rune('a'+i)),
			UserID:       "user-1",
			InvoiceID:    "inv",
			VendorName:   "Sysco",
			Description:  "Whole Milk",
			PackSize:     "4/1 GAL",
			Quantity:     2,
			DeliveryDate: today.AddDate(0, 0, -daysAgo),
		})
	}
	lines = append(lines, models.RawInvoiceLine{
		ID: "salt", UserID: "user-1", InvoiceID: "inv", VendorName: "Sysco",
		Description: "Kosher Salt", Quantity: 1, DeliveryDate: today.AddDate(0, 0, -3),
	})
	require.NoError(t, db.InsertInvoiceLines(ctx, lines))

	clock := func() time.Time { return today }
	_, err = normalization.NewBuilder(db, normalization.WithClock(clock)).Normalize(ctx, "user-1", nil)
	require.NoError(t, err)

	res, err := NewEngine(db, 180).WithClock(clock).Refresh(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, &Result{Ingredients: 2, Snapshots: 2, UsageMetrics: 1}, res)

	snapshots, err := db.LatestFeatureSnapshots(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	usage, err := db.ListUsageMetrics(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	for id, m := range usage {
		s := snapshots[id]
		require.NotNil(t, s.Avg28d)
		require.InDelta(t, 4*3785.41*2, *s.Avg28d, 1e-6)
		require.NotNil(t, s.Variance28d)
		require.InDelta(t, 0, *s.Variance28d, 1e-9)
		require.InDelta(t, 4*3785.41, *m.PackUnitsPerCase, 1e-6)
		require.Equal(t, "4 x 1 gal", m.SuggestedCaseLabel)
	}

	// A second refresh on the same day overwrites instead of duplicating.
	_, err = NewEngine(db, 180).WithClock(clock).Refresh(ctx, "user-1", nil)
	require.NoError(t, err)
	again, err := db.LatestFeatureSnapshots(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, snapshots, again)
}

func TestRefreshDropsUsageAndClearsDormantIngredients(t *testing.T) {
	ctx := context.Background()
	logger.Set(zaptest.NewLogger(t))

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	line := func(id, description string, daysAgo int) models.RawInvoiceLine {
		return models.RawInvoiceLine{
			ID: id, UserID: "user-1", InvoiceID: "inv", VendorName: "Sysco",
			Description: description, PackSize: "4/1 GAL", Quantity: 2,
			DeliveryDate: today.AddDate(0, 0, -daysAgo),
		}
	}
	require.NoError(t, db.InsertInvoiceLines(ctx, []models.RawInvoiceLine{
		line("milk-a", "Whole Milk", 1),
		line("milk-b", "Whole Milk", 8),
		line("milk-c", "Whole Milk", 15),
		line("cream", "Heavy Cream", 30),
		line("cream-b", "Heavy Cream", 37),
	}))

	clock := func() time.Time { return today }
	_, err = normalization.NewBuilder(db, normalization.WithClock(clock)).Normalize(ctx, "user-1", nil)
	require.NoError(t, err)

	res, err := NewEngine(db, 180).WithClock(clock).Refresh(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, &Result{Ingredients: 2, Snapshots: 2, UsageMetrics: 2}, res)

	// Months later only one milk delivery is left in the window and the
	// cream has none.
	later := today.AddDate(0, 0, 176)
	res, err = NewEngine(db, 180).WithClock(func() time.Time { return later }).Refresh(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, &Result{Ingredients: 1, Snapshots: 1, Cleared: 1}, res)

	usage, err := db.ListUsageMetrics(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Empty(t, usage)

	snapshots, err := db.LatestFeatureSnapshots(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	undelivered := 0
	for _, s := range snapshots {
		require.Equal(t, later, s.FeatureDate)
		require.Nil(t, s.Avg7d)
		require.Nil(t, s.Avg28d)
		require.Nil(t, s.Avg90d)
		if s.LastDeliveryDate == nil {
			undelivered++
		}
	}
	require.Equal(t, 1, undelivered)

	// Filtering by ingredient only touches that ingredient.
	for id := range snapshots {
		res, err = NewEngine(db, 180).WithClock(func() time.Time { return later }).Refresh(ctx, "user-1", []string{id})
		require.NoError(t, err)
		require.Equal(t, 1, res.Snapshots+res.Cleared)
	}
}
