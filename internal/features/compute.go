package features

import (
	"math"
	"sort"
	"time"

	"github.com/ordering-engine/backend/internal/storage/models"
)

const (
	ShortWindowDays  = 7
	MediumWindowDays = 28
	LongWindowDays   = 90
)

// DailyTotal is the positive quantity of one ingredient delivered on one day.
type DailyTotal struct {
	Date     time.Time
	Quantity float64
}

// DailyTotals folds facts into per-day totals sorted by date. Facts with a
// non-positive quantity contribute nothing.
func DailyTotals(facts []models.NormalizedFact) []DailyTotal {
	byDay := make(map[time.Time]float64)
	for _, f := range facts {
		if f.BaseQuantity <= 0 {
			continue
		}
		byDay[models.Date(f.DeliveryDate)] += f.BaseQuantity
	}

	totals := make([]DailyTotal, 0, len(byDay))
	for day, qty := range byDay {
		totals = append(totals, DailyTotal{Date: day, Quantity: qty})
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Date.Before(totals[j].Date) })
	return totals
}

// window returns the totals whose age relative to today lies in [0, days).
func window(totals []DailyTotal, today time.Time, days int) []DailyTotal {
	var out []DailyTotal
	for _, t := range totals {
		age := models.DaysBetween(t.Date, today)
		if age >= 0 && age < days {
			out = append(out, t)
		}
	}
	return out
}

func sum(totals []DailyTotal) float64 {
	var s float64
	for _, t := range totals {
		s += t.Quantity
	}
	return s
}

// RollingAverage is the mean daily total over the last days days, or nil when
// nothing was delivered in that window.
func RollingAverage(totals []DailyTotal, today time.Time, days int) *float64 {
	w := window(totals, today, days)
	if len(w) == 0 {
		return nil
	}
	return models.Float(sum(w) / float64(len(w)))
}

// Variance is the sample variance of the daily totals in the window; nil with
// fewer than two points.
func Variance(totals []DailyTotal, today time.Time, days int) *float64 {
	w := window(totals, today, days)
	if len(w) < 2 {
		return nil
	}

	mean := sum(w) / float64(len(w))
	var ss float64
	for _, t := range w {
		d := t.Quantity - mean
		ss += d * d
	}
	return models.Float(ss / float64(len(w)-1))
}

// Seasonality averages the window's daily totals per ISO weekday.
func Seasonality(totals []DailyTotal, today time.Time, days int) models.WeekdaySeasonality {
	w := window(totals, today, days)
	if len(w) == 0 {
		return nil
	}

	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, t := range w {
		iso := models.Weekday(t.Date) + 1
		sums[iso] += t.Quantity
		counts[iso]++
	}

	out := make(models.WeekdaySeasonality, len(sums))
	for day, s := range sums {
		out[day] = s / float64(counts[day])
	}
	return out
}

func Snapshot(userID, ingredientID string, totals []DailyTotal, today time.Time) models.FeatureSnapshot {
	s := models.FeatureSnapshot{
		UserID:             userID,
		IngredientID:       ingredientID,
		FeatureDate:        models.Date(today),
		Avg7d:              RollingAverage(totals, today, ShortWindowDays),
		Avg28d:             RollingAverage(totals, today, MediumWindowDays),
		Avg90d:             RollingAverage(totals, today, LongWindowDays),
		Variance28d:        Variance(totals, today, MediumWindowDays),
		WeekdaySeasonality: Seasonality(totals, today, MediumWindowDays),
	}
	if len(totals) > 0 {
		last := totals[len(totals)-1].Date
		s.LastDeliveryDate = &last
	}
	return s
}

// Usage derives ordering cadence for one ingredient. It returns nil with
// fewer than two delivery days. latest supplies the case geometry and may be
// nil.
func Usage(userID, ingredientID string, totals []DailyTotal, latest *models.NormalizedFact, today time.Time) *models.UsageMetric {
	if len(totals) < 2 {
		return nil
	}

	w28 := window(totals, today, MediumWindowDays)
	w90 := window(totals, today, LongWindowDays)
	total := sum(totals)

	first, last := totals[0].Date, totals[len(totals)-1].Date
	spanWeeks := math.Max(float64(models.DaysBetween(first, last))/7, 1)

	m := &models.UsageMetric{
		UserID:           userID,
		IngredientID:     ingredientID,
		LastDeliveryDate: &last,
		OrdersLast28d:    len(w28),
		OrdersLast90d:    len(w90),
		TotalQuantity28d: sum(w28),
		TotalQuantity90d: sum(w90),
	}

	var weekly float64
	switch {
	case m.TotalQuantity28d > 0:
		weekly = m.TotalQuantity28d / 4
	case m.TotalQuantity90d > 0:
		weekly = m.TotalQuantity90d / 13
	default:
		weekly = total / spanWeeks
	}
	m.AverageWeeklyUsage = models.Float(weekly)

	var gaps []float64
	for i := 1; i < len(totals); i++ {
		if gap := models.DaysBetween(totals[i-1].Date, totals[i].Date); gap > 0 {
			gaps = append(gaps, float64(gap))
		}
	}
	if len(gaps) > 0 {
		var g float64
		for _, v := range gaps {
			g += v
		}
		m.AverageReorderIntervalDays = models.Float(g / float64(len(gaps)))
	}

	var perWeek float64
	switch {
	case m.AverageReorderIntervalDays != nil && *m.AverageReorderIntervalDays > 0:
		perWeek = 7 / *m.AverageReorderIntervalDays
	case m.OrdersLast28d > 0:
		perWeek = float64(m.OrdersLast28d) / 4
	case m.OrdersLast90d > 0:
		perWeek = float64(m.OrdersLast90d) / 13
	default:
		perWeek = float64(len(totals)) / spanWeeks
	}
	m.DeliveriesPerWeek = models.Float(perWeek)

	if perWeek > 0 {
		m.UnitsPerDelivery = models.Float(weekly / perWeek)
	} else {
		m.UnitsPerDelivery = models.Float(total / float64(len(totals)))
	}

	if latest != nil {
		m.PackUnitsPerCase = latest.Metadata.PackUnitsPerCase
		m.SuggestedCaseLabel = latest.Metadata.CaseLabel
	}
	return m
}
