package patterns

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
)

const (
	StageName = "patterns"

	DefaultLookbackDays = 180

	// MinHistoricalWeeks is the number of distinct ISO weeks needed before
	// the consistency test is trusted.
	MinHistoricalWeeks = 6
	// ConsistencyThreshold is the share of weeks a weekday must appear in.
	ConsistencyThreshold = 0.8

	RecentWindowDays = 35
	// RecentMinDeliveries is the number of invoice-line rows a vendor needs
	// in the recent window. It counts rows, not distinct delivery days: one
	// invoice with six lines qualifies on its own, and a weekday's share of
	// the window is weighted by line count.
	RecentMinDeliveries = 6
	// RecentMinWeekdayDeliveries is the row count a weekday needs to be
	// part of a recent-window schedule.
	RecentMinWeekdayDeliveries = 2
)

type Store interface {
	ListVendorDeliveries(ctx context.Context, userID string, since time.Time) ([]models.VendorDelivery, error)
	ReplaceDeliverySchedules(ctx context.Context, userID string, schedules []models.DeliverySchedule) (int, error)
}

type Result struct {
	Vendors   int                       `json:"vendors"`
	Schedules []models.DeliverySchedule `json:"schedules"`
	Removed   int                       `json:"removed"`
}

type Detector struct {
	store        Store
	lookbackDays int
	now          func() time.Time
}

func NewDetector(store Store, lookbackDays int) *Detector {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	return &Detector{store: store, lookbackDays: lookbackDays, now: time.Now}
}

func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// DetectAndSave recomputes every vendor's schedule for the user and replaces
// the stored set: vendors that no longer show a pattern are removed.
func (d *Detector) DetectAndSave(ctx context.Context, userID string) (*Result, error) {
	today := models.Date(d.now())

	deliveries, err := d.store.ListVendorDeliveries(ctx, userID, today.AddDate(0, 0, -d.lookbackDays))
	if err != nil {
		return nil, fmt.Errorf("failed to load vendor deliveries: %w", err)
	}

	byVendor := groupByVendor(deliveries)
	schedules := Detect(userID, byVendor, today)

	removed, err := d.store.ReplaceDeliverySchedules(ctx, userID, schedules)
	if err != nil {
		return nil, err
	}

	for _, s := range schedules {
		logger.Debug("Delivery pattern detected",
			zap.String("user_id", userID),
			zap.String("vendor", s.VendorName),
			zap.Ints("weekdays", s.DeliveryWeekdays),
			zap.Float64("confidence", s.ConfidenceScore),
			zap.String("method", string(s.DetectionMethod)),
		)
	}

	return &Result{Vendors: len(byVendor), Schedules: schedules, Removed: removed}, nil
}

func groupByVendor(deliveries []models.VendorDelivery) map[string][]time.Time {
	out := make(map[string][]time.Time)
	for _, d := range deliveries {
		out[d.VendorName] = append(out[d.VendorName], models.Date(d.DeliveryDate))
	}
	return out
}

// Detect returns a schedule for every vendor whose delivery dates show a
// recurring weekday, sorted by vendor name.
func Detect(userID string, byVendor map[string][]time.Time, today time.Time) []models.DeliverySchedule {
	vendors := make([]string, 0, len(byVendor))
	for v := range byVendor {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)

	var out []models.DeliverySchedule
	for _, vendor := range vendors {
		weekdays, confidence, method, ok := DetectVendor(byVendor[vendor], today)
		if !ok {
			continue
		}
		out = append(out, models.DeliverySchedule{
			UserID:           userID,
			VendorName:       vendor,
			DeliveryWeekdays: weekdays,
			ConfidenceScore:  confidence,
			DetectionMethod:  method,
		})
	}
	return out
}

// DetectVendor runs the historical consistency test and falls back to the
// recent-window test. Each date is one delivery row; repeated dates count
// once per row in the recent window.
func DetectVendor(dates []time.Time, today time.Time) ([]int, float64, models.DetectionMethod, bool) {
	if weekdays, confidence, ok := historical(dates, today); ok {
		return weekdays, confidence, models.DetectionHistorical, true
	}
	if weekdays, confidence, ok := recent(dates, today); ok {
		return weekdays, confidence, models.DetectionRecentWindow, true
	}
	return nil, 0, "", false
}

type isoWeek struct {
	year, week int
}

func historical(dates []time.Time, today time.Time) ([]int, float64, bool) {
	weeks := make(map[isoWeek]bool)
	weekdayWeeks := make(map[int]map[isoWeek]bool)

	for _, d := range dates {
		if models.DaysBetween(d, today) < 0 {
			continue
		}
		y, w := d.ISOWeek()
		wk := isoWeek{y, w}
		weeks[wk] = true

		day := models.Weekday(d)
		if weekdayWeeks[day] == nil {
			weekdayWeeks[day] = make(map[isoWeek]bool)
		}
		weekdayWeeks[day][wk] = true
	}

	if len(weeks) < MinHistoricalWeeks {
		return nil, 0, false
	}

	var qualifying []int
	var total float64
	for day, set := range weekdayWeeks {
		freq := float64(len(set)) / float64(len(weeks))
		if freq >= ConsistencyThreshold {
			qualifying = append(qualifying, day)
			total += freq
		}
	}
	if len(qualifying) == 0 {
		return nil, 0, false
	}

	sort.Ints(qualifying)
	return qualifying, clamp(total / float64(len(qualifying))), true
}

func recent(dates []time.Time, today time.Time) ([]int, float64, bool) {
	counts := make(map[int]int)
	var rows int
	for _, d := range dates {
		age := models.DaysBetween(d, today)
		if age < 0 || age >= RecentWindowDays {
			continue
		}
		counts[models.Weekday(d)]++
		rows++
	}

	if rows < RecentMinDeliveries {
		return nil, 0, false
	}

	var qualifying []int
	var total float64
	for day, n := range counts {
		if n >= RecentMinWeekdayDeliveries {
			qualifying = append(qualifying, day)
			total += float64(n) / float64(rows)
		}
	}
	if len(qualifying) == 0 {
		return nil, 0, false
	}

	sort.Ints(qualifying)
	return qualifying, clamp(total / float64(len(qualifying))), true
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
