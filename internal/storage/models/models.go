package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a unique-constraint violation on insert.
	ErrConflict = errors.New("unique constraint conflict")
)

// DateLayout is the storage and wire format of calendar dates.
const DateLayout = "2006-01-02"

// ModelVersion tags every forecast produced by the rolling-statistics model.
const ModelVersion = "baseline_v1"

type RawInvoiceLine struct {
	ID            string
	UserID        string
	InvoiceID     string
	VendorName    string
	Description   string
	PackSize      string
	Quantity      float64
	UnitPrice     float64
	ExtendedPrice float64
	DeliveryDate  time.Time
}

type CanonicalIngredient struct {
	ID            string
	UserID        string
	CanonicalName string
	CreatedAt     time.Time
}

type AnomalyFlag string

const (
	FlagMissingPackSize          AnomalyFlag = "missing_pack_size"
	FlagPackSizeConversionFailed AnomalyFlag = "pack_size_conversion_failed"
	FlagNonPositiveQuantity      AnomalyFlag = "non_positive_quantity"
)

// AllAnomalyFlags lists every flag in a stable order.
var AllAnomalyFlags = []AnomalyFlag{
	FlagMissingPackSize,
	FlagPackSizeConversionFailed,
	FlagNonPositiveQuantity,
}

func (f AnomalyFlag) Valid() bool {
	switch f {
	case FlagMissingPackSize, FlagPackSizeConversionFailed, FlagNonPositiveQuantity:
		return true
	}
	return false
}

func (f *AnomalyFlag) UnmarshalText(text []byte) error {
	flag := AnomalyFlag(text)
	if !flag.Valid() {
		return fmt.Errorf("unknown anomaly flag %q", string(text))
	}
	*f = flag
	return nil
}

// AnomalyFlags is a set of data-quality markers; it marshals as a sorted
// JSON array and never as null.
type AnomalyFlags []AnomalyFlag

func (fs AnomalyFlags) Has(flag AnomalyFlag) bool {
	for _, f := range fs {
		if f == flag {
			return true
		}
	}
	return false
}

func (fs AnomalyFlags) Add(flag AnomalyFlag) AnomalyFlags {
	if fs.Has(flag) {
		return fs
	}
	out := append(fs, flag)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (fs AnomalyFlags) MarshalJSON() ([]byte, error) {
	if fs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]AnomalyFlag(fs))
}

// FactMetadata carries invoice context alongside a fact. PackUnitsPerCase is
// the base quantity contained in one case.
type FactMetadata struct {
	VendorName       string   `json:"vendor_name"`
	InvoiceID        string   `json:"invoice_id"`
	RawQuantity      float64  `json:"raw_quantity"`
	UnitPrice        float64  `json:"unit_price"`
	PackUnitsPerCase *float64 `json:"pack_units_per_case,omitempty"`
	CaseLabel        string   `json:"case_label,omitempty"`
}

type NormalizedFact struct {
	ID              string
	UserID          string
	InvoiceLineID   string
	IngredientID    string
	ItemSlug        string
	DeliveryDate    time.Time
	BaseQuantity    float64
	BaseUnit        string
	PackDescription string
	AnomalyFlags    AnomalyFlags
	Metadata        FactMetadata
}

type IngredientSource struct {
	UserID            string
	IngredientID      string
	SourceDescription string
	VendorName        string
}

type PriceHistory struct {
	ID            string
	UserID        string
	IngredientID  string
	InvoiceID     string
	InvoiceLineID string
	UnitPrice     float64
	ExtendedPrice float64
	DeliveryDate  time.Time
}

type AuditEntry struct {
	ID        int64
	UserID    string
	Stage     string
	Action    string
	EntityID  string
	Detail    string
	CreatedAt time.Time
}

// WeekdaySeasonality maps ISO weekday (1=Monday … 7=Sunday) to the mean
// daily quantity delivered on that weekday.
type WeekdaySeasonality map[int]float64

type FeatureSnapshot struct {
	UserID             string
	IngredientID       string
	FeatureDate        time.Time
	Avg7d              *float64
	Avg28d             *float64
	Avg90d             *float64
	Variance28d        *float64
	WeekdaySeasonality WeekdaySeasonality
	LastDeliveryDate   *time.Time
}

type UsageMetric struct {
	UserID                     string
	IngredientID               string
	AverageWeeklyUsage         *float64
	AverageReorderIntervalDays *float64
	DeliveriesPerWeek          *float64
	UnitsPerDelivery           *float64
	PackUnitsPerCase           *float64
	SuggestedCaseLabel         string
	LastDeliveryDate           *time.Time
	OrdersLast28d              int
	OrdersLast90d              int
	TotalQuantity28d           float64
	TotalQuantity90d           float64
	UpdatedAt                  time.Time
}

type DetectionMethod string

const (
	DetectionHistorical   DetectionMethod = "historical"
	DetectionRecentWindow DetectionMethod = "recent_window"
)

// DeliverySchedule is a vendor's recurring delivery weekdays. Weekdays are
// sorted, Monday=0 … Sunday=6.
type DeliverySchedule struct {
	UserID           string          `json:"user_id"`
	VendorName       string          `json:"vendor_name"`
	DeliveryWeekdays []int           `json:"delivery_weekdays"`
	ConfidenceScore  float64         `json:"confidence_score"`
	DetectionMethod  DetectionMethod `json:"detection_method"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// VendorDelivery is one fact joined back to its invoice line's vendor.
type VendorDelivery struct {
	VendorName   string
	DeliveryDate time.Time
}

// ModelParams records every input behind a forecast quantity.
type ModelParams struct {
	Source             string   `json:"source"`
	Method             string   `json:"method"`
	Baseline           float64  `json:"baseline"`
	WeeklyUsage        *float64 `json:"weekly_usage,omitempty"`
	DeliveriesPerWeek  *float64 `json:"deliveries_per_week,omitempty"`
	UnitsPerDelivery   *float64 `json:"units_per_delivery,omitempty"`
	PackUnitsPerCase   *float64 `json:"pack_units_per_case,omitempty"`
	SuggestedCases     *float64 `json:"suggested_cases,omitempty"`
	SuggestedCaseLabel string   `json:"suggested_case_label,omitempty"`
	Variance28d        *float64 `json:"variance_28d,omitempty"`
	ScheduleMethod     string   `json:"schedule_method"`
	ScheduleConfidence *float64 `json:"schedule_confidence,omitempty"`
}

type Forecast struct {
	UserID           string      `json:"user_id"`
	IngredientID     string      `json:"ingredient_id"`
	ForecastDate     time.Time   `json:"forecast_date"`
	DeliveryDate     time.Time   `json:"delivery_date"`
	HorizonDays      int         `json:"horizon_days"`
	ForecastQuantity float64     `json:"forecast_quantity"`
	LowerBound       *float64    `json:"lower_bound,omitempty"`
	UpperBound       *float64    `json:"upper_bound,omitempty"`
	VendorName       string      `json:"vendor_name,omitempty"`
	ModelVersion     string      `json:"model_version"`
	ModelParams      ModelParams `json:"model_params"`
}

// Date truncates t to its calendar day in UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)).Hours() / 24)
}

// Weekday returns t's weekday with Monday=0 … Sunday=6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func Float(v float64) *float64 {
	return &v
}
