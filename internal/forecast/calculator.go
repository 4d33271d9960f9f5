package forecast

import (
	"fmt"
	"math"
	"time"

	"github.com/ordering-engine/backend/internal/storage/models"
)

const DefaultBufferRatio = 0.10

type Step struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
}

type Explanation struct {
	IngredientID  string    `json:"ingredient_id"`
	VendorName    string    `json:"vendor_name,omitempty"`
	DeliveryDate  time.Time `json:"delivery_date"`
	Steps         []Step    `json:"steps"`
	OrderQuantity float64   `json:"order_quantity"`
	OrderUnit     string    `json:"order_unit"`
}

// Calculator renders how a forecast's order quantity is reached. It only
// reads the forecast and never changes it.
type Calculator struct {
	bufferRatio float64
}

func NewCalculator(bufferRatio float64) *Calculator {
	if bufferRatio < 0 {
		bufferRatio = DefaultBufferRatio
	}
	return &Calculator{bufferRatio: bufferRatio}
}

// Explain walks from order history to the rounded-up quantity to order.
// Quantities are expressed in cases when the case size is known, otherwise
// in base units.
func (c *Calculator) Explain(f models.Forecast, usage *models.UsageMetric) Explanation {
	perCase := 1.0
	unit := "base units"
	if p := f.ModelParams.PackUnitsPerCase; p != nil && *p > 0 {
		perCase = *p
		unit = "cases"
		if f.ModelParams.SuggestedCaseLabel != "" {
			unit = fmt.Sprintf("cases of %s", f.ModelParams.SuggestedCaseLabel)
		}
	}

	var orders int
	var total float64
	if usage != nil {
		orders = usage.OrdersLast90d
		total = usage.TotalQuantity90d
	}

	weekly := f.ModelParams.Baseline * 7
	weeklyDesc := "rolling daily average times 7"
	if f.ModelParams.WeeklyUsage != nil {
		weekly = *f.ModelParams.WeeklyUsage
		weeklyDesc = "average weekly usage"
	}

	perDelivery := f.ForecastQuantity / perCase
	buffered := perDelivery * (1 + c.bufferRatio)
	final := math.Ceil(round2(buffered))

	steps := []Step{
		{
			Name:        "orders_found",
			Description: "deliveries in the last 90 days",
			Value:       float64(orders),
			Unit:        "orders",
		},
		{
			Name:        "total_cases",
			Description: "quantity received in the last 90 days",
			Value:       round2(total / perCase),
			Unit:        unit,
		},
		{
			Name:        "weekly_usage",
			Description: weeklyDesc,
			Value:       round2(weekly / perCase),
			Unit:        unit,
		},
		{
			Name:        "per_delivery",
			Description: fmt.Sprintf("forecast quantity per delivery (%s)", f.ModelParams.Method),
			Value:       round2(perDelivery),
			Unit:        unit,
		},
		{
			Name:        "buffered",
			Description: fmt.Sprintf("per-delivery quantity plus %.0f%% buffer", c.bufferRatio*100),
			Value:       round2(buffered),
			Unit:        unit,
		},
		{
			Name:        "order_quantity",
			Description: "buffered quantity rounded up",
			Value:       final,
			Unit:        unit,
		},
	}

	return Explanation{
		IngredientID:  f.IngredientID,
		VendorName:    f.VendorName,
		DeliveryDate:  f.DeliveryDate,
		Steps:         steps,
		OrderQuantity: final,
		OrderUnit:     unit,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
