package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordering-engine/backend/internal/storage/models"
)

var today = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return today.AddDate(0, 0, -n)
}

func TestScore(t *testing.T) {
	forecasts := []models.Forecast{
		{IngredientID: "a", DeliveryDate: day(7), ForecastQuantity: 10, LowerBound: models.Float(8), UpperBound: models.Float(12)},
		{IngredientID: "a", DeliveryDate: day(14), ForecastQuantity: 10, LowerBound: models.Float(9), UpperBound: models.Float(11)},
		{IngredientID: "b", DeliveryDate: day(7), ForecastQuantity: 4},
	}
	actuals := Actuals([]models.NormalizedFact{
		{IngredientID: "a", DeliveryDate: day(7), BaseQuantity: 6},
		{IngredientID: "a", DeliveryDate: day(7), BaseQuantity: 5},
		{IngredientID: "a", DeliveryDate: day(14), BaseQuantity: 5},
		{IngredientID: "a", DeliveryDate: day(14), BaseQuantity: -2},
	})

	r := Score(forecasts, actuals)
	require.Equal(t, 3, r.Evaluated)
	// |10-11| + |10-5| + |4-0|
	require.InDelta(t, 10.0/3, r.MAE, 1e-9)
	require.NotNil(t, r.MAPE)
	require.InDelta(t, (1.0/11+5.0/5)/2*100, *r.MAPE, 1e-9)
	require.Equal(t, 2, r.Bounded)
	require.NotNil(t, r.Coverage)
	require.InDelta(t, 0.5, *r.Coverage, 1e-9)
}

func TestScoreEmpty(t *testing.T) {
	r := Score(nil, nil)
	require.Zero(t, r.Evaluated)
	require.Nil(t, r.MAPE)
	require.Nil(t, r.Coverage)
	require.Contains(t, r.String(), "n/a")
}

type fakeStore struct {
	forecasts []models.Forecast
	facts     []models.NormalizedFact
	from, to  time.Time
}

func (s *fakeStore) ListForecastsDeliveredBetween(ctx context.Context, userID string, from, to time.Time) ([]models.Forecast, error) {
	s.from, s.to = from, to
	return s.forecasts, nil
}

func (s *fakeStore) ListFactsSince(ctx context.Context, userID string, since time.Time, ids []string) ([]models.NormalizedFact, error) {
	return s.facts, nil
}

func TestEvaluateWindow(t *testing.T) {
	store := &fakeStore{
		forecasts: []models.Forecast{{IngredientID: "a", DeliveryDate: day(3), ForecastQuantity: 2}},
		facts:     []models.NormalizedFact{{IngredientID: "a", DeliveryDate: day(3), BaseQuantity: 2}},
	}

	r, err := NewEvaluator(store).WithClock(func() time.Time { return today }).Evaluate(context.Background(), "user-1", 30)
	require.NoError(t, err)
	require.Equal(t, day(30), store.from)
	require.Equal(t, today, store.to)
	require.Equal(t, 1, r.Evaluated)
	require.Zero(t, r.MAE)
	require.Equal(t, "user-1", r.UserID)
	require.Contains(t, r.String(), "Mean absolute error: 0.00")
}
