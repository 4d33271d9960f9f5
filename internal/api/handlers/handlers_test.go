package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/ordering-engine/backend/internal/evaluation"
	"github.com/ordering-engine/backend/internal/features"
	"github.com/ordering-engine/backend/internal/forecast"
	"github.com/ordering-engine/backend/internal/ingestion"
	"github.com/ordering-engine/backend/internal/normalization"
	"github.com/ordering-engine/backend/internal/patterns"
	"github.com/ordering-engine/backend/internal/pipeline"
	"github.com/ordering-engine/backend/internal/storage/models"
)

type fakePipeline struct {
	userID   string
	ids      []string
	days     int
	err      error
	forecast []models.Forecast
}

func (f *fakePipeline) IngestInvoice(ctx context.Context, userID string, inv ingestion.Invoice) (*pipeline.IngestResult, error) {
	f.userID = userID
	lines, err := ingestion.Lines(userID, inv)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ID
	}
	f.ids = ids
	return &pipeline.IngestResult{LineIDs: ids}, f.err
}

func (f *fakePipeline) Normalize(ctx context.Context, userID string, lineIDs []string) (*normalization.Result, error) {
	f.userID, f.ids = userID, lineIDs
	return &normalization.Result{Processed: len(lineIDs)}, f.err
}

func (f *fakePipeline) RefreshFeatures(ctx context.Context, userID string, ingredientIDs []string) (*features.Result, error) {
	f.userID, f.ids = userID, ingredientIDs
	return &features.Result{}, f.err
}

func (f *fakePipeline) DetectDeliveryPatterns(ctx context.Context, userID string) (*patterns.Result, error) {
	f.userID = userID
	return &patterns.Result{}, f.err
}

func (f *fakePipeline) GenerateForecasts(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error) {
	f.userID, f.ids = userID, ingredientIDs
	return f.forecast, f.err
}

func (f *fakePipeline) GetPredictions(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error) {
	f.userID, f.ids = userID, ingredientIDs
	return f.forecast, f.err
}

func (f *fakePipeline) GetPatterns(ctx context.Context, userID string) ([]models.DeliverySchedule, error) {
	f.userID = userID
	return nil, f.err
}

func (f *fakePipeline) Explain(ctx context.Context, userID, ingredientID string) ([]forecast.Explanation, error) {
	f.userID, f.ids = userID, []string{ingredientID}
	if len(f.forecast) == 0 {
		return nil, fmt.Errorf("forecast for ingredient %s: %w", ingredientID, models.ErrNotFound)
	}
	return []forecast.Explanation{{IngredientID: ingredientID}}, f.err
}

func (f *fakePipeline) Accuracy(ctx context.Context, userID string, days int) (*evaluation.Report, error) {
	f.userID, f.days = userID, days
	return &evaluation.Report{UserID: userID, WindowDays: days}, f.err
}

func (f *fakePipeline) RunFullPipeline(ctx context.Context, userID string, progress pipeline.ProgressFunc) (*pipeline.RunResult, error) {
	f.userID = userID
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.RunResult{UserID: userID, Forecasts: len(f.forecast)}, nil
}

func newApp(p Pipeline, ready ReadyFunc) *fiber.App {
	app := fiber.New()
	Register(app, p, ready)
	return app
}

func do(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]interface{}{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	} else {
		out["body"] = string(raw)
	}
	return resp.StatusCode, out
}

func TestNormalizeWithLineIDs(t *testing.T) {
	p := &fakePipeline{}
	app := newApp(p, nil)

	status, body := do(t, app, http.MethodPost, "/api/v1/users/user-1/normalize", `{"line_ids":["l1","l2"]}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "user-1", p.userID)
	require.Equal(t, []string{"l1", "l2"}, p.ids)
	require.Equal(t, "user-1", body["user_id"])
}

func TestUploadInvoice(t *testing.T) {
	p := &fakePipeline{}
	app := newApp(p, nil)

	status, body := do(t, app, http.MethodPost, "/api/v1/users/user-1/invoices",
		`{"invoice_id":"INV-1","vendor_name":"Sysco","delivery_date":"2024-06-04","lines":[{"description":"Whole Milk","pack_size":"4/1 GAL","quantity":2}]}`)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "INV-1", body["invoice_id"])
	require.Len(t, p.ids, 1)

	status, _ = do(t, app, http.MethodPost, "/api/v1/users/user-1/invoices",
		`{"invoice_id":"INV-2","vendor_name":"Sysco","delivery_date":"06/04/2024","lines":[{"description":"Whole Milk"}]}`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestEmptyBodyMeansAll(t *testing.T) {
	p := &fakePipeline{}
	app := newApp(p, nil)

	status, _ := do(t, app, http.MethodPost, "/api/v1/users/user-1/forecasts/generate", "")
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, p.ids)
}

func TestRejectsBadInput(t *testing.T) {
	p := &fakePipeline{}
	app := newApp(p, nil)

	status, _ := do(t, app, http.MethodPost, "/api/v1/users/user-1/normalize", `{"line_ids":`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodPost, "/api/v1/users/user-1/normalize", `{"line_ids":[1,2]}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodGet, "/api/v1/users/a*b/patterns", "")
	require.Equal(t, http.StatusBadRequest, status)

	require.Empty(t, p.userID)
}

func TestGetPredictionsFilters(t *testing.T) {
	p := &fakePipeline{forecast: []models.Forecast{{IngredientID: "milk", ForecastQuantity: 3}}}
	app := newApp(p, nil)

	status, body := do(t, app, http.MethodGet, "/api/v1/users/user-1/predictions?ingredient_id=milk&ingredient_id=eggs", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"milk", "eggs"}, p.ids)
	require.Equal(t, float64(1), body["count"])
}

func TestPatternsNeverNull(t *testing.T) {
	app := newApp(&fakePipeline{}, nil)

	status, body := do(t, app, http.MethodGet, "/api/v1/users/user-1/patterns", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []interface{}{}, body["schedules"])
}

func TestExplainNotFound(t *testing.T) {
	app := newApp(&fakePipeline{}, nil)

	status, _ := do(t, app, http.MethodGet, "/api/v1/users/user-1/predictions/milk/explain", "")
	require.Equal(t, http.StatusNotFound, status)
}

func TestStageFailureNamesStage(t *testing.T) {
	p := &fakePipeline{err: &pipeline.StageError{Stage: "forecasts", UserID: "user-1", Err: errors.New("disk I/O error")}}
	app := newApp(p, nil)

	status, body := do(t, app, http.MethodPost, "/api/v1/users/user-1/pipeline/run", "")
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "forecasts", body["stage"])
	require.NotContains(t, body["error"], "disk")
}

func TestAccuracy(t *testing.T) {
	p := &fakePipeline{}
	app := newApp(p, nil)

	status, body := do(t, app, http.MethodGet, "/api/v1/users/user-1/accuracy", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, evaluation.DefaultWindowDays, p.days)
	require.Equal(t, float64(evaluation.DefaultWindowDays), body["window_days"])

	status, _ = do(t, app, http.MethodGet, "/api/v1/users/user-1/accuracy?days=0", "")
	require.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, http.MethodGet, "/api/v1/users/user-1/accuracy?days=30&format=text", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 30, p.days)
	require.Contains(t, body["body"], "user-1")
}

func TestReadiness(t *testing.T) {
	status, _ := do(t, newApp(&fakePipeline{}, func(ctx context.Context) error { return nil }), http.MethodGet, "/api/v1/ready", "")
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, newApp(&fakePipeline{}, func(ctx context.Context) error { return errors.New("database is closed") }), http.MethodGet, "/api/v1/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	app := newApp(&fakePipeline{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/pipeline", nil)
	resp, err := app.Test(req, int(time.Second/time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
