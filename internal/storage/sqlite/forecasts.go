package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/utils"
)

// UpsertForecasts writes one row per (user, ingredient, delivery_date) in a
// single transaction. For every ingredient in the batch, future rows whose
// delivery date the new generation no longer produces are removed in the same
// transaction. Rows delivered on or before the generation date are kept for
// accuracy evaluation.
func (c *Client) UpsertForecasts(ctx context.Context, forecasts []models.Forecast) error {
	if len(forecasts) == 0 {
		return nil
	}

	return c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO forecasts (id, user_id, ingredient_id, forecast_date, delivery_date, horizon_days,
				forecast_quantity, lower_bound, upper_bound, vendor_name, model_version, model_params, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, ingredient_id, delivery_date) DO UPDATE SET
				forecast_date = excluded.forecast_date,
				horizon_days = excluded.horizon_days,
				forecast_quantity = excluded.forecast_quantity,
				lower_bound = excluded.lower_bound,
				upper_bound = excluded.upper_bound,
				vendor_name = excluded.vendor_name,
				model_version = excluded.model_version,
				model_params = excluded.model_params,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare forecast upsert: %w", err)
		}
		defer stmt.Close()

		now := c.now().Unix()
		for _, f := range forecasts {
			params, err := json.Marshal(f.ModelParams)
			if err != nil {
				return fmt.Errorf("failed to marshal model params: %w", err)
			}

			deliveryDate := formatDate(f.DeliveryDate)
			_, err = stmt.ExecContext(ctx,
				utils.StableID(f.UserID, f.IngredientID, deliveryDate),
				f.UserID,
				f.IngredientID,
				formatDate(f.ForecastDate),
				deliveryDate,
				f.HorizonDays,
				f.ForecastQuantity,
				nullFloat(f.LowerBound),
				nullFloat(f.UpperBound),
				f.VendorName,
				f.ModelVersion,
				string(params),
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert forecast for %s on %s: %w", f.IngredientID, deliveryDate, err)
			}
		}

		return pruneSuperseded(ctx, tx, forecasts)
	})
}

type generationKey struct {
	userID       string
	ingredientID string
}

type generation struct {
	forecastDate  string
	deliveryDates []string
}

func pruneSuperseded(ctx context.Context, tx *sql.Tx, forecasts []models.Forecast) error {
	var order []generationKey
	generations := make(map[generationKey]*generation)
	for _, f := range forecasts {
		key := generationKey{userID: f.UserID, ingredientID: f.IngredientID}
		g, ok := generations[key]
		if !ok {
			g = &generation{forecastDate: formatDate(f.ForecastDate)}
			generations[key] = g
			order = append(order, key)
		}
		if fd := formatDate(f.ForecastDate); fd < g.forecastDate {
			g.forecastDate = fd
		}
		g.deliveryDates = append(g.deliveryDates, formatDate(f.DeliveryDate))
	}

	for _, key := range order {
		g := generations[key]
		in, inArgs := inClause(g.deliveryDates)
		args := append([]interface{}{key.userID, key.ingredientID, g.forecastDate}, inArgs...)
		_, err := tx.ExecContext(ctx, `
			DELETE FROM forecasts
			WHERE user_id = ? AND ingredient_id = ? AND delivery_date > ?
				AND delivery_date NOT IN `+in, args...)
		if err != nil {
			return fmt.Errorf("failed to prune superseded forecasts for %s: %w", key.ingredientID, err)
		}
	}
	return nil
}

const forecastColumns = `f.user_id, f.ingredient_id, f.forecast_date, f.delivery_date, f.horizon_days,
	f.forecast_quantity, f.lower_bound, f.upper_bound, f.vendor_name, f.model_version, f.model_params`

// ListLatestForecasts returns, per ingredient, the rows of the most recent
// generation (greatest forecast_date), ordered by ingredient and delivery date.
func (c *Client) ListLatestForecasts(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error) {
	query := `SELECT ` + forecastColumns + ` FROM forecasts f
		WHERE f.user_id = ? AND f.forecast_date = (
			SELECT MAX(forecast_date) FROM forecasts
			WHERE user_id = f.user_id AND ingredient_id = f.ingredient_id
		)`
	args := []interface{}{userID}
	if len(ingredientIDs) > 0 {
		in, inArgs := inClause(ingredientIDs)
		query += ` AND f.ingredient_id IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY f.ingredient_id, f.delivery_date`

	return c.queryForecasts(ctx, query, args...)
}

// ListForecastsDeliveredBetween returns forecasts whose delivery date falls in
// [from, to).
func (c *Client) ListForecastsDeliveredBetween(ctx context.Context, userID string, from, to time.Time) ([]models.Forecast, error) {
	query := `SELECT ` + forecastColumns + ` FROM forecasts f
		WHERE f.user_id = ? AND f.delivery_date >= ? AND f.delivery_date < ?
		ORDER BY f.ingredient_id, f.delivery_date`

	return c.queryForecasts(ctx, query, userID, formatDate(from), formatDate(to))
}

func (c *Client) queryForecasts(ctx context.Context, query string, args ...interface{}) ([]models.Forecast, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list forecasts: %w", err)
	}
	defer rows.Close()

	var out []models.Forecast
	for rows.Next() {
		var f models.Forecast
		var forecastDate, deliveryDate, params string
		var lower, upper sql.NullFloat64

		err := rows.Scan(&f.UserID, &f.IngredientID, &forecastDate, &deliveryDate, &f.HorizonDays,
			&f.ForecastQuantity, &lower, &upper, &f.VendorName, &f.ModelVersion, &params)
		if err != nil {
			return nil, fmt.Errorf("failed to scan forecast: %w", err)
		}

		if f.ForecastDate, err = parseDate(forecastDate); err != nil {
			return nil, err
		}
		if f.DeliveryDate, err = parseDate(deliveryDate); err != nil {
			return nil, err
		}
		f.LowerBound = scanNullFloat(lower)
		f.UpperBound = scanNullFloat(upper)
		if err := json.Unmarshal([]byte(params), &f.ModelParams); err != nil {
			return nil, fmt.Errorf("invalid model params for %s: %w", f.IngredientID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
