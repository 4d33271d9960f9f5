package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ordering-engine/backend/internal/storage/models"
)

func (c *Client) UpsertFeatureSnapshot(ctx context.Context, s *models.FeatureSnapshot) error {
	var seasonality interface{}
	if s.WeekdaySeasonality != nil {
		data, err := json.Marshal(s.WeekdaySeasonality)
		if err != nil {
			return fmt.Errorf("failed to marshal weekday seasonality: %w", err)
		}
		seasonality = string(data)
	}

	query := `
		INSERT INTO feature_snapshots (user_id, ingredient_id, feature_date, avg_7d, avg_28d, avg_90d,
			variance_28d, weekday_seasonality, last_delivery_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, ingredient_id, feature_date) DO UPDATE SET
			avg_7d = excluded.avg_7d,
			avg_28d = excluded.avg_28d,
			avg_90d = excluded.avg_90d,
			variance_28d = excluded.variance_28d,
			weekday_seasonality = excluded.weekday_seasonality,
			last_delivery_date = excluded.last_delivery_date,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		s.UserID,
		s.IngredientID,
		formatDate(s.FeatureDate),
		nullFloat(s.Avg7d),
		nullFloat(s.Avg28d),
		nullFloat(s.Avg90d),
		nullFloat(s.Variance28d),
		seasonality,
		nullDate(s.LastDeliveryDate),
		c.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert feature snapshot: %w", err)
	}
	return nil
}

// LatestFeatureSnapshots returns, per ingredient, the snapshot with the
// greatest feature_date.
func (c *Client) LatestFeatureSnapshots(ctx context.Context, userID string, ingredientIDs []string) (map[string]models.FeatureSnapshot, error) {
	query := `
		SELECT s.user_id, s.ingredient_id, s.feature_date, s.avg_7d, s.avg_28d, s.avg_90d,
			s.variance_28d, s.weekday_seasonality, s.last_delivery_date
		FROM feature_snapshots s
		WHERE s.user_id = ? AND s.feature_date = (
			SELECT MAX(feature_date) FROM feature_snapshots
			WHERE user_id = s.user_id AND ingredient_id = s.ingredient_id
		)`
	args := []interface{}{userID}
	if len(ingredientIDs) > 0 {
		in, inArgs := inClause(ingredientIDs)
		query += ` AND s.ingredient_id IN ` + in
		args = append(args, inArgs...)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.FeatureSnapshot)
	for rows.Next() {
		var s models.FeatureSnapshot
		var featureDate string
		var avg7, avg28, avg90, variance sql.NullFloat64
		var seasonality, lastDelivery sql.NullString

		err := rows.Scan(&s.UserID, &s.IngredientID, &featureDate, &avg7, &avg28, &avg90,
			&variance, &seasonality, &lastDelivery)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature snapshot: %w", err)
		}

		if s.FeatureDate, err = parseDate(featureDate); err != nil {
			return nil, err
		}
		s.Avg7d = scanNullFloat(avg7)
		s.Avg28d = scanNullFloat(avg28)
		s.Avg90d = scanNullFloat(avg90)
		s.Variance28d = scanNullFloat(variance)
		if seasonality.Valid && seasonality.String != "" {
			if err := json.Unmarshal([]byte(seasonality.String), &s.WeekdaySeasonality); err != nil {
				return nil, fmt.Errorf("invalid weekday seasonality for %s: %w", s.IngredientID, err)
			}
		}
		if s.LastDeliveryDate, err = scanNullDate(lastDelivery); err != nil {
			return nil, err
		}
		out[s.IngredientID] = s
	}
	return out, rows.Err()
}

func (c *Client) UpsertUsageMetric(ctx context.Context, m *models.UsageMetric) error {
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = c.now()
	}

	query := `
		INSERT INTO usage_metrics (user_id, ingredient_id, average_weekly_usage, average_reorder_interval_days,
			deliveries_per_week, units_per_delivery, pack_units_per_case, suggested_case_label,
			last_delivery_date, orders_last_28d, orders_last_90d, total_quantity_28d, total_quantity_90d, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, ingredient_id) DO UPDATE SET
			average_weekly_usage = excluded.average_weekly_usage,
			average_reorder_interval_days = excluded.average_reorder_interval_days,
			deliveries_per_week = excluded.deliveries_per_week,
			units_per_delivery = excluded.units_per_delivery,
			pack_units_per_case = excluded.pack_units_per_case,
			suggested_case_label = excluded.suggested_case_label,
			last_delivery_date = excluded.last_delivery_date,
			orders_last_28d = excluded.orders_last_28d,
			orders_last_90d = excluded.orders_last_90d,
			total_quantity_28d = excluded.total_quantity_28d,
			total_quantity_90d = excluded.total_quantity_90d,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		m.UserID,
		m.IngredientID,
		nullFloat(m.AverageWeeklyUsage),
		nullFloat(m.AverageReorderIntervalDays),
		nullFloat(m.DeliveriesPerWeek),
		nullFloat(m.UnitsPerDelivery),
		nullFloat(m.PackUnitsPerCase),
		m.SuggestedCaseLabel,
		nullDate(m.LastDeliveryDate),
		m.OrdersLast28d,
		m.OrdersLast90d,
		m.TotalQuantity28d,
		m.TotalQuantity90d,
		updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert usage metric: %w", err)
	}
	return nil
}

func (c *Client) DeleteUsageMetric(ctx context.Context, userID, ingredientID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM usage_metrics WHERE user_id = ? AND ingredient_id = ?`, userID, ingredientID)
	if err != nil {
		return fmt.Errorf("failed to delete usage metric: %w", err)
	}
	return nil
}

// ListSnapshotIngredients returns the ingredients that have at least one
// feature snapshot, sorted by id.
func (c *Client) ListSnapshotIngredients(ctx context.Context, userID string, ingredientIDs []string) ([]string, error) {
	query := `SELECT DISTINCT ingredient_id FROM feature_snapshots WHERE user_id = ?`
	args := []interface{}{userID}
	if len(ingredientIDs) > 0 {
		in, inArgs := inClause(ingredientIDs)
		query += ` AND ingredient_id IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY ingredient_id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot ingredients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot ingredient: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *Client) ListUsageMetrics(ctx context.Context, userID string, ingredientIDs []string) (map[string]models.UsageMetric, error) {
	query := `
		SELECT user_id, ingredient_id, average_weekly_usage, average_reorder_interval_days,
			deliveries_per_week, units_per_delivery, pack_units_per_case, suggested_case_label,
			last_delivery_date, orders_last_28d, orders_last_90d, total_quantity_28d, total_quantity_90d, updated_at
		FROM usage_metrics WHERE user_id = ?`
	args := []interface{}{userID}
	if len(ingredientIDs) > 0 {
		in, inArgs := inClause(ingredientIDs)
		query += ` AND ingredient_id IN ` + in
		args = append(args, inArgs...)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.UsageMetric)
	for rows.Next() {
		var m models.UsageMetric
		var weekly, interval, perWeek, perDelivery, pack sql.NullFloat64
		var lastDelivery sql.NullString
		var updatedAt int64

		err := rows.Scan(&m.UserID, &m.IngredientID, &weekly, &interval, &perWeek, &perDelivery, &pack,
			&m.SuggestedCaseLabel, &lastDelivery, &m.OrdersLast28d, &m.OrdersLast90d,
			&m.TotalQuantity28d, &m.TotalQuantity90d, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage metric: %w", err)
		}

		m.AverageWeeklyUsage = scanNullFloat(weekly)
		m.AverageReorderIntervalDays = scanNullFloat(interval)
		m.DeliveriesPerWeek = scanNullFloat(perWeek)
		m.UnitsPerDelivery = scanNullFloat(perDelivery)
		m.PackUnitsPerCase = scanNullFloat(pack)
		if m.LastDeliveryDate, err = scanNullDate(lastDelivery); err != nil {
			return nil, err
		}
		m.UpdatedAt = time.Unix(updatedAt, 0)
		out[m.IngredientID] = m
	}
	return out, rows.Err()
}
