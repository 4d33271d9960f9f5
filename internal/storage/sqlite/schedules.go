package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ordering-engine/backend/internal/storage/models"
)

// ReplaceDeliverySchedules upserts schedules and deletes every other stored
// vendor for the user in the same transaction. It returns the number of
// stale vendors removed.
func (c *Client) ReplaceDeliverySchedules(ctx context.Context, userID string, schedules []models.DeliverySchedule) (int, error) {
	var removed int

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		now := c.now().Unix()
		keep := make(map[string]bool, len(schedules))

		for _, s := range schedules {
			weekdays, err := json.Marshal(s.DeliveryWeekdays)
			if err != nil {
				return fmt.Errorf("failed to marshal delivery weekdays: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO delivery_schedules (user_id, vendor_name, delivery_weekdays, confidence_score, detection_method, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, vendor_name) DO UPDATE SET
					delivery_weekdays = excluded.delivery_weekdays,
					confidence_score = excluded.confidence_score,
					detection_method = excluded.detection_method,
					updated_at = excluded.updated_at
			`, userID, s.VendorName, string(weekdays), s.ConfidenceScore, string(s.DetectionMethod), now)
			if err != nil {
				return fmt.Errorf("failed to upsert delivery schedule for %q: %w", s.VendorName, err)
			}
			keep[s.VendorName] = true
		}

		rows, err := tx.QueryContext(ctx, `SELECT vendor_name FROM delivery_schedules WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("failed to list stored schedules: %w", err)
		}
		var stale []string
		for rows.Next() {
			var vendor string
			if err := rows.Scan(&vendor); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stored schedule: %w", err)
			}
			if !keep[vendor] {
				stale = append(stale, vendor)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate stored schedules: %w", err)
		}

		for _, vendor := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_schedules WHERE user_id = ? AND vendor_name = ?`, userID, vendor); err != nil {
				return fmt.Errorf("failed to delete stale schedule for %q: %w", vendor, err)
			}
		}
		removed = len(stale)
		return nil
	})

	return removed, err
}

func (c *Client) ListDeliverySchedules(ctx context.Context, userID string) ([]models.DeliverySchedule, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT user_id, vendor_name, delivery_weekdays, confidence_score, detection_method, updated_at
		FROM delivery_schedules WHERE user_id = ? ORDER BY vendor_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery schedules: %w", err)
	}
	defer rows.Close()

	var out []models.DeliverySchedule
	for rows.Next() {
		var s models.DeliverySchedule
		var weekdays, method string
		var updatedAt int64
		if err := rows.Scan(&s.UserID, &s.VendorName, &weekdays, &s.ConfidenceScore, &method, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery schedule: %w", err)
		}
		if err := json.Unmarshal([]byte(weekdays), &s.DeliveryWeekdays); err != nil {
			return nil, fmt.Errorf("invalid delivery weekdays for %q: %w", s.VendorName, err)
		}
		s.DetectionMethod = models.DetectionMethod(method)
		s.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}
