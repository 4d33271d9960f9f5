package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ordering-engine/backend/internal/storage/models"
)

// UpsertFact writes the fact for (user_id, invoice_line_id), overwriting any
// earlier normalization of the same line.
func (c *Client) UpsertFact(ctx context.Context, f *models.NormalizedFact) error {
	flagsJSON, err := json.Marshal(f.AnomalyFlags)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly flags: %w", err)
	}
	metaJSON, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal fact metadata: %w", err)
	}

	query := `
		INSERT INTO normalized_facts (id, user_id, invoice_line_id, ingredient_id, item_slug, delivery_date,
			base_quantity, base_unit, pack_description, anomaly_flags, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, invoice_line_id) DO UPDATE SET
			ingredient_id = excluded.ingredient_id,
			item_slug = excluded.item_slug,
			delivery_date = excluded.delivery_date,
			base_quantity = excluded.base_quantity,
			base_unit = excluded.base_unit,
			pack_description = excluded.pack_description,
			anomaly_flags = excluded.anomaly_flags,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err = c.db.ExecContext(ctx, query,
		f.ID,
		f.UserID,
		f.InvoiceLineID,
		f.IngredientID,
		f.ItemSlug,
		formatDate(f.DeliveryDate),
		f.BaseQuantity,
		f.BaseUnit,
		f.PackDescription,
		string(flagsJSON),
		string(metaJSON),
		c.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}
	return nil
}

const factColumns = `id, user_id, invoice_line_id, ingredient_id, item_slug, delivery_date,
	base_quantity, base_unit, pack_description, anomaly_flags, metadata`

// ListFactsSince returns the user's facts delivered on or after since, newest
// first. An empty ingredientIDs means every ingredient.
func (c *Client) ListFactsSince(ctx context.Context, userID string, since time.Time, ingredientIDs []string) ([]models.NormalizedFact, error) {
	query := `SELECT ` + factColumns + ` FROM normalized_facts WHERE user_id = ? AND delivery_date >= ?`
	args := []interface{}{userID, formatDate(since)}

	if len(ingredientIDs) > 0 {
		in, inArgs := inClause(ingredientIDs)
		query += ` AND ingredient_id IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY delivery_date DESC, invoice_line_id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	var facts []models.NormalizedFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate facts: %w", err)
	}
	return facts, nil
}

func (c *Client) GetFactByLine(ctx context.Context, userID, invoiceLineID string) (*models.NormalizedFact, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM normalized_facts WHERE user_id = ? AND invoice_line_id = ?`,
		userID, invoiceLineID)
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get fact: %w", err)
		}
		return nil, models.ErrNotFound
	}
	f, err := scanFact(rows)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) CountFacts(ctx context.Context, userID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM normalized_facts WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	return n, nil
}

func scanFact(rows *sql.Rows) (models.NormalizedFact, error) {
	var f models.NormalizedFact
	var deliveryDate, flagsJSON, metaJSON string

	err := rows.Scan(&f.ID, &f.UserID, &f.InvoiceLineID, &f.IngredientID, &f.ItemSlug, &deliveryDate,
		&f.BaseQuantity, &f.BaseUnit, &f.PackDescription, &flagsJSON, &metaJSON)
	if err != nil {
		return f, fmt.Errorf("failed to scan fact: %w", err)
	}

	if f.DeliveryDate, err = parseDate(deliveryDate); err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(flagsJSON), &f.AnomalyFlags); err != nil {
		return f, fmt.Errorf("invalid anomaly flags on fact %s: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &f.Metadata); err != nil {
		return f, fmt.Errorf("invalid metadata on fact %s: %w", f.ID, err)
	}
	return f, nil
}

// ListVendorDeliveries returns one row per fact since the given date, joined
// back to the vendor on its source invoice line.
func (c *Client) ListVendorDeliveries(ctx context.Context, userID string, since time.Time) ([]models.VendorDelivery, error) {
	query := `
		SELECT il.vendor_name, f.delivery_date
		FROM normalized_facts f
		JOIN invoice_lines il ON il.id = f.invoice_line_id AND il.user_id = f.user_id
		WHERE f.user_id = ? AND f.delivery_date >= ? AND il.vendor_name != ''
		ORDER BY il.vendor_name, f.delivery_date
	`

	rows, err := c.db.QueryContext(ctx, query, userID, formatDate(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list vendor deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.VendorDelivery
	for rows.Next() {
		var d models.VendorDelivery
		var date string
		if err := rows.Scan(&d.VendorName, &date); err != nil {
			return nil, fmt.Errorf("failed to scan vendor delivery: %w", err)
		}
		if d.DeliveryDate, err = parseDate(date); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestVendorByIngredient maps each ingredient to the vendor of its most
// recent delivery.
func (c *Client) LatestVendorByIngredient(ctx context.Context, userID string) (map[string]string, error) {
	query := `
		SELECT f.ingredient_id, il.vendor_name
		FROM normalized_facts f
		JOIN invoice_lines il ON il.id = f.invoice_line_id AND il.user_id = f.user_id
		WHERE f.user_id = ? AND il.vendor_name != ''
		ORDER BY f.ingredient_id, f.delivery_date DESC, f.invoice_line_id DESC
	`

	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingredient vendors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var ingredientID, vendor string
		if err := rows.Scan(&ingredientID, &vendor); err != nil {
			return nil, fmt.Errorf("failed to scan ingredient vendor: %w", err)
		}
		if _, seen := out[ingredientID]; !seen {
			out[ingredientID] = vendor
		}
	}
	return out, rows.Err()
}
