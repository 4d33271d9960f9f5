package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ordering-engine/backend/internal/storage/models"
)

func (c *Client) FindIngredientByName(ctx context.Context, userID, canonicalName string) (*models.CanonicalIngredient, error) {
	query := `SELECT id, user_id, canonical_name, created_at FROM canonical_ingredients WHERE user_id = ? AND canonical_name = ?`

	var ing models.CanonicalIngredient
	var createdAt int64
	err := c.db.QueryRowContext(ctx, query, userID, canonicalName).Scan(&ing.ID, &ing.UserID, &ing.CanonicalName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingredient: %w", err)
	}

	ing.CreatedAt = time.Unix(createdAt, 0)
	return &ing, nil
}

// InsertIngredient creates a dictionary entry. It returns models.ErrConflict
// when another writer already holds (user_id, canonical_name).
func (c *Client) InsertIngredient(ctx context.Context, ing *models.CanonicalIngredient) error {
	query := `INSERT INTO canonical_ingredients (id, user_id, canonical_name, created_at) VALUES (?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query, ing.ID, ing.UserID, ing.CanonicalName, ing.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return fmt.Errorf("ingredient %q: %w", ing.CanonicalName, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert ingredient: %w", err)
	}
	return nil
}

func (c *Client) ListIngredients(ctx context.Context, userID string) ([]models.CanonicalIngredient, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, user_id, canonical_name, created_at FROM canonical_ingredients WHERE user_id = ? ORDER BY canonical_name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingredients: %w", err)
	}
	defer rows.Close()

	var out []models.CanonicalIngredient
	for rows.Next() {
		var ing models.CanonicalIngredient
		var createdAt int64
		if err := rows.Scan(&ing.ID, &ing.UserID, &ing.CanonicalName, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingredient: %w", err)
		}
		ing.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ing)
	}
	return out, rows.Err()
}

func (c *Client) UpsertIngredientSource(ctx context.Context, src *models.IngredientSource) error {
	query := `
		INSERT INTO ingredient_sources (user_id, ingredient_id, source_description, vendor_name, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, ingredient_id, source_description, vendor_name) DO UPDATE SET
			last_seen = excluded.last_seen
	`

	_, err := c.db.ExecContext(ctx, query, src.UserID, src.IngredientID, src.SourceDescription, src.VendorName, c.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert ingredient source: %w", err)
	}
	return nil
}

func (c *Client) ListIngredientSources(ctx context.Context, userID, ingredientID string) ([]models.IngredientSource, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT user_id, ingredient_id, source_description, vendor_name
		FROM ingredient_sources WHERE user_id = ? AND ingredient_id = ?
		ORDER BY source_description, vendor_name`, userID, ingredientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingredient sources: %w", err)
	}
	defer rows.Close()

	var out []models.IngredientSource
	for rows.Next() {
		var s models.IngredientSource
		if err := rows.Scan(&s.UserID, &s.IngredientID, &s.SourceDescription, &s.VendorName); err != nil {
			return nil, fmt.Errorf("failed to scan ingredient source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) UpsertPriceHistory(ctx context.Context, p *models.PriceHistory) error {
	query := `
		INSERT INTO price_history (id, user_id, ingredient_id, invoice_id, invoice_line_id, unit_price, extended_price, delivery_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, invoice_line_id) DO UPDATE SET
			ingredient_id = excluded.ingredient_id,
			invoice_id = excluded.invoice_id,
			unit_price = excluded.unit_price,
			extended_price = excluded.extended_price,
			delivery_date = excluded.delivery_date
	`

	_, err := c.db.ExecContext(ctx, query,
		p.ID,
		p.UserID,
		p.IngredientID,
		p.InvoiceID,
		p.InvoiceLineID,
		p.UnitPrice,
		p.ExtendedPrice,
		formatDate(p.DeliveryDate),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert price history: %w", err)
	}
	return nil
}

func (c *Client) InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO audit_log (user_id, stage, action, entity_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Stage, e.Action, e.EntityID, e.Detail, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (c *Client) ListAuditEntries(ctx context.Context, userID, stage string, limit int) ([]models.AuditEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, stage, action, entity_id, detail, created_at
		FROM audit_log WHERE user_id = ? AND stage = ?
		ORDER BY id DESC LIMIT ?`, userID, stage, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var entityID, detail sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Stage, &e.Action, &entityID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.EntityID = entityID.String
		e.Detail = detail.String
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
