package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ordering-engine/backend/internal/storage/models"
)

// InsertInvoiceLines stores raw lines as the invoice capture pipeline hands
// them over. The engine itself only reads this table.
func (c *Client) InsertInvoiceLines(ctx context.Context, lines []models.RawInvoiceLine) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO invoice_lines (id, user_id, invoice_id, vendor_name, description, pack_size,
				quantity, unit_price, extended_price, delivery_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				vendor_name = excluded.vendor_name,
				description = excluded.description,
				pack_size = excluded.pack_size,
				quantity = excluded.quantity,
				unit_price = excluded.unit_price,
				extended_price = excluded.extended_price,
				delivery_date = excluded.delivery_date
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare invoice line insert: %w", err)
		}
		defer stmt.Close()

		now := c.now().Unix()
		for _, line := range lines {
			var deliveryDate interface{}
			if !line.DeliveryDate.IsZero() {
				deliveryDate = formatDate(line.DeliveryDate)
			}
			_, err := stmt.ExecContext(ctx,
				line.ID,
				line.UserID,
				line.InvoiceID,
				line.VendorName,
				line.Description,
				line.PackSize,
				line.Quantity,
				line.UnitPrice,
				line.ExtendedPrice,
				deliveryDate,
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert invoice line %s: %w", line.ID, err)
			}
		}
		return nil
	})
}

const invoiceLineColumns = `id, user_id, invoice_id, vendor_name, description, pack_size,
	quantity, unit_price, extended_price, delivery_date`

func (c *Client) ListInvoiceLinesByIDs(ctx context.Context, userID string, ids []string) ([]models.RawInvoiceLine, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	in, args := inClause(ids)
	query := `SELECT ` + invoiceLineColumns + ` FROM invoice_lines WHERE user_id = ? AND id IN ` + in + ` ORDER BY delivery_date, id`

	return c.queryInvoiceLines(ctx, query, append([]interface{}{userID}, args...)...)
}

func (c *Client) ListInvoiceLinesSince(ctx context.Context, userID string, since time.Time) ([]models.RawInvoiceLine, error) {
	query := `SELECT ` + invoiceLineColumns + ` FROM invoice_lines
		WHERE user_id = ? AND (delivery_date IS NULL OR delivery_date >= ?)
		ORDER BY delivery_date, id`

	return c.queryInvoiceLines(ctx, query, userID, formatDate(since))
}

func (c *Client) queryInvoiceLines(ctx context.Context, query string, args ...interface{}) ([]models.RawInvoiceLine, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []models.RawInvoiceLine
	for rows.Next() {
		var l models.RawInvoiceLine
		var deliveryDate sql.NullString

		err := rows.Scan(&l.ID, &l.UserID, &l.InvoiceID, &l.VendorName, &l.Description, &l.PackSize,
			&l.Quantity, &l.UnitPrice, &l.ExtendedPrice, &deliveryDate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice line: %w", err)
		}

		// A malformed date is left zero; the fact builder rejects the line.
		if deliveryDate.Valid {
			if t, err := parseDate(deliveryDate.String); err == nil {
				l.DeliveryDate = t
			}
		}
		lines = append(lines, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invoice lines: %w", err)
	}
	return lines, nil
}

// ListUserIDs returns every user with at least one invoice line.
func (c *Client) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM invoice_lines ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
