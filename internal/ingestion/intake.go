package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
	"github.com/ordering-engine/backend/pkg/utils"
)

var (
	whitespace = regexp.MustCompile(`\s+`)

	ErrInvalidInvoice = errors.New("invalid invoice")
)

type Store interface {
	InsertInvoiceLines(ctx context.Context, lines []models.RawInvoiceLine) error
}

// Invoice is a captured invoice as handed over by the capture service.
type Invoice struct {
	InvoiceID    string        `json:"invoice_id"`
	VendorName   string        `json:"vendor_name"`
	DeliveryDate string        `json:"delivery_date"`
	Lines        []InvoiceLine `json:"lines"`
}

type InvoiceLine struct {
	Description   string  `json:"description"`
	PackSize      string  `json:"pack_size"`
	Quantity      float64 `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	ExtendedPrice float64 `json:"extended_price"`
}

// Intake turns captured invoices into raw invoice lines.
type Intake struct {
	store Store
}

func NewIntake(store Store) *Intake {
	return &Intake{store: store}
}

// Ingest stores every line of inv and returns their ids. Line ids derive from
// user, invoice and position, so resubmitting an invoice overwrites it.
func (i *Intake) Ingest(ctx context.Context, userID string, inv Invoice) ([]string, error) {
	lines, err := Lines(userID, inv)
	if err != nil {
		return nil, err
	}

	if err := i.store.InsertInvoiceLines(ctx, lines); err != nil {
		return nil, fmt.Errorf("failed to store invoice lines: %w", err)
	}

	ids := make([]string, len(lines))
	for n, line := range lines {
		ids[n] = line.ID
	}

	logger.Info("Invoice ingested",
		zap.String("user_id", userID),
		zap.String("invoice_id", inv.InvoiceID),
		zap.String("vendor", lines[0].VendorName),
		zap.Int("lines", len(lines)),
	)
	return ids, nil
}

// Lines validates inv and converts it into raw lines. Free text is trimmed and
// internal whitespace collapsed; pack sizes are otherwise kept as written.
func Lines(userID string, inv Invoice) ([]models.RawInvoiceLine, error) {
	invoiceID := strings.TrimSpace(inv.InvoiceID)
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice_id is required", ErrInvalidInvoice)
	}

	vendor := clean(inv.VendorName)
	if vendor == "" {
		return nil, fmt.Errorf("%w: vendor_name is required", ErrInvalidInvoice)
	}

	deliveryDate, err := time.Parse(time.DateOnly, strings.TrimSpace(inv.DeliveryDate))
	if err != nil {
		return nil, fmt.Errorf("%w: delivery_date must be YYYY-MM-DD", ErrInvalidInvoice)
	}

	if len(inv.Lines) == 0 {
		return nil, fmt.Errorf("%w: invoice has no lines", ErrInvalidInvoice)
	}

	out := make([]models.RawInvoiceLine, 0, len(inv.Lines))
	for n, line := range inv.Lines {
		out = append(out, models.RawInvoiceLine{
			ID:            utils.StableID("line", userID, invoiceID, strconv.Itoa(n)),
			UserID:        userID,
			InvoiceID:     invoiceID,
			VendorName:    vendor,
			Description:   clean(line.Description),
			PackSize:      clean(line.PackSize),
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			ExtendedPrice: line.ExtendedPrice,
			DeliveryDate:  deliveryDate,
		})
	}
	return out, nil
}

func clean(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
