package normalization

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/internal/units"
	"github.com/ordering-engine/backend/pkg/logger"
	"github.com/ordering-engine/backend/pkg/utils"
)

const (
	StageName = "normalize"

	ActionFactUpserted = "fact_upserted"

	DefaultLookbackDays = 365
)

var (
	errEmptyDescription = errors.New("empty description")
	errMissingDate      = errors.New("missing delivery date")
)

// Store is everything the fact builder reads and writes.
type Store interface {
	DictionaryStore
	ListInvoiceLinesByIDs(ctx context.Context, userID string, ids []string) ([]models.RawInvoiceLine, error)
	ListInvoiceLinesSince(ctx context.Context, userID string, since time.Time) ([]models.RawInvoiceLine, error)
	UpsertFact(ctx context.Context, f *models.NormalizedFact) error
	UpsertIngredientSource(ctx context.Context, src *models.IngredientSource) error
	UpsertPriceHistory(ctx context.Context, p *models.PriceHistory) error
	InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error
}

type Result struct {
	Processed int                        `json:"processed"`
	Skipped   int                        `json:"skipped"`
	Anomalies map[models.AnomalyFlag]int `json:"anomalies"`
}

// Builder turns raw invoice lines into normalized delivery facts.
type Builder struct {
	store        Store
	dict         *Dictionary
	converter    units.Converter
	lookbackDays int
	now          func() time.Time
}

type Option func(*Builder)

func WithConverter(c units.Converter) Option {
	return func(b *Builder) { b.converter = c }
}

func WithLookbackDays(days int) Option {
	return func(b *Builder) {
		if days > 0 {
			b.lookbackDays = days
		}
	}
}

// WithLogger pins the dictionary's logger instead of following the package
// logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Builder) { b.dict.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
		b.dict.now = now
	}
}

func NewBuilder(store Store, opts ...Option) *Builder {
	b := &Builder{
		store:        store,
		dict:         NewDictionary(store, nil),
		converter:    units.NewPackParser(),
		lookbackDays: DefaultLookbackDays,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Normalize processes the given invoice lines, or every line delivered within
// the lookback window when lineIDs is empty. Malformed lines are skipped; any
// persistence failure abandons the batch.
func (b *Builder) Normalize(ctx context.Context, userID string, lineIDs []string) (*Result, error) {
	var lines []models.RawInvoiceLine
	var err error
	if len(lineIDs) > 0 {
		lines, err = b.store.ListInvoiceLinesByIDs(ctx, userID, lineIDs)
	} else {
		since := models.Date(b.now()).AddDate(0, 0, -b.lookbackDays)
		lines, err = b.store.ListInvoiceLinesSince(ctx, userID, since)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice lines: %w", err)
	}

	result := &Result{Anomalies: make(map[models.AnomalyFlag]int)}
	for i := range lines {
		line := &lines[i]

		fact, err := b.buildFact(ctx, line)
		if errors.Is(err, errEmptyDescription) || errors.Is(err, errMissingDate) {
			logger.Warn("Skipping malformed invoice line",
				zap.String("user_id", userID),
				zap.String("invoice_line_id", line.ID),
				zap.Error(err),
			)
			result.Skipped++
			continue
		}
		if err != nil {
			return result, err
		}

		if err := b.persist(ctx, line, fact); err != nil {
			return result, err
		}

		result.Processed++
		for _, flag := range fact.AnomalyFlags {
			result.Anomalies[flag]++
		}
	}

	return result, nil
}

func (b *Builder) buildFact(ctx context.Context, line *models.RawInvoiceLine) (*models.NormalizedFact, error) {
	slug := Slug(line.Description)
	if slug == "" {
		return nil, errEmptyDescription
	}
	if line.DeliveryDate.IsZero() {
		return nil, errMissingDate
	}

	ing, err := b.dict.GetOrCreate(ctx, line.UserID, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ingredient %q: %w", slug, err)
	}

	fact := &models.NormalizedFact{
		ID:              utils.StableID(line.UserID, line.ID),
		UserID:          line.UserID,
		InvoiceLineID:   line.ID,
		IngredientID:    ing.ID,
		ItemSlug:        slug,
		DeliveryDate:    models.Date(line.DeliveryDate),
		PackDescription: strings.TrimSpace(line.PackSize),
		AnomalyFlags:    models.AnomalyFlags{},
		Metadata: models.FactMetadata{
			VendorName:  line.VendorName,
			InvoiceID:   line.InvoiceID,
			RawQuantity: line.Quantity,
			UnitPrice:   line.UnitPrice,
		},
	}

	if fact.PackDescription == "" {
		fact.BaseQuantity = line.Quantity
		fact.BaseUnit = units.UnitEach
		fact.AnomalyFlags = fact.AnomalyFlags.Add(models.FlagMissingPackSize)
	} else {
		conv, err := b.converter.Convert(fact.PackDescription, line.Quantity)
		if err != nil {
			logger.Debug("Pack size conversion failed",
				zap.String("invoice_line_id", line.ID),
				zap.String("pack", fact.PackDescription),
				zap.Error(err),
			)
			fact.BaseQuantity = line.Quantity
			fact.BaseUnit = units.UnitEach
			fact.AnomalyFlags = fact.AnomalyFlags.Add(models.FlagPackSizeConversionFailed)
		} else {
			fact.BaseQuantity = conv.BaseQuantity
			fact.BaseUnit = conv.BaseUnit
			if conv.PerCase > 0 {
				fact.Metadata.PackUnitsPerCase = models.Float(conv.PerCase)
			}
			fact.Metadata.CaseLabel = conv.CaseLabel
		}
	}

	if fact.BaseQuantity <= 0 {
		fact.AnomalyFlags = fact.AnomalyFlags.Add(models.FlagNonPositiveQuantity)
	}

	return fact, nil
}

func (b *Builder) persist(ctx context.Context, line *models.RawInvoiceLine, fact *models.NormalizedFact) error {
	if err := b.store.UpsertFact(ctx, fact); err != nil {
		return err
	}

	err := b.store.UpsertIngredientSource(ctx, &models.IngredientSource{
		UserID:            fact.UserID,
		IngredientID:      fact.IngredientID,
		SourceDescription: strings.TrimSpace(line.Description),
		VendorName:        line.VendorName,
	})
	if err != nil {
		return err
	}

	err = b.store.UpsertPriceHistory(ctx, &models.PriceHistory{
		ID:            utils.StableID("price", fact.UserID, line.ID),
		UserID:        fact.UserID,
		IngredientID:  fact.IngredientID,
		InvoiceID:     line.InvoiceID,
		InvoiceLineID: line.ID,
		UnitPrice:     line.UnitPrice,
		ExtendedPrice: line.ExtendedPrice,
		DeliveryDate:  fact.DeliveryDate,
	})
	if err != nil {
		return err
	}

	return b.store.InsertAuditEntry(ctx, &models.AuditEntry{
		UserID:   fact.UserID,
		Stage:    StageName,
		Action:   ActionFactUpserted,
		EntityID: line.ID,
		Detail:   fmt.Sprintf("%s %g %s", fact.ItemSlug, fact.BaseQuantity, fact.BaseUnit),
	})
}
