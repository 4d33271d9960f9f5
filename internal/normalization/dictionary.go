package normalization

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
	"github.com/ordering-engine/backend/pkg/retry"
)

var whitespace = regexp.MustCompile(`\s+`)

// Slug lowercases a description and collapses its whitespace. Two
// descriptions with the same slug resolve to the same canonical ingredient.
func Slug(description string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(description), " "))
}

type DictionaryStore interface {
	FindIngredientByName(ctx context.Context, userID, canonicalName string) (*models.CanonicalIngredient, error)
	InsertIngredient(ctx context.Context, ing *models.CanonicalIngredient) error
}

// Dictionary maps item slugs to canonical ingredients, creating them lazily.
type Dictionary struct {
	store DictionaryStore
	log   *zap.Logger
	now   func() time.Time
}

// NewDictionary logs to log, or to the package logger current at call time
// when log is nil.
func NewDictionary(store DictionaryStore, log *zap.Logger) *Dictionary {
	return &Dictionary{store: store, log: log, now: time.Now}
}

func (d *Dictionary) logger() *zap.Logger {
	if d.log != nil {
		return d.log
	}
	return logger.Log
}

// GetOrCreate returns the user's ingredient named canonicalName, inserting it
// if absent. Losing an insert race to another writer costs one extra lookup;
// a second conflict is returned to the caller.
func (d *Dictionary) GetOrCreate(ctx context.Context, userID, canonicalName string) (*models.CanonicalIngredient, error) {
	if canonicalName == "" {
		return nil, errors.New("canonical name is empty")
	}

	log := d.logger()
	return retry.DoWithResult(ctx, retry.OnConflict(log, models.ErrConflict), func(attempt int) (*models.CanonicalIngredient, error) {
		existing, err := d.store.FindIngredientByName(ctx, userID, canonicalName)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up ingredient: %w", err)
		}

		ing := &models.CanonicalIngredient{
			ID:            uuid.New().String(),
			UserID:        userID,
			CanonicalName: canonicalName,
			CreatedAt:     d.now(),
		}
		if err := d.store.InsertIngredient(ctx, ing); err != nil {
			if errors.Is(err, models.ErrConflict) {
				log.Debug("Ingredient created concurrently",
					zap.String("user_id", userID),
					zap.String("canonical_name", canonicalName),
					zap.Int("attempt", attempt),
				)
			}
			return nil, err
		}
		return ing, nil
	})
}
