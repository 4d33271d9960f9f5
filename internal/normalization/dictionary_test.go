package normalization

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
)

// racyStore loses every insert to a concurrent writer whose row becomes
// visible after the first lookup.
type racyStore struct {
	finds   int
	inserts int
	winner  *models.CanonicalIngredient
	visible int
}

func (s *racyStore) FindIngredientByName(ctx context.Context, userID, name string) (*models.CanonicalIngredient, error) {
	s.finds++
	if s.winner != nil && s.finds > s.visible {
		return s.winner, nil
	}
	return nil, models.ErrNotFound
}

func (s *racyStore) InsertIngredient(ctx context.Context, ing *models.CanonicalIngredient) error {
	s.inserts++
	return fmt.Errorf("ingredient %q: %w", ing.CanonicalName, models.ErrConflict)
}

func TestGetOrCreateResolvesInsertRace(t *testing.T) {
	winner := &models.CanonicalIngredient{ID: "ing-1", UserID: "user-1", CanonicalName: "basil"}
	store := &racyStore{winner: winner, visible: 1}

	ing, err := NewDictionary(store, zaptest.NewLogger(t)).GetOrCreate(context.Background(), "user-1", "basil")
	require.NoError(t, err)
	require.Equal(t, winner, ing)
	require.Equal(t, 2, store.finds)
	require.Equal(t, 1, store.inserts)
}

func TestGetOrCreatePropagatesSecondConflict(t *testing.T) {
	store := &racyStore{}

	_, err := NewDictionary(store, zaptest.NewLogger(t)).GetOrCreate(context.Background(), "user-1", "basil")
	require.ErrorIs(t, err, models.ErrConflict)
	require.Equal(t, 2, store.inserts)
}

type brokenStore struct{}

func (brokenStore) FindIngredientByName(ctx context.Context, userID, name string) (*models.CanonicalIngredient, error) {
	return nil, errors.New("database is locked")
}

func (brokenStore) InsertIngredient(ctx context.Context, ing *models.CanonicalIngredient) error {
	return nil
}

func TestGetOrCreateReturnsLookupFailure(t *testing.T) {
	_, err := NewDictionary(brokenStore{}, nil).GetOrCreate(context.Background(), "user-1", "basil")
	require.ErrorContains(t, err, "database is locked")
	require.NotErrorIs(t, err, models.ErrConflict)
}

func TestGetOrCreateCreatesOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	dict := NewDictionary(db, zaptest.NewLogger(t))

	first, err := dict.GetOrCreate(ctx, "user-1", "basil")
	require.NoError(t, err)
	second, err := dict.GetOrCreate(ctx, "user-1", "basil")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	other, err := dict.GetOrCreate(ctx, "user-2", "basil")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestDictionaryFollowsLoggerSetAfterConstruction(t *testing.T) {
	winner := &models.CanonicalIngredient{ID: "ing-1", UserID: "user-1", CanonicalName: "basil"}
	dict := NewBuilder(newTestStore(t)).dict
	dict.store = &racyStore{winner: winner, visible: 1}

	core, logs := observer.New(zapcore.DebugLevel)
	logger.Set(zap.New(core))
	t.Cleanup(func() { logger.Set(nil) })

	_, err := dict.GetOrCreate(context.Background(), "user-1", "basil")
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("Ingredient created concurrently").Len())
}

func TestWithLoggerPinsDictionaryLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	dict := NewBuilder(newTestStore(t), WithLogger(zap.New(core))).dict
	dict.store = &racyStore{winner: &models.CanonicalIngredient{ID: "ing-1"}, visible: 1}

	logger.Set(zaptest.NewLogger(t))
	t.Cleanup(func() { logger.Set(nil) })

	_, err := dict.GetOrCreate(context.Background(), "user-1", "basil")
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("Ingredient created concurrently").Len())
}
