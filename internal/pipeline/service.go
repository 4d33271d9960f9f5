package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ordering-engine/backend/internal/evaluation"
	"github.com/ordering-engine/backend/internal/features"
	"github.com/ordering-engine/backend/internal/forecast"
	"github.com/ordering-engine/backend/internal/ingestion"
	"github.com/ordering-engine/backend/internal/metrics"
	"github.com/ordering-engine/backend/internal/normalization"
	"github.com/ordering-engine/backend/internal/patterns"
	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/config"
	"github.com/ordering-engine/backend/pkg/logger"
)

const ActionStageCompleted = "stage_completed"

// Store is the union of what every stage needs from persistence.
type Store interface {
	normalization.Store
	features.Store
	patterns.Store
	forecast.Store
	evaluation.Store
	ingestion.Store
	ListLatestForecasts(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

// ForecastCache is optional; a nil cache sends every read to the store.
type ForecastCache interface {
	GetForecasts(ctx context.Context, userID, ingredientID string) ([]models.Forecast, bool, error)
	WarmForecasts(ctx context.Context, userID string, forecasts []models.Forecast) error
	InvalidateUser(ctx context.Context, userID string) error
}

type Service struct {
	store      Store
	cache      ForecastCache
	intake     *ingestion.Intake
	builder    *normalization.Builder
	features   *features.Engine
	detector   *patterns.Detector
	generator  *forecast.Generator
	calculator *forecast.Calculator
	evaluator  *evaluation.Evaluator
	now        func() time.Time
}

type Option func(*Service)

// WithClock fixes "today" for every stage.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, cache ForecastCache, pipelineCfg config.PipelineConfig, forecastCfg config.ForecastConfig, opts ...Option) *Service {
	s := &Service{
		store: store,
		cache: cache,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.intake = ingestion.NewIntake(store)
	s.builder = normalization.NewBuilder(store,
		normalization.WithLookbackDays(pipelineCfg.NormalizeLookbackDays),
		normalization.WithClock(s.now),
	)
	s.features = features.NewEngine(store, pipelineCfg.FeatureLookbackDays).WithClock(s.now)
	s.detector = patterns.NewDetector(store, pipelineCfg.PatternLookbackDays).WithClock(s.now)
	s.generator = forecast.NewGenerator(store, forecastCfg.DeliveriesAhead, forecastCfg.SearchDays).WithClock(s.now)
	s.calculator = forecast.NewCalculator(forecastCfg.BufferRatio)
	s.evaluator = evaluation.NewEvaluator(store).WithClock(s.now)
	return s
}

type IngestResult struct {
	LineIDs   []string              `json:"line_ids"`
	Normalize *normalization.Result `json:"normalize"`
}

// IngestInvoice stores a captured invoice and normalizes its lines right away.
// Patterns, features and forecasts pick the new facts up on the next run.
func (s *Service) IngestInvoice(ctx context.Context, userID string, inv ingestion.Invoice) (*IngestResult, error) {
	lineIDs, err := s.intake.Ingest(ctx, userID, inv)
	if err != nil {
		return nil, err
	}

	res, err := s.Normalize(ctx, userID, lineIDs)
	if err != nil {
		return &IngestResult{LineIDs: lineIDs}, err
	}
	return &IngestResult{LineIDs: lineIDs, Normalize: res}, nil
}

func (s *Service) Normalize(ctx context.Context, userID string, lineIDs []string) (*normalization.Result, error) {
	return s.normalize(ctx, userID, lineIDs, nil)
}

func (s *Service) normalize(ctx context.Context, userID string, lineIDs []string, progress ProgressFunc) (*normalization.Result, error) {
	var res *normalization.Result
	err := s.runStage(ctx, userID, normalization.StageName, progress, func() (int, error) {
		var err error
		res, err = s.builder.Normalize(ctx, userID, lineIDs)
		if res == nil {
			return 0, err
		}
		return res.Processed, err
	})
	if res != nil {
		metrics.RowsWritten.WithLabelValues("normalized_facts").Add(float64(res.Processed))
		metrics.LinesSkipped.Add(float64(res.Skipped))
		// Every flag gets a series, zero included.
		for _, flag := range models.AllAnomalyFlags {
			metrics.Anomalies.WithLabelValues(string(flag)).Add(float64(res.Anomalies[flag]))
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) RefreshFeatures(ctx context.Context, userID string, ingredientIDs []string) (*features.Result, error) {
	return s.refreshFeatures(ctx, userID, ingredientIDs, nil)
}

func (s *Service) refreshFeatures(ctx context.Context, userID string, ingredientIDs []string, progress ProgressFunc) (*features.Result, error) {
	var res *features.Result
	err := s.runStage(ctx, userID, features.StageName, progress, func() (int, error) {
		var err error
		res, err = s.features.Refresh(ctx, userID, ingredientIDs)
		if res == nil {
			return 0, err
		}
		return res.Snapshots + res.UsageMetrics, err
	})
	if res != nil {
		metrics.RowsWritten.WithLabelValues("feature_snapshots").Add(float64(res.Snapshots))
		metrics.RowsWritten.WithLabelValues("usage_metrics").Add(float64(res.UsageMetrics))
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) DetectDeliveryPatterns(ctx context.Context, userID string) (*patterns.Result, error) {
	return s.detectPatterns(ctx, userID, nil)
}

func (s *Service) detectPatterns(ctx context.Context, userID string, progress ProgressFunc) (*patterns.Result, error) {
	var res *patterns.Result
	err := s.runStage(ctx, userID, patterns.StageName, progress, func() (int, error) {
		var err error
		res, err = s.detector.DetectAndSave(ctx, userID)
		if res == nil {
			return 0, err
		}
		return len(res.Schedules), err
	})
	if err != nil {
		return nil, err
	}

	metrics.RowsWritten.WithLabelValues("delivery_schedules").Add(float64(len(res.Schedules)))
	metrics.SchedulesRemoved.Add(float64(res.Removed))
	for _, sched := range res.Schedules {
		metrics.PatternConfidence.WithLabelValues(string(sched.DetectionMethod)).Observe(sched.ConfidenceScore)
	}
	return res, nil
}

// GenerateForecasts persists fresh forecasts and writes them through to the
// cache. Cache failures are logged, never returned.
func (s *Service) GenerateForecasts(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error) {
	return s.generateForecasts(ctx, userID, ingredientIDs, nil)
}

func (s *Service) generateForecasts(ctx context.Context, userID string, ingredientIDs []string, progress ProgressFunc) ([]models.Forecast, error) {
	var out []models.Forecast
	err := s.runStage(ctx, userID, forecast.StageName, progress, func() (int, error) {
		var err error
		out, err = s.generator.Generate(ctx, userID, ingredientIDs)
		return len(out), err
	})
	if err != nil {
		return nil, err
	}

	metrics.RowsWritten.WithLabelValues("forecasts").Add(float64(len(out)))
	for _, f := range out {
		metrics.ForecastsGenerated.WithLabelValues(f.ModelParams.Method).Inc()
	}

	if s.cache != nil {
		if len(ingredientIDs) == 0 {
			if err := s.cache.InvalidateUser(ctx, userID); err != nil {
				logger.Warn("Failed to invalidate forecast cache", zap.String("user_id", userID), zap.Error(err))
			}
		}
		s.warm(ctx, userID, out)
	}
	return out, nil
}

// GetPredictions returns the latest generation of forecasts, serving single
// ingredients from the cache when possible.
func (s *Service) GetPredictions(ctx context.Context, userID string, ingredientIDs []string) ([]models.Forecast, error) {
	var out []models.Forecast
	misses := ingredientIDs

	if s.cache != nil && len(ingredientIDs) > 0 {
		misses = nil
		for _, id := range ingredientIDs {
			cached, ok, err := s.cache.GetForecasts(ctx, userID, id)
			if err != nil {
				logger.Debug("Forecast cache unavailable", zap.String("user_id", userID), zap.Error(err))
			}
			if ok {
				out = append(out, cached...)
				continue
			}
			misses = append(misses, id)
		}
		if len(misses) == 0 {
			return out, nil
		}
	}

	stored, err := s.store.ListLatestForecasts(ctx, userID, misses)
	if err != nil {
		return nil, fmt.Errorf("failed to read forecasts: %w", err)
	}
	if s.cache != nil {
		s.warm(ctx, userID, stored)
	}

	out = append(out, stored...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IngredientID != out[j].IngredientID {
			return out[i].IngredientID < out[j].IngredientID
		}
		return out[i].DeliveryDate.Before(out[j].DeliveryDate)
	})
	return out, nil
}

func (s *Service) GetPatterns(ctx context.Context, userID string) ([]models.DeliverySchedule, error) {
	schedules, err := s.store.ListDeliverySchedules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery schedules: %w", err)
	}
	return schedules, nil
}

// Explain renders the order-quantity steps for each upcoming delivery of an
// ingredient. It returns models.ErrNotFound when no forecast exists.
func (s *Service) Explain(ctx context.Context, userID, ingredientID string) ([]forecast.Explanation, error) {
	forecasts, err := s.GetPredictions(ctx, userID, []string{ingredientID})
	if err != nil {
		return nil, err
	}
	if len(forecasts) == 0 {
		return nil, fmt.Errorf("forecast for ingredient %s: %w", ingredientID, models.ErrNotFound)
	}

	usage, err := s.store.ListUsageMetrics(ctx, userID, []string{ingredientID})
	if err != nil {
		return nil, fmt.Errorf("failed to read usage metrics: %w", err)
	}
	var metric *models.UsageMetric
	if m, ok := usage[ingredientID]; ok {
		metric = &m
	}

	out := make([]forecast.Explanation, 0, len(forecasts))
	for _, f := range forecasts {
		out = append(out, s.calculator.Explain(f, metric))
	}
	return out, nil
}

func (s *Service) Accuracy(ctx context.Context, userID string, days int) (*evaluation.Report, error) {
	return s.evaluator.Evaluate(ctx, userID, days)
}

type RunResult struct {
	UserID    string                `json:"user_id"`
	Normalize *normalization.Result `json:"normalize"`
	Patterns  *patterns.Result      `json:"patterns"`
	Features  *features.Result      `json:"features"`
	Forecasts int                   `json:"forecasts"`
}

// RunFullPipeline runs normalize, patterns, features and forecasts in order.
// A failed stage stops the run; earlier stages keep what they persisted.
func (s *Service) RunFullPipeline(ctx context.Context, userID string, progress ProgressFunc) (*RunResult, error) {
	result := &RunResult{UserID: userID}
	start := time.Now()

	var err error
	if result.Normalize, err = s.normalize(ctx, userID, nil, progress); err != nil {
		return result, err
	}
	if result.Patterns, err = s.detectPatterns(ctx, userID, progress); err != nil {
		return result, err
	}
	if result.Features, err = s.refreshFeatures(ctx, userID, nil, progress); err != nil {
		return result, err
	}
	forecasts, err := s.generateForecasts(ctx, userID, nil, progress)
	if err != nil {
		return result, err
	}
	result.Forecasts = len(forecasts)

	logger.Info("Pipeline completed",
		zap.String("user_id", userID),
		zap.Int("facts", result.Normalize.Processed),
		zap.Int("schedules", len(result.Patterns.Schedules)),
		zap.Int("forecasts", result.Forecasts),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// RunAllUsers runs the full pipeline for every user with invoice lines, at
// most concurrency at a time. One user's failure does not stop the others;
// the returned error joins every failure.
func (s *Service) RunAllUsers(ctx context.Context, concurrency int) error {
	users, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	return s.RunUsers(ctx, users, concurrency)
}

func (s *Service) RunUsers(ctx context.Context, users []string, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	var g errgroup.Group
	g.SetLimit(concurrency)

	var mu sync.Mutex
	var errs []error

	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := s.RunFullPipeline(ctx, userID, nil); err != nil {
				metrics.ScheduledRuns.WithLabelValues("error").Inc()
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			metrics.ScheduledRuns.WithLabelValues("success").Inc()
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}

	logger.Info("Pipeline run finished for users",
		zap.Int("users", len(users)),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (s *Service) warm(ctx context.Context, userID string, forecasts []models.Forecast) {
	if err := s.cache.WarmForecasts(ctx, userID, forecasts); err != nil {
		logger.Warn("Failed to warm forecast cache", zap.String("user_id", userID), zap.Error(err))
	}
}
