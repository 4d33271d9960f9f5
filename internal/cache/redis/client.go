package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/metrics"
	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/circuitbreaker"
	"github.com/ordering-engine/backend/pkg/logger"
)

const (
	DefaultTTL = 5 * time.Minute

	cacheType = "forecast"
)

// Client caches the latest forecasts per (user, ingredient). It is never the
// source of truth; callers fall back to the store on any miss or error.
type Client struct {
	client  *redis.Client
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return Wrap(client, ttl), nil
}

// Wrap builds a cache around an existing go-redis client.
func Wrap(client *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		client: client,
		ttl:    ttl,
		breaker: circuitbreaker.NewCircuitBreaker("redis-forecast-cache", circuitbreaker.Config{
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			Logger:           logger.Log,
		}),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func ForecastKey(userID, ingredientID string) string {
	return fmt.Sprintf("forecast:%s:%s", userID, ingredientID)
}

func (c *Client) SetForecasts(ctx context.Context, userID, ingredientID string, forecasts []models.Forecast) error {
	data, err := json.Marshal(forecasts)
	if err != nil {
		return fmt.Errorf("failed to marshal forecasts: %w", err)
	}

	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, ForecastKey(userID, ingredientID), data, c.ttl).Err()
	})
	if err != nil {
		metrics.CacheErrors.WithLabelValues(cacheType, "set").Inc()
		return fmt.Errorf("failed to set forecast cache: %w", err)
	}

	logger.Debug("Forecasts cached",
		zap.String("user_id", userID),
		zap.String("ingredient_id", ingredientID),
		zap.Duration("ttl", c.ttl),
	)
	return nil
}

// GetForecasts reports false on a miss.
func (c *Client) GetForecasts(ctx context.Context, userID, ingredientID string) ([]models.Forecast, bool, error) {
	var data []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.client.Get(ctx, ForecastKey(userID, ingredientID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		metrics.CacheErrors.WithLabelValues(cacheType, "get").Inc()
		return nil, false, fmt.Errorf("failed to get forecast cache: %w", err)
	}
	if data == nil {
		metrics.CacheMisses.WithLabelValues(cacheType).Inc()
		return nil, false, nil
	}

	var forecasts []models.Forecast
	if err := json.Unmarshal(data, &forecasts); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal forecasts: %w", err)
	}

	metrics.CacheHits.WithLabelValues(cacheType).Inc()
	return forecasts, true, nil
}

// WarmForecasts writes every ingredient's forecasts in one pipeline.
func (c *Client) WarmForecasts(ctx context.Context, userID string, forecasts []models.Forecast) error {
	if len(forecasts) == 0 {
		return nil
	}

	grouped := make(map[string][]models.Forecast)
	for _, f := range forecasts {
		grouped[f.IngredientID] = append(grouped[f.IngredientID], f)
	}

	payloads := make(map[string][]byte, len(grouped))
	for ingredientID, group := range grouped {
		data, err := json.Marshal(group)
		if err != nil {
			return fmt.Errorf("failed to marshal forecasts: %w", err)
		}
		payloads[ForecastKey(userID, ingredientID)] = data
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, data := range payloads {
				pipe.Set(ctx, key, data, c.ttl)
			}
			return nil
		})
		return err
	})
	if err != nil {
		metrics.CacheErrors.WithLabelValues(cacheType, "warm").Inc()
		return fmt.Errorf("failed to warm forecast cache: %w", err)
	}

	logger.Debug("Forecast cache warmed", zap.String("user_id", userID), zap.Int("keys", len(payloads)))
	return nil
}

// InvalidateUser drops every cached forecast of the user.
func (c *Client) InvalidateUser(ctx context.Context, userID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		iter := c.client.Scan(ctx, 0, ForecastKey(userID, "*"), 0).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to iterate cache keys: %w", err)
		}
		return nil
	})
}
