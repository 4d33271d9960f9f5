package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	require.Equal(t, "user:u1", Key("/api/v1/users/u1/predictions", "other", "10.0.0.1"))
	require.Equal(t, "user:hdr", Key("/api/v1/health", "hdr", "10.0.0.1"))
	require.Equal(t, "ip:10.0.0.1", Key("/metrics", "", "10.0.0.1"))
}

func TestLimitsPerUser(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()

	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/api/v1/users/:userID/patterns", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	get := func(user string) int {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/users/"+user+"/patterns", nil), -1)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, get("u1"))
	require.Equal(t, http.StatusOK, get("u1"))
	require.Equal(t, http.StatusTooManyRequests, get("u1"))
	require.Equal(t, http.StatusOK, get("u2"))

	// One token refills every 30s.
	now = now.Add(30 * time.Second)
	require.Equal(t, http.StatusOK, get("u1"))
	require.Equal(t, http.StatusTooManyRequests, get("u1"))
}

func TestStopIsIdempotent(t *testing.T) {
	rl := New(Config{})
	rl.Stop()
	rl.Stop()
}
