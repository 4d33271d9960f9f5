package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestValidID(t *testing.T) {
	require.True(t, ValidID("user-1"))
	require.True(t, ValidID("3f2a9c1e-0b7d-4c2e-9a51-6d0e1f2a3b4c"))
	require.False(t, ValidID(""))
	require.False(t, ValidID("-leading"))
	require.False(t, ValidID("has space"))
	require.False(t, ValidID(strings.Repeat("a", 129)))
}

func newApp() *fiber.App {
	app := fiber.New()
	mw := Middleware(Config{MaxIDs: 2})
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }
	app.Post("/users/:userID/run", mw, ok)
	app.Get("/users/:userID/predictions", mw, ok)
	return app
}

func post(t *testing.T, app *fiber.App, contentType, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/users/u1/run", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestBodyChecks(t *testing.T) {
	app := newApp()

	require.Equal(t, http.StatusOK, post(t, app, "application/json", `{"ingredient_ids":["a","b"]}`))
	require.Equal(t, http.StatusBadRequest, post(t, app, "application/json", `{"ingredient_ids":["a","b","c"]}`))
	require.Equal(t, http.StatusBadRequest, post(t, app, "application/json", `{"line_ids":["ok","no way"]}`))
	require.Equal(t, http.StatusUnsupportedMediaType, post(t, app, "text/plain", `{}`))
}

func TestQueryChecks(t *testing.T) {
	app := newApp()

	get := func(target string) int {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, get("/users/u1/predictions?ingredient_id=a"))
	require.Equal(t, http.StatusBadRequest, get("/users/u1/predictions?ingredient_id=a&ingredient_id=b&ingredient_id=c"))
	require.Equal(t, http.StatusBadRequest, get("/users/u1/predictions?ingredient_id=%24bad"))
}
