package validation

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

type Config struct {
	// MaxIDs caps line_ids, ingredient_ids and repeated ingredient_id
	// query parameters.
	MaxIDs              int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// ValidID reports whether s is an acceptable user, line or ingredient id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// Middleware checks the :userID route parameter, id arrays in JSON bodies and
// ingredient_id query parameters. It must run as a route handler so route
// parameters are resolved.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxIDs == 0 {
		cfg.MaxIDs = 1000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if userID := c.Params("userID"); userID != "" && !ValidID(userID) {
			cfg.Logger.Warn("Rejected invalid user id",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid user id",
			})
		}

		if ingredientID := c.Params("ingredientID"); ingredientID != "" && !ValidID(ingredientID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid ingredient id",
			})
		}

		queryIDs := c.Context().QueryArgs().PeekMulti("ingredient_id")
		if len(queryIDs) > cfg.MaxIDs {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Too many ingredient ids",
			})
		}
		for _, id := range queryIDs {
			if !ValidID(string(id)) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid ingredient id",
				})
			}
		}

		if c.Method() != fiber.MethodPost || len(c.Body()) == 0 {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" {
			allowed := false
			for _, allowedType := range cfg.AllowedContentTypes {
				if strings.Contains(contentType, allowedType) {
					allowed = true
					break
				}
			}
			if !allowed {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		var req map[string]json.RawMessage
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		for _, field := range []string{"line_ids", "ingredient_ids"} {
			raw, ok := req[field]
			if !ok {
				continue
			}

			var ids []string
			if err := json.Unmarshal(raw, &ids); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": field + " must be an array of strings",
				})
			}
			if len(ids) > cfg.MaxIDs {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Too many ids in " + field,
				})
			}
			for _, id := range ids {
				if !ValidID(id) {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "Invalid id in " + field,
					})
				}
			}
		}

		return c.Next()
	}
}
