package utils

import (
	"strings"

	"github.com/google/uuid"
)

var idNamespace = uuid.MustParse("6f1c8a4e-3b7d-5e2a-9c41-0d8e7f6a5b3c")

// StableID derives a deterministic UUID from its parts, so rows keyed by a
// natural key get the same primary key on every recomputation.
func StableID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}
