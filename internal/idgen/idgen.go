// Package idgen generates correlation IDs for score runs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// RunPrefix marks IDs of CLI invocations.
const RunPrefix = "run_"

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return prefix + hex.EncodeToString(b)
}
