// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates prefixed UUID v7 strings. v7 ids sort by creation time,
// which keeps draft listings stable without a secondary index.
type Generator struct {
	prefix string
}

// New creates a Generator. prefix may be empty.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a prefixed UUID7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
