// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

var _ grabber.IDGenerator = Generator{}

// Generator creates UUID v7 job IDs and random trace IDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. Version 7 sorts by creation time, which keeps
// job ids roughly aligned with queue order.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewTraceID returns 32 lowercase hex characters, the W3C trace-id shape.
func (Generator) NewTraceID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}
