// Package uuid generates the job and task correlation identifiers handed out
// at submission time.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator mints UUIDv7 strings. The time-ordered prefix keeps job rows
// roughly insertion-ordered under their primary key.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
