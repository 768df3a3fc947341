// Package uuid provides time-ordered identifiers for ephemeral actors such
// as bot sessions and stream connections.
package uuid

import "github.com/google/uuid"

// Generator creates UUID v7 strings. It implements extraction.IDGenerator.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string. Generation only fails when the platform
// randomness source is broken, which is not recoverable here.
func (Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
