// Package storage defines the interface for asynchronous archival
// backends. Engines consume broadcast events off a channel; the
// in-memory store remains the authoritative source for the pipeline.
package storage

import (
	"context"
	"sync"

	"github.com/soilsense/trustd/internal/types"
)

// ArchiveEngineInterface is an interface that provides a standardized
// method for various archival storage backends
type ArchiveEngineInterface interface {
	StartArchiveEngine(context.Context, *sync.WaitGroup) chan<- types.Event
}
