package tuneshredder

import (
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/index"
)

// Store is the persistence contract shared by the JSON artifact and
// the relational back end. Mutating calls are made from exactly one
// goroutine (the indexer owner).
type Store interface {
	Open() error
	Has(name string) bool
	BeginTrack(name string) (uint32, error)
	Append(track uint32, landmarks []dsp.Landmark) int
	EndTrack(track uint32) error
	Checkpoint() error
	Finalize() error
	Snapshot() (*index.Index, error)
	TracksIndexed() int
	Close() error
}

// Logger is the logging surface the engine needs; pkg/logger satisfies
// it, and tests inject their own.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
