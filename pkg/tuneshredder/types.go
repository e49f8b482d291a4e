package tuneshredder

import (
	"errors"
	"time"
)

// ErrWorkerLost marks a file whose worker died (panic) even after one
// reschedule. The build continues without the file.
var ErrWorkerLost = errors.New("worker lost")

// BuildReport summarizes one indexing run.
type BuildReport struct {
	Scanned   int // audio files found in the directory
	Resumed   int // files skipped because a previous run indexed them
	Indexed   int // tracks added this run
	Failed    int // files skipped on decode or worker failure
	Landmarks int // landmarks produced by the DSP front end
	Kept      int // postings admitted under the bucket cap
	Elapsed   time.Duration
}
