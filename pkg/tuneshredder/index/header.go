package index

import (
	"errors"
	"fmt"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
)

// FormatVersion is bumped whenever the artifact layout or the meaning
// of the recorded parameters changes.
const FormatVersion = 1

var (
	// ErrBadParams: the artifact was built with different analysis
	// parameters than the ones in use. Fatal; re-index or adjust.
	ErrBadParams = errors.New("analysis parameters mismatch")
	// ErrUnreadable: the artifact exists but cannot be parsed.
	ErrUnreadable = errors.New("index unreadable")
	// ErrTruncated: a sharded artifact lost its tail; the readable
	// prefix was loaded.
	ErrTruncated = errors.New("index truncated")
	// ErrWriteFailed: persisting the artifact failed; the previous
	// good file is still in place.
	ErrWriteFailed = errors.New("index write failed")
)

// Header is the parameter record persisted with every artifact (and
// duplicated into every shard). Build and query must agree on it; the
// matcher derives its analysis settings from the loaded header rather
// than trusting flags.
type Header struct {
	Version     int     `json:"version"`
	SampleRate  int     `json:"sr"`
	Window      int     `json:"win"`
	Hop         int     `json:"hop"`
	TopPeaks    int     `json:"top"`
	MinMag      float64 `json:"min"`
	Fan         int     `json:"fan"`
	AnchorEvery int     `json:"anchor_every"`
	Zone        int     `json:"zone"`
	Pairs       int     `json:"pairs"`
	FreqQuant   int     `json:"fq"`
	DeltaQuant  int     `json:"dtq"`
	BucketCap   int     `json:"bucket_cap"`
	Refine      bool    `json:"refine"`
	Whiten      bool    `json:"whiten"`
}

// HeaderFor records the given settings plus the indexing bucket cap.
func HeaderFor(s dsp.Settings, bucketCap int) Header {
	return Header{
		Version:     FormatVersion,
		SampleRate:  s.SampleRate,
		Window:      s.Window,
		Hop:         s.Hop,
		TopPeaks:    s.TopPeaks,
		MinMag:      s.MinMag,
		Fan:         s.Fan,
		AnchorEvery: s.AnchorEvery,
		Zone:        s.Zone,
		Pairs:       s.Pairs,
		FreqQuant:   s.FreqQuant,
		DeltaQuant:  s.DeltaQuant,
		BucketCap:   bucketCap,
		Refine:      s.Refine,
		Whiten:      s.Whiten,
	}
}

// Settings reconstructs the analysis settings the artifact was built
// with.
func (h Header) Settings() dsp.Settings {
	return dsp.Settings{
		SampleRate:  h.SampleRate,
		Window:      h.Window,
		Hop:         h.Hop,
		TopPeaks:    h.TopPeaks,
		MinMag:      h.MinMag,
		Fan:         h.Fan,
		AnchorEvery: h.AnchorEvery,
		Zone:        h.Zone,
		Pairs:       h.Pairs,
		FreqQuant:   h.FreqQuant,
		DeltaQuant:  h.DeltaQuant,
		Refine:      h.Refine,
		Whiten:      h.Whiten,
	}
}

// Check validates that the header describes a usable parameter set.
func (h Header) Check() error {
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: artifact version %d, supported %d", ErrBadParams, h.Version, FormatVersion)
	}
	if err := h.Settings().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}

// Equal reports full parameter equality. Resuming a build over an
// existing artifact requires it.
func (h Header) Equal(other Header) bool {
	return h == other
}
