package dsp

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
)

// Peak is one retained spectral peak of a frame. Bin may be fractional
// when parabolic refinement is enabled; Q is the quantized bin that
// feeds both pairing and key packing.
type Peak struct {
	Bin float64
	Q   uint32
	Mag float64
}

type peakPicker struct {
	s      Settings
	cands  []Peak    // scratch, reused across frames
	sample []float64 // scratch for the whitening median
}

func newPeakPicker(s Settings) *peakPicker {
	return &peakPicker{
		s:      s,
		cands:  make([]Peak, 0, 64),
		sample: make([]float64, 0, 256),
	}
}

// pick returns up to TopPeaks local maxima of mags, strongest first.
// A bin qualifies when it clears the noise floor and exceeds both its
// ±1 and ±2 neighbors. Ties are broken toward the lower bin so repeated
// runs produce identical peak sets. The returned slice aliases internal
// scratch and is only valid until the next call.
func (pp *peakPicker) pick(mags []float64) []Peak {
	if pp.s.Whiten {
		pp.whiten(mags)
	}
	pp.cands = pp.cands[:0]
	for k := 2; k < len(mags)-2; k++ {
		m := mags[k]
		if m < pp.s.MinMag {
			continue
		}
		if m <= mags[k-1] || m <= mags[k+1] || m <= mags[k-2] || m <= mags[k+2] {
			continue
		}
		pp.cands = append(pp.cands, Peak{Bin: float64(k), Mag: m})
	}
	sort.Slice(pp.cands, func(i, j int) bool {
		if pp.cands[i].Mag != pp.cands[j].Mag {
			return pp.cands[i].Mag > pp.cands[j].Mag
		}
		return pp.cands[i].Bin < pp.cands[j].Bin
	})
	if len(pp.cands) > pp.s.TopPeaks {
		pp.cands = pp.cands[:pp.s.TopPeaks]
	}
	for i := range pp.cands {
		if pp.s.Refine {
			pp.cands[i].Bin = refineBin(mags, int(pp.cands[i].Bin))
		}
		pp.cands[i].Q = quantizeBin(pp.cands[i].Bin, pp.s.FreqQuant)
	}
	return pp.cands
}

// whiten subtracts a coarse per-frame median sampled every ~0.5% of the
// bins (about 200 samples per frame). Applied identically at build and
// query time.
func (pp *peakPicker) whiten(mags []float64) {
	step := len(mags) / 200
	if step < 1 {
		step = 1
	}
	pp.sample = pp.sample[:0]
	for k := 0; k < len(mags); k += step {
		pp.sample = append(pp.sample, mags[k])
	}
	med, err := stats.Median(pp.sample)
	if err != nil {
		return
	}
	for k := range mags {
		mags[k] -= med
	}
}

// refineBin replaces an integer peak bin with the vertex of the
// parabola through its three neighbors. The correction is bounded to
// half a bin; a degenerate (flat) neighborhood keeps the integer bin.
func refineBin(mags []float64, k int) float64 {
	if k < 1 || k >= len(mags)-1 {
		return float64(k)
	}
	l, c, r := mags[k-1], mags[k], mags[k+1]
	den := l - 2*c + r
	if den == 0 {
		return float64(k)
	}
	frac := 0.5 * (l - r) / den
	if frac > 0.5 {
		frac = 0.5
	} else if frac < -0.5 {
		frac = -0.5
	}
	return float64(k) + frac
}

func quantizeBin(bin float64, fq int) uint32 {
	q := math.Round(bin / float64(fq))
	if q < 0 {
		q = 0
	}
	return uint32(q)
}
