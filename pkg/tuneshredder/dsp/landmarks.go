package dsp

import (
	"math"
	"sort"
)

// Landmark is a packed (f1, f2, Δt) key together with the anchor frame
// index it was emitted at. Only the frame difference enters the key, so
// the landmark set of a shifted signal is the shifted landmark set.
type Landmark struct {
	Key uint32
	T   uint32
}

// Key layout: [f1:12][f2:12][Δt:8], all values already quantized.
const (
	freqBits  = 12
	deltaBits = 8

	freqMask  uint32 = 1<<freqBits - 1
	deltaMask uint32 = 1<<deltaBits - 1

	shiftF1 = deltaBits + freqBits
	shiftF2 = deltaBits
)

// PackKey packs two quantized bins and a quantized frame delta into a
// 32-bit landmark key.
func PackKey(f1, f2 uint32, dq uint32) uint32 {
	return (f1&freqMask)<<shiftF1 | (f2&freqMask)<<shiftF2 | dq&deltaMask
}

// UnpackKey is the inverse of PackKey.
func UnpackKey(key uint32) (f1, f2, dq uint32) {
	return key >> shiftF1 & freqMask, key >> shiftF2 & freqMask, key & deltaMask
}

func quantizeDelta(dt, dtq int) uint32 {
	return uint32(math.Round(float64(dt) / float64(dtq)))
}

// frameSlot is one ring entry: the frame index and its retained peaks.
type frameSlot struct {
	t     int
	peaks []Peak
}

type pairCand struct {
	score float64
	dt    int
	f2    uint32
}

// hasher keeps a ring of the last Zone+1 peak sets. A frame becomes an
// anchor once its whole forward zone is buffered (or at stream end, with
// whatever remains). Peak sets arrive sorted strongest-first from the
// picker, so taking the first Fan entries per future frame selects the
// strongest targets.
type hasher struct {
	s     Settings
	ring  []frameSlot
	size  int // occupied slots
	start int // ring index of the oldest frame
	cands []pairCand
	out   []Landmark
}

func newHasher(s Settings) *hasher {
	ring := make([]frameSlot, s.Zone+1)
	for i := range ring {
		ring[i].peaks = make([]Peak, 0, s.TopPeaks)
	}
	return &hasher{
		s:     s,
		ring:  ring,
		cands: make([]pairCand, 0, s.Zone*s.Fan),
		out:   make([]Landmark, 0, 1024),
	}
}

func (h *hasher) reset() {
	h.size = 0
	h.start = 0
	h.out = h.out[:0]
}

// push copies the peak set for frame t into the ring. When the ring is
// full the oldest frame has a complete forward zone and is hashed.
func (h *hasher) push(t int, peaks []Peak) {
	if h.size == len(h.ring) {
		h.emit(h.start)
		h.start = (h.start + 1) % len(h.ring)
		h.size--
	}
	slot := &h.ring[(h.start+h.size)%len(h.ring)]
	slot.t = t
	slot.peaks = append(slot.peaks[:0], peaks...)
	h.size++
}

// flush hashes the buffered tail, with progressively shorter zones.
func (h *hasher) flush() {
	for h.size > 0 {
		h.emit(h.start)
		h.start = (h.start + 1) % len(h.ring)
		h.size--
	}
}

// take hands over the accumulated landmark sequence.
func (h *hasher) take() []Landmark {
	out := make([]Landmark, len(h.out))
	copy(out, h.out)
	return out
}

// emit hashes the anchor frame sitting at ring index i against the
// frames buffered after it. Per anchor peak, candidate pairs are scored
// by the product of the original magnitudes and the Pairs best survive.
// The tie-break (higher score, then smaller Δt, then lower target bin)
// is total, so fingerprinting the same samples twice is bit-identical.
func (h *hasher) emit(i int) {
	anchor := &h.ring[i]
	if anchor.t%h.s.AnchorEvery != 0 {
		return
	}
	for _, f1 := range anchor.peaks {
		h.cands = h.cands[:0]
		for off := 1; off < h.size; off++ {
			slot := &h.ring[(i+off)%len(h.ring)]
			dt := slot.t - anchor.t
			if dt < 1 || dt > h.s.Zone {
				continue
			}
			fan := h.s.Fan
			if fan > len(slot.peaks) {
				fan = len(slot.peaks)
			}
			for _, f2 := range slot.peaks[:fan] {
				h.cands = append(h.cands, pairCand{score: f1.Mag * f2.Mag, dt: dt, f2: f2.Q})
			}
		}
		sort.Slice(h.cands, func(a, b int) bool {
			if h.cands[a].score != h.cands[b].score {
				return h.cands[a].score > h.cands[b].score
			}
			if h.cands[a].dt != h.cands[b].dt {
				return h.cands[a].dt < h.cands[b].dt
			}
			return h.cands[a].f2 < h.cands[b].f2
		})
		keep := h.s.Pairs
		if keep > len(h.cands) {
			keep = len(h.cands)
		}
		for _, c := range h.cands[:keep] {
			h.out = append(h.out, Landmark{
				Key: PackKey(f1.Q, c.f2, quantizeDelta(c.dt, h.s.DeltaQuant)),
				T:   uint32(anchor.t),
			})
		}
	}
}
