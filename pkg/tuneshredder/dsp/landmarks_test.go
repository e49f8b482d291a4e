package dsp

import "testing"

func TestPackUnpackKey(t *testing.T) {
	cases := []struct{ f1, f2, dq uint32 }{
		{0, 0, 0},
		{1, 2, 3},
		{freqMask, freqMask, deltaMask},
		{64, 64, 1},
		{1023, 511, 32},
	}
	for _, c := range cases {
		f1, f2, dq := UnpackKey(PackKey(c.f1, c.f2, c.dq))
		if f1 != c.f1 || f2 != c.f2 || dq != c.dq {
			t.Fatalf("roundtrip (%d,%d,%d) -> (%d,%d,%d)", c.f1, c.f2, c.dq, f1, f2, dq)
		}
	}
}

func TestKeysDistinguishDirection(t *testing.T) {
	if PackKey(10, 20, 1) == PackKey(20, 10, 1) {
		t.Fatal("anchor and target bins must not be interchangeable")
	}
}

// mkPeaks builds a strongest-first peak set from (q, mag) pairs.
func mkPeaks(pairs ...[2]float64) []Peak {
	out := make([]Peak, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Peak{Bin: p[0], Q: uint32(p[0]), Mag: p[1]})
	}
	return out
}

func hasherFor(s Settings) *hasher {
	h := newHasher(s)
	h.reset()
	return h
}

func TestHasherPairsWithinZone(t *testing.T) {
	s := testSettings()
	s.Zone = 3
	s.Fan = 4
	s.Pairs = 16
	h := hasherFor(s)
	// One anchor peak at frame 0, targets at frames 1..5.
	h.push(0, mkPeaks([2]float64{10, 5}))
	for f := 1; f <= 5; f++ {
		h.push(f, mkPeaks([2]float64{float64(20 + f), 1}))
	}
	h.flush()
	var fromAnchor []Landmark
	for _, lm := range h.take() {
		if lm.T == 0 {
			fromAnchor = append(fromAnchor, lm)
		}
	}
	// Frames 1..3 are in the zone, 4 and 5 beyond it.
	if len(fromAnchor) != 3 {
		t.Fatalf("anchor 0 paired %d targets, want 3: %+v", len(fromAnchor), fromAnchor)
	}
	for _, lm := range fromAnchor {
		_, _, dq := UnpackKey(lm.Key)
		if dq < 1 || dq > 3 {
			t.Fatalf("delta %d outside zone", dq)
		}
	}
}

func TestHasherPairsCap(t *testing.T) {
	s := testSettings()
	s.Zone = 8
	s.Fan = 3
	s.Pairs = 2
	h := hasherFor(s)
	h.push(0, mkPeaks([2]float64{10, 5}))
	for f := 1; f <= 8; f++ {
		h.push(f, mkPeaks([2]float64{30, 1}, [2]float64{40, 0.9}, [2]float64{50, 0.8}))
	}
	h.flush()
	count := 0
	for _, lm := range h.take() {
		if lm.T == 0 {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("anchor emitted %d landmarks, want Pairs=2", count)
	}
}

func TestHasherFanCap(t *testing.T) {
	s := testSettings()
	s.Zone = 1
	s.Fan = 2
	s.Pairs = 16
	h := hasherFor(s)
	h.push(0, mkPeaks([2]float64{10, 5}))
	// Four targets in the single zone frame; only the first Fan
	// (strongest) may be considered.
	h.push(1, mkPeaks([2]float64{30, 4}, [2]float64{40, 3}, [2]float64{50, 2}, [2]float64{60, 1}))
	h.flush()
	var targets []uint32
	for _, lm := range h.take() {
		if lm.T == 0 {
			_, f2, _ := UnpackKey(lm.Key)
			targets = append(targets, f2)
		}
	}
	if len(targets) != 2 {
		t.Fatalf("got %d targets, want 2", len(targets))
	}
	for _, f2 := range targets {
		if f2 != 30 && f2 != 40 {
			t.Fatalf("weak target %d selected over a stronger one", f2)
		}
	}
}

func TestHasherScorePreference(t *testing.T) {
	s := testSettings()
	s.Zone = 2
	s.Fan = 1
	s.Pairs = 1
	h := hasherFor(s)
	h.push(0, mkPeaks([2]float64{10, 5}))
	h.push(1, mkPeaks([2]float64{30, 1}))
	h.push(2, mkPeaks([2]float64{40, 9}))
	h.flush()
	var got []Landmark
	for _, lm := range h.take() {
		if lm.T == 0 {
			got = append(got, lm)
		}
	}
	if len(got) != 1 {
		t.Fatalf("want a single landmark, got %d", len(got))
	}
	_, f2, _ := UnpackKey(got[0].Key)
	if f2 != 40 {
		t.Fatalf("kept target %d; the higher-scoring pair lost", f2)
	}
}

func TestHasherAnchorStride(t *testing.T) {
	s := testSettings()
	s.Zone = 2
	s.AnchorEvery = 2
	s.Fan = 1
	s.Pairs = 4
	h := hasherFor(s)
	for f := 0; f <= 6; f++ {
		h.push(f, mkPeaks([2]float64{10 + float64(f), 1}))
	}
	h.flush()
	for _, lm := range h.take() {
		if lm.T%2 != 0 {
			t.Fatalf("anchor at odd frame %d despite stride 2", lm.T)
		}
	}
}

func TestHasherEmptyFramesTolerated(t *testing.T) {
	s := testSettings()
	s.Zone = 3
	h := hasherFor(s)
	h.push(0, mkPeaks([2]float64{10, 1}))
	h.push(1, nil)
	h.push(2, mkPeaks([2]float64{20, 1}))
	h.flush()
	landmarks := h.take()
	if len(landmarks) == 0 {
		t.Fatal("expected the anchor to pair across the empty frame")
	}
	for _, lm := range landmarks {
		if lm.T != 0 {
			t.Fatalf("unexpected anchor %d", lm.T)
		}
	}
}
