package dsp

import (
	"context"
	"math"
	"testing"
)

// testSettings keeps the analysis small enough that tests run in
// milliseconds while exercising every stage.
func testSettings() Settings {
	return Settings{
		SampleRate:  8000,
		Window:      1024,
		Hop:         128,
		TopPeaks:    3,
		MinMag:      0.8,
		Fan:         2,
		AnchorEvery: 1,
		Zone:        8,
		Pairs:       2,
		FreqQuant:   2,
		DeltaQuant:  1,
		Refine:      true,
	}
}

// sweep synthesizes a linear chirp so successive frames land on
// different bins and landmarks spread over many keys.
func sweep(sr int, seconds, f0, f1 float64) []float32 {
	n := int(seconds * float64(sr))
	out := make([]float32, n)
	phase := 0.0
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n)
		freq := f0 + (f1-f0)*frac
		phase += 2 * math.Pi * freq / float64(sr)
		out[i] = float32(0.5 * math.Sin(phase))
	}
	return out
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero rate", func(s *Settings) { s.SampleRate = 0 }},
		{"non power of two window", func(s *Settings) { s.Window = 1000 }},
		{"hop larger than window", func(s *Settings) { s.Hop = s.Window + 1 }},
		{"zero top", func(s *Settings) { s.TopPeaks = 0 }},
		{"zero zone", func(s *Settings) { s.Zone = 0 }},
		{"zero quantizer", func(s *Settings) { s.FreqQuant = 0 }},
		{"zone overflows delta bits", func(s *Settings) { s.Zone = 300 }},
	}
	for _, tc := range cases {
		s := testSettings()
		tc.mutate(&s)
		if err := s.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
	if err := testSettings().Validate(); err != nil {
		t.Fatalf("test settings should validate: %v", err)
	}
}

func TestNumFrames(t *testing.T) {
	p, err := NewPipeline(testSettings())
	if err != nil {
		t.Fatal(err)
	}
	s := testSettings()
	if got := p.NumFrames(s.Window - 1); got != 0 {
		t.Errorf("short buffer: got %d frames", got)
	}
	if got := p.NumFrames(s.Window); got != 1 {
		t.Errorf("exact window: got %d frames", got)
	}
	if got := p.NumFrames(s.Window + s.Hop); got != 2 {
		t.Errorf("window+hop: got %d frames", got)
	}
}

func TestFingerprintTooShort(t *testing.T) {
	p, err := NewPipeline(testSettings())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Fingerprint(context.Background(), make([]float32, 100)); err == nil {
		t.Fatal("expected error for buffer shorter than a window")
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	p, err := NewPipeline(testSettings())
	if err != nil {
		t.Fatal(err)
	}
	samples := sweep(8000, 3.0, 300, 2500)
	a, err := p.Fingerprint(context.Background(), samples)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Fingerprint(context.Background(), samples)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) == 0 {
		t.Fatal("no landmarks produced")
	}
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("landmark %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

// Shifting the signal by whole hops shifts anchor times and nothing
// else: only frame differences enter the key.
func TestTranslationInvariance(t *testing.T) {
	s := testSettings()
	p, err := NewPipeline(s)
	if err != nil {
		t.Fatal(err)
	}
	samples := sweep(8000, 3.0, 300, 2500)
	const shift = 7
	full, err := p.Fingerprint(context.Background(), samples)
	if err != nil {
		t.Fatal(err)
	}
	trimmed, err := p.Fingerprint(context.Background(), samples[shift*s.Hop:])
	if err != nil {
		t.Fatal(err)
	}

	var want []Landmark
	for _, lm := range full {
		if lm.T >= shift {
			want = append(want, Landmark{Key: lm.Key, T: lm.T - shift})
		}
	}
	if len(want) == 0 {
		t.Fatal("no landmarks past the shift point")
	}
	if len(trimmed) != len(want) {
		t.Fatalf("landmark count: got %d, want %d", len(trimmed), len(want))
	}
	for i := range want {
		if trimmed[i] != want[i] {
			t.Fatalf("landmark %d: got %+v, want %+v", i, trimmed[i], want[i])
		}
	}
}

// A stationary tone must place its landmark frequencies on the tone's
// bin, both ends of each pair.
func TestPureToneLandmarkBins(t *testing.T) {
	s := testSettings()
	p, err := NewPipeline(s)
	if err != nil {
		t.Fatal(err)
	}
	const freq = 1000.0
	sr := s.SampleRate
	n := 2 * sr
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sr)))
	}
	landmarks, err := p.Fingerprint(context.Background(), samples)
	if err != nil {
		t.Fatal(err)
	}
	if len(landmarks) == 0 {
		t.Fatal("no landmarks for a clean tone")
	}
	wantBin := freq / float64(sr) * float64(s.Window)
	wantQ := uint32(math.Round(wantBin / float64(s.FreqQuant)))
	for _, lm := range landmarks {
		f1, f2, _ := UnpackKey(lm.Key)
		if absDiff(f1, wantQ) > 1 || absDiff(f2, wantQ) > 1 {
			t.Fatalf("landmark bins (%d,%d) far from tone bin %d", f1, f2, wantQ)
		}
	}
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestFingerprintCancellation(t *testing.T) {
	p, err := NewPipeline(testSettings())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Fingerprint(ctx, sweep(8000, 1.0, 300, 2000)); err == nil {
		t.Fatal("expected context error")
	}
}
