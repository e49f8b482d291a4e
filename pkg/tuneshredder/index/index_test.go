package index

import (
	"testing"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
)

func testHeader(bucketCap int) Header {
	s := dsp.DefaultSettings()
	s.SampleRate = 8000
	s.Window = 1024
	s.Hop = 128
	return HeaderFor(s, bucketCap)
}

func TestBeginTrackAssignsDenseIDs(t *testing.T) {
	x := New(testHeader(10))
	a, err := x.BeginTrack("a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	b, err := x.BeginTrack("b.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if a != 0 || b != 1 {
		t.Fatalf("ids not dense: %d, %d", a, b)
	}
	if !x.Has("a.mp3") || x.Has("c.mp3") {
		t.Fatal("Has is wrong")
	}
	if _, err := x.BeginTrack("a.mp3"); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestAppendRespectsBucketCap(t *testing.T) {
	x := New(testHeader(3))
	id, _ := x.BeginTrack("a.mp3")
	landmarks := make([]dsp.Landmark, 10)
	for i := range landmarks {
		landmarks[i] = dsp.Landmark{Key: 42, T: uint32(i)}
	}
	kept := x.Append(id, landmarks)
	if kept != 3 {
		t.Fatalf("kept %d, want 3", kept)
	}
	if got := len(x.Buckets[42]); got != 3 {
		t.Fatalf("bucket size %d, want 3", got)
	}
	if x.Dropped() != 7 {
		t.Fatalf("dropped %d, want 7", x.Dropped())
	}
}

// Raising the cap can only keep more landmarks, never fewer.
func TestKeptMonotoneInCap(t *testing.T) {
	landmarks := make([]dsp.Landmark, 0, 100)
	for i := 0; i < 100; i++ {
		landmarks = append(landmarks, dsp.Landmark{Key: uint32(i % 5), T: uint32(i)})
	}
	prev := -1
	for _, capN := range []int{1, 4, 8, 20, 100} {
		x := New(testHeader(capN))
		id, _ := x.BeginTrack("a.mp3")
		kept := x.Append(id, landmarks)
		if kept < prev {
			t.Fatalf("kept %d at cap %d, below previous %d", kept, capN, prev)
		}
		prev = kept
		for key, b := range x.Buckets {
			if len(b) > capN {
				t.Fatalf("bucket %d size %d exceeds cap %d", key, len(b), capN)
			}
		}
	}
}

func TestZeroCapMeansUnbounded(t *testing.T) {
	x := New(testHeader(0))
	id, _ := x.BeginTrack("a.mp3")
	landmarks := make([]dsp.Landmark, 500)
	for i := range landmarks {
		landmarks[i] = dsp.Landmark{Key: 7, T: uint32(i)}
	}
	if kept := x.Append(id, landmarks); kept != 500 {
		t.Fatalf("kept %d, want all", kept)
	}
}

func TestNameFallback(t *testing.T) {
	x := New(testHeader(10))
	x.BeginTrack("a.mp3")
	if x.Name(0) != "a.mp3" {
		t.Fatal("wrong name")
	}
	if x.Name(99) == "" {
		t.Fatal("out-of-range id must still render")
	}
}

func TestHeaderCheck(t *testing.T) {
	h := testHeader(10)
	if err := h.Check(); err != nil {
		t.Fatalf("valid header rejected: %v", err)
	}
	bad := h
	bad.Version = 99
	if err := bad.Check(); err == nil {
		t.Fatal("wrong version accepted")
	}
	bad = h
	bad.Window = 1000
	if err := bad.Check(); err == nil {
		t.Fatal("invalid settings accepted")
	}
}

func TestHeaderSettingsRoundtrip(t *testing.T) {
	s := dsp.DefaultSettings()
	h := HeaderFor(s, 250)
	if h.Settings() != s {
		t.Fatalf("settings roundtrip: %+v vs %+v", h.Settings(), s)
	}
}
