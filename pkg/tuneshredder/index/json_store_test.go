package index

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
)

func fillIndex(t *testing.T, store *JSONStore) {
	t.Helper()
	names := []string{"a.mp3", "b.flac"}
	for ti, name := range names {
		id, err := store.BeginTrack(name)
		if err != nil {
			t.Fatal(err)
		}
		landmarks := make([]dsp.Landmark, 0, 30)
		for i := 0; i < 30; i++ {
			landmarks = append(landmarks, dsp.Landmark{
				Key: uint32(i % 7),
				T:   uint32(ti*100 + i),
			})
		}
		store.Append(id, landmarks)
		if err := store.EndTrack(id); err != nil {
			t.Fatal(err)
		}
	}
}

func sortedPostings(b []Posting) []Posting {
	out := make([]Posting, len(b))
	copy(out, b)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Track != out[j].Track {
			return out[i].Track < out[j].Track
		}
		return out[i].T < out[j].T
	})
	return out
}

func sameIndex(t *testing.T, a, b *Index) {
	t.Helper()
	if len(a.Names) != len(b.Names) {
		t.Fatalf("meta differs: %v vs %v", a.Names, b.Names)
	}
	for i := range a.Names {
		if a.Names[i] != b.Names[i] {
			t.Fatalf("meta differs at %d", i)
		}
	}
	if len(a.Buckets) != len(b.Buckets) {
		t.Fatalf("bucket count differs: %d vs %d", len(a.Buckets), len(b.Buckets))
	}
	for key, ab := range a.Buckets {
		bb, ok := b.Buckets[key]
		if !ok {
			t.Fatalf("bucket %d missing", key)
		}
		as, bs := sortedPostings(ab), sortedPostings(bb)
		if len(as) != len(bs) {
			t.Fatalf("bucket %d size differs", key)
		}
		for i := range as {
			if as[i] != bs[i] {
				t.Fatalf("bucket %d posting %d differs: %+v vs %+v", key, i, as[i], bs[i])
			}
		}
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	store := NewJSONStore(path, testHeader(250), 0)
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	fillIndex(t, store)
	if err := store.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := store.Snapshot()
	sameIndex(t, snap, loaded)
}

func TestFinalizeRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	store := NewJSONStore(path, testHeader(250), 0)
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	fillIndex(t, store)
	if err := store.Finalize(); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := store.Snapshot()
	sameIndex(t, snap, loaded)
}

func TestOpenMissingStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	store := NewJSONStore(path, testHeader(250), 0)
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	if store.TracksIndexed() != 0 {
		t.Fatal("fresh store not empty")
	}
}

func TestOpenResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	first := NewJSONStore(path, testHeader(250), 0)
	if err := first.Open(); err != nil {
		t.Fatal(err)
	}
	fillIndex(t, first)
	if err := first.Finalize(); err != nil {
		t.Fatal(err)
	}

	second := NewJSONStore(path, testHeader(250), 0)
	if err := second.Open(); err != nil {
		t.Fatal(err)
	}
	if !second.Has("a.mp3") || !second.Has("b.flac") {
		t.Fatal("resume lost tracks")
	}
	if _, err := second.BeginTrack("c.ogg"); err != nil {
		t.Fatal(err)
	}
	if second.TracksIndexed() != 3 {
		t.Fatalf("got %d tracks", second.TracksIndexed())
	}
}

func TestOpenRejectsParamsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	first := NewJSONStore(path, testHeader(250), 0)
	if err := first.Open(); err != nil {
		t.Fatal(err)
	}
	fillIndex(t, first)
	if err := first.Finalize(); err != nil {
		t.Fatal(err)
	}

	other := testHeader(250)
	other.Hop = 999 // would desynchronize old and new postings
	second := NewJSONStore(path, other, 0)
	if err := second.Open(); !errors.Is(err, ErrBadParams) {
		t.Fatalf("got %v, want ErrBadParams", err)
	}
}

func TestOpenMovesCorruptAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	store := NewJSONStore(path, testHeader(250), 0)
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	if store.TracksIndexed() != 0 {
		t.Fatal("store should start empty after corruption")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("corrupt artifact still in place")
	}
	matches, _ := filepath.Glob(path + ".corrupt.*")
	if len(matches) != 1 {
		t.Fatalf("corrupt artifact not preserved aside: %v", matches)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	os.WriteFile(path, []byte("garbage"), 0644)
	_, err := Load(path)
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("got %v, want ErrUnreadable", err)
	}
}

func TestSharding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	// A tiny shard budget forces multiple parts.
	store := NewJSONStore(path, testHeader(250), 300)
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	fillIndex(t, store)
	if err := store.Finalize(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("plain artifact should not coexist with shards")
	}
	parts, _ := filepath.Glob(path + ".*.json")
	if len(parts) < 2 {
		t.Fatalf("expected multiple parts, got %v", parts)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := store.Snapshot()
	sameIndex(t, snap, loaded)
}

func TestShardedTruncationLoadsPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	store := NewJSONStore(path, testHeader(250), 300)
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	fillIndex(t, store)
	if err := store.Finalize(); err != nil {
		t.Fatal(err)
	}
	parts, _ := filepath.Glob(path + ".*.json")
	if len(parts) < 2 {
		t.Fatalf("need at least two parts, got %v", parts)
	}
	// Corrupt the last part; the prefix must still load.
	sort.Strings(parts)
	last := parts[len(parts)-1]
	if err := os.WriteFile(last, []byte("truncated"), 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
	if loaded == nil || loaded.NumTracks() == 0 {
		t.Fatal("prefix not returned")
	}
}

func TestShardsShareMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	store := NewJSONStore(path, testHeader(250), 600)
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	fillIndex(t, store)
	if err := store.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	for k := 0; ; k++ {
		blob, err := os.ReadFile(partPath(path, k))
		if err != nil {
			if k == 0 {
				t.Fatal("no parts written")
			}
			break
		}
		part, err := parseDocument(blob, nil)
		if err != nil {
			t.Fatalf("part %d unreadable: %v", k, err)
		}
		if part.NumTracks() != 2 {
			t.Fatalf("part %d meta has %d tracks", k, part.NumTracks())
		}
	}
}
