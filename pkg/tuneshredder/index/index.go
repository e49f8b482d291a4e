package index

import (
	"fmt"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
)

// Posting locates one landmark occurrence: which track and at which
// anchor frame.
type Posting struct {
	Track uint32
	T     uint32
}

// Index is the in-memory inverted index: landmark key → bucket of
// postings, plus the track name table. Mutation is owned by a single
// goroutine (the indexer owner); matchers borrow it read-only.
type Index struct {
	Header  Header
	Names   []string
	Buckets map[uint32][]Posting

	byName  map[string]uint32
	dropped uint64 // postings discarded by the bucket cap
}

func New(h Header) *Index {
	return &Index{
		Header:  h,
		Buckets: make(map[uint32][]Posting),
		byName:  make(map[string]uint32),
	}
}

// Has reports whether a track of that name is already registered.
// Used by resume to skip files from a previous run.
func (x *Index) Has(name string) bool {
	_, ok := x.byName[name]
	return ok
}

// BeginTrack assigns the next dense track id to name. Names are unique
// within one index.
func (x *Index) BeginTrack(name string) (uint32, error) {
	if _, ok := x.byName[name]; ok {
		return 0, fmt.Errorf("track %q already indexed", name)
	}
	id := uint32(len(x.Names))
	x.Names = append(x.Names, name)
	x.byName[name] = id
	return id, nil
}

// Append pushes one posting per landmark into the key's bucket,
// respecting the bucket cap. Overflow is discarded silently: popular
// keys add little signal and are the dominant cost. Returns how many
// postings were kept.
func (x *Index) Append(track uint32, landmarks []dsp.Landmark) int {
	kept := 0
	capPerBucket := x.Header.BucketCap
	for _, lm := range landmarks {
		bucket := x.Buckets[lm.Key]
		if capPerBucket > 0 && len(bucket) >= capPerBucket {
			x.dropped++
			continue
		}
		x.Buckets[lm.Key] = append(bucket, Posting{Track: track, T: lm.T})
		kept++
	}
	return kept
}

func (x *Index) NumTracks() int { return len(x.Names) }

func (x *Index) NumBuckets() int { return len(x.Buckets) }

func (x *Index) NumPostings() int {
	n := 0
	for _, b := range x.Buckets {
		n += len(b)
	}
	return n
}

// Dropped is the number of postings discarded by the bucket cap since
// the index was opened.
func (x *Index) Dropped() uint64 { return x.dropped }

// Name resolves a track id, tolerating ids outside the table.
func (x *Index) Name(track uint32) string {
	if int(track) < len(x.Names) {
		return x.Names[track]
	}
	return fmt.Sprintf("track#%d", track)
}

// rebuildByName restores the lookup table after loading from disk.
func (x *Index) rebuildByName() {
	x.byName = make(map[string]uint32, len(x.Names))
	for i, n := range x.Names {
		x.byName[n] = uint32(i)
	}
}
