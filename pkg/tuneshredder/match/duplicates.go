package match

import (
	"sort"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/index"
)

// DupOptions tunes the duplicate pass. Zero values select defaults.
type DupOptions struct {
	MinMatches int     // minimum votes on the best offset
	MinRatio   float64 // minimum best_count/total_pairs consistency
	MinBucket  int     // ignore buckets smaller than this
	MaxBucket  int     // cap surviving buckets at this many postings
	DropAbove  int     // stop-key threshold on raw bucket size
}

func (o DupOptions) withDefaults() DupOptions {
	if o.MinMatches <= 0 {
		o.MinMatches = 8
	}
	if o.MinRatio <= 0 {
		o.MinRatio = 0.25
	}
	if o.MinBucket < 2 {
		o.MinBucket = 2
	}
	if o.MaxBucket <= 0 {
		o.MaxBucket = 250
	}
	if o.DropAbove <= 0 {
		o.DropAbove = 2 * o.MaxBucket
	}
	return o
}

// Pair is one detected duplicate candidate. BestOffset is in frames:
// positive when A's content starts later than B's within the shared
// material.
type Pair struct {
	A, B       uint32
	NameA      string
	NameB      string
	BestOffset int
	BestCount  int
	TotalPairs int
	Score      float64
}

type pairKey struct{ a, b uint32 }

// canonical orders a pair and flips the offset sign to match, so each
// pair is reported once: offset(a,b) = -offset(b,a).
func canonical(a, b uint32, off int) (pairKey, int) {
	if a > b {
		return pairKey{b, a}, -off
	}
	return pairKey{a, b}, off
}

// Duplicates runs the two-pass offset-histogram duplicate detection
// over a read-only index snapshot. On a true duplicate the shared
// landmarks cluster on one constant offset; unrelated tracks vote
// diffusely and fail the consistency ratio.
func Duplicates(snap *index.Index, opts DupOptions) []Pair {
	o := opts.withDefaults()

	buckets := make([][]index.Posting, 0, len(snap.Buckets))
	for _, b := range snap.Buckets {
		if len(b) < o.MinBucket || len(b) > o.DropAbove {
			continue
		}
		buckets = append(buckets, trimBucket(b, o.MaxBucket))
	}

	// Pass 1: count in how many buckets each track pair co-occurs.
	pairCount := make(map[pairKey]int)
	seen := make(map[pairKey]bool)
	for _, b := range buckets {
		for k := range seen {
			delete(seen, k)
		}
		for i := 0; i < len(b); i++ {
			for j := i + 1; j < len(b); j++ {
				if b[i].Track == b[j].Track {
					continue
				}
				key, _ := canonical(b[i].Track, b[j].Track, 0)
				if !seen[key] {
					seen[key] = true
					pairCount[key]++
				}
			}
		}
	}
	candidates := make(map[pairKey]bool, len(pairCount))
	for key, n := range pairCount {
		if n >= o.MinMatches {
			candidates[key] = true
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Pass 2: per candidate pair, vote on the frame offset.
	offsets := make(map[pairKey]map[int]int)
	totals := make(map[pairKey]int)
	for _, b := range buckets {
		for i := 0; i < len(b); i++ {
			for j := i + 1; j < len(b); j++ {
				if b[i].Track == b[j].Track {
					continue
				}
				off := int(b[i].T) - int(b[j].T)
				key, off := canonical(b[i].Track, b[j].Track, off)
				if !candidates[key] {
					continue
				}
				hist := offsets[key]
				if hist == nil {
					hist = make(map[int]int)
					offsets[key] = hist
				}
				hist[off]++
				totals[key]++
			}
		}
	}

	out := make([]Pair, 0, len(offsets))
	for key, hist := range offsets {
		bestOff, bestCount := histogramMode(hist)
		total := totals[key]
		if bestCount < o.MinMatches {
			continue
		}
		score := float64(bestCount) / float64(total)
		if score < o.MinRatio {
			continue
		}
		out = append(out, Pair{
			A: key.a, B: key.b,
			NameA: snap.Name(key.a), NameB: snap.Name(key.b),
			BestOffset: bestOff,
			BestCount:  bestCount,
			TotalPairs: total,
			Score:      score,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BestCount != out[j].BestCount {
			return out[i].BestCount > out[j].BestCount
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// trimBucket removes exact (track, t) duplicates and caps the bucket,
// preserving the stored order so the result is deterministic.
func trimBucket(b []index.Posting, maxBucket int) []index.Posting {
	seen := make(map[index.Posting]bool, len(b))
	out := make([]index.Posting, 0, len(b))
	for _, p := range b {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
		if len(out) >= maxBucket {
			break
		}
	}
	return out
}

// histogramMode picks the most voted offset; ties resolve to the
// smallest offset so repeated runs agree.
func histogramMode(hist map[int]int) (int, int) {
	bestOff, bestCount := 0, -1
	for off, n := range hist {
		if n > bestCount || (n == bestCount && off < bestOff) {
			bestOff, bestCount = off, n
		}
	}
	return bestOff, bestCount
}
