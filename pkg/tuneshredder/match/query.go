package match

import (
	"sort"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/index"
)

// Result is one clip-lookup hit. BestOffset is the frame index inside
// the indexed track where the clip's start aligns.
type Result struct {
	Track      uint32
	Name       string
	BestOffset int
	Votes      int
	TotalHits  int
}

// Query hashes are produced by the caller with the index's own
// settings; here we only vote. For every query landmark, each posting
// in its bucket votes for (track, t_track - t_clip); the per-track
// histogram mode is the alignment and its count the strength. Stop
// keys beyond dropAbove are ignored, like in the duplicate pass.
func Query(snap *index.Index, clip []dsp.Landmark, topN, dropAbove int) []Result {
	if dropAbove <= 0 {
		dropAbove = 500
	}
	type voteKey struct {
		track uint32
		off   int
	}
	votes := make(map[voteKey]int)
	totals := make(map[uint32]int)
	for _, lm := range clip {
		bucket, ok := snap.Buckets[lm.Key]
		if !ok || len(bucket) > dropAbove {
			continue
		}
		for _, p := range bucket {
			off := int(p.T) - int(lm.T)
			votes[voteKey{p.Track, off}]++
			totals[p.Track]++
		}
	}
	best := make(map[uint32]Result)
	for k, n := range votes {
		cur, ok := best[k.track]
		if !ok || n > cur.Votes || (n == cur.Votes && k.off < cur.BestOffset) {
			best[k.track] = Result{
				Track:      k.track,
				Name:       snap.Name(k.track),
				BestOffset: k.off,
				Votes:      n,
				TotalHits:  totals[k.track],
			}
		}
	}
	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Votes != out[j].Votes {
			return out[i].Votes > out[j].Votes
		}
		if out[i].TotalHits != out[j].TotalHits {
			return out[i].TotalHits > out[j].TotalHits
		}
		return out[i].Track < out[j].Track
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
