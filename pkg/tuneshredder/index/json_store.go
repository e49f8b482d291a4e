package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/rad1914/TuneShredder/pkg/logger"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
	"github.com/rad1914/TuneShredder/pkg/utils"
)

// DefaultShardBytes caps a single artifact document; larger indexes are
// split into numbered parts <name>.<k>.json.
const DefaultShardBytes = 64 << 20

// JSONStore persists the index as a JSON document (or numbered shards)
// with atomic rename writes. It is the default back end.
type JSONStore struct {
	path       string
	shardBytes int
	header     Header
	idx        *Index
	finalized  bool
	log        *logger.Logger
}

func NewJSONStore(path string, h Header, shardBytes int) *JSONStore {
	if shardBytes <= 0 {
		shardBytes = DefaultShardBytes
	}
	return &JSONStore{
		path:       path,
		shardBytes: shardBytes,
		header:     h,
		log:        logger.GetLogger(),
	}
}

// Open loads an existing artifact for resumption or starts empty. An
// unparseable artifact is moved aside (never overwritten in place) and
// the build starts fresh; a truncated sharded artifact resumes from the
// readable prefix.
func (s *JSONStore) Open() error {
	idx, err := Load(s.path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		s.idx = New(s.header)
		return nil
	case errors.Is(err, ErrTruncated):
		s.log.Warnf("index %s lost its tail, resuming from %d tracks", s.path, idx.NumTracks())
	case errors.Is(err, ErrUnreadable):
		corrupt := s.path
		if _, statErr := os.Stat(corrupt); statErr != nil {
			corrupt = partPath(s.path, 0)
		}
		aside := corrupt + ".corrupt." + uuid.NewString()
		if mvErr := utils.MoveFile(corrupt, aside); mvErr != nil {
			return fmt.Errorf("%w: cannot move corrupt artifact aside: %v", ErrUnreadable, mvErr)
		}
		s.log.Warnf("index %s is unreadable, moved aside to %s, starting empty", s.path, aside)
		s.idx = New(s.header)
		return nil
	default:
		return err
	}
	if !idx.Header.Equal(s.header) {
		return fmt.Errorf("%w: existing index %s was built with different parameters", ErrBadParams, s.path)
	}
	s.idx = idx
	return nil
}

func (s *JSONStore) Has(name string) bool { return s.idx.Has(name) }

func (s *JSONStore) BeginTrack(name string) (uint32, error) { return s.idx.BeginTrack(name) }

func (s *JSONStore) Append(track uint32, landmarks []dsp.Landmark) int {
	return s.idx.Append(track, landmarks)
}

// EndTrack is a no-op for the JSON back end: durability is governed by
// the checkpoint cadence, and the indexer owner only checkpoints on
// track boundaries.
func (s *JSONStore) EndTrack(uint32) error { return nil }

// Checkpoint persists the current state with raw (flat) buckets.
func (s *JSONStore) Checkpoint() error {
	return save(s.idx, s.path, s.shardBytes, false)
}

// Finalize regroups every bucket by track, sorts per-track times ascending,
// delta-encodes them and writes the final artifact.
func (s *JSONStore) Finalize() error {
	s.finalized = true
	return save(s.idx, s.path, s.shardBytes, true)
}

func (s *JSONStore) Snapshot() (*Index, error) { return s.idx, nil }

func (s *JSONStore) TracksIndexed() int { return s.idx.NumTracks() }

func (s *JSONStore) Close() error {
	if s.finalized {
		return nil
	}
	return s.Checkpoint()
}

// ---------------------------------------------------------------------
// Document encoding
// ---------------------------------------------------------------------

type document struct {
	Params Header                     `json:"params"`
	Meta   []string                   `json:"meta"`
	Index  map[string]json.RawMessage `json:"index"`
}

// encodeBucket renders a bucket either flat ([[track,t],...]) or
// grouped by track with delta-encoded times ([[track,[t0,d1,...]],...]).
func encodeBucket(postings []Posting, grouped bool) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	if !grouped {
		for i, p := range postings {
			if i > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(&buf, "[%d,%d]", p.Track, p.T)
		}
	} else {
		sorted := make([]Posting, len(postings))
		copy(sorted, postings)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].Track != sorted[j].Track {
				return sorted[i].Track < sorted[j].Track
			}
			return sorted[i].T < sorted[j].T
		})
		first := true
		for i := 0; i < len(sorted); {
			j := i
			for j < len(sorted) && sorted[j].Track == sorted[i].Track {
				j++
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			fmt.Fprintf(&buf, "[%d,[%d", sorted[i].Track, sorted[i].T)
			for k := i + 1; k < j; k++ {
				fmt.Fprintf(&buf, ",%d", sorted[k].T-sorted[k-1].T)
			}
			buf.WriteString("]]")
			i = j
		}
	}
	buf.WriteByte(']')
	return json.RawMessage(buf.Bytes())
}

// decodeBucket accepts both bucket shapes and normalizes to flat
// postings. Postings referring to tracks beyond the meta table are
// dropped; they belong to a newer shard generation than the loaded
// meta (see the shard rename order in save).
func decodeBucket(raw json.RawMessage, numTracks int) ([]Posting, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	out := make([]Posting, 0, len(entries))
	for _, e := range entries {
		var pair []json.RawMessage
		if err := json.Unmarshal(e, &pair); err != nil {
			return nil, err
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("bucket entry has %d elements", len(pair))
		}
		var track uint32
		if err := json.Unmarshal(pair[0], &track); err != nil {
			return nil, err
		}
		if int(track) >= numTracks {
			continue
		}
		body := bytes.TrimSpace(pair[1])
		if len(body) > 0 && body[0] == '[' {
			var times []int64
			if err := json.Unmarshal(body, &times); err != nil {
				return nil, err
			}
			acc := int64(0)
			for i, d := range times {
				if i == 0 {
					acc = d
				} else {
					acc += d
				}
				out = append(out, Posting{Track: track, T: uint32(acc)})
			}
		} else {
			var t uint32
			if err := json.Unmarshal(body, &t); err != nil {
				return nil, err
			}
			out = append(out, Posting{Track: track, T: t})
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Save
// ---------------------------------------------------------------------

// save writes the index atomically: a single document when it fits the
// shard budget, numbered parts otherwise. Parts are renamed into place
// highest-numbered first and the meta-bearing part 0 (or the single
// document) last, so an interrupted checkpoint leaves meta describing a
// prefix of the processed tracks; loaders drop postings outside meta.
func save(idx *Index, path string, shardBytes int, grouped bool) error {
	keys := make([]uint32, 0, len(idx.Buckets))
	for k := range idx.Buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	headerBlob, err := json.Marshal(idx.Header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	metaBlob, err := json.Marshal(idx.Names)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	overhead := len(headerBlob) + len(metaBlob) + 64

	type encoded struct {
		key string
		raw json.RawMessage
	}
	encodedBuckets := make([]encoded, len(keys))
	total := overhead
	for i, k := range keys {
		raw := encodeBucket(idx.Buckets[k], grouped)
		key := strconv.FormatUint(uint64(k), 10)
		encodedBuckets[i] = encoded{key: key, raw: raw}
		total += len(key) + len(raw) + 4
	}

	writeDoc := func(target string, bucketRange []encoded) (string, error) {
		var buf bytes.Buffer
		buf.WriteString(`{"params":`)
		buf.Write(headerBlob)
		buf.WriteString(`,"meta":`)
		buf.Write(metaBlob)
		buf.WriteString(`,"index":{`)
		for i, e := range bucketRange {
			if i > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(&buf, "%q:", e.key)
			buf.Write(e.raw)
		}
		buf.WriteString("}}")
		tmp := utils.TempSibling(target)
		if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
			utils.DeleteFile(tmp)
			return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		return tmp, nil
	}

	if total <= shardBytes {
		tmp, err := writeDoc(path, encodedBuckets)
		if err != nil {
			return err
		}
		if err := utils.MoveFile(tmp, path); err != nil {
			utils.DeleteFile(tmp)
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		removeParts(path, 0)
		return nil
	}

	// Partition buckets into parts of roughly shardBytes each.
	var parts [][]encoded
	cur := make([]encoded, 0)
	size := overhead
	for _, e := range encodedBuckets {
		cost := len(e.key) + len(e.raw) + 4
		if size+cost > shardBytes && len(cur) > 0 {
			parts = append(parts, cur)
			cur = make([]encoded, 0)
			size = overhead
		}
		cur = append(cur, e)
		size += cost
	}
	if len(cur) > 0 {
		parts = append(parts, cur)
	}

	tmps := make([]string, len(parts))
	for k := range parts {
		tmp, err := writeDoc(partPath(path, k), parts[k])
		if err != nil {
			for _, t := range tmps {
				if t != "" {
					utils.DeleteFile(t)
				}
			}
			return err
		}
		tmps[k] = tmp
	}
	for k := len(parts) - 1; k >= 0; k-- {
		if err := utils.MoveFile(tmps[k], partPath(path, k)); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
	}
	utils.DeleteFile(path)
	removeParts(path, len(parts))
	return nil
}

func partPath(path string, k int) string {
	return fmt.Sprintf("%s.%d.json", path, k)
}

// removeParts deletes stale numbered parts at and above from.
func removeParts(path string, from int) {
	for k := from; ; k++ {
		p := partPath(path, k)
		if _, err := os.Stat(p); err != nil {
			return
		}
		utils.DeleteFile(p)
	}
}

// ---------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------

// Load reads an artifact written by save, accepting both bucket shapes
// and the sharded layout. A missing artifact is os.ErrNotExist; a
// corrupt single document is ErrUnreadable; an unreadable later shard
// returns the loaded prefix together with ErrTruncated.
func Load(path string) (*Index, error) {
	if blob, err := os.ReadFile(path); err == nil {
		idx, err := parseDocument(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
		}
		return idx, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}

	// Sharded layout.
	var idx *Index
	for k := 0; ; k++ {
		blob, err := os.ReadFile(partPath(path, k))
		if err != nil {
			if os.IsNotExist(err) {
				if idx == nil {
					return nil, os.ErrNotExist
				}
				return idx, nil
			}
			return idx, fmt.Errorf("%w: part %d: %v", ErrTruncated, k, err)
		}
		part, err := parseDocument(blob, idx)
		if err != nil {
			if idx == nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, partPath(path, k), err)
			}
			return idx, fmt.Errorf("%w: part %d: %v", ErrTruncated, k, err)
		}
		idx = part
	}
}

// parseDocument decodes one document. When into is non-nil the
// document's buckets are merged into it after checking that the shard
// carries identical params; meta comes from the first part.
func parseDocument(blob []byte, into *Index) (*Index, error) {
	var doc document
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, err
	}
	if err := doc.Params.Check(); err != nil {
		return nil, err
	}
	idx := into
	if idx == nil {
		idx = New(doc.Params)
		idx.Names = doc.Meta
		idx.rebuildByName()
	} else if !idx.Header.Equal(doc.Params) {
		return nil, fmt.Errorf("%w: shard params differ", ErrBadParams)
	}
	for keyStr, raw := range doc.Index {
		key64, err := strconv.ParseUint(keyStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad landmark key %q", keyStr)
		}
		postings, err := decodeBucket(raw, len(idx.Names))
		if err != nil {
			return nil, err
		}
		key := uint32(key64)
		idx.Buckets[key] = append(idx.Buckets[key], postings...)
	}
	return idx, nil
}
