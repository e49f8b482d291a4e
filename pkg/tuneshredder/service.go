package tuneshredder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/rad1914/TuneShredder/pkg/logger"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/audio"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/index"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/match"
	"github.com/rad1914/TuneShredder/pkg/utils"
)

// Service ties the DSP front end, the store and the matchers together.
type Service struct {
	cfg *Config
	log Logger
}

func NewService(opts ...Option) (*Service, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	if cfg.ProfilePath != "" {
		if err := cfg.ApplyProfile(cfg.ProfilePath); err != nil {
			return nil, err
		}
	}
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if err := cfg.DSP.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrBadParams, err)
	}
	return &Service{cfg: cfg, log: cfg.Logger}, nil
}

// openStore picks the back end by path unless one was injected.
func (s *Service) openStore(out string) Store {
	if s.cfg.Store != nil {
		return s.cfg.Store
	}
	header := index.HeaderFor(s.cfg.DSP, s.cfg.BucketCap)
	if index.IsSQLitePath(out) {
		return index.NewSQLStore(out, header)
	}
	return index.NewJSONStore(out, header, s.cfg.ShardBytes)
}

// LoadSnapshot opens a read-only index for matching. A truncated
// sharded artifact is usable from its readable prefix; anything else
// unreadable is fatal for the caller.
func (s *Service) LoadSnapshot(path string) (*index.Index, error) {
	var (
		snap *index.Index
		err  error
	)
	if index.IsSQLitePath(path) {
		snap, err = index.LoadSQL(path)
	} else {
		snap, err = index.Load(path)
	}
	if err != nil {
		if errors.Is(err, index.ErrTruncated) && snap != nil {
			s.log.Warnf("index %s is truncated, matching against the loaded prefix (%d tracks)", path, snap.NumTracks())
			return snap, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", index.ErrUnreadable, path)
		}
		return nil, err
	}
	if err := snap.Header.Check(); err != nil {
		return nil, err
	}
	return snap, nil
}

// ---------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------

type fileJob struct {
	seq  int
	path string
}

type trackResult struct {
	seq       int
	name      string
	landmarks []dsp.Landmark
	err       error
}

// BuildDir fingerprints every recognized audio file under dir into the
// index at out. Decoding and DSP run on cfg.Threads workers, each with
// its own pipeline; all index mutation happens on this goroutine, which
// owns the store. Re-running over an existing index resumes: files
// already in meta are skipped.
func (s *Service) BuildDir(ctx context.Context, dir, out string) (*BuildReport, error) {
	started := time.Now()
	files, err := listAudioFiles(dir)
	if err != nil {
		return nil, err
	}
	report := &BuildReport{Scanned: len(files)}

	store := s.openStore(out)
	if err := store.Open(); err != nil {
		return nil, err
	}
	defer store.Close()

	pending := files[:0:0]
	for _, f := range files {
		if store.Has(filepath.Base(f)) {
			report.Resumed++
			continue
		}
		pending = append(pending, f)
	}
	if report.Resumed > 0 {
		s.log.Infof("resuming: %d of %d files already indexed", report.Resumed, len(files))
	}
	if len(pending) == 0 {
		return report, store.Finalize()
	}

	var bar *mpb.Bar
	var progress *mpb.Progress
	if s.cfg.Progress {
		progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(os.Stderr))
		bar = progress.AddBar(int64(len(pending)),
			mpb.PrependDecorators(
				decor.Name("Indexing: "),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}

	// The results queue is bounded so workers block when the indexer
	// falls behind; that caps in-flight landmark memory.
	jobs := make(chan fileJob, len(pending))
	results := make(chan trackResult, 2*s.cfg.Threads)
	pipes := make([]*dsp.Pipeline, s.cfg.Threads)
	for i := range pipes {
		pipe, err := dsp.NewPipeline(s.cfg.DSP)
		if err != nil {
			return nil, err
		}
		pipes[i] = pipe
	}
	var wg sync.WaitGroup
	for _, pipe := range pipes {
		wg.Add(1)
		go func(pipe *dsp.Pipeline) {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					return
				}
				res := s.processFile(ctx, pipe, job.path)
				res.seq = job.seq
				results <- res
			}
		}(pipe)
	}
	for i, p := range pending {
		jobs <- fileJob{seq: i, path: p}
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(results)
	}()

	// Results are resequenced to pending order before touching the
	// store, so track id assignment is deterministic in file-listing
	// order no matter how the workers interleave.
	sinceCheckpoint := 0
	var fatal error
	held := make(map[int]trackResult)
	next := 0
	accept := func(res trackResult) {
		if res.err != nil {
			report.Failed++
			s.log.Warnf("skipping %s: %v", res.name, res.err)
			return
		}
		id, err := store.BeginTrack(res.name)
		if err != nil {
			report.Failed++
			s.log.Warnf("skipping %s: %v", res.name, err)
			return
		}
		kept := store.Append(id, res.landmarks)
		if err := store.EndTrack(id); err != nil {
			fatal = err
			return
		}
		report.Indexed++
		report.Landmarks += len(res.landmarks)
		report.Kept += kept
		sinceCheckpoint++
		if s.cfg.CheckpointEvery > 0 && sinceCheckpoint >= s.cfg.CheckpointEvery {
			if err := store.Checkpoint(); err != nil {
				fatal = err
			}
			sinceCheckpoint = 0
		}
	}
	for res := range results {
		if bar != nil {
			bar.Increment()
		}
		if fatal != nil {
			continue // drain so workers can finish
		}
		held[res.seq] = res
		for {
			ready, ok := held[next]
			if !ok {
				break
			}
			delete(held, next)
			next++
			accept(ready)
			if fatal != nil {
				break
			}
		}
	}
	if progress != nil {
		if ctx.Err() != nil {
			bar.Abort(true)
		}
		progress.Wait()
	}

	report.Elapsed = time.Since(started)
	if fatal != nil {
		return report, fatal
	}
	if ctx.Err() != nil {
		// One final checkpoint so the run can resume from here.
		if err := store.Checkpoint(); err != nil {
			return report, err
		}
		return report, ctx.Err()
	}
	if err := store.Finalize(); err != nil {
		return report, err
	}
	return report, nil
}

// processFile decodes and fingerprints one file, recovering a panicking
// DSP pass and retrying once before giving the file up as lost.
func (s *Service) processFile(ctx context.Context, pipe *dsp.Pipeline, path string) trackResult {
	name := filepath.Base(path)
	for attempt := 0; attempt < 2; attempt++ {
		landmarks, err := s.fingerprintFile(ctx, pipe, path)
		if err == nil {
			return trackResult{name: name, landmarks: landmarks}
		}
		if !errors.Is(err, ErrWorkerLost) {
			return trackResult{name: name, err: err}
		}
		s.log.Warnf("worker lost on %s, rescheduling once", name)
	}
	return trackResult{name: name, err: ErrWorkerLost}
}

func (s *Service) fingerprintFile(ctx context.Context, pipe *dsp.Pipeline, path string) (landmarks []dsp.Landmark, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerLost, r)
		}
	}()
	if s.cfg.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FileTimeout)
		defer cancel()
	}
	samples, err := audio.Decode(ctx, path, s.cfg.DSP.SampleRate, s.cfg.MaxSeconds)
	if err != nil {
		return nil, err
	}
	return pipe.Fingerprint(ctx, samples)
}

// listAudioFiles walks dir and returns the recognized audio files in
// lexical order, which makes track id assignment deterministic across
// runs over the same tree.
func listAudioFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !audio.Recognized(path) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------
// Query and duplicates
// ---------------------------------------------------------------------

// QueryClip fingerprints the clip with the parameters recorded in the
// index header, never with the service's own flags, and returns the
// top matches. Build and query therefore cannot drift apart.
func (s *Service) QueryClip(ctx context.Context, indexPath, clipPath string) ([]match.Result, error) {
	snap, err := s.LoadSnapshot(indexPath)
	if err != nil {
		return nil, err
	}
	settings := snap.Header.Settings()
	pipe, err := dsp.NewPipeline(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrBadParams, err)
	}
	samples, err := audio.Decode(ctx, clipPath, settings.SampleRate, s.cfg.MaxSeconds)
	if err != nil {
		return nil, err
	}
	clip, err := pipe.Fingerprint(ctx, samples)
	if err != nil {
		return nil, err
	}
	s.log.Infof("query clip: %d landmarks against %d tracks", len(clip), snap.NumTracks())
	return match.Query(snap, clip, s.cfg.TopN, s.cfg.Dup.DropAbove), nil
}

// FindDuplicates runs the offset-histogram duplicate pass over the
// index at indexPath. The snapshot is never mutated.
func (s *Service) FindDuplicates(ctx context.Context, indexPath string) ([]match.Pair, error) {
	snap, err := s.LoadSnapshot(indexPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.log.Infof("duplicate pass: %d tracks, %d buckets", snap.NumTracks(), snap.NumBuckets())
	return match.Duplicates(snap, s.cfg.Dup), nil
}

// SaveDuplicateReport writes pairs as JSON lines via the same atomic
// temp-and-rename discipline as the index artifact.
func (s *Service) SaveDuplicateReport(pairs []match.Pair, out string) error {
	tmp := utils.TempSibling(out)
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", index.ErrWriteFailed, err)
	}
	enc := json.NewEncoder(f)
	for _, p := range pairs {
		if err := enc.Encode(p); err != nil {
			f.Close()
			utils.DeleteFile(tmp)
			return fmt.Errorf("%w: %v", index.ErrWriteFailed, err)
		}
	}
	if err := f.Close(); err != nil {
		utils.DeleteFile(tmp)
		return fmt.Errorf("%w: %v", index.ErrWriteFailed, err)
	}
	if err := utils.MoveFile(tmp, out); err != nil {
		utils.DeleteFile(tmp)
		return fmt.Errorf("%w: %v", index.ErrWriteFailed, err)
	}
	return nil
}
