package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mdobak/go-xerrors"

	"github.com/rad1914/TuneShredder/pkg/logger"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/audio"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/exact"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/match"
)

const defaultIndexFile = "index.json"

// engineFlags registers every analysis/matcher knob on a flag set and
// produces the service options once parsed.
type engineFlags struct {
	rate, win, hop         int
	top                    int
	min                    float64
	fan, anchorEvery       int
	zone, pairs            int
	fq, dtq                int
	bucketCap              int
	sec                    float64
	threads                int
	refine, whiten         bool
	topN                   int
	minMatches             int
	minRatio               float64
	maxBucket, dropAbove   int
	shardBytes             int
	checkpointEvery        int
	fileTimeout            time.Duration
	profile                string
	dir                    string
	noProgress             bool
}

func (ef *engineFlags) register(fs *flag.FlagSet) {
	def := dsp.DefaultSettings()
	fs.IntVar(&ef.rate, "rate", getEnvInt("TUNESHREDDER_RATE", def.SampleRate), "analysis sample rate in Hz")
	fs.IntVar(&ef.win, "win", def.Window, "FFT window size (power of two)")
	fs.IntVar(&ef.hop, "hop", def.Hop, "hop between frames in samples")
	fs.IntVar(&ef.top, "top", def.TopPeaks, "peaks kept per frame")
	fs.Float64Var(&ef.min, "min", def.MinMag, "peak noise floor (log magnitude)")
	fs.IntVar(&ef.fan, "fan", def.Fan, "target peaks considered per future frame")
	fs.IntVar(&ef.anchorEvery, "anchor-every", def.AnchorEvery, "anchor stride in frames")
	fs.IntVar(&ef.zone, "zone", def.Zone, "pairing zone in frames")
	fs.IntVar(&ef.pairs, "pairs", def.Pairs, "retained targets per anchor")
	fs.IntVar(&ef.fq, "fq", def.FreqQuant, "frequency bin quantizer")
	fs.IntVar(&ef.dtq, "dtq", def.DeltaQuant, "frame delta quantizer")
	fs.BoolVar(&ef.refine, "refine", def.Refine, "parabolic peak refinement")
	fs.BoolVar(&ef.whiten, "whiten", def.Whiten, "median whitening before peak picking")
	fs.IntVar(&ef.bucketCap, "bucket-cap", 250, "max postings per bucket while indexing")
	fs.Float64Var(&ef.sec, "sec", 0, "per-file decode cap in seconds (0 = whole file)")
	fs.IntVar(&ef.threads, "threads", 0, "fingerprinting workers (0 = all CPUs)")
	fs.IntVar(&ef.topN, "topn", 10, "matches reported by query")
	fs.IntVar(&ef.minMatches, "min-matches", 8, "duplicate pass: min votes on best offset")
	fs.Float64Var(&ef.minRatio, "min-ratio", 0.25, "duplicate pass: min best/total consistency")
	fs.IntVar(&ef.maxBucket, "max-bucket", 250, "duplicate pass: cap per surviving bucket")
	fs.IntVar(&ef.dropAbove, "drop-above", 500, "stop-key threshold on raw bucket size")
	fs.IntVar(&ef.shardBytes, "shard-bytes", 0, "artifact bytes before sharding (0 = default)")
	fs.IntVar(&ef.checkpointEvery, "checkpoint-every", 25, "tracks between checkpoint writes")
	fs.DurationVar(&ef.fileTimeout, "file-timeout", 0, "soft per-file timeout (0 = none)")
	fs.StringVar(&ef.profile, "profile", os.Getenv("TUNESHREDDER_PROFILE"), "YAML parameter profile")
	fs.StringVar(&ef.dir, "dir", "", "corpus root, used to show embedded tags in reports")
	fs.BoolVar(&ef.noProgress, "no-progress", false, "disable the progress bar")
}

func (ef *engineFlags) service() (*tuneshredder.Service, error) {
	settings := dsp.Settings{
		SampleRate:  ef.rate,
		Window:      ef.win,
		Hop:         ef.hop,
		TopPeaks:    ef.top,
		MinMag:      ef.min,
		Fan:         ef.fan,
		AnchorEvery: ef.anchorEvery,
		Zone:        ef.zone,
		Pairs:       ef.pairs,
		FreqQuant:   ef.fq,
		DeltaQuant:  ef.dtq,
		Refine:      ef.refine,
		Whiten:      ef.whiten,
	}
	opts := []tuneshredder.Option{
		tuneshredder.WithSettings(settings),
		tuneshredder.WithBucketCap(ef.bucketCap),
		tuneshredder.WithMaxSeconds(ef.sec),
		tuneshredder.WithCheckpointEvery(ef.checkpointEvery),
		tuneshredder.WithShardBytes(ef.shardBytes),
		tuneshredder.WithFileTimeout(ef.fileTimeout),
		tuneshredder.WithTopN(ef.topN),
		tuneshredder.WithProgress(!ef.noProgress),
		tuneshredder.WithDupOptions(match.DupOptions{
			MinMatches: ef.minMatches,
			MinRatio:   ef.minRatio,
			MaxBucket:  ef.maxBucket,
			DropAbove:  ef.dropAbove,
		}),
	}
	if ef.profile != "" {
		opts = append(opts, tuneshredder.WithProfile(ef.profile))
	}
	if ef.threads > 0 {
		opts = append(opts, tuneshredder.WithThreads(ef.threads))
	}
	svc, err := tuneshredder.NewService(opts...)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// tagsFor resolves a track's basename against the corpus root and
// reads its embedded tags; empty when -dir is unset or the file moved.
func tagsFor(dir, name string) audio.TagInfo {
	if dir == "" {
		return audio.TagInfo{}
	}
	return audio.ReadTags(filepath.Join(dir, name))
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	log := logger.GetLogger()
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	rest := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "build":
		err = runBuild(ctx, rest)
	case "query":
		err = runQuery(ctx, rest)
	case "duplicates":
		err = runDuplicates(ctx, rest)
	case "exact":
		err = runExact(rest)
	case "list":
		err = runList(rest)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Errorf("%s failed: %v", command, xerrors.New(err))
		os.Exit(1)
	}
}

func parseEngine(name string, args []string) (*engineFlags, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	ef := &engineFlags{}
	ef.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return ef, fs.Args(), nil
}

// buildService assembles a service from the parsed flags. When a
// profile is set it overlays the flag values; flags the profile does
// not mention survive.
func buildService(ef *engineFlags) (*tuneshredder.Service, error) {
	return ef.service()
}

func runBuild(ctx context.Context, args []string) error {
	ef, pos, err := parseEngine("build", args)
	if err != nil {
		return err
	}
	if len(pos) < 1 {
		return fmt.Errorf("usage: build <dir> [out]")
	}
	dir := pos[0]
	out := defaultIndexFile
	if len(pos) > 1 {
		out = pos[1]
	}
	svc, err := buildService(ef)
	if err != nil {
		return err
	}
	report, err := svc.BuildDir(ctx, dir, out)
	if report != nil {
		fmt.Printf("scanned %s files, indexed %d, resumed %d, failed %d\n",
			humanize.Comma(int64(report.Scanned)), report.Indexed, report.Resumed, report.Failed)
		fmt.Printf("landmarks: %s produced, %s kept under the bucket cap (%.1fs)\n",
			humanize.Comma(int64(report.Landmarks)), humanize.Comma(int64(report.Kept)),
			report.Elapsed.Seconds())
		if fi, statErr := os.Stat(out); statErr == nil {
			fmt.Printf("artifact: %s (%s)\n", out, humanize.Bytes(uint64(fi.Size())))
		}
	}
	return err
}

func runQuery(ctx context.Context, args []string) error {
	ef, pos, err := parseEngine("query", args)
	if err != nil {
		return err
	}
	if len(pos) < 2 {
		return fmt.Errorf("usage: query <index> <clip>")
	}
	svc, err := buildService(ef)
	if err != nil {
		return err
	}
	results, err := svc.QueryClip(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for i, r := range results {
		line := fmt.Sprintf("%2d) %s  votes=%d total=%d offset=%d frames", i+1, r.Name, r.Votes, r.TotalHits, r.BestOffset)
		if tags := tagsFor(ef.dir, r.Name); tags.Title != "" {
			line += fmt.Sprintf("  [%s / %s]", tags.Title, tags.Artist)
		}
		fmt.Println(line)
	}
	return nil
}

func runDuplicates(ctx context.Context, args []string) error {
	ef, pos, err := parseEngine("duplicates", args)
	if err != nil {
		return err
	}
	if len(pos) < 1 {
		return fmt.Errorf("usage: duplicates <index> [out] [min_matches] [min_ratio] [max_bucket] [drop_above]")
	}
	indexPath := pos[0]
	out := ""
	if len(pos) > 1 {
		out = pos[1]
	}
	// Positional threshold overrides, in the documented order.
	if len(pos) > 2 {
		if ef.minMatches, err = strconv.Atoi(pos[2]); err != nil {
			return fmt.Errorf("bad min_matches %q: %w", pos[2], err)
		}
	}
	if len(pos) > 3 {
		if ef.minRatio, err = strconv.ParseFloat(pos[3], 64); err != nil {
			return fmt.Errorf("bad min_ratio %q: %w", pos[3], err)
		}
	}
	if len(pos) > 4 {
		if ef.maxBucket, err = strconv.Atoi(pos[4]); err != nil {
			return fmt.Errorf("bad max_bucket %q: %w", pos[4], err)
		}
	}
	if len(pos) > 5 {
		if ef.dropAbove, err = strconv.Atoi(pos[5]); err != nil {
			return fmt.Errorf("bad drop_above %q: %w", pos[5], err)
		}
	}
	svc, err := buildService(ef)
	if err != nil {
		return err
	}
	pairs, err := svc.FindDuplicates(ctx, indexPath)
	if err != nil {
		return err
	}
	fmt.Printf("%d duplicate pair(s)\n", len(pairs))
	for _, p := range pairs {
		line := fmt.Sprintf("%s  <->  %s  offset=%d frames votes=%d/%d score=%.2f",
			p.NameA, p.NameB, p.BestOffset, p.BestCount, p.TotalPairs, p.Score)
		if tags := tagsFor(ef.dir, p.NameA); tags.Title != "" {
			line += fmt.Sprintf("  [%s / %s]", tags.Title, tags.Artist)
		}
		fmt.Println(line)
	}
	if out != "" {
		if err := svc.SaveDuplicateReport(pairs, out); err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", out)
	}
	return nil
}

func runExact(args []string) error {
	fs := flag.NewFlagSet("exact", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: exact <dir>")
	}
	groups, err := exact.Scan(fs.Arg(0))
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("no byte-identical files")
		return nil
	}
	var waste int64
	for _, g := range groups {
		fmt.Printf("%016x  %s x%d\n", g.Digest, humanize.Bytes(uint64(g.Size)), len(g.Paths))
		for _, p := range g.Paths {
			fmt.Printf("    %s\n", p)
		}
		waste += g.Size * int64(len(g.Paths)-1)
	}
	fmt.Printf("%d group(s), %s reclaimable\n", len(groups), humanize.Bytes(uint64(waste)))
	return nil
}

func runList(args []string) error {
	ef, pos, err := parseEngine("list", args)
	if err != nil {
		return err
	}
	if len(pos) < 1 {
		return fmt.Errorf("usage: list <index>")
	}
	svc, err := buildService(ef)
	if err != nil {
		return err
	}
	snap, err := svc.LoadSnapshot(pos[0])
	if err != nil {
		return err
	}
	perTrack := make([]int, snap.NumTracks())
	for _, bucket := range snap.Buckets {
		for _, p := range bucket {
			if int(p.Track) < len(perTrack) {
				perTrack[p.Track]++
			}
		}
	}
	fmt.Printf("%d track(s), %d buckets, %s postings\n",
		snap.NumTracks(), snap.NumBuckets(), humanize.Comma(int64(snap.NumPostings())))
	for i, name := range snap.Names {
		fmt.Printf("%4d  %s  (%s postings)\n", i, name, humanize.Comma(int64(perTrack[i])))
	}
	return nil
}

func printUsage() {
	fmt.Println("TuneShredder - audio fingerprint indexing and duplicate detection")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cli [flags] build <dir> [out]")
	fmt.Println("  cli [flags] query <index> <clip>")
	fmt.Println("  cli [flags] duplicates <index> [out] [min_matches] [min_ratio] [max_bucket] [drop_above]")
	fmt.Println("  cli exact <dir>")
	fmt.Println("  cli list <index>")
	fmt.Println()
	fmt.Println("Flags go after the command name, e.g.:")
	fmt.Println("  cli build -rate 11025 -win 4096 -hop 512 ./music index.json")
	fmt.Println("  cli build -threads 4 ./music library.sqlite3")
	fmt.Println("  cli duplicates index.json dupes.jsonl 12 0.4")
	fmt.Println()
	fmt.Println("An output path ending in .sqlite3/.sqlite/.db selects the")
	fmt.Println("relational back end; everything else is the JSON artifact.")
	fmt.Println("Set -profile to load parameters from a YAML file.")
}
