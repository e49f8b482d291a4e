package tuneshredder

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
	"github.com/rad1914/TuneShredder/pkg/tuneshredder/match"
)

type Config struct {
	DSP             dsp.Settings
	BucketCap       int           // postings per bucket during indexing
	MaxSeconds      float64       // per-file decode cap, 0 = whole file
	Threads         int           // fingerprinting workers
	CheckpointEvery int           // tracks between checkpoint writes
	ShardBytes      int           // artifact size before sharding
	FileTimeout     time.Duration // soft per-file timeout, 0 = none
	TopN            int           // results returned by clip lookup
	Dup             match.DupOptions
	Progress        bool   // render a progress bar during build
	ProfilePath     string // YAML profile overlaid after options
	Logger          Logger
	Store           Store // override back end (tests)
}

type Option func(*Config)

func WithSettings(s dsp.Settings) Option     { return func(c *Config) { c.DSP = s } }
func WithBucketCap(n int) Option             { return func(c *Config) { c.BucketCap = n } }
func WithMaxSeconds(sec float64) Option      { return func(c *Config) { c.MaxSeconds = sec } }
func WithThreads(n int) Option               { return func(c *Config) { c.Threads = n } }
func WithCheckpointEvery(n int) Option       { return func(c *Config) { c.CheckpointEvery = n } }
func WithShardBytes(n int) Option            { return func(c *Config) { c.ShardBytes = n } }
func WithFileTimeout(d time.Duration) Option { return func(c *Config) { c.FileTimeout = d } }
func WithTopN(n int) Option                  { return func(c *Config) { c.TopN = n } }
func WithDupOptions(o match.DupOptions) Option {
	return func(c *Config) { c.Dup = o }
}
func WithProgress(on bool) Option       { return func(c *Config) { c.Progress = on } }
func WithProfile(path string) Option    { return func(c *Config) { c.ProfilePath = path } }
func WithLogger(l Logger) Option        { return func(c *Config) { c.Logger = l } }
func WithStore(store Store) Option      { return func(c *Config) { c.Store = store } }

func defaultConfig() *Config {
	return &Config{
		DSP:             dsp.DefaultSettings(),
		BucketCap:       250,
		Threads:         runtime.NumCPU(),
		CheckpointEvery: 25,
		ShardBytes:      0, // store default
		TopN:            10,
		Dup: match.DupOptions{
			MinMatches: 8,
			MinRatio:   0.25,
			MaxBucket:  250,
			DropAbove:  500,
		},
	}
}

// Profile is the YAML parameter file the CLI accepts. Absent keys keep
// their current values, so a profile can override just one knob.
type Profile struct {
	SampleRate  *int     `yaml:"sr"`
	Window      *int     `yaml:"win"`
	Hop         *int     `yaml:"hop"`
	TopPeaks    *int     `yaml:"top"`
	MinMag      *float64 `yaml:"min"`
	Fan         *int     `yaml:"fan"`
	AnchorEvery *int     `yaml:"anchor_every"`
	Zone        *int     `yaml:"zone"`
	Pairs       *int     `yaml:"pairs"`
	FreqQuant   *int     `yaml:"fq"`
	DeltaQuant  *int     `yaml:"dtq"`
	Refine      *bool    `yaml:"refine"`
	Whiten      *bool    `yaml:"whiten"`
	BucketCap   *int     `yaml:"bucket_cap"`
	MaxSeconds  *float64 `yaml:"sec"`
	Threads     *int     `yaml:"threads"`
	MinMatches  *int     `yaml:"min_matches"`
	MinRatio    *float64 `yaml:"min_ratio"`
	MaxBucket   *int     `yaml:"max_bucket"`
	DropAbove   *int     `yaml:"drop_above"`
}

// ApplyProfile loads a YAML profile and overlays it on the config.
func (c *Config) ApplyProfile(path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(blob, &p); err != nil {
		return fmt.Errorf("parsing profile %s: %w", path, err)
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&c.DSP.SampleRate, p.SampleRate)
	setInt(&c.DSP.Window, p.Window)
	setInt(&c.DSP.Hop, p.Hop)
	setInt(&c.DSP.TopPeaks, p.TopPeaks)
	setFloat(&c.DSP.MinMag, p.MinMag)
	setInt(&c.DSP.Fan, p.Fan)
	setInt(&c.DSP.AnchorEvery, p.AnchorEvery)
	setInt(&c.DSP.Zone, p.Zone)
	setInt(&c.DSP.Pairs, p.Pairs)
	setInt(&c.DSP.FreqQuant, p.FreqQuant)
	setInt(&c.DSP.DeltaQuant, p.DeltaQuant)
	setBool(&c.DSP.Refine, p.Refine)
	setBool(&c.DSP.Whiten, p.Whiten)
	setInt(&c.BucketCap, p.BucketCap)
	setFloat(&c.MaxSeconds, p.MaxSeconds)
	setInt(&c.Threads, p.Threads)
	setInt(&c.Dup.MinMatches, p.MinMatches)
	setFloat(&c.Dup.MinRatio, p.MinRatio)
	setInt(&c.Dup.MaxBucket, p.MaxBucket)
	setInt(&c.Dup.DropAbove, p.DropAbove)
	return nil
}
