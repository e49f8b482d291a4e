package dsp

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Settings carries every tunable of the analysis pipeline. The same
// values must be used when building an index and when querying it.
type Settings struct {
	SampleRate int
	Window     int // FFT window size, power of two
	Hop        int // samples between successive frames

	TopPeaks int     // strongest bins kept per frame
	MinMag   float64 // noise floor in the log1p magnitude domain
	Whiten   bool    // coarse median subtraction before peak picking
	Refine   bool    // parabolic peak interpolation

	Fan         int // target peaks considered per future frame
	AnchorEvery int // anchor stride in frames (1 = every frame)
	Zone        int // max forward distance in frames
	Pairs       int // retained targets per anchor

	FreqQuant  int // bin quantizer for landmark keys
	DeltaQuant int // frame-delta quantizer for landmark keys
}

// DefaultSettings matches the values the index format was tuned with.
func DefaultSettings() Settings {
	return Settings{
		SampleRate:  11025,
		Window:      4096,
		Hop:         512,
		TopPeaks:    5,
		MinMag:      1.5,
		Whiten:      false,
		Refine:      true,
		Fan:         3,
		AnchorEvery: 1,
		Zone:        32,
		Pairs:       3,
		FreqQuant:   2,
		DeltaQuant:  1,
	}
}

// Validate rejects settings the key packing cannot represent.
func (s Settings) Validate() error {
	if s.SampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	if s.Window <= 0 || s.Window&(s.Window-1) != 0 {
		return fmt.Errorf("window size %d is not a power of two", s.Window)
	}
	if s.Hop <= 0 || s.Hop > s.Window {
		return fmt.Errorf("hop %d must be in (0, window]", s.Hop)
	}
	if s.TopPeaks <= 0 {
		return errors.New("top peaks must be positive")
	}
	if s.Fan <= 0 || s.Pairs <= 0 || s.Zone <= 0 {
		return errors.New("fan, pairs and zone must be positive")
	}
	if s.AnchorEvery <= 0 {
		return errors.New("anchor stride must be positive")
	}
	if s.FreqQuant <= 0 || s.DeltaQuant <= 0 {
		return errors.New("quantizers must be positive")
	}
	if maxQ := (s.Window/2 + s.FreqQuant - 1) / s.FreqQuant; maxQ > int(freqMask) {
		return fmt.Errorf("quantized bin range %d exceeds key capacity %d", maxQ, freqMask)
	}
	if maxD := (s.Zone + s.DeltaQuant - 1) / s.DeltaQuant; maxD > int(deltaMask) {
		return fmt.Errorf("quantized delta range %d exceeds key capacity %d", maxD, deltaMask)
	}
	return nil
}

// Pipeline turns a sample buffer into a landmark stream. Each instance
// owns one FFT plan, the precomputed Hann window and all scratch
// buffers, so after warm-up no allocation happens per frame. A Pipeline
// is not safe for concurrent use; give each worker its own.
type Pipeline struct {
	s    Settings
	plan *fourier.FFT
	hann []float64

	frame  []float64    // windowed samples, len = Window
	coeffs []complex128 // half spectrum + Nyquist, len = Window/2+1
	mags   []float64    // log1p magnitudes, len = Window/2

	picker *peakPicker
	hasher *hasher
}

func NewPipeline(s Settings) (*Pipeline, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	half := s.Window / 2
	return &Pipeline{
		s:      s,
		plan:   fourier.NewFFT(s.Window),
		hann:   window.Hann(s.Window),
		frame:  make([]float64, s.Window),
		coeffs: make([]complex128, half+1),
		mags:   make([]float64, half),
		picker: newPeakPicker(s),
		hasher: newHasher(s),
	}, nil
}

func (p *Pipeline) Settings() Settings { return p.s }

// NumFrames reports how many analysis frames a buffer of n samples
// yields: frames start at multiples of Hop and must fit entirely.
func (p *Pipeline) NumFrames(n int) int {
	if n < p.s.Window {
		return 0
	}
	return (n-p.s.Window)/p.s.Hop + 1
}

// Fingerprint streams frames through the STFT, the peak picker and the
// landmark hasher and returns the complete landmark sequence in anchor
// order. The context is checked between frames so cancellation takes
// effect without finishing the whole buffer.
func (p *Pipeline) Fingerprint(ctx context.Context, samples []float32) ([]Landmark, error) {
	if len(samples) < p.s.Window {
		return nil, fmt.Errorf("buffer of %d samples is shorter than one window (%d)", len(samples), p.s.Window)
	}
	p.hasher.reset()
	nFrames := p.NumFrames(len(samples))
	for t := 0; t < nFrames; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.spectrum(samples[t*p.s.Hop:])
		peaks := p.picker.pick(p.mags)
		p.hasher.push(t, peaks)
	}
	p.hasher.flush()
	return p.hasher.take(), nil
}

// spectrum fills p.mags with the log1p magnitude half-spectrum of the
// window starting at samples[0].
func (p *Pipeline) spectrum(samples []float32) {
	for i := 0; i < p.s.Window; i++ {
		p.frame[i] = float64(samples[i]) * p.hann[i]
	}
	p.plan.Coefficients(p.coeffs, p.frame)
	for k := range p.mags {
		c := p.coeffs[k]
		re, im := real(c), imag(c)
		p.mags[k] = math.Log1p(math.Sqrt(re*re + im*im))
	}
}
