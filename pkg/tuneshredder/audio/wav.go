package audio

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

// readWAV is the in-process fast path for PCM WAV files that are
// already at the target sample rate. Any mismatch is reported as an
// error so the caller falls back to the decoder subprocess.
func readWAV(path string, sampleRate int, maxSeconds float64) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate != sampleRate {
		return nil, fmt.Errorf("%s: sample rate mismatch", path)
	}
	ch := buf.Format.NumChannels
	if ch < 1 || ch > 2 {
		return nil, fmt.Errorf("%s: unsupported channel count %d", path, ch)
	}
	bits := int(dec.BitDepth)
	if bits == 0 {
		bits = 16
	}
	scale := 1.0 / math.Pow(2, float64(bits-1))

	frames := len(buf.Data) / ch
	if maxSeconds > 0 {
		if limit := int(maxSeconds * float64(sampleRate)); frames > limit {
			frames = limit
		}
	}
	samples := make([]float32, frames)
	if ch == 1 {
		for i := 0; i < frames; i++ {
			samples[i] = float32(float64(buf.Data[i]) * scale)
		}
	} else {
		for i := 0; i < frames; i++ {
			l := float64(buf.Data[2*i]) * scale
			r := float64(buf.Data[2*i+1]) * scale
			samples[i] = float32((l + r) * 0.5)
		}
	}
	return samples, nil
}
