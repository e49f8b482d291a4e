package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrDecoderFailed marks a per-file decode failure: nonzero decoder
// exit, a malformed stream, or an unusable container. Callers skip the
// file and continue.
var ErrDecoderFailed = errors.New("decoder failed")

// DecoderBin is the external PCM decoder looked up on PATH. It must
// accept the ffmpeg argument convention used by Decode.
const DecoderBin = "ffmpeg"

var recognizedExt = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".m4a":  true,
}

// Recognized reports whether path carries one of the indexable audio
// extensions (case-insensitive).
func Recognized(path string) bool {
	return recognizedExt[strings.ToLower(filepath.Ext(path))]
}

// Decode produces mono float32 samples at sampleRate from any container
// the external decoder understands. maxSeconds > 0 caps the decoded
// duration. PCM WAV files already at the target rate are read in
// process; everything else goes through the decoder subprocess.
//
// The decoder's diagnostic stream is discarded, a nonzero exit is
// ErrDecoderFailed, and a payload whose byte length is not a multiple
// of 4 is rejected. No retries happen here; that is the caller's call.
func Decode(ctx context.Context, path string, sampleRate int, maxSeconds float64) ([]float32, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		if samples, err := readWAV(path, sampleRate, maxSeconds); err == nil {
			return samples, nil
		}
		// Fall through: wrong rate, odd encoding, or a broken header
		// the external decoder may still cope with.
	}
	return decodeSubprocess(ctx, path, sampleRate, maxSeconds)
}

func decodeSubprocess(ctx context.Context, path string, sampleRate int, maxSeconds float64) ([]float32, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoderFailed, err)
	}
	args := []string{
		"-hide_banner", "-v", "error",
		"-i", path,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f32le",
	}
	if maxSeconds > 0 {
		args = append(args, "-t", strconv.FormatFloat(maxSeconds, 'f', -1, 64))
	}
	args = append(args, "pipe:1")

	cmd := exec.CommandContext(ctx, DecoderBin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s on %s: %v", ErrDecoderFailed, DecoderBin, filepath.Base(path), err)
	}
	return ParseFloat32LE(out.Bytes())
}

// ParseFloat32LE converts a little-endian float32 byte stream into
// samples, rejecting payloads that are not 4-byte aligned.
func ParseFloat32LE(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float32 samples", ErrDecoderFailed, len(raw))
	}
	samples := make([]float32, len(raw)/4)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoderFailed, err)
	}
	return samples, nil
}
