package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"

	"github.com/vox-go/vox-lite/pkg/live/pcm"
)

// FFmpegDevice captures microphone audio through an ffmpeg subprocess
// emitting s16le mono at the outbound sample rate.
type FFmpegDevice struct {
	// Path is the ffmpeg binary; defaults to "ffmpeg".
	Path string
	// SampleRateHz defaults to the capture rate of 16 kHz.
	SampleRateHz int
	// InputArgs overrides the platform input selection ("-f pulse -i default"
	// style arguments) when set.
	InputArgs []string
}

// Open starts ffmpeg and returns a reader over its raw PCM stdout.
func (d *FFmpegDevice) Open(ctx context.Context) (FrameReader, error) {
	path := "ffmpeg"
	if d != nil && strings.TrimSpace(d.Path) != "" {
		path = strings.TrimSpace(d.Path)
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, errors.New("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH)")
	}

	sampleRate := pcm.CaptureSampleRateHz
	if d != nil && d.SampleRateHz > 0 {
		sampleRate = d.SampleRateHz
	}

	var input []string
	if d != nil && len(d.InputArgs) > 0 {
		input = d.InputArgs
	} else {
		var err error
		input, err = micInputArgs(runtime.GOOS)
		if err != nil {
			return nil, err
		}
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-f", "s16le", "-",
	)

	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegReader{cmd: cmd, stdout: stdout}, nil
}

func micInputArgs(goos string) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{"-f", "avfoundation", "-i", ":0"}, nil
	case "linux":
		return []string{"-f", "pulse", "-i", "default"}, nil
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

type ffmpegReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte
}

// ReadFrame fills dst with normalized samples converted from ffmpeg's
// s16le byte stream.
func (r *ffmpegReader) ReadFrame(dst []float32) (int, error) {
	if r == nil || r.stdout == nil {
		return 0, io.EOF
	}
	want := len(dst) * 2
	if cap(r.buf) < want {
		r.buf = make([]byte, want)
	}
	raw := r.buf[:want]
	n, err := io.ReadFull(r.stdout, raw)
	samples := pcm.BytesToSamples(raw[:n])
	copy(dst, samples)
	return len(samples), err
}

func (r *ffmpegReader) Close() error {
	if r == nil {
		return nil
	}
	if r.stdout != nil {
		_ = r.stdout.Close()
	}
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
		_ = r.cmd.Wait()
	}
	return nil
}
