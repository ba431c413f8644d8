package playback

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/vox-go/vox-lite/pkg/live/pcm"
)

// FFplayOutput plays little-endian 16-bit PCM by piping it to an ffplay
// subprocess. Reset kills and restarts the process, which is the only
// reliable way to drop audio ffplay has already buffered.
type FFplayOutput struct {
	path         string
	sampleRateHz int
	channels     int
	logLevel     string
	volume       int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// FFplayConfig configures an FFplayOutput. Zero values pick defaults
// suitable for the 24 kHz mono playback stream.
type FFplayConfig struct {
	Path         string
	SampleRateHz int
	Channels     int
	LogLevel     string
	Volume       int
}

// NewFFplayOutput starts an ffplay process reading s16le PCM from stdin.
func NewFFplayOutput(cfg FFplayConfig) (*FFplayOutput, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "ffplay"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("ffplay is required for live playback (install ffmpeg/ffplay and ensure it is in PATH): %w", err)
	}
	out := &FFplayOutput{
		path:         path,
		sampleRateHz: cfg.SampleRateHz,
		channels:     cfg.Channels,
		logLevel:     strings.TrimSpace(cfg.LogLevel),
		volume:       cfg.Volume,
	}
	if out.sampleRateHz <= 0 {
		out.sampleRateHz = pcm.PlaybackSampleRateHz
	}
	if out.channels <= 0 {
		out.channels = 1
	}
	if out.logLevel == "" {
		out.logLevel = "error"
	}
	if out.volume <= 0 {
		out.volume = 80
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if err := out.startLocked(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *FFplayOutput) startLocked() error {
	if o.cmd != nil && o.cmd.Process != nil {
		return nil
	}
	// ffplay does not accept ffmpeg-style `-ac` (channels); use `-ch_layout`.
	chLayout := "mono"
	if o.channels == 2 {
		chLayout = "stereo"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", o.logLevel,
		"-nostats",
		"-volume", fmt.Sprintf("%d", o.volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", chLayout,
		"-ar", fmt.Sprintf("%d", o.sampleRateHz),
		"-i", "-",
	}
	cmd := exec.Command(o.path, args...)
	if runtime.GOOS == "darwin" {
		// ffplay uses SDL for audio output on macOS. In some environments SDL
		// selects a dummy backend with no sound; prefer CoreAudio unless the
		// user explicitly overrides it.
		if os.Getenv("SDL_AUDIODRIVER") == "" {
			cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
		}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}
	o.cmd = cmd
	o.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		o.mu.Lock()
		if o.cmd == c {
			o.cmd = nil
			o.stdin = nil
		}
		o.mu.Unlock()
	}(cmd)
	return nil
}

// Play writes PCM bytes to the ffplay process.
func (o *FFplayOutput) Play(data []byte) error {
	if o == nil || len(data) == 0 {
		return nil
	}
	o.mu.Lock()
	stdin := o.stdin
	o.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(data)
	return err
}

// Reset kills the current process and starts a fresh one, discarding any
// buffered audio.
func (o *FFplayOutput) Reset() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
	return o.startLocked()
}

// Close stops the ffplay process.
func (o *FFplayOutput) Close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
	return nil
}

func (o *FFplayOutput) closeLocked() {
	if o.stdin != nil {
		_ = o.stdin.Close()
	}
	if o.cmd != nil && o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
	}
	o.cmd = nil
	o.stdin = nil
}
