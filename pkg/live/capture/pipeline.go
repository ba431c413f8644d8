// Package capture pulls audio from a microphone device in fixed-size
// frames, encodes each frame for the wire, and hands it to a sink without
// ever buffering more than one frame ahead.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/vox-go/vox-lite/pkg/core"
	"github.com/vox-go/vox-lite/pkg/live/pcm"
)

// FrameSamples is the fixed capture frame size in samples.
const FrameSamples = 4096

// FrameReader yields captured samples. ReadFrame blocks until dst is full
// or the stream ends.
type FrameReader interface {
	ReadFrame(dst []float32) (int, error)
	Close() error
}

// Device opens an exclusive microphone stream.
type Device interface {
	Open(ctx context.Context) (FrameReader, error)
}

// Sink receives one wire-encoded frame as soon as it is ready. It must not
// block for long; the capture loop does not read ahead while a sink call is
// in flight.
type Sink func(payload string)

// Config configures a Pipeline.
type Config struct {
	Device       Device
	FrameSamples int
	Logger       *slog.Logger
}

// Pipeline cuts the microphone stream into fixed-duration frames at the
// outbound sample rate and forwards each encoded frame to the sink.
type Pipeline struct {
	device       Device
	frameSamples int
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	reader  FrameReader
	stop    chan struct{}
	loop    sync.WaitGroup
}

// NewPipeline creates a capture pipeline for the given device.
func NewPipeline(cfg Config) *Pipeline {
	frameSamples := cfg.FrameSamples
	if frameSamples <= 0 {
		frameSamples = FrameSamples
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		device:       cfg.Device,
		frameSamples: frameSamples,
		logger:       logger,
	}
}

// Start acquires the microphone and begins forwarding encoded frames to
// sink. It fails with a device_unavailable error when the microphone cannot
// be opened. Only one capture loop may run per pipeline.
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
	if p == nil || p.device == nil {
		return core.NewInvalidRequestError("capture device must not be nil")
	}
	if sink == nil {
		return core.NewInvalidRequestError("capture sink must not be nil")
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return core.NewInvalidRequestError("capture pipeline is already running")
	}
	p.running = true
	p.mu.Unlock()

	reader, err := p.device.Open(ctx)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return core.NewDeviceUnavailableError("open microphone", err)
	}

	p.mu.Lock()
	if !p.running {
		// Stop raced the device open; release the reader instead of
		// launching a loop nothing can stop.
		p.mu.Unlock()
		_ = reader.Close()
		return core.NewInvalidRequestError("capture pipeline stopped during start")
	}
	stop := make(chan struct{})
	p.reader = reader
	p.stop = stop
	p.loop.Add(1)
	p.mu.Unlock()

	go p.run(reader, stop, sink)
	return nil
}

func (p *Pipeline) run(reader FrameReader, stop chan struct{}, sink Sink) {
	defer p.loop.Done()

	buf := make([]float32, p.frameSamples)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := reader.ReadFrame(buf)
		if n == len(buf) {
			payload := pcm.EncodeOutbound(buf)
			select {
			case <-stop:
				return
			default:
			}
			sink(payload)
		} else if n > 0 {
			// A short read only happens at end of stream; partial frames
			// are dropped rather than padded.
			p.logger.Debug("dropping short capture frame", "samples", n)
		}
		if err != nil {
			select {
			case <-stop:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					p.logger.Warn("microphone read failed", "error", err)
				}
			}
			return
		}
	}
}

// Stop releases the device and guarantees no further sink invocations after
// it returns. Stopping a pipeline that is not running is a no-op.
func (p *Pipeline) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	reader := p.reader
	stop := p.stop
	p.reader = nil
	p.stop = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if reader != nil {
		// Unblocks an in-flight ReadFrame.
		_ = reader.Close()
	}
	p.loop.Wait()
}
