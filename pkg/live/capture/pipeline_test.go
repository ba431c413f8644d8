package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vox-go/vox-lite/pkg/core"
	"github.com/vox-go/vox-lite/pkg/live/pcm"
)

// scriptReader serves a fixed sample stream, then blocks until closed.
type scriptReader struct {
	mu      sync.Mutex
	samples []float32
	closed  chan struct{}
	once    sync.Once
}

func newScriptReader(samples []float32) *scriptReader {
	return &scriptReader{samples: samples, closed: make(chan struct{})}
}

func (r *scriptReader) ReadFrame(dst []float32) (int, error) {
	r.mu.Lock()
	n := copy(dst, r.samples)
	r.samples = r.samples[n:]
	r.mu.Unlock()
	if n == len(dst) {
		return n, nil
	}
	// Stream exhausted: block like a quiet microphone until closed.
	<-r.closed
	return n, io.EOF
}

func (r *scriptReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type scriptDevice struct {
	reader  FrameReader
	openErr error
}

func (d *scriptDevice) Open(ctx context.Context) (FrameReader, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.reader, nil
}

func collectSink() (Sink, func() []string) {
	var mu sync.Mutex
	var got []string
	sink := func(payload string) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(got))
		copy(out, got)
		return out
	}
	return sink, snapshot
}

func TestPipeline_CutsAndEncodesFrames(t *testing.T) {
	const frameSamples = 8
	samples := make([]float32, frameSamples*3)
	for i := range samples {
		samples[i] = float32(i%16) / 16
	}
	reader := newScriptReader(samples)
	p := NewPipeline(Config{Device: &scriptDevice{reader: reader}, FrameSamples: frameSamples})

	sink, snapshot := collectSink()
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(snapshot()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	got := snapshot()
	if len(got) != 3 {
		t.Fatalf("forwarded %d frames, want 3", len(got))
	}
	for i, payload := range got {
		want := pcm.EncodeOutbound(samples[i*frameSamples : (i+1)*frameSamples])
		if payload != want {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
}

func TestPipeline_StopPreventsFurtherSinkCalls(t *testing.T) {
	reader := newScriptReader(make([]float32, 4))
	p := NewPipeline(Config{Device: &scriptDevice{reader: reader}, FrameSamples: 4})

	sink, snapshot := collectSink()
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(snapshot()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	p.Stop()
	before := len(snapshot())
	time.Sleep(20 * time.Millisecond)
	if after := len(snapshot()); after != before {
		t.Fatalf("sink called after Stop returned: before=%d after=%d", before, after)
	}

	// A second Stop is a no-op.
	p.Stop()
}

func TestPipeline_OpenFailureIsDeviceUnavailable(t *testing.T) {
	p := NewPipeline(Config{Device: &scriptDevice{openErr: errors.New("permission denied")}})
	err := p.Start(context.Background(), func(string) {})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !core.IsType(err, core.ErrDeviceUnavailable) {
		t.Fatalf("expected device_unavailable, got %v", err)
	}

	// A failed start leaves the pipeline restartable.
	reader := newScriptReader(nil)
	p2 := NewPipeline(Config{Device: &scriptDevice{reader: reader}, FrameSamples: 4})
	if err := p2.Start(context.Background(), func(string) {}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	p2.Stop()
}

// blockingDevice parks Open until released so a Stop can land mid-open.
type blockingDevice struct {
	opened  chan struct{}
	release chan struct{}
	reader  FrameReader
}

func (d *blockingDevice) Open(ctx context.Context) (FrameReader, error) {
	close(d.opened)
	<-d.release
	return d.reader, nil
}

func TestPipeline_StopDuringOpenReleasesDevice(t *testing.T) {
	reader := newScriptReader(nil)
	dev := &blockingDevice{
		opened:  make(chan struct{}),
		release: make(chan struct{}),
		reader:  reader,
	}
	p := NewPipeline(Config{Device: dev, FrameSamples: 4})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(context.Background(), func(string) {}) }()

	<-dev.opened
	p.Stop()
	close(dev.release)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("Start must fail when Stop lands while the device opens")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return")
	}

	// The reader the late open produced must not be leaked.
	select {
	case <-reader.closed:
	default:
		t.Fatalf("reader was not released")
	}
}

func TestPipeline_DoubleStartRejected(t *testing.T) {
	reader := newScriptReader(nil)
	p := NewPipeline(Config{Device: &scriptDevice{reader: reader}, FrameSamples: 4})
	if err := p.Start(context.Background(), func(string) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(context.Background(), func(string) {}); err == nil {
		t.Fatalf("second Start should fail while running")
	}
}

func TestPipeline_ShortFinalFrameDropped(t *testing.T) {
	// 6 samples with a frame size of 4: one full frame, one short remainder.
	reader := newScriptReader(make([]float32, 6))
	p := NewPipeline(Config{Device: &scriptDevice{reader: reader}, FrameSamples: 4})

	sink, snapshot := collectSink()
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(snapshot()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if got := len(snapshot()); got != 1 {
		t.Fatalf("forwarded %d frames, want 1 (short tail dropped)", got)
	}
}
