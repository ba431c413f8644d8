// Package playback schedules inbound audio frames for gap-free, ordered
// playback against a monotonic clock and supports hard interruption.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vox-go/vox-lite/pkg/core"
	"github.com/vox-go/vox-lite/pkg/live/pcm"
)

// Output is the audio sink frames are written to at their scheduled start
// time. Play receives little-endian 16-bit PCM. Reset must cut any audio
// the sink has buffered but not yet played.
type Output interface {
	Play(pcm []byte) error
	Reset() error
	Close() error
}

// Config configures a Scheduler.
type Config struct {
	Output Output
	Logger *slog.Logger

	// Now overrides the scheduling clock. Defaults to time.Now.
	Now func() time.Time
}

// Scheduler plays frames in strict schedule order. Start times derive from
// a running cursor rather than arrival wall-clock time, so network jitter
// between frames never introduces gaps or reordering.
type Scheduler struct {
	out    Output
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	// cursor is when the next frame should begin. The zero value means
	// "start from now"; Interrupt resets it to zero.
	cursor time.Time
	active map[string]*Handle
	// last is the most recently scheduled handle; each emit waits for its
	// predecessor so output writes keep schedule order even when timers
	// fire arbitrarily close together.
	last *Handle
}

// Handle represents one scheduled audio segment from the moment it is
// scheduled until it finishes or is forcibly stopped.
type Handle struct {
	id       string
	startAt  time.Time
	duration time.Duration

	done     chan struct{}
	doneOnce sync.Once
	stopped  bool

	playTimer   *time.Timer
	finishTimer *time.Timer
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// StartAt returns the computed start time of the segment.
func (h *Handle) StartAt() time.Time { return h.startAt }

// Duration returns the segment's playback length.
func (h *Handle) Duration() time.Duration { return h.duration }

// Done is closed when the segment finishes playing or is stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) markDone() {
	h.doneOnce.Do(func() { close(h.done) })
}

// NewScheduler creates a scheduler writing to cfg.Output.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		out:    cfg.Output,
		logger: logger,
		now:    now,
		active: make(map[string]*Handle),
	}
}

// Schedule enqueues a frame to begin at max(cursor, now) and advances the
// cursor past it. The returned handle leaves the active set automatically
// when playback completes.
func (s *Scheduler) Schedule(frame *pcm.Frame) (*Handle, error) {
	if s == nil {
		return nil, core.NewInvalidRequestError("scheduler must not be nil")
	}
	if frame == nil || len(frame.Samples) == 0 {
		return nil, core.NewInvalidRequestError("frame must carry samples")
	}
	data := pcm.SamplesToBytes(frame.Samples)
	duration := frame.Duration()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.NewInvalidRequestError("scheduler is closed")
	}
	now := s.now()
	start := s.cursor
	if start.Before(now) {
		start = now
	}
	s.cursor = start.Add(duration)

	h := &Handle{
		id:       uuid.NewString(),
		startAt:  start,
		duration: duration,
		done:     make(chan struct{}),
	}
	s.active[h.id] = h
	prev := s.last
	s.last = h
	h.playTimer = time.AfterFunc(start.Sub(now), func() { s.emit(h, prev, data) })
	h.finishTimer = time.AfterFunc(start.Add(duration).Sub(now), func() { s.finish(h) })
	s.mu.Unlock()

	return h, nil
}

func (s *Scheduler) emit(h, prev *Handle, data []byte) {
	if prev != nil {
		// The predecessor's done channel closes when it finishes or is
		// stopped, and a frame never starts before its predecessor ends.
		<-prev.done
	}
	s.mu.Lock()
	if h.stopped || s.closed {
		s.mu.Unlock()
		return
	}
	out := s.out
	s.mu.Unlock()

	if out == nil {
		return
	}
	if err := out.Play(data); err != nil {
		s.logger.Warn("playback output write failed", "handle_id", h.id, "error", err)
	}
}

func (s *Scheduler) finish(h *Handle) {
	s.mu.Lock()
	if !h.stopped {
		delete(s.active, h.id)
	}
	s.mu.Unlock()
	h.markDone()
}

// Interrupt stops every scheduled or playing segment immediately, clears
// the active set, and zeroes the cursor so the next Schedule call starts
// from "now" rather than from wherever the interrupted stream left off.
func (s *Scheduler) Interrupt() {
	if s == nil {
		return
	}
	s.mu.Lock()
	stopped := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		h.stopped = true
		if h.playTimer != nil {
			h.playTimer.Stop()
		}
		if h.finishTimer != nil {
			h.finishTimer.Stop()
		}
		stopped = append(stopped, h)
	}
	s.active = make(map[string]*Handle)
	s.cursor = time.Time{}
	s.last = nil
	out := s.out
	s.mu.Unlock()

	for _, h := range stopped {
		h.markDone()
	}
	if out != nil {
		if err := out.Reset(); err != nil {
			s.logger.Warn("playback output reset failed", "error", err)
		}
	}
}

// ActiveCount returns the number of segments currently scheduled or playing.
func (s *Scheduler) ActiveCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close interrupts all playback and rejects further scheduling. It does not
// close the underlying output; the owner of the output does that.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.Interrupt()
}
