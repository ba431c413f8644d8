// Package session ties capture, playback, transcripts, and the remote
// channel together under one lifecycle with idempotent teardown.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vox-go/vox-lite/pkg/core"
	"github.com/vox-go/vox-lite/pkg/live/capture"
	"github.com/vox-go/vox-lite/pkg/live/channel"
	"github.com/vox-go/vox-lite/pkg/live/pcm"
	"github.com/vox-go/vox-lite/pkg/live/playback"
	"github.com/vox-go/vox-lite/pkg/live/protocol"
	"github.com/vox-go/vox-lite/pkg/live/transcript"
)

// Config carries the per-session model settings.
type Config struct {
	Model        string
	Voice        string
	SystemPrompt string
}

// Deps are the controller's collaborators. Dialer, Device, and Output are
// required; Logger and Now default to slog.Default and time.Now.
type Deps struct {
	Dialer channel.Dialer
	Device capture.Device
	Output playback.Output
	Logger *slog.Logger
	Now    func() time.Time
}

// Controller drives one live voice session at a time. Start opens a new
// session, Stop tears the current one down; both converge on a quiescent
// idle state no matter how they interleave with remote events.
type Controller struct {
	cfg    Config
	dialer channel.Dialer
	device capture.Device
	output playback.Output
	logger *slog.Logger
	now    func() time.Time

	events chan Event

	mu       sync.Mutex
	state    State
	ch       channel.Channel
	pipeline *capture.Pipeline
	sched    *playback.Scheduler
	loopDone chan struct{}
	lastErr  error

	agg   transcript.Aggregator
	turns []transcript.Turn
}

// New validates deps and returns an idle controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.Model == "" {
		return nil, core.NewInvalidRequestError("model must not be empty")
	}
	if deps.Dialer == nil {
		return nil, core.NewInvalidRequestError("dialer must not be nil")
	}
	if deps.Device == nil {
		return nil, core.NewInvalidRequestError("capture device must not be nil")
	}
	if deps.Output == nil {
		return nil, core.NewInvalidRequestError("playback output must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		cfg:    cfg,
		dialer: deps.Dialer,
		device: deps.Device,
		output: deps.Output,
		logger: logger,
		now:    now,
		events: make(chan Event, 64),
		state:  StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	if c == nil {
		return StateIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that put the session into StateFailed, if any.
func (c *Controller) Err() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Events returns the session's event stream. Events are dropped rather
// than blocking the session when the consumer falls behind.
func (c *Controller) Events() <-chan Event {
	if c == nil {
		return nil
	}
	return c.events
}

// Turns returns a copy of all completed turns so far, oldest first. The
// history survives Stop and accumulates across sessions on the same
// controller.
func (c *Controller) Turns() []transcript.Turn {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transcript.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Start opens a new session. An already-running session is stopped first.
// Dial failures leave the controller in StateFailed with a
// session_start_failed error; a microphone that cannot be opened yields a
// device_unavailable error and closes the channel again.
func (c *Controller) Start(ctx context.Context) error {
	if c == nil {
		return core.NewInvalidRequestError("controller must not be nil")
	}
	if c.State() != StateIdle {
		c.Stop()
	}

	c.mu.Lock()
	c.setStateLocked(StateConnecting)
	c.lastErr = nil
	setup := channel.Setup{
		Model:        c.cfg.Model,
		Voice:        c.cfg.Voice,
		SystemPrompt: c.cfg.SystemPrompt,
	}
	c.mu.Unlock()

	ch, err := c.dialer.Dial(ctx, setup)
	if err != nil {
		if !core.IsType(err, core.ErrSessionStart) {
			err = core.NewSessionStartError("open live channel", err)
		}
		c.fail(err)
		return err
	}

	sched := playback.NewScheduler(playback.Config{
		Output: c.output,
		Logger: c.logger,
		Now:    c.now,
	})
	pipeline := capture.NewPipeline(capture.Config{
		Device: c.device,
		Logger: c.logger,
	})
	sink := func(payload string) {
		if sendErr := ch.SendAudio(payload, protocol.MIMEPCMCapture); sendErr != nil {
			c.logger.Warn("dropping capture frame", "error", sendErr)
		}
	}
	if err := pipeline.Start(ctx, sink); err != nil {
		_ = ch.Close()
		sched.Close()
		c.fail(err)
		return err
	}

	loopDone := make(chan struct{})
	c.mu.Lock()
	if c.state != StateConnecting {
		// Stop ran while we were dialing; do not resurrect the session.
		c.mu.Unlock()
		pipeline.Stop()
		sched.Close()
		_ = ch.Close()
		return core.NewSessionStartError("session stopped while connecting", nil)
	}
	c.ch = ch
	c.pipeline = pipeline
	c.sched = sched
	c.loopDone = loopDone
	c.agg.Reset()
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	go c.run(ch, sched, loopDone)
	c.logger.Info("live session open", "model", c.cfg.Model)
	return nil
}

// Stop tears the session down and blocks until capture, playback, and the
// channel loop have all quiesced. Calling it in any state is safe; from
// StateFailed it just resets to idle.
func (c *Controller) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateClosing:
		c.mu.Unlock()
		return
	case StateFailed:
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosing)
	ch, pipeline, sched, loopDone := c.ch, c.pipeline, c.sched, c.loopDone
	c.ch, c.pipeline, c.sched, c.loopDone = nil, nil, nil, nil
	c.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if sched != nil {
		sched.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if loopDone != nil {
		<-loopDone
	}

	c.mu.Lock()
	c.agg.Reset()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
	c.logger.Info("live session stopped")
}

func (c *Controller) run(ch channel.Channel, sched *playback.Scheduler, done chan struct{}) {
	defer close(done)
	for msg := range ch.Recv() {
		c.handle(msg, sched)
	}
	// A terminal Closed or Failed message normally drives teardown. If the
	// stream closed without one, tear down anyway rather than holding the
	// microphone in a dead session.
	if c.State() == StateOpen {
		c.remoteTeardown(ch.Err())
	}
}

// handle dispatches one inbound message. Everything but the terminal
// messages is discarded once teardown has begun.
func (c *Controller) handle(msg channel.Inbound, sched *playback.Scheduler) {
	switch m := msg.(type) {
	case channel.AudioChunk:
		if c.State() != StateOpen {
			return
		}
		frame, err := pcm.Reconstruct(m.PCM, m.SampleRateHz, 1)
		if err != nil {
			c.logger.Warn("dropping malformed audio chunk", "error", err)
			return
		}
		if _, err := sched.Schedule(frame); err != nil {
			c.logger.Warn("dropping unschedulable audio chunk", "error", err)
		}
	case channel.Interrupted:
		if c.State() != StateOpen {
			return
		}
		sched.Interrupt()
		c.logger.Debug("playback interrupted by user speech")
	case channel.TranscriptDelta:
		if c.State() != StateOpen {
			return
		}
		c.agg.Append(m.Speaker, m.Text)
	case channel.TurnComplete:
		c.mu.Lock()
		if c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		turn, ok := c.agg.Flush()
		if ok {
			c.turns = append(c.turns, turn)
		}
		c.mu.Unlock()
		if ok {
			c.emit(TurnCompleted{Turn: turn})
		}
	case channel.Closed:
		c.remoteTeardown(nil)
	case channel.Failed:
		c.remoteTeardown(m.Err)
	}
}

// remoteTeardown handles the channel ending on its own. If a local Stop is
// already in flight it does nothing; the Stop path owns the resources.
func (c *Controller) remoteTeardown(cause error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosing)
	ch, pipeline, sched := c.ch, c.pipeline, c.sched
	c.ch, c.pipeline, c.sched, c.loopDone = nil, nil, nil, nil
	c.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if sched != nil {
		sched.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}

	c.mu.Lock()
	c.agg.Reset()
	if cause != nil {
		c.lastErr = cause
		c.setStateLocked(StateFailed)
	} else {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	if cause != nil {
		c.emit(ErrorEvent{Err: cause})
		c.logger.Error("live session failed", "error", cause)
	} else {
		c.logger.Info("live session closed by remote")
	}
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
	c.emit(ErrorEvent{Err: err})
}

func (c *Controller) setStateLocked(next State) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.emit(StateChanged{From: prev, To: next})
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("dropping session event", "event", ev.sessionEvent())
	}
}
