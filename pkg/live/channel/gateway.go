package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vox-go/vox-lite/pkg/core"
	"github.com/vox-go/vox-lite/pkg/live/pcm"
	"github.com/vox-go/vox-lite/pkg/live/protocol"
	"github.com/vox-go/vox-lite/pkg/live/transcript"
)

const defaultDialTimeout = 15 * time.Second

// GatewayDialer opens websocket channels against a live gateway speaking
// the JSON protocol of package protocol.
type GatewayDialer struct {
	// URL is the gateway endpoint; http(s) schemes are rewritten to ws(s).
	URL string
	// APIKey, when set, is sent as a bearer token on the dial request.
	APIKey string
	// DialTimeout bounds connect plus setup acknowledgement. Defaults to
	// 15 seconds when the context carries no deadline.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Dial connects, sends the setup message, and waits for the gateway to
// acknowledge it before handing the channel over.
func (d *GatewayDialer) Dial(ctx context.Context, setup Setup) (Channel, error) {
	if d == nil {
		return nil, core.NewInvalidRequestError("gateway dialer must not be nil")
	}
	if strings.TrimSpace(setup.Model) == "" {
		return nil, core.NewInvalidRequestError("model must not be empty")
	}
	wsURL, err := websocketEndpoint(d.URL)
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	headers := make(http.Header)
	if strings.TrimSpace(d.APIKey) != "" {
		headers.Set("Authorization", "Bearer "+strings.TrimSpace(d.APIKey))
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, core.NewSessionStartError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return nil, core.NewSessionStartError("websocket dial failed", err)
	}

	hello := protocol.ClientSetup{Setup: protocol.SetupConfig{
		Model:               strings.TrimSpace(setup.Model),
		ResponseModalities:  []string{"AUDIO"},
		Voice:               strings.TrimSpace(setup.Voice),
		InputTranscription:  true,
		OutputTranscription: true,
	}}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, core.NewSessionStartError("send setup", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, core.NewSessionStartError("read setup acknowledgement", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	first, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, core.NewSessionStartError("decode setup acknowledgement", err)
	}
	switch {
	case first.SetupComplete != nil:
	case first.Error != nil:
		_ = conn.Close()
		return nil, core.NewSessionStartError(strings.TrimSpace(first.Error.Message), nil)
	default:
		_ = conn.Close()
		return nil, core.NewSessionStartError("unexpected first frame before setup acknowledgement", nil)
	}

	gc := &gatewayChannel{
		conn:    conn,
		logger:  logger,
		inbound: make(chan Inbound, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go gc.readLoop()
	return gc, nil
}

type gatewayChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	inbound chan Inbound
	// stop is closed when Close is called; done is closed when the read
	// loop has exited.
	stop chan struct{}
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

func (c *gatewayChannel) SendAudio(payload, mimeType string) error {
	if c == nil {
		return core.NewInvalidRequestError("channel must not be nil")
	}
	if c.closed.Load() {
		return core.NewTransportClosedError("channel is closed")
	}
	frame := protocol.EncodeClientMedia(payload, mimeType)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		return core.NewTransportError("send audio frame", err)
	}
	return nil
}

func (c *gatewayChannel) Recv() <-chan Inbound {
	if c == nil {
		return nil
	}
	return c.inbound
}

func (c *gatewayChannel) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *gatewayChannel) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *gatewayChannel) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// emit delivers in order, blocking until the consumer takes the message or
// Close is called. Dropping frames here would tear holes in the audio
// stream.
func (c *gatewayChannel) emit(msg Inbound) bool {
	select {
	case c.inbound <- msg:
		return true
	case <-c.stop:
		return false
	}
}

func (c *gatewayChannel) readLoop() {
	defer close(c.done)
	defer close(c.inbound)

	terminal := func(msg Inbound) {
		// The terminal message must be the last thing the consumer sees
		// before Recv closes, even when the buffer is full; block until it
		// is taken or the channel owner gives up via Close.
		select {
		case c.inbound <- msg:
		case <-c.stop:
		}
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				terminal(Closed{Reason: "remote closed"})
				return
			}
			transportErr := core.NewTransportError("read channel frame", err)
			c.setErr(transportErr)
			terminal(Failed{Err: transportErr})
			return
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.logger.Warn("dropping undecodable inbound frame", "error", err)
			continue
		}

		switch {
		case msg.SetupComplete != nil:
			// Already acknowledged during dial; ignore repeats.
		case msg.Audio != nil:
			raw, decErr := pcm.DecodeInbound(msg.Audio.Data)
			if decErr != nil {
				c.logger.Warn("dropping malformed inbound audio frame", "error", decErr)
				continue
			}
			if !c.emit(AudioChunk{PCM: raw, SampleRateHz: pcm.PlaybackSampleRateHz}) {
				return
			}
		case msg.Interrupted:
			if !c.emit(Interrupted{}) {
				return
			}
		case msg.Transcript != nil:
			if !c.emit(TranscriptDelta{Speaker: transcript.Speaker(msg.Transcript.Speaker), Text: msg.Transcript.Text}) {
				return
			}
		case msg.TurnComplete:
			if !c.emit(TurnComplete{}) {
				return
			}
		case msg.Error != nil:
			transportErr := core.NewTransportError(strings.TrimSpace(msg.Error.Message), nil)
			transportErr.Code = strings.TrimSpace(msg.Error.Code)
			c.setErr(transportErr)
			terminal(Failed{Err: transportErr})
			return
		case msg.Close != nil:
			terminal(Closed{Reason: strings.TrimSpace(msg.Close.Reason)})
			return
		default:
			c.logger.Debug("ignoring empty inbound frame")
		}
	}
}

func websocketEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", core.NewInvalidRequestError("gateway URL must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", core.NewInvalidRequestError("invalid gateway URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewInvalidRequestError("gateway URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}
