// Package gemini adapts the Gemini Live API to the channel interface so the
// session controller can talk to Gemini and to a gateway interchangeably.
package gemini

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/vox-go/vox-lite/pkg/core"
	"github.com/vox-go/vox-lite/pkg/live/channel"
	"github.com/vox-go/vox-lite/pkg/live/pcm"
	"github.com/vox-go/vox-lite/pkg/live/transcript"
)

// Dialer opens live sessions directly against the Gemini API.
type Dialer struct {
	// Client is an optional preconfigured genai client. When nil, one is
	// built from APIKey at dial time.
	Client *genai.Client
	// APIKey authenticates against the Gemini API when Client is nil.
	APIKey string
	Logger *slog.Logger
}

// Dial connects a live session and returns it once the server has accepted
// the setup.
func (d *Dialer) Dial(ctx context.Context, setup channel.Setup) (channel.Channel, error) {
	if d == nil {
		return nil, core.NewInvalidRequestError("gemini dialer must not be nil")
	}
	if strings.TrimSpace(setup.Model) == "" {
		return nil, core.NewInvalidRequestError("model must not be empty")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := d.Client
	if client == nil {
		if strings.TrimSpace(d.APIKey) == "" {
			return nil, core.NewInvalidRequestError("either Client or APIKey must be set")
		}
		var err error
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  strings.TrimSpace(d.APIKey),
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, core.NewSessionStartError("create gemini client", err)
		}
	}

	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if voice := strings.TrimSpace(setup.Voice); voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if prompt := strings.TrimSpace(setup.SystemPrompt); prompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: prompt}},
		}
	}

	session, err := client.Live.Connect(ctx, strings.TrimSpace(setup.Model), cfg)
	if err != nil {
		return nil, core.NewSessionStartError("connect gemini live session", err)
	}

	gc := &geminiChannel{
		session: session,
		logger:  logger,
		inbound: make(chan channel.Inbound, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go gc.readLoop()
	return gc, nil
}

type geminiChannel struct {
	session *genai.Session
	logger  *slog.Logger

	inbound chan channel.Inbound
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

func (c *geminiChannel) SendAudio(payload, mimeType string) error {
	if c == nil {
		return core.NewInvalidRequestError("channel must not be nil")
	}
	if c.closed.Load() {
		return core.NewTransportClosedError("channel is closed")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return core.NewMalformedAudioError("audio payload is not valid base64")
	}
	if mimeType == "" {
		mimeType = "audio/pcm;rate=16000"
	}
	if err := c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: raw, MIMEType: mimeType},
	}); err != nil {
		return core.NewTransportError("send audio frame", err)
	}
	return nil
}

func (c *geminiChannel) Recv() <-chan channel.Inbound {
	if c == nil {
		return nil
	}
	return c.inbound
}

func (c *geminiChannel) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		_ = c.session.Close()
	})
	<-c.done
	return nil
}

func (c *geminiChannel) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *geminiChannel) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *geminiChannel) emit(msg channel.Inbound) bool {
	select {
	case c.inbound <- msg:
		return true
	case <-c.stop:
		return false
	}
}

func (c *geminiChannel) readLoop() {
	defer close(c.done)
	defer close(c.inbound)

	// Terminal messages must reach the consumer even when the buffer is
	// full; they are the last thing sent before Recv closes.
	terminal := func(msg channel.Inbound) {
		select {
		case c.inbound <- msg:
		case <-c.stop:
		}
	}

	for {
		msg, err := c.session.Receive()
		if err != nil {
			if c.closed.Load() {
				terminal(channel.Closed{Reason: "session closed"})
				return
			}
			transportErr := core.NewTransportError("receive live message", err)
			c.setErr(transportErr)
			terminal(channel.Failed{Err: transportErr})
			return
		}
		if msg == nil || msg.ServerContent == nil {
			continue
		}
		content := msg.ServerContent

		if content.Interrupted {
			if !c.emit(channel.Interrupted{}) {
				return
			}
		}
		if content.InputTranscription != nil && content.InputTranscription.Text != "" {
			if !c.emit(channel.TranscriptDelta{Speaker: transcript.SpeakerUser, Text: content.InputTranscription.Text}) {
				return
			}
		}
		if content.OutputTranscription != nil && content.OutputTranscription.Text != "" {
			if !c.emit(channel.TranscriptDelta{Speaker: transcript.SpeakerModel, Text: content.OutputTranscription.Text}) {
				return
			}
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !c.emit(channel.AudioChunk{PCM: part.InlineData.Data, SampleRateHz: pcm.PlaybackSampleRateHz}) {
					return
				}
			}
		}
		if content.TurnComplete {
			if !c.emit(channel.TurnComplete{}) {
				return
			}
		}
	}
}
