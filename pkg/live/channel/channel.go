// Package channel defines the opaque bidirectional message link the session
// controller speaks to the remote conversational model, and concrete
// adapters for it.
package channel

import (
	"context"

	"github.com/vox-go/vox-lite/pkg/live/transcript"
)

// Setup is the static session configuration passed once at connect time.
type Setup struct {
	// Model identifies the remote conversational model.
	Model string
	// Voice names the synthesized voice for audio output.
	Voice string
	// SystemPrompt optionally seeds the model's instructions.
	SystemPrompt string
}

// Inbound is one demultiplexed message from the remote party. Messages are
// delivered in strict arrival order.
type Inbound interface {
	inboundKind() string
}

// AudioChunk carries wire-decoded synthesized audio ready for
// reconstruction at the playback rate.
type AudioChunk struct {
	PCM          []byte
	SampleRateHz int
}

func (AudioChunk) inboundKind() string { return "audio_chunk" }

// Interrupted signals that currently-playing audio must stop immediately
// because the user began speaking over it.
type Interrupted struct{}

func (Interrupted) inboundKind() string { return "interrupted" }

// TranscriptDelta is a partial-text fragment for one speaker.
type TranscriptDelta struct {
	Speaker transcript.Speaker
	Text    string
}

func (TranscriptDelta) inboundKind() string { return "transcript_delta" }

// TurnComplete marks the end of one conversational turn.
type TurnComplete struct{}

func (TurnComplete) inboundKind() string { return "turn_complete" }

// Closed reports a graceful end of the channel. It is the last message
// before Recv closes.
type Closed struct {
	Reason string
}

func (Closed) inboundKind() string { return "closed" }

// Failed reports an unexpected transport failure. It is the last message
// before Recv closes.
type Failed struct {
	Err error
}

func (Failed) inboundKind() string { return "failed" }

// Channel is an open full-duplex link. Implementations must deliver inbound
// messages in arrival order and must close the Recv stream after emitting a
// terminal Closed or Failed message.
type Channel interface {
	// SendAudio forwards one wire-encoded capture frame tagged with its
	// codec descriptor.
	SendAudio(payload, mimeType string) error
	// Recv yields inbound messages until the channel ends.
	Recv() <-chan Inbound
	// Close releases the channel. Safe to call more than once.
	Close() error
	// Err returns the terminal transport error, if any, once Recv closed.
	Err() error
}

// Dialer opens a channel with connect-time session configuration.
type Dialer interface {
	Dial(ctx context.Context, setup Setup) (Channel, error)
}
