// Package protocol defines the JSON message shapes exchanged with the
// remote conversational model over the live channel. Inbound messages are
// discriminated by which field of the envelope is populated rather than by
// a type tag.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MIMEPCMCapture is the codec descriptor for outbound microphone audio.
	MIMEPCMCapture = "audio/pcm;rate=16000"
	// MIMEPCMPlayback is the codec descriptor for inbound synthesized audio.
	MIMEPCMPlayback = "audio/pcm;rate=24000"

	SpeakerUser  = "user"
	SpeakerModel = "model"
)

// DecodeError describes a frame the peer sent that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Code) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func badFrame(message, code string) *DecodeError {
	return &DecodeError{Code: code, Message: message}
}

// MediaBlob carries one base64-encoded PCM payload and its codec descriptor.
type MediaBlob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// ClientMedia is the outbound realtime-input envelope, sent once per
// captured frame.
type ClientMedia struct {
	Media MediaBlob `json:"media"`
}

// SetupConfig is the static session configuration passed once at connect
// time and never renegotiated mid-session.
type SetupConfig struct {
	Model string `json:"model"`
	// ResponseModalities requests the output modality; live voice sessions
	// ask for ["AUDIO"].
	ResponseModalities []string `json:"responseModalities"`
	// Voice names the synthesized voice.
	Voice string `json:"voice,omitempty"`
	// InputTranscription and OutputTranscription enable speech-to-text for
	// the respective direction.
	InputTranscription  bool `json:"inputTranscription"`
	OutputTranscription bool `json:"outputTranscription"`
}

// ClientSetup is the first message a client sends on a fresh channel.
type ClientSetup struct {
	Setup SetupConfig `json:"setup"`
}

// ServerTranscript is a partial-text fragment tagged by speaker.
type ServerTranscript struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// ServerError reports an unexpected failure on the remote side.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerClose announces that the remote party is ending the channel.
type ServerClose struct {
	Reason string `json:"reason,omitempty"`
}

// ServerMessage is the inbound envelope. Exactly one of its fields is
// expected to be populated per frame; boolean flags count as populated
// when true.
type ServerMessage struct {
	SetupComplete *struct{}         `json:"setupComplete,omitempty"`
	Audio         *MediaBlob        `json:"audio,omitempty"`
	Interrupted   bool              `json:"interrupted,omitempty"`
	Transcript    *ServerTranscript `json:"transcript,omitempty"`
	TurnComplete  bool              `json:"turnComplete,omitempty"`
	Error         *ServerError      `json:"error,omitempty"`
	Close         *ServerClose      `json:"close,omitempty"`
}

// DecodeServerMessage parses one inbound frame.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, badFrame("invalid json frame", "bad_frame")
	}
	if msg.Transcript != nil {
		speaker := strings.ToLower(strings.TrimSpace(msg.Transcript.Speaker))
		if speaker != SpeakerUser && speaker != SpeakerModel {
			return nil, badFrame(fmt.Sprintf("unknown transcript speaker %q", msg.Transcript.Speaker), "bad_speaker")
		}
		msg.Transcript.Speaker = speaker
	}
	if msg.Audio != nil && strings.TrimSpace(msg.Audio.Data) == "" {
		return nil, badFrame("audio frame missing data", "bad_audio")
	}
	return &msg, nil
}

// EncodeClientMedia builds the outbound media envelope for one encoded
// capture frame.
func EncodeClientMedia(payload, mimeType string) ClientMedia {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = MIMEPCMCapture
	}
	return ClientMedia{Media: MediaBlob{Data: payload, MIMEType: mimeType}}
}
