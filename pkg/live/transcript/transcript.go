// Package transcript accumulates incremental speech-to-text fragments into
// completed conversational turns.
package transcript

import (
	"strings"
	"sync"
)

// Speaker identifies which side of the conversation a fragment belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Turn is one completed exchange unit. Immutable once created.
type Turn struct {
	User  string
	Model string
}

// Aggregator holds the open turn's per-speaker buffers. It has no network
// or audio dependency and is safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	user  strings.Builder
	model strings.Builder
}

// Append concatenates a partial-text fragment onto the speaker's buffer.
// Fragments for unknown speakers are ignored.
func (a *Aggregator) Append(speaker Speaker, fragment string) {
	if a == nil || fragment == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch speaker {
	case SpeakerUser:
		a.user.WriteString(fragment)
	case SpeakerModel:
		a.model.WriteString(fragment)
	}
}

// Flush returns the open turn and clears both buffers. It reports false
// when both buffers are empty, in which case no turn is emitted.
func (a *Aggregator) Flush() (Turn, bool) {
	if a == nil {
		return Turn{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user.Len() == 0 && a.model.Len() == 0 {
		return Turn{}, false
	}
	turn := Turn{User: a.user.String(), Model: a.model.String()}
	a.user.Reset()
	a.model.Reset()
	return turn, true
}

// Reset discards any buffered fragments without emitting a turn.
func (a *Aggregator) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
}
