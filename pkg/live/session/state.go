package session

import "github.com/vox-go/vox-lite/pkg/live/transcript"

// State is the lifecycle phase of a live session.
type State int

const (
	// StateIdle means no session resources are held.
	StateIdle State = iota
	// StateConnecting means the remote channel is being opened.
	StateConnecting
	// StateOpen means audio is flowing both ways.
	StateOpen
	// StateClosing means teardown has begun and late messages are
	// discarded.
	StateClosing
	// StateFailed means the session ended on an error; Stop resets it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a notification published on the controller's event stream.
type Event interface {
	sessionEvent() string
}

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	From State
	To   State
}

func (StateChanged) sessionEvent() string { return "state_changed" }

// TurnCompleted carries one finished conversational turn.
type TurnCompleted struct {
	Turn transcript.Turn
}

func (TurnCompleted) sessionEvent() string { return "turn_completed" }

// ErrorEvent reports a mid-session failure that ended the session.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) sessionEvent() string { return "error" }
