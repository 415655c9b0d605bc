package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNotIdle rejects Begin while a turn is in progress.
	ErrNotIdle = errors.New("coordinator is not idle")
	// ErrRestartsExhausted is surfaced when recognition keeps ending without
	// a transcript.
	ErrRestartsExhausted = errors.New("recognition restart attempts exhausted")
	// ErrClosed is returned by calls made after the loop stopped.
	ErrClosed = errors.New("coordinator closed")
)

// Phase of the turn-taking state machine.
type Phase int

const (
	Idle Phase = iota
	Prompting
	Listening
	Processing
	Speaking
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Prompting:
		return "prompting"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for q := Idle; q <= Speaking; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Status lines shown by the presentation layer.
const (
	StatusListening   = "Listening..."
	StatusNoResponse  = "No response from backend."
	StatusMicDenied   = "Mic access denied or error"
	StatusMicError    = "Mic error: "
	StatusMicStuck    = "Mic stopped responding. Tap to try again."
	StatusUnsupported = "Speech Recognition API not supported in this browser."
)

// State is a snapshot of the coordinator as seen by the presentation layer.
type State struct {
	Phase           Phase  `json:"phase"`
	LastTranscript  string `json:"lastTranscript"`
	HasPendingReply bool   `json:"hasPendingReply"`
	MicActive       bool   `json:"micActive"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	Err             error  `json:"-"`
}
