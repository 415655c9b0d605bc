package agent

import (
	"context"

	"github.com/chadiek/shifra/internal/command"
	"github.com/chadiek/shifra/internal/speech"
)

// VoiceInput is a recognition source. At most one session runs at a time;
// every session end is reported on Events.
type VoiceInput interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan speech.InputEvent
}

// VoiceOutput speaks one utterance at a time. Speak supersedes the previous
// utterance and returns the id its SpeechEnded will carry.
type VoiceOutput interface {
	Speak(text string) uint64
	Cancel()
	Events() <-chan speech.SpeechEnded
}

// Responder produces a reply for a delegated transcript.
type Responder interface {
	Ask(ctx context.Context, transcript string) (string, error)
}

// Interpreter classifies a transcript into a built-in action.
type Interpreter interface {
	Interpret(text string) command.Action
}

// Opener opens a URL on the device host.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Devices bundles what a coordinator drives. Opener may be nil.
type Devices struct {
	Input       VoiceInput
	Output      VoiceOutput
	Responder   Responder
	Interpreter Interpreter
	Opener      Opener
}
