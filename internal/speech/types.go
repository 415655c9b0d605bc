// Package speech holds the value types shared by the speech device wrappers,
// the device hosts that drive a real recognizer/synthesizer, and the turn
// coordinator.
package speech

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is returned when a recognition session is started while
	// another one is still running.
	ErrAlreadyActive = errors.New("recognition session already active")
	// ErrPermissionDenied is returned when microphone access is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrUnsupported means the device host cannot recognize speech at all.
	ErrUnsupported = errors.New("speech recognition not supported")
	// ErrClosed is returned by devices after their host went away.
	ErrClosed = errors.New("speech device closed")
)

// ErrorKind classifies recognition failures.
type ErrorKind string

const (
	NoSpeech     ErrorKind = "no-speech"
	AudioCapture ErrorKind = "audio-capture"
	NotAllowed   ErrorKind = "not-allowed"
	Aborted      ErrorKind = "aborted"
	Other        ErrorKind = "other"
)

// KindFromCode maps a platform recognition error code to an ErrorKind.
func KindFromCode(code string) ErrorKind {
	switch code {
	case "no-speech":
		return NoSpeech
	case "audio-capture":
		return AudioCapture
	case "not-allowed", "service-not-allowed":
		return NotAllowed
	case "aborted":
		return Aborted
	default:
		return Other
	}
}

// RecognitionError reports a failed recognition session.
type RecognitionError struct {
	Kind ErrorKind
	Code string // raw platform code, may be empty
}

func (e *RecognitionError) Error() string {
	if e.Code != "" && e.Code != string(e.Kind) {
		return fmt.Sprintf("recognition error: %s (%s)", e.Kind, e.Code)
	}
	return fmt.Sprintf("recognition error: %s", e.Kind)
}

// InputEventType enumerates what a voice input source reports.
type InputEventType int

const (
	Transcript InputEventType = iota
	RecognitionFailed
	SessionEnded
)

func (t InputEventType) String() string {
	switch t {
	case Transcript:
		return "transcript"
	case RecognitionFailed:
		return "error"
	case SessionEnded:
		return "session-ended"
	}
	return "unknown"
}

// InputEvent is delivered by a voice input source in platform order.
type InputEvent struct {
	Type InputEventType
	Text string            // Transcript only
	Err  *RecognitionError // RecognitionFailed only
}

// SpeechEnded reports that the latest utterance finished playing. Err is set
// when synthesis failed; the utterance is over either way.
type SpeechEnded struct {
	ID   uint64
	Text string
	Err  error
}

// Source tells who produced an utterance.
type Source string

const (
	FromUser      Source = "user"
	FromAssistant Source = "assistant"
)

// Utterance is a unit of recognized or synthesized speech.
type Utterance struct {
	Text   string
	Source Source
}

// Voice is one entry of the synthesizer's voice list.
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default,omitempty"`
}

// SpeakRequest is what a sink hands to its synthesizer driver.
type SpeakRequest struct {
	ID     uint64
	Text   string
	Voice  string
	Lang   string
	Rate   float64
	Pitch  float64
	Volume float64
}

// RecognizerSettings configures a platform recognizer before each start.
type RecognizerSettings struct {
	Lang       string
	Continuous bool
	Interim    bool
}

// RecognizerEventType enumerates raw platform recognition callbacks.
type RecognizerEventType int

const (
	RecognizerResult RecognizerEventType = iota
	RecognizerError
	RecognizerEnd
)

// RecognizerEvent is a raw platform callback (onresult, onerror, onend).
type RecognizerEvent struct {
	Type  RecognizerEventType
	Text  string
	Final bool
	Code  string
}

// Recognizer is a platform speech recognizer driven by a device host.
type Recognizer interface {
	// Start arms one recognition session. It returns once the platform
	// accepted or rejected the start.
	Start(ctx context.Context, s RecognizerSettings) error
	// Stop asks the platform to end the session; the end arrives as an event.
	Stop()
	Events() <-chan RecognizerEvent
}

// Microphone grants or refuses capture access.
type Microphone interface {
	RequestAccess(ctx context.Context) error
}

// SynthEventType enumerates raw platform synthesis callbacks.
type SynthEventType int

const (
	SynthEnd SynthEventType = iota
	SynthError
)

// SynthEvent is a raw platform callback for one utterance.
type SynthEvent struct {
	Type SynthEventType
	ID   uint64
	Code string
}

// Synthesizer is a platform speech synthesizer driven by a device host.
type Synthesizer interface {
	// Voices returns the currently known voice list, possibly empty.
	Voices() []Voice
	// VoicesChanged returns a channel closed on the next voice list change.
	VoicesChanged() <-chan struct{}
	Speak(req SpeakRequest) error
	Cancel()
	Events() <-chan SynthEvent
}
