// Package bridge drives a browser page's speech devices over a WebSocket.
// The page runs the platform recognizer and synthesizer; the server runs
// the turn coordinator and talks to the page with small JSON frames.
package bridge

import (
	"github.com/chadiek/shifra/internal/agent"
	"github.com/chadiek/shifra/internal/speech"
)

// Frame types sent to the page.
const (
	TypeRecStart   = "rec.start"
	TypeRecStop    = "rec.stop"
	TypeMicRequest = "mic.request"
	TypeSpeak      = "tts.speak"
	TypeCancel     = "tts.cancel"
	TypeOpen       = "open"
	TypeState      = "state"
	TypeError      = "error"
)

// Frame types sent by the page.
const (
	TypeHello     = "hello"
	TypeBegin     = "begin"
	TypeStop      = "stop"
	TypeAck       = "ack"
	TypeRecResult = "rec.result"
	TypeRecError  = "rec.error"
	TypeRecEnd    = "rec.end"
	TypeVoices    = "voices"
	TypeSpeakEnd  = "tts.end"
	TypeSpeakErr  = "tts.error"
	TypeBye       = "bye"
)

// Message is the one frame shape used in both directions.
type Message struct {
	Type string `json:"type"`
	ID   uint64 `json:"id,omitempty"`

	// rec.start
	Lang       string `json:"lang,omitempty"`
	Continuous bool   `json:"continuous,omitempty"`
	Interim    bool   `json:"interim,omitempty"`

	// tts.speak, rec.result
	Text   string  `json:"text,omitempty"`
	Final  bool    `json:"final,omitempty"`
	Voice  string  `json:"voice,omitempty"`
	Rate   float64 `json:"rate,omitempty"`
	Pitch  float64 `json:"pitch,omitempty"`
	Volume float64 `json:"volume,omitempty"`

	// open
	URL string `json:"url,omitempty"`

	// ack, rec.error, tts.error, error
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	// hello
	Recognition bool `json:"recognition,omitempty"`
	Synthesis   bool `json:"synthesis,omitempty"`

	// voices
	Voices []speech.Voice `json:"voices,omitempty"`

	// state
	State     *agent.State `json:"state,omitempty"`
	Supported *bool        `json:"supported,omitempty"`
}
