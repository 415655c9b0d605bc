// Package command recognizes the built-in voice commands that are answered
// locally instead of by the chat backend.
package command

import (
	"strings"
	"time"
)

const (
	YouTubeURL   = "https://www.youtube.com/"
	InstagramURL = "https://www.instagram.com/accounts/login/"
)

// Kind is the class of an Action.
type Kind int

const (
	Delegate Kind = iota
	OpenSite
	TellTime
)

func (k Kind) String() string {
	switch k {
	case Delegate:
		return "delegate"
	case OpenSite:
		return "open-site"
	case TellTime:
		return "tell-time"
	}
	return "unknown"
}

// Action is the result of classifying a transcript.
type Action struct {
	Kind  Kind
	URL   string // OpenSite
	Reply string // canned reply; empty for Delegate
	Text  string // Delegate: the transcript to forward
}

// Classify maps a transcript to an Action. Matching is case-insensitive
// substring search, checked as youtube, then time, then instagram. The
// TellTime reply is left empty; Interpreter fills it.
func Classify(text string) Action {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "open youtub"):
		return Action{Kind: OpenSite, URL: YouTubeURL, Reply: "opening youtube"}
	case strings.Contains(lower, "time"), strings.Contains(lower, "samay"):
		return Action{Kind: TellTime}
	case strings.Contains(lower, "open instagram"):
		return Action{Kind: OpenSite, URL: InstagramURL, Reply: "opening instagram"}
	}
	return Action{Kind: Delegate, Text: text}
}

// FormatTime renders t as hour:minute with AM/PM, e.g. "3:04 PM".
func FormatTime(t time.Time) string {
	return t.Format("3:04 PM")
}

// Interpreter classifies transcripts and answers TellTime with the current
// time in Location.
type Interpreter struct {
	Location *time.Location
	Now      func() time.Time
}

// NewInterpreter returns an Interpreter for loc; nil means local time.
func NewInterpreter(loc *time.Location) *Interpreter {
	if loc == nil {
		loc = time.Local
	}
	return &Interpreter{Location: loc, Now: time.Now}
}

func (i *Interpreter) Interpret(text string) Action {
	a := Classify(text)
	if a.Kind == TellTime {
		now := time.Now
		if i.Now != nil {
			now = i.Now
		}
		loc := i.Location
		if loc == nil {
			loc = time.Local
		}
		a.Reply = FormatTime(now().In(loc))
	}
	return a
}
