// Package console provides in-process speech devices for running the
// assistant in a terminal: typed lines stand in for recognized speech and
// synthesized speech is shown as text.
package console

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/shifra/internal/speech"
)

var errInvalidState = errors.New("InvalidStateError: recognition already started")

// Display receives what the devices would otherwise play or open. Every
// callback is optional. Callbacks run with the device lock held and must not
// call back into the devices.
type Display struct {
	OnSpeak     func(text string)
	OnOpen      func(url string)
	OnListening func(active bool)
}

// Options tune console timing.
type Options struct {
	// WordDuration is how long each spoken word "plays".
	WordDuration time.Duration
	// Silence ends a recognition session after this long without input,
	// the way mobile browsers drop idle sessions. Zero keeps sessions open
	// until stopped.
	Silence time.Duration
}

// Devices implements the recognizer, microphone, synthesizer and opener
// drivers over a terminal.
type Devices struct {
	opts    Options
	display Display

	recEvents   chan speech.RecognizerEvent
	synthEvents chan speech.SynthEvent
	voices      []speech.Voice
	never       chan struct{}

	mu         sync.Mutex
	listening  bool
	continuous bool
	silence    *time.Timer
	playing    *time.Timer
	playingID  uint64
	closed     bool
}

func New(opts Options, display Display) *Devices {
	if opts.WordDuration <= 0 {
		opts.WordDuration = 80 * time.Millisecond
	}
	return &Devices{
		opts:        opts,
		display:     display,
		recEvents:   make(chan speech.RecognizerEvent, 16),
		synthEvents: make(chan speech.SynthEvent, 16),
		voices:      []speech.Voice{{Name: "Console", Lang: "en-IN", Default: true}},
		never:       make(chan struct{}),
	}
}

// Type feeds one typed line as a final recognition result. It reports false
// when no recognition session is listening.
func (d *Devices) Type(line string) bool {
	line = strings.TrimSpace(line)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.listening || d.closed || line == "" {
		return false
	}
	d.recEvents <- speech.RecognizerEvent{Type: speech.RecognizerResult, Text: line, Final: true}
	if !d.continuous {
		d.endLocked()
	} else {
		d.armSilenceLocked()
	}
	return true
}

// Listening reports whether a recognition session is active.
func (d *Devices) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listening
}

func (d *Devices) Start(_ context.Context, s speech.RecognizerSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return speech.ErrClosed
	}
	if d.listening {
		return errInvalidState
	}
	d.listening = true
	d.continuous = s.Continuous
	d.armSilenceLocked()
	d.notifyListening(true)
	return nil
}

func (d *Devices) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listening {
		d.endLocked()
	}
}

func (d *Devices) Events() <-chan speech.RecognizerEvent { return d.recEvents }

// RequestAccess always succeeds: the keyboard is the microphone.
func (d *Devices) RequestAccess(context.Context) error { return nil }

func (d *Devices) Voices() []speech.Voice { return d.voices }

// VoicesChanged never fires; the voice list is fixed.
func (d *Devices) VoicesChanged() <-chan struct{} { return d.never }

func (d *Devices) Speak(req speech.SpeakRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return speech.ErrClosed
	}
	if d.playing != nil {
		d.playing.Stop()
	}
	if d.display.OnSpeak != nil {
		d.display.OnSpeak(req.Text)
	}
	words := len(strings.Fields(req.Text))
	if words == 0 {
		words = 1
	}
	id := req.ID
	d.playingID = id
	d.playing = time.AfterFunc(time.Duration(words)*d.opts.WordDuration, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed || d.playingID != id || d.playing == nil {
			return
		}
		d.playing = nil
		d.synthEvents <- speech.SynthEvent{Type: speech.SynthEnd, ID: id}
	})
	return nil
}

func (d *Devices) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playing != nil {
		d.playing.Stop()
		d.playing = nil
	}
}

func (d *Devices) Open(_ context.Context, url string) error {
	if d.display.OnOpen != nil {
		d.display.OnOpen(url)
	}
	return nil
}

// Close stops timers and refuses further starts.
func (d *Devices) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.silence != nil {
		d.silence.Stop()
	}
	if d.playing != nil {
		d.playing.Stop()
	}
}

// Synthesizer exposes the devices through the speech.Synthesizer interface;
// Events on Devices itself is the recognizer stream.
func (d *Devices) Synthesizer() speech.Synthesizer { return synth{d} }

type synth struct{ *Devices }

func (s synth) Events() <-chan speech.SynthEvent { return s.synthEvents }

func (d *Devices) endLocked() {
	d.listening = false
	if d.silence != nil {
		d.silence.Stop()
		d.silence = nil
	}
	d.recEvents <- speech.RecognizerEvent{Type: speech.RecognizerEnd}
	d.notifyListening(false)
}

func (d *Devices) armSilenceLocked() {
	if d.opts.Silence <= 0 {
		return
	}
	if d.silence != nil {
		d.silence.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.opts.Silence, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.silence != t || !d.listening {
			return
		}
		d.endLocked()
	})
	d.silence = t
}

func (d *Devices) notifyListening(active bool) {
	if d.display.OnListening != nil {
		d.display.OnListening(active)
	}
}
