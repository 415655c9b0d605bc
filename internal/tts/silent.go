package tts

import (
	"sync"

	"github.com/chadiek/shifra/internal/speech"
)

// Silent is a synthesizer for pages that cannot speak. Every request ends
// at once without producing audio, so turns keep moving.
type Silent struct {
	events chan speech.SynthEvent
	done   chan struct{}
	never  chan struct{}
	once   sync.Once
}

// NewSilent returns a ready Silent synthesizer. Close releases it.
func NewSilent() *Silent {
	return &Silent{
		events: make(chan speech.SynthEvent, 8),
		done:   make(chan struct{}),
		never:  make(chan struct{}),
	}
}

func (s *Silent) Voices() []speech.Voice {
	return []speech.Voice{{Name: "silent", Lang: PreferredLang, Default: true}}
}

func (s *Silent) VoicesChanged() <-chan struct{} { return s.never }

// Speak reports the end of req from another goroutine; the caller may hold
// locks the event reader needs.
func (s *Silent) Speak(req speech.SpeakRequest) error {
	go func() {
		select {
		case s.events <- speech.SynthEvent{Type: speech.SynthEnd, ID: req.ID}:
		case <-s.done:
		}
	}()
	return nil
}

func (s *Silent) Cancel() {}

func (s *Silent) Events() <-chan speech.SynthEvent { return s.events }

func (s *Silent) Close() {
	s.once.Do(func() { close(s.done) })
}
