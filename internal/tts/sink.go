package tts

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadiek/shifra/internal/speech"
)

// Sink wraps a platform synthesizer as a voice output sink. Only the latest
// utterance is ever live: Speak supersedes whatever was queued or playing,
// and only the latest utterance reports its end.
type Sink struct {
	syn  speech.Synthesizer
	log  zerolog.Logger
	out  chan speech.SpeechEnded
	done chan struct{}

	// seq orders calls into syn so a cancel is never overtaken by the
	// speak it was meant to silence. It is taken before mu.
	seq sync.Mutex

	mu      sync.Mutex
	current uint64
	text    string
	ended   bool

	closeOnce sync.Once
}

// NewSink starts forwarding synthesizer callbacks. Close releases it.
func NewSink(syn speech.Synthesizer, log zerolog.Logger) *Sink {
	s := &Sink{
		syn:   syn,
		log:   log.With().Str("component", "voice-output").Logger(),
		out:   make(chan speech.SpeechEnded, 8),
		done:  make(chan struct{}),
		ended: true,
	}
	go s.pump()
	return s
}

// Events delivers one SpeechEnded per completed latest utterance.
func (s *Sink) Events() <-chan speech.SpeechEnded { return s.out }

// Speak cancels any current utterance and queues text. Voice resolution runs
// in the background; the returned id tags the eventual SpeechEnded.
func (s *Sink) Speak(text string) uint64 {
	s.seq.Lock()
	defer s.seq.Unlock()
	s.mu.Lock()
	s.current++
	id := s.current
	s.text = text
	s.ended = false
	s.mu.Unlock()

	s.syn.Cancel()
	go s.play(id, text)
	return id
}

// Cancel silences output. The cancelled utterance produces no end event.
func (s *Sink) Cancel() {
	s.seq.Lock()
	defer s.seq.Unlock()
	s.mu.Lock()
	s.current++
	s.ended = true
	s.mu.Unlock()

	s.syn.Cancel()
}

// Close stops voice resolution and event delivery.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Sink) play(id uint64, text string) {
	voice, ok := s.resolveVoice()
	if !ok {
		return
	}

	s.seq.Lock()
	defer s.seq.Unlock()
	s.mu.Lock()
	live := id == s.current
	s.mu.Unlock()
	if !live {
		s.log.Debug().Uint64("utterance", id).Msg("superseded before playback")
		return
	}
	err := s.syn.Speak(speech.SpeakRequest{
		ID:     id,
		Text:   text,
		Voice:  voice.Name,
		Lang:   voice.Lang,
		Rate:   1,
		Pitch:  1,
		Volume: 1,
	})
	if err == nil {
		return
	}
	s.log.Warn().Err(err).Uint64("utterance", id).Msg("speak failed")
	s.mu.Lock()
	end, failed := s.finishLocked(id, fmt.Errorf("speak: %w", err))
	s.mu.Unlock()
	if failed {
		s.emit(end)
	}
}

// resolveVoice waits, without a deadline, until the synthesizer knows at
// least one voice. It returns false only when the sink is closed.
func (s *Sink) resolveVoice() (speech.Voice, bool) {
	for {
		changed := s.syn.VoicesChanged()
		if v, ok := SelectVoice(s.syn.Voices()); ok {
			return v, true
		}
		select {
		case <-changed:
		case <-s.done:
			return speech.Voice{}, false
		}
	}
}

func (s *Sink) pump() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.syn.Events():
			if !ok {
				return
			}
			var err error
			if ev.Type == speech.SynthError {
				err = fmt.Errorf("synthesis error: %s", ev.Code)
			}
			s.mu.Lock()
			end, ok := s.finishLocked(ev.ID, err)
			s.mu.Unlock()
			if ok {
				s.emit(end)
			}
		}
	}
}

// finishLocked marks utterance id ended if it is still the latest and has
// not ended yet. Callers hold s.mu.
func (s *Sink) finishLocked(id uint64, err error) (speech.SpeechEnded, bool) {
	if id != s.current || s.ended {
		return speech.SpeechEnded{}, false
	}
	s.ended = true
	return speech.SpeechEnded{ID: id, Text: s.text, Err: err}, true
}

func (s *Sink) emit(ev speech.SpeechEnded) {
	select {
	case s.out <- ev:
	case <-s.done:
	}
}
