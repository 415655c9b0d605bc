package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadiek/shifra/internal/speech"
)

// DefaultLang is the recognition language used when none is configured.
const DefaultLang = "en-IN"

// Config holds recognition session settings. Interim results are never
// requested: only finalized transcripts are delivered.
type Config struct {
	Lang       string
	Continuous bool
}

// Source wraps a platform recognizer as a voice input source. It guards
// against overlapping sessions, validates microphone access before the first
// start, and turns raw platform callbacks into transcript, error and
// session-ended events.
type Source struct {
	rec  speech.Recognizer
	mic  speech.Microphone
	cfg  Config
	log  zerolog.Logger
	out  chan speech.InputEvent
	done chan struct{}

	mu      sync.Mutex
	active  bool
	granted bool

	closeOnce sync.Once
}

// NewSource starts translating events from rec. Close releases it.
func NewSource(rec speech.Recognizer, mic speech.Microphone, cfg Config, log zerolog.Logger) *Source {
	if cfg.Lang == "" {
		cfg.Lang = DefaultLang
	}
	s := &Source{
		rec:  rec,
		mic:  mic,
		cfg:  cfg,
		log:  log.With().Str("component", "voice-input").Logger(),
		out:  make(chan speech.InputEvent, 32),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events delivers transcripts, errors and session ends in platform order.
func (s *Source) Events() <-chan speech.InputEvent { return s.out }

// Active reports whether a recognition session is currently running.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start begins a recognition session. It fails with speech.ErrAlreadyActive
// while a session runs and with speech.ErrPermissionDenied when the
// microphone is refused; neither reaches the platform start call.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return speech.ErrAlreadyActive
	}
	s.active = true
	granted := s.granted
	s.mu.Unlock()

	if !granted {
		if err := s.mic.RequestAccess(ctx); err != nil {
			s.setActive(false)
			if errors.Is(err, speech.ErrPermissionDenied) {
				return err
			}
			return fmt.Errorf("request microphone: %w", err)
		}
		s.mu.Lock()
		s.granted = true
		s.mu.Unlock()
	}

	err := s.rec.Start(ctx, speech.RecognizerSettings{
		Lang:       s.cfg.Lang,
		Continuous: s.cfg.Continuous,
		Interim:    false,
	})
	if err != nil {
		s.setActive(false)
		return fmt.Errorf("start recognition: %w", err)
	}
	s.log.Debug().Str("lang", s.cfg.Lang).Msg("recognition started")
	return nil
}

// Stop ends the active session, if any. The end is reported as an event.
func (s *Source) Stop() {
	if !s.Active() {
		return
	}
	s.rec.Stop()
}

// Close stops delivering events.
func (s *Source) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Source) setActive(v bool) {
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
}

func (s *Source) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.rec.Events():
			if !ok {
				if s.Active() {
					s.setActive(false)
					s.emit(speech.InputEvent{Type: speech.SessionEnded})
				}
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Source) handle(ev speech.RecognizerEvent) {
	switch ev.Type {
	case speech.RecognizerResult:
		text := strings.TrimSpace(ev.Text)
		if !ev.Final || text == "" {
			return
		}
		s.emit(speech.InputEvent{Type: speech.Transcript, Text: text})
	case speech.RecognizerError:
		kind := speech.KindFromCode(ev.Code)
		s.log.Warn().Str("code", ev.Code).Msg("recognition error")
		s.emit(speech.InputEvent{
			Type: speech.RecognitionFailed,
			Err:  &speech.RecognitionError{Kind: kind, Code: ev.Code},
		})
	case speech.RecognizerEnd:
		s.mu.Lock()
		wasActive := s.active
		s.active = false
		s.mu.Unlock()
		if !wasActive {
			s.log.Debug().Msg("end without active session ignored")
			return
		}
		s.emit(speech.InputEvent{Type: speech.SessionEnded})
	}
}

func (s *Source) emit(ev speech.InputEvent) {
	select {
	case s.out <- ev:
	case <-s.done:
	}
}
