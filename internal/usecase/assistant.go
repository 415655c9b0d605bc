package usecase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/shifra/internal/agent"
	"github.com/chadiek/shifra/internal/speech"
	"github.com/chadiek/shifra/internal/transcript"
	"github.com/chadiek/shifra/internal/tts"
)

// Drivers are the platform devices of one device host. Opener may be nil.
type Drivers struct {
	Recognizer  speech.Recognizer
	Microphone  speech.Microphone
	Synthesizer speech.Synthesizer
	Opener      agent.Opener
}

// Session is one running assistant bound to a device host.
type Session interface {
	ID() string
	Begin(ctx context.Context) error
	Stop(ctx context.Context) error
	State() agent.State
}

// AssistantService builds sessions that share one backend and interpreter.
type AssistantService interface {
	// Open wraps d as voice input/output, starts a coordinator over them and
	// returns it with a teardown func.
	Open(ctx context.Context, d Drivers, hooks agent.Hooks) (Session, func(), error)
}

// Settings configure every session opened by an AssistantService.
type Settings struct {
	Turn  agent.Config
	Input transcript.Config
}

type assistantService struct {
	settings  Settings
	responder agent.Responder
	interp    agent.Interpreter
	log       zerolog.Logger
}

func NewAssistantService(settings Settings, responder agent.Responder, interp agent.Interpreter, log zerolog.Logger) AssistantService {
	return &assistantService{
		settings:  settings,
		responder: responder,
		interp:    interp,
		log:       log,
	}
}

type session struct {
	id string
	*agent.Coordinator
}

func (s *session) ID() string { return s.id }

func (a *assistantService) Open(ctx context.Context, d Drivers, hooks agent.Hooks) (Session, func(), error) {
	if d.Recognizer == nil || d.Microphone == nil || d.Synthesizer == nil {
		return nil, nil, fmt.Errorf("open session: incomplete drivers")
	}
	id := uuid.NewString()
	log := a.log.With().Str("session", id).Logger()

	input := transcript.NewSource(d.Recognizer, d.Microphone, a.settings.Input, log)
	output := tts.NewSink(d.Synthesizer, log)
	coord := agent.New(agent.Devices{
		Input:       input,
		Output:      output,
		Responder:   a.responder,
		Interpreter: a.interp,
		Opener:      d.Opener,
	}, a.settings.Turn, hooks, log)

	stop, err := coord.Start(ctx)
	if err != nil {
		input.Close()
		output.Close()
		return nil, nil, fmt.Errorf("start coordinator: %w", err)
	}
	log.Info().Msg("session opened")

	teardown := func() {
		stop()
		input.Close()
		output.Close()
		log.Info().Msg("session closed")
	}
	return &session{id: id, Coordinator: coord}, teardown, nil
}
