package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/shifra/internal/agent"
	"github.com/chadiek/shifra/internal/command"
	"github.com/chadiek/shifra/internal/console"
	"github.com/chadiek/shifra/internal/speech"
)

type echoResponder struct {
	mu    sync.Mutex
	asked []string
}

func (r *echoResponder) Ask(_ context.Context, transcript string) (string, error) {
	r.mu.Lock()
	r.asked = append(r.asked, transcript)
	r.mu.Unlock()
	return "you said " + transcript, nil
}

type recorder struct {
	mu         sync.Mutex
	utterances []speech.Utterance
	opened     []string
}

func (r *recorder) hooks() agent.Hooks {
	return agent.Hooks{OnUtterance: func(u speech.Utterance) {
		r.mu.Lock()
		r.utterances = append(r.utterances, u)
		r.mu.Unlock()
	}}
}

func (r *recorder) said() []speech.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]speech.Utterance(nil), r.utterances...)
}

func openConsole(t *testing.T, responder agent.Responder, rec *recorder) (Session, *console.Devices) {
	t.Helper()
	turn := agent.DefaultConfig()
	turn.SettleDelay = 5 * time.Millisecond
	turn.IdleWindow = time.Minute
	svc := NewAssistantService(Settings{Turn: turn}, responder, command.NewInterpreter(time.UTC), zerolog.Nop())

	dev := console.New(console.Options{WordDuration: time.Millisecond}, console.Display{
		OnOpen: func(url string) {
			rec.mu.Lock()
			rec.opened = append(rec.opened, url)
			rec.mu.Unlock()
		},
	})
	t.Cleanup(dev.Close)

	sess, teardown, err := svc.Open(context.Background(), Drivers{
		Recognizer:  dev,
		Microphone:  dev,
		Synthesizer: dev.Synthesizer(),
		Opener:      dev,
	}, rec.hooks())
	require.NoError(t, err)
	t.Cleanup(teardown)
	return sess, dev
}

func waitListening(t *testing.T, sess Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := sess.State()
		return st.Phase == agent.Listening && st.MicActive
	}, 2*time.Second, 2*time.Millisecond)
}

func TestAssistant_ConsoleTurnThroughBackend(t *testing.T) {
	responder := &echoResponder{}
	rec := &recorder{}
	sess, dev := openConsole(t, responder, rec)
	assert.NotEmpty(t, sess.ID())

	require.NoError(t, sess.Begin(context.Background()))
	waitListening(t, sess)

	require.True(t, dev.Type("What Is Go"))
	require.Eventually(t, func() bool { return len(rec.said()) == 2 }, 2*time.Second, 2*time.Millisecond)
	waitListening(t, sess)
	st := sess.State()
	assert.Equal(t, "What Is Go", st.LastTranscript)
	assert.False(t, st.HasPendingReply, "reply finished playing")

	responder.mu.Lock()
	assert.Equal(t, []string{"what is go"}, responder.asked)
	responder.mu.Unlock()

	said := rec.said()
	require.Len(t, said, 2)
	assert.Equal(t, speech.Utterance{Text: "What Is Go", Source: speech.FromUser}, said[0])
	assert.Equal(t, speech.Utterance{Text: "you said what is go", Source: speech.FromAssistant}, said[1])
}

func TestAssistant_ConsoleOpensSite(t *testing.T) {
	rec := &recorder{}
	sess, dev := openConsole(t, &echoResponder{}, rec)

	require.NoError(t, sess.Begin(context.Background()))
	waitListening(t, sess)
	require.True(t, dev.Type("open instagram"))

	require.Eventually(t, func() bool {
		said := rec.said()
		return len(said) == 2 && said[1].Text == "opening instagram"
	}, 2*time.Second, 2*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, []string{command.InstagramURL}, rec.opened)
	rec.mu.Unlock()

	require.NoError(t, sess.Stop(context.Background()))
	assert.Equal(t, agent.Idle, sess.State().Phase)
}

func TestAssistant_OpenRejectsIncompleteDrivers(t *testing.T) {
	svc := NewAssistantService(Settings{Turn: agent.DefaultConfig()}, &echoResponder{}, command.NewInterpreter(time.UTC), zerolog.Nop())
	_, _, err := svc.Open(context.Background(), Drivers{}, agent.Hooks{})
	assert.Error(t, err)
}
