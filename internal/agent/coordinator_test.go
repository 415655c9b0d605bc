package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/shifra/internal/command"
	"github.com/chadiek/shifra/internal/speech"
)

type fakeInput struct {
	mu         sync.Mutex
	events     chan speech.InputEvent
	active     bool
	starts     int
	stops      int
	overlaps   int
	startErrs  []error
	endOnStart bool
	holdEnd    bool
}

func (f *fakeInput) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return err
		}
	}
	if f.active {
		f.overlaps++
		return speech.ErrAlreadyActive
	}
	f.active = true
	f.starts++
	if f.endOnStart {
		f.active = false
		f.events <- speech.InputEvent{Type: speech.SessionEnded}
	}
	return nil
}

func (f *fakeInput) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if !f.active || f.holdEnd {
		return
	}
	f.active = false
	f.events <- speech.InputEvent{Type: speech.SessionEnded}
}

func (f *fakeInput) Events() <-chan speech.InputEvent { return f.events }

func (f *fakeInput) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		f.active = false
		f.events <- speech.InputEvent{Type: speech.SessionEnded}
	}
}

func (f *fakeInput) say(text string) {
	f.events <- speech.InputEvent{Type: speech.Transcript, Text: text}
}

func (f *fakeInput) fail(kind speech.ErrorKind) {
	f.events <- speech.InputEvent{Type: speech.RecognitionFailed, Err: &speech.RecognitionError{Kind: kind, Code: string(kind)}}
}

func (f *fakeInput) counts() (starts, stops, overlaps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.overlaps
}

type fakeOutput struct {
	mu      sync.Mutex
	events  chan speech.SpeechEnded
	next    uint64
	spoken  []string
	cancels int
	manual  bool
}

func (f *fakeOutput) Speak(text string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.spoken = append(f.spoken, text)
	if !f.manual {
		f.events <- speech.SpeechEnded{ID: f.next, Text: text}
	}
	return f.next
}

func (f *fakeOutput) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeOutput) Events() <-chan speech.SpeechEnded { return f.events }

func (f *fakeOutput) said() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []string
	reply string
	err   error
	gate  chan struct{}
}

func (f *fakeResponder) Ask(ctx context.Context, transcript string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, transcript)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeResponder) asked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeOpener struct {
	mu   sync.Mutex
	urls []string
}

func (f *fakeOpener) Open(_ context.Context, url string) error {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	return nil
}

func (f *fakeOpener) opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

var fixedNow = time.Date(2024, 3, 1, 15, 4, 0, 0, time.UTC)

type harness struct {
	c      *Coordinator
	in     *fakeInput
	out    *fakeOutput
	resp   *fakeResponder
	opener *fakeOpener
	// onChange, when set by setup, receives every published state.
	onChange func(State)

	mu         sync.Mutex
	utterances []speech.Utterance
}

func newHarness(t *testing.T, setup func(h *harness, cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		in:     &fakeInput{events: make(chan speech.InputEvent, 64)},
		out:    &fakeOutput{events: make(chan speech.SpeechEnded, 64)},
		resp:   &fakeResponder{reply: "a short answer"},
		opener: &fakeOpener{},
	}
	cfg := DefaultConfig()
	cfg.SettleDelay = 5 * time.Millisecond
	cfg.IdleWindow = time.Minute
	cfg.AskTimeout = time.Second
	cfg.StartTimeout = time.Second
	if setup != nil {
		setup(h, &cfg)
	}
	interp := &command.Interpreter{Location: time.UTC, Now: func() time.Time { return fixedNow }}
	h.c = New(Devices{
		Input:       h.in,
		Output:      h.out,
		Responder:   h.resp,
		Interpreter: interp,
		Opener:      h.opener,
	}, cfg, Hooks{
		OnUtterance: func(u speech.Utterance) {
			h.mu.Lock()
			h.utterances = append(h.utterances, u)
			h.mu.Unlock()
		},
		OnChange: h.onChange,
	}, zerolog.Nop())
	stop, err := h.c.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(stop)
	return h
}

func (h *harness) waitFor(t *testing.T, what string, cond func(State) bool) State {
	t.Helper()
	var last State
	require.Eventually(t, func() bool {
		last = h.c.State()
		return cond(last)
	}, 2*time.Second, 2*time.Millisecond, "waiting for %s", what)
	return last
}

func (h *harness) listening(t *testing.T) {
	t.Helper()
	h.waitFor(t, "listening with mic", func(s State) bool { return s.Phase == Listening && s.MicActive })
}

func (h *harness) waitStarts(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		starts, _, _ := h.in.counts()
		return starts == n
	}, 2*time.Second, 2*time.Millisecond, "waiting for %d recognition starts", n)
}

func (h *harness) begin(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Begin(context.Background()))
	h.listening(t)
}

func TestCoordinator_BeginSpeaksGreetingThenListens(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t)
	assert.Equal(t, []string{DefaultGreeting}, h.out.said())
	starts, _, _ := h.in.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, StatusListening, h.c.State().Status)
}

func TestCoordinator_BeginRejectedWhenNotIdle(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.out.manual = true })
	require.NoError(t, h.c.Begin(context.Background()))
	h.waitFor(t, "prompting", func(s State) bool { return s.Phase == Prompting })

	err := h.c.Begin(context.Background())
	require.ErrorIs(t, err, ErrNotIdle)
	assert.Equal(t, Prompting, h.c.State().Phase)
	assert.Len(t, h.out.said(), 1)
}

func TestCoordinator_OpenYouTubeSkipsBackend(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t)

	h.in.say("Open YouTube")
	h.waitFor(t, "restart after reply", func(s State) bool { return s.Phase == Listening && s.LastTranscript == "Open YouTube" && s.MicActive })

	assert.Equal(t, []string{DefaultGreeting, "opening youtube"}, h.out.said())
	assert.Equal(t, []string{command.YouTubeURL}, h.opener.opened())
	assert.Empty(t, h.resp.asked())
	_, _, overlaps := h.in.counts()
	assert.Zero(t, overlaps)
}

func TestCoordinator_TellTimeSpeaksClock(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t)

	h.in.say("what's the time")
	require.Eventually(t, func() bool { return len(h.out.said()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "3:04 PM", h.out.said()[1])
	assert.Empty(t, h.resp.asked())
}

func TestCoordinator_DelegateSpeaksBackendReply(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t)

	h.in.say("tell me a joke")
	h.waitFor(t, "listening after reply", func(s State) bool {
		return s.Phase == Listening && s.MicActive && s.LastTranscript == "tell me a joke"
	})
	assert.Equal(t, []string{"tell me a joke"}, h.resp.asked())
	assert.Equal(t, []string{DefaultGreeting, "a short answer"}, h.out.said())
	assert.False(t, h.c.State().HasPendingReply)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.utterances, 2)
	assert.Equal(t, speech.Utterance{Text: "tell me a joke", Source: speech.FromUser}, h.utterances[0])
	assert.Equal(t, speech.Utterance{Text: "a short answer", Source: speech.FromAssistant}, h.utterances[1])
}

func TestCoordinator_PendingReplyWhileSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t)
	h.out.mu.Lock()
	h.out.manual = true
	h.out.mu.Unlock()

	h.in.say("tell me a joke")
	s := h.waitFor(t, "speaking", func(s State) bool { return s.Phase == Speaking })
	assert.True(t, s.HasPendingReply)
}

func TestCoordinator_BackendFailureSpeaksFallbackAndIdles(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.resp.err = errors.New("status=500") })
	h.begin(t)

	h.in.say("tell me a joke")
	s := h.waitFor(t, "idle", func(s State) bool { return s.Phase == Idle && s.Status == StatusNoResponse })
	assert.Error(t, s.Err)
	assert.Equal(t, []string{"tell me a joke"}, h.resp.asked())
	assert.Equal(t, []string{DefaultGreeting, DefaultFallback}, h.out.said())
}

func TestCoordinator_EmptyReplyCountsAsFailure(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.resp.reply = "   " })
	h.begin(t)

	h.in.say("hello there")
	h.waitFor(t, "idle", func(s State) bool { return s.Phase == Idle && s.Status == StatusNoResponse })
	assert.Equal(t, DefaultFallback, h.out.said()[1])
}

func TestCoordinator_RestartsAreBounded(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.in.endOnStart = true })
	require.NoError(t, h.c.Begin(context.Background()))

	s := h.waitFor(t, "idle", func(s State) bool { return s.Phase == Idle && s.Err != nil })
	assert.ErrorIs(t, s.Err, ErrRestartsExhausted)
	assert.Equal(t, StatusMicStuck, s.Status)
	assert.False(t, s.MicActive)

	time.Sleep(30 * time.Millisecond)
	starts, _, _ := h.in.counts()
	assert.Equal(t, 3, starts, "initial start plus two restarts")
}

func TestCoordinator_StartFailuresCountAsRestarts(t *testing.T) {
	boom := errors.New("InvalidStateError")
	h := newHarness(t, func(h *harness, _ *Config) { h.in.startErrs = []error{boom, boom, boom, boom} })
	require.NoError(t, h.c.Begin(context.Background()))

	s := h.waitFor(t, "idle", func(s State) bool { return s.Phase == Idle && s.Err != nil })
	assert.ErrorIs(t, s.Err, ErrRestartsExhausted)
	h.in.mu.Lock()
	assert.Len(t, h.in.startErrs, 1, "three attempts consumed")
	h.in.mu.Unlock()
}

func TestCoordinator_TranscriptResetsRestartBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t)

	h.in.end()
	h.waitStarts(t, 2)
	h.in.end()
	h.waitStarts(t, 3)

	h.in.say("open youtube")
	h.waitStarts(t, 4)

	h.in.end()
	h.waitStarts(t, 5)
	h.in.end()
	h.waitStarts(t, 6)
	h.listening(t)
	assert.NoError(t, h.c.State().Err)
}

func TestCoordinator_PermissionDenied(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.in.startErrs = []error{speech.ErrPermissionDenied} })
	require.NoError(t, h.c.Begin(context.Background()))

	s := h.waitFor(t, "idle", func(s State) bool { return s.Phase == Idle && s.Err != nil })
	assert.ErrorIs(t, s.Err, speech.ErrPermissionDenied)
	assert.Equal(t, StatusMicDenied, s.Status)
}

func TestCoordinator_RecognitionErrorGoesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t)

	h.in.fail(speech.NoSpeech)
	s := h.waitFor(t, "idle", func(s State) bool { return s.Phase == Idle })
	assert.Equal(t, "Mic error: no-speech", s.Status)
	assert.False(t, s.MicActive)
	var recErr *speech.RecognitionError
	require.ErrorAs(t, s.Err, &recErr)
	assert.Equal(t, speech.NoSpeech, recErr.Kind)

	time.Sleep(20 * time.Millisecond)
	starts, _, _ := h.in.counts()
	assert.Equal(t, 1, starts, "errors never auto-retry")
}

func TestCoordinator_NoDoubleStartWhileSessionWindsDown(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) { h.in.holdEnd = true })
	h.begin(t)

	h.in.say("open youtube")
	h.waitFor(t, "listening after reply", func(s State) bool {
		return s.Phase == Listening && s.LastTranscript == "open youtube"
	})
	time.Sleep(30 * time.Millisecond)

	starts, _, overlaps := h.in.counts()
	assert.Equal(t, 1, starts, "restart waits for the old session to end")
	assert.True(t, h.c.State().MicActive)

	h.in.end()
	require.Eventually(t, func() bool {
		starts, _, _ := h.in.counts()
		return starts == 2
	}, time.Second, 2*time.Millisecond)
	_, _, overlaps = h.in.counts()
	assert.Zero(t, overlaps)
}

func TestCoordinator_StaleReplyDropped(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness, _ *Config) { h.resp.gate = gate })
	h.begin(t)

	h.in.say("tell me a joke")
	h.waitFor(t, "processing", func(s State) bool { return s.Phase == Processing })
	require.NoError(t, h.c.Stop(context.Background()))
	assert.Equal(t, Idle, h.c.State().Phase)

	close(gate)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Idle, h.c.State().Phase)
	assert.Equal(t, []string{DefaultGreeting}, h.out.said())
}

func TestCoordinator_IdleWindowEndsTurn(t *testing.T) {
	h := newHarness(t, func(_ *harness, cfg *Config) { cfg.IdleWindow = 40 * time.Millisecond })
	h.begin(t)

	h.in.say("open instagram")
	h.waitFor(t, "idle after window", func(s State) bool { return s.Phase == Idle && !s.MicActive })
	assert.Equal(t, []string{command.InstagramURL}, h.opener.opened())
	assert.NoError(t, h.c.State().Err)
}

func TestCoordinator_StopFromAnyPhase(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Stop(context.Background()), "stop while idle")

	h.begin(t)
	require.NoError(t, h.c.Stop(context.Background()))
	s := h.waitFor(t, "idle", func(s State) bool { return s.Phase == Idle && !s.MicActive })
	assert.Empty(t, s.Status)
	_, stops, _ := h.in.counts()
	assert.GreaterOrEqual(t, stops, 1)
	h.out.mu.Lock()
	assert.GreaterOrEqual(t, h.out.cancels, 2)
	h.out.mu.Unlock()

	h.begin(t)
}

func TestCoordinator_OnChangeObservesPhases(t *testing.T) {
	var mu sync.Mutex
	var phases []Phase
	in := &fakeInput{events: make(chan speech.InputEvent, 8)}
	out := &fakeOutput{events: make(chan speech.SpeechEnded, 8)}
	c := New(Devices{
		Input:       in,
		Output:      out,
		Responder:   &fakeResponder{},
		Interpreter: command.NewInterpreter(time.UTC),
	}, DefaultConfig(), Hooks{OnChange: func(s State) {
		mu.Lock()
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
		mu.Unlock()
	}}, zerolog.Nop())
	stop, err := c.Start(context.Background())
	require.NoError(t, err)
	defer stop()

	require.NoError(t, c.Begin(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) >= 2 && phases[len(phases)-1] == Listening
	}, time.Second, 2*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []Phase{Prompting, Listening}, phases)
	mu.Unlock()
}

func TestCoordinator_AbandonedStopLeavesRecognitionUsable(t *testing.T) {
	var armed atomic.Bool
	blocked := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(h *harness, _ *Config) {
		h.onChange = func(State) {
			if armed.CompareAndSwap(true, false) {
				close(blocked)
				<-release
			}
		}
	})
	h.begin(t)

	armed.Store(true)
	h.in.end()
	<-blocked

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.c.Stop(ctx), context.Canceled)
	close(release)

	h.waitStarts(t, 2)
	h.listening(t)
	assert.NoError(t, h.c.State().Err)
}

func TestCoordinator_ClosedAfterStop(t *testing.T) {
	in := &fakeInput{events: make(chan speech.InputEvent, 8)}
	out := &fakeOutput{events: make(chan speech.SpeechEnded, 8)}
	c := New(Devices{Input: in, Output: out, Responder: &fakeResponder{}, Interpreter: command.NewInterpreter(nil)}, DefaultConfig(), Hooks{}, zerolog.Nop())
	stop, err := c.Start(context.Background())
	require.NoError(t, err)
	_, err = c.Start(context.Background())
	require.Error(t, err)
	stop()
	assert.ErrorIs(t, c.Begin(context.Background()), ErrClosed)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "speaking", Speaking.String())
	b, err := Listening.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "listening", string(b))
}

func TestStateJSONRoundTrip(t *testing.T) {
	in := State{Phase: Processing, LastTranscript: "what is go", HasPendingReply: true, Err: errors.New("dropped")}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"phase":"processing"`)
	assert.NotContains(t, string(b), "dropped")

	var out State
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, Processing, out.Phase)
	assert.Equal(t, "what is go", out.LastTranscript)

	assert.Error(t, json.Unmarshal([]byte(`{"phase":"dozing"}`), &out))
}
