package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/shifra/internal/command"
	"github.com/chadiek/shifra/internal/speech"
)

const (
	DefaultGreeting = "Ask anything"
	DefaultFallback = "माफ़ कीजिये, kc Kunal से जवाब नहीं मिल पाया"
)

var errEmptyReply = errors.New("empty reply")

// Config tunes a Coordinator.
type Config struct {
	Greeting string
	Fallback string
	// SettleDelay separates the end of synthesis from the next recognition
	// start. Mobile browsers often refuse a start issued right after
	// playback.
	SettleDelay  time.Duration
	IdleWindow   time.Duration
	MaxRestarts  int
	AskTimeout   time.Duration
	StartTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Greeting:     DefaultGreeting,
		Fallback:     DefaultFallback,
		SettleDelay:  400 * time.Millisecond,
		IdleWindow:   7 * time.Second,
		MaxRestarts:  2,
		AskTimeout:   20 * time.Second,
		StartTimeout: 30 * time.Second,
	}
}

// Hooks observe a coordinator. They run on the coordinator loop and must
// not call back into it.
type Hooks struct {
	OnChange    func(State)
	OnUtterance func(speech.Utterance)
}

type timerKind int

const (
	settleTimer timerKind = iota
	idleTimer
)

type timerFired struct {
	kind timerKind
	seq  uint64
}

type replyResult struct {
	turn uint64
	text string
	err  error
}

type opKind int

const (
	opBegin opKind = iota
	opStop
)

type request struct {
	op   opKind
	done chan error
}

// Coordinator runs the turn-taking state machine for one device pair. All
// session state is owned by a single loop goroutine; device events, timer
// expiries, backend replies and UI requests are handled in arrival order.
type Coordinator struct {
	dev   Devices
	cfg   Config
	hooks Hooks
	log   zerolog.Logger

	requests chan request
	timers   chan timerFired
	replies  chan replyResult
	stopped  chan struct{}

	mu       sync.Mutex
	started  bool
	snapshot State
	loopCtx  context.Context
	opCtx    context.Context
	opCancel context.CancelFunc
	// stops cancelled opCtx but not yet handled or abandoned
	stopsQueued int

	// owned by the loop
	phase          Phase
	lastTranscript string
	pendingReply   bool
	fallbackReply  bool
	micGuard       bool
	stopping       bool
	deferredStart  bool
	status         string
	err            error
	turn           uint64
	restarts       int
	utterance      uint64
	timerSeq       uint64
	pending        [2]*time.Timer
	pendingSeq     [2]uint64
}

// New returns an idle coordinator. Call Start to run it.
func New(dev Devices, cfg Config, hooks Hooks, log zerolog.Logger) *Coordinator {
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.Fallback == "" {
		cfg.Fallback = DefaultFallback
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	return &Coordinator{
		dev:      dev,
		cfg:      cfg,
		hooks:    hooks,
		log:      log.With().Str("component", "coordinator").Logger(),
		requests: make(chan request),
		timers:   make(chan timerFired, 4),
		replies:  make(chan replyResult, 4),
		stopped:  make(chan struct{}),
	}
}

// Start launches the coordinator loop. The returned function stops it,
// silences both devices and waits for the loop to exit.
func (c *Coordinator) Start(ctx context.Context) (func(), error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, errors.New("coordinator already started")
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.loopCtx = loopCtx
	c.opCtx, c.opCancel = context.WithCancel(loopCtx)
	c.mu.Unlock()

	go c.run(loopCtx)

	stop := func() {
		cancel()
		<-c.stopped
	}
	return stop, nil
}

// Begin starts a turn. It fails with ErrNotIdle unless the machine is idle.
func (c *Coordinator) Begin(ctx context.Context) error {
	return c.call(ctx, opBegin)
}

// Stop cancels any recognition, synthesis and pending timers and returns
// the machine to Idle. It is valid in every phase. A Stop whose ctx ends
// before the loop takes it has no effect.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopsQueued++
	if c.opCancel != nil {
		c.opCancel()
	}
	c.mu.Unlock()
	return c.call(ctx, opStop)
}

// State returns the latest published snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

func (c *Coordinator) call(ctx context.Context, op opKind) error {
	req := request{op: op, done: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		if op == opStop {
			c.releaseStop()
		}
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.stopped)
	inputs := c.dev.Input.Events()
	outputs := c.dev.Output.Events()
	c.publish()
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case req := <-c.requests:
			// Publish before answering so callers observe their own change.
			err := c.handleRequest(req.op)
			c.publish()
			req.done <- err
			continue
		case ev, ok := <-inputs:
			if !ok {
				inputs = nil
				continue
			}
			c.handleInput(ev)
		case ev, ok := <-outputs:
			if !ok {
				outputs = nil
				continue
			}
			c.handleSpeechEnded(ev)
		case t := <-c.timers:
			c.handleTimer(t)
		case r := <-c.replies:
			c.handleReply(r)
		}
		c.publish()
	}
}

func (c *Coordinator) handleRequest(op opKind) error {
	switch op {
	case opBegin:
		if c.phase != Idle {
			return ErrNotIdle
		}
		c.restarts = 0
		c.err = nil
		c.turn++
		c.phase = Prompting
		c.status = StatusListening
		c.speak(c.cfg.Greeting)
		c.log.Info().Uint64("turn", c.turn).Msg("turn started")
		return nil
	case opStop:
		c.turn++
		c.dev.Output.Cancel()
		c.utterance = 0
		c.toIdle("", nil)
		c.restarts = 0
		c.releaseStop()
		c.log.Info().Msg("stopped")
		return nil
	}
	return fmt.Errorf("unknown request %d", op)
}

func (c *Coordinator) handleInput(ev speech.InputEvent) {
	switch ev.Type {
	case speech.Transcript:
		c.onTranscript(ev.Text)
	case speech.RecognitionFailed:
		c.onRecognitionError(ev.Err)
	case speech.SessionEnded:
		c.onSessionEnded()
	}
}

func (c *Coordinator) onTranscript(text string) {
	if c.phase != Listening {
		c.log.Debug().Str("phase", c.phase.String()).Msg("transcript outside listening dropped")
		return
	}
	c.cancelTimer(settleTimer)
	c.cancelTimer(idleTimer)
	c.restarts = 0
	c.lastTranscript = text
	c.status = text
	c.stopInput()
	c.emitUtterance(text, speech.FromUser)

	action := c.dev.Interpreter.Interpret(strings.ToLower(text))
	c.log.Info().Str("action", action.Kind.String()).Str("transcript", text).Msg("heard")
	switch action.Kind {
	case command.OpenSite:
		if c.dev.Opener != nil {
			if err := c.dev.Opener.Open(c.ctx(), action.URL); err != nil {
				c.log.Warn().Err(err).Str("url", action.URL).Msg("open site failed")
			}
		}
		c.speakReply(action.Reply, false)
	case command.TellTime:
		c.speakReply(action.Reply, false)
	default:
		c.phase = Processing
		c.turn++
		go c.ask(c.turn, action.Text)
	}
}

func (c *Coordinator) onRecognitionError(e *speech.RecognitionError) {
	if e == nil {
		e = &speech.RecognitionError{Kind: speech.Other}
	}
	if !c.micGuard || c.stopping {
		c.log.Debug().Str("kind", string(e.Kind)).Msg("recognition error ignored")
		return
	}
	c.micGuard = false
	c.dev.Input.Stop()
	code := e.Code
	if code == "" {
		code = string(e.Kind)
	}
	c.log.Warn().Str("kind", string(e.Kind)).Str("code", code).Msg("recognition failed")
	c.toIdle(StatusMicError+code, e)
}

func (c *Coordinator) onSessionEnded() {
	wasStopping := c.stopping
	c.micGuard = false
	c.stopping = false
	if c.deferredStart {
		c.deferredStart = false
		if c.phase == Listening {
			c.startInput()
		}
		return
	}
	if c.phase != Listening || wasStopping {
		return
	}
	c.log.Debug().Int("restarts", c.restarts).Msg("recognition ended unexpectedly")
	c.retry(nil)
}

func (c *Coordinator) handleSpeechEnded(ev speech.SpeechEnded) {
	if ev.ID != c.utterance {
		return
	}
	if ev.Err != nil {
		c.log.Warn().Err(ev.Err).Msg("utterance failed")
	}
	switch c.phase {
	case Prompting:
		c.phase = Listening
		c.status = StatusListening
		c.startInput()
	case Speaking:
		c.pendingReply = false
		if c.fallbackReply {
			c.toIdle(StatusNoResponse, c.err)
			return
		}
		c.phase = Listening
		c.status = StatusListening
		c.schedule(settleTimer, c.cfg.SettleDelay)
		c.schedule(idleTimer, c.cfg.IdleWindow)
	}
}

func (c *Coordinator) handleTimer(t timerFired) {
	if c.pendingSeq[t.kind] != t.seq {
		return
	}
	c.pendingSeq[t.kind] = 0
	c.pending[t.kind] = nil
	if c.phase != Listening {
		return
	}
	switch t.kind {
	case settleTimer:
		c.startInput()
	case idleTimer:
		c.log.Debug().Msg("idle window elapsed")
		c.toIdle("", nil)
	}
}

func (c *Coordinator) handleReply(r replyResult) {
	if r.turn != c.turn || c.phase != Processing {
		c.log.Debug().Uint64("turn", r.turn).Msg("stale reply dropped")
		return
	}
	if r.err != nil {
		c.log.Warn().Err(r.err).Msg("chat backend failed")
		c.err = r.err
		c.speakReply(c.cfg.Fallback, true)
		c.fallbackReply = true
		c.status = StatusNoResponse
		return
	}
	c.speakReply(r.text, true)
}

func (c *Coordinator) ask(turn uint64, text string) {
	ctx := c.loopCtx
	if c.cfg.AskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AskTimeout)
		defer cancel()
	}
	reply, err := c.dev.Responder.Ask(ctx, text)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyReply
	}
	select {
	case c.replies <- replyResult{turn: turn, text: reply, err: err}:
	case <-c.stopped:
	}
}

// startInput arms recognition in Listening. A session that has not ended
// yet defers the start until its end arrives.
func (c *Coordinator) startInput() {
	if c.micGuard {
		c.deferredStart = true
		return
	}
	ctx := c.ctx()
	if c.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StartTimeout)
		defer cancel()
	}
	err := c.dev.Input.Start(ctx)
	switch {
	case err == nil:
		c.micGuard = true
		c.stopping = false
	case errors.Is(err, speech.ErrAlreadyActive):
		c.micGuard = true
		c.deferredStart = true
	case errors.Is(err, speech.ErrPermissionDenied):
		c.log.Warn().Err(err).Msg("microphone refused")
		c.toIdle(StatusMicDenied, err)
	case c.ctx().Err() != nil && c.stopPending():
		c.log.Debug().Msg("start abandoned, stop pending")
	default:
		c.log.Warn().Err(err).Msg("recognition start failed")
		c.retry(err)
	}
}

func (c *Coordinator) retry(cause error) {
	if c.restarts >= c.cfg.MaxRestarts {
		err := ErrRestartsExhausted
		if cause != nil {
			err = fmt.Errorf("%w: %v", ErrRestartsExhausted, cause)
		}
		c.log.Warn().Int("restarts", c.restarts).Msg("giving up on recognition")
		c.toIdle(StatusMicStuck, err)
		return
	}
	c.restarts++
	c.schedule(settleTimer, c.cfg.SettleDelay)
}

func (c *Coordinator) stopInput() {
	if c.micGuard && !c.stopping {
		c.stopping = true
		c.dev.Input.Stop()
	}
}

func (c *Coordinator) toIdle(status string, err error) {
	c.cancelTimer(settleTimer)
	c.cancelTimer(idleTimer)
	c.stopInput()
	c.deferredStart = false
	c.phase = Idle
	c.pendingReply = false
	c.fallbackReply = false
	c.status = status
	c.err = err
}

func (c *Coordinator) speak(text string) {
	c.utterance = c.dev.Output.Speak(text)
}

func (c *Coordinator) speakReply(text string, fromBackend bool) {
	c.phase = Speaking
	c.pendingReply = fromBackend
	c.fallbackReply = false
	c.status = text
	c.speak(text)
	c.emitUtterance(text, speech.FromAssistant)
}

func (c *Coordinator) emitUtterance(text string, src speech.Source) {
	if c.hooks.OnUtterance != nil {
		c.hooks.OnUtterance(speech.Utterance{Text: text, Source: src})
	}
}

func (c *Coordinator) schedule(kind timerKind, d time.Duration) {
	c.cancelTimer(kind)
	c.timerSeq++
	seq := c.timerSeq
	c.pendingSeq[kind] = seq
	c.pending[kind] = time.AfterFunc(d, func() {
		select {
		case c.timers <- timerFired{kind: kind, seq: seq}:
		case <-c.stopped:
		}
	})
}

func (c *Coordinator) cancelTimer(kind timerKind) {
	if t := c.pending[kind]; t != nil {
		t.Stop()
	}
	c.pending[kind] = nil
	c.pendingSeq[kind] = 0
}

func (c *Coordinator) ctx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opCtx
}

func (c *Coordinator) stopPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopsQueued > 0
}

// releaseStop retires one queued stop. The last one out renews opCtx so
// later device calls are not born cancelled.
func (c *Coordinator) releaseStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopsQueued > 0 {
		c.stopsQueued--
	}
	if c.stopsQueued == 0 && c.opCtx != nil && c.opCtx.Err() != nil && c.loopCtx.Err() == nil {
		c.opCtx, c.opCancel = context.WithCancel(c.loopCtx)
	}
}

func (c *Coordinator) teardown() {
	c.turn++
	c.dev.Output.Cancel()
	c.toIdle("", nil)
	c.mu.Lock()
	c.opCancel()
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) publish() {
	s := State{
		Phase:           c.phase,
		LastTranscript:  c.lastTranscript,
		HasPendingReply: c.pendingReply,
		MicActive:       c.micGuard,
		Status:          c.status,
		Err:             c.err,
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	c.mu.Lock()
	prev := c.snapshot
	c.snapshot = s
	c.mu.Unlock()

	prev.Err, s.Err = nil, nil
	if prev != s && c.hooks.OnChange != nil {
		c.hooks.OnChange(c.State())
	}
}
