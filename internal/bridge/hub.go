package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/shifra/internal/agent"
	"github.com/chadiek/shifra/internal/speech"
	"github.com/chadiek/shifra/internal/tts"
	"github.com/chadiek/shifra/internal/usecase"
)

// ErrNoPage is returned while no page is connected.
var ErrNoPage = errors.New("no page connected")

const defaultHelloTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The page is served by this process; access is gated by the token.
		return true
	},
}

// Status is what the presentation API reports about the bridge.
type Status struct {
	Connected bool         `json:"connected"`
	Supported bool         `json:"supported"`
	State     *agent.State `json:"state,omitempty"`
}

// Hub accepts at most one page at a time and runs an assistant session for
// it once the page reports it can recognize speech.
type Hub struct {
	assistant    usecase.AssistantService
	log          zerolog.Logger
	helloTimeout time.Duration

	mu          sync.Mutex
	busy        bool
	unsupported bool
	session     usecase.Session
}

func NewHub(assistant usecase.AssistantService, log zerolog.Logger) *Hub {
	return &Hub{
		assistant:    assistant,
		log:          log.With().Str("component", "bridge").Logger(),
		helloTimeout: defaultHelloTimeout,
	}
}

// ServeHTTP upgrades the request and serves the page until it disconnects.
// A second page gets 409 Conflict.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.reserve() {
		http.Error(w, "another page is already connected", http.StatusConflict)
		return
	}
	defer h.release()

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	p := newPage(ws, h.log)
	defer p.Close()
	go p.readPump()

	h.log.Info().Str("remote", r.RemoteAddr).Msg("page connected")
	h.serve(p)
	h.log.Info().Msg("page disconnected")
}

// Status reports the connected page, if any.
func (h *Hub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{Connected: h.busy, Supported: !h.unsupported}
	if h.session != nil {
		s := h.session.State()
		st.State = &s
	}
	return st
}

// Session returns the running session. It fails with ErrNoPage or
// speech.ErrUnsupported when there is none.
func (h *Hub) Session() (usecase.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.session != nil:
		return h.session, nil
	case h.busy && h.unsupported:
		return nil, speech.ErrUnsupported
	}
	return nil, ErrNoPage
}

func (h *Hub) serve(p *Page) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	helloCtx, helloCancel := context.WithTimeout(ctx, h.helloTimeout)
	hello, err := p.AwaitHello(helloCtx)
	helloCancel()
	if err != nil {
		h.log.Warn().Err(err).Msg("no capability report")
		return
	}
	if !hello.Recognition {
		h.serveUnsupported(ctx, p)
		return
	}
	var synth speech.Synthesizer = p.Synthesizer()
	if !hello.Synthesis {
		h.log.Warn().Msg("page cannot synthesize speech; replies will be shown but not played")
		silent := tts.NewSilent()
		defer silent.Close()
		synth = silent
	}

	sess, teardown, err := h.assistant.Open(ctx, usecase.Drivers{
		Recognizer:  p,
		Microphone:  p,
		Synthesizer: synth,
		Opener:      p,
	}, agent.Hooks{OnChange: p.SendState})
	if err != nil {
		h.log.Error().Err(err).Msg("open session")
		p.SendError(err)
		return
	}
	defer teardown()
	h.setSession(sess)
	defer h.setSession(nil)
	p.SendState(sess.State())

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.Controls():
			var err error
			switch c {
			case TypeBegin:
				err = sess.Begin(ctx)
			case TypeStop:
				err = sess.Stop(ctx)
			}
			if err != nil {
				h.log.Debug().Err(err).Str("control", c).Msg("control rejected")
				p.SendError(err)
			}
		}
	}
}

// serveUnsupported keeps the page connected in a permanent unsupported
// state without building a session.
func (h *Hub) serveUnsupported(ctx context.Context, p *Page) {
	h.log.Warn().Msg("page has no speech recognition")
	h.mu.Lock()
	h.unsupported = true
	h.mu.Unlock()

	supported := false
	st := agent.State{Phase: agent.Idle, Status: agent.StatusUnsupported, Error: speech.ErrUnsupported.Error()}
	if err := p.send(Message{Type: TypeState, State: &st, Supported: &supported}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Controls():
			p.SendError(speech.ErrUnsupported)
		}
	}
}

func (h *Hub) reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busy {
		return false
	}
	h.busy = true
	return true
}

func (h *Hub) release() {
	h.mu.Lock()
	h.busy = false
	h.unsupported = false
	h.session = nil
	h.mu.Unlock()
}

func (h *Hub) setSession(s usecase.Session) {
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
}
