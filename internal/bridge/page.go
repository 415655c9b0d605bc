package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/shifra/internal/agent"
	"github.com/chadiek/shifra/internal/speech"
)

const writeTimeout = 5 * time.Second

// AckError is a request the page refused.
type AckError struct {
	Op   string
	Code string
}

func (e *AckError) Error() string {
	if e.Code == "" {
		return e.Op + " refused by page"
	}
	return fmt.Sprintf("%s refused by page: %s", e.Op, e.Code)
}

// Hello is the page's capability report.
type Hello struct {
	Recognition bool
	Synthesis   bool
}

// Page is one connected browser page. It implements the recognizer,
// microphone, synthesizer and opener drivers by exchanging frames with the
// page. Use Synthesizer for the synthesizer view; Events on Page itself is
// the recognizer stream.
type Page struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	waitMu  sync.Mutex
	waiters map[uint64]chan Message

	voiceMu  sync.Mutex
	voices   []speech.Voice
	voicesCh chan struct{}

	hello       chan Hello
	controls    chan string
	recEvents   chan speech.RecognizerEvent
	synthEvents chan speech.SynthEvent

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPage(ws *websocket.Conn, log zerolog.Logger) *Page {
	return &Page{
		ws:          ws,
		log:         log,
		waiters:     make(map[uint64]chan Message),
		voicesCh:    make(chan struct{}),
		hello:       make(chan Hello, 1),
		controls:    make(chan string, 8),
		recEvents:   make(chan speech.RecognizerEvent, 32),
		synthEvents: make(chan speech.SynthEvent, 32),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Done is closed once the page disconnected.
func (p *Page) Done() <-chan struct{} { return p.done }

// Controls carries begin/stop requests made on the page.
func (p *Page) Controls() <-chan string { return p.controls }

// Close drops the connection.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		_ = p.ws.Close()
	})
}

// AwaitHello waits for the capability report that opens every connection.
func (p *Page) AwaitHello(ctx context.Context) (Hello, error) {
	select {
	case h := <-p.hello:
		return h, nil
	case <-ctx.Done():
		return Hello{}, fmt.Errorf("await hello: %w", ctx.Err())
	case <-p.done:
		return Hello{}, speech.ErrClosed
	}
}

// Start implements speech.Recognizer.
func (p *Page) Start(ctx context.Context, s speech.RecognizerSettings) error {
	return p.request(ctx, Message{
		Type:       TypeRecStart,
		Lang:       s.Lang,
		Continuous: s.Continuous,
		Interim:    s.Interim,
	})
}

// Stop implements speech.Recognizer.
func (p *Page) Stop() {
	if err := p.send(Message{Type: TypeRecStop}); err != nil {
		p.log.Debug().Err(err).Msg("rec.stop not delivered")
	}
}

// Events implements speech.Recognizer.
func (p *Page) Events() <-chan speech.RecognizerEvent { return p.recEvents }

// RequestAccess implements speech.Microphone. Any refusal by the page is a
// permission denial.
func (p *Page) RequestAccess(ctx context.Context) error {
	err := p.request(ctx, Message{Type: TypeMicRequest})
	var ack *AckError
	if errors.As(err, &ack) {
		return fmt.Errorf("%w: %s", speech.ErrPermissionDenied, ack.Code)
	}
	return err
}

// Open implements agent.Opener.
func (p *Page) Open(_ context.Context, url string) error {
	return p.send(Message{Type: TypeOpen, URL: url})
}

// Synthesizer returns the page's speech.Synthesizer.
func (p *Page) Synthesizer() speech.Synthesizer { return pageSynth{p} }

type pageSynth struct{ p *Page }

func (s pageSynth) Voices() []speech.Voice {
	s.p.voiceMu.Lock()
	defer s.p.voiceMu.Unlock()
	return append([]speech.Voice(nil), s.p.voices...)
}

func (s pageSynth) VoicesChanged() <-chan struct{} {
	s.p.voiceMu.Lock()
	defer s.p.voiceMu.Unlock()
	return s.p.voicesCh
}

func (s pageSynth) Speak(req speech.SpeakRequest) error {
	return s.p.send(Message{
		Type:   TypeSpeak,
		ID:     req.ID,
		Text:   req.Text,
		Voice:  req.Voice,
		Lang:   req.Lang,
		Rate:   req.Rate,
		Pitch:  req.Pitch,
		Volume: req.Volume,
	})
}

func (s pageSynth) Cancel() {
	if err := s.p.send(Message{Type: TypeCancel}); err != nil {
		s.p.log.Debug().Err(err).Msg("tts.cancel not delivered")
	}
}

func (s pageSynth) Events() <-chan speech.SynthEvent { return s.p.synthEvents }

// SendState pushes a coordinator snapshot to the page.
func (p *Page) SendState(st agent.State) {
	supported := true
	if err := p.send(Message{Type: TypeState, State: &st, Supported: &supported}); err != nil {
		p.log.Debug().Err(err).Msg("state not delivered")
	}
}

// SendError reports err to the page.
func (p *Page) SendError(err error) {
	if werr := p.send(Message{Type: TypeError, Error: err.Error()}); werr != nil {
		p.log.Debug().Err(werr).Msg("error not delivered")
	}
}

func (p *Page) send(m Message) error {
	select {
	case <-p.done:
		return speech.ErrClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.ws.WriteJSON(m); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// request sends m with a fresh id and waits for the page's ack.
func (p *Page) request(ctx context.Context, m Message) error {
	m.ID = p.nextID.Add(1)
	ch := make(chan Message, 1)
	p.waitMu.Lock()
	p.waiters[m.ID] = ch
	p.waitMu.Unlock()
	defer func() {
		p.waitMu.Lock()
		delete(p.waiters, m.ID)
		p.waitMu.Unlock()
	}()

	if err := p.send(m); err != nil {
		return err
	}
	select {
	case ack := <-ch:
		if !ack.OK {
			return &AckError{Op: m.Type, Code: ack.Error}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return speech.ErrClosed
	}
}

// readPump dispatches page frames until the connection drops.
func (p *Page) readPump() {
	defer func() {
		close(p.done)
		close(p.recEvents)
		close(p.synthEvents)
		p.Close()
	}()
	for {
		mt, data, err := p.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug().Err(err).Msg("page read ended")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			p.log.Warn().Err(err).Msg("invalid frame")
			continue
		}
		if !p.dispatch(m) {
			return
		}
	}
}

func (p *Page) dispatch(m Message) bool {
	kind := strings.ToLower(m.Type)
	switch kind {
	case TypeHello:
		select {
		case p.hello <- Hello{Recognition: m.Recognition, Synthesis: m.Synthesis}:
		default:
		}
		if len(m.Voices) > 0 {
			p.setVoices(m.Voices)
		}
	case TypeBegin, TypeStop:
		select {
		case p.controls <- kind:
		default:
			p.log.Warn().Str("type", kind).Msg("control dropped")
		}
	case TypeAck:
		p.waitMu.Lock()
		ch := p.waiters[m.ID]
		p.waitMu.Unlock()
		if ch != nil {
			select {
			case ch <- m:
			default:
			}
		}
	case TypeRecResult:
		p.emitRec(speech.RecognizerEvent{Type: speech.RecognizerResult, Text: m.Text, Final: m.Final})
	case TypeRecError:
		p.emitRec(speech.RecognizerEvent{Type: speech.RecognizerError, Code: m.Error})
	case TypeRecEnd:
		p.emitRec(speech.RecognizerEvent{Type: speech.RecognizerEnd})
	case TypeVoices:
		p.setVoices(m.Voices)
	case TypeSpeakEnd:
		p.emitSynth(speech.SynthEvent{Type: speech.SynthEnd, ID: m.ID})
	case TypeSpeakErr:
		p.emitSynth(speech.SynthEvent{Type: speech.SynthError, ID: m.ID, Code: m.Error})
	case TypeBye:
		return false
	default:
		p.log.Debug().Str("type", m.Type).Msg("unknown frame ignored")
	}
	return true
}

func (p *Page) setVoices(v []speech.Voice) {
	p.voiceMu.Lock()
	p.voices = append([]speech.Voice(nil), v...)
	close(p.voicesCh)
	p.voicesCh = make(chan struct{})
	p.voiceMu.Unlock()
}

func (p *Page) emitRec(ev speech.RecognizerEvent) {
	select {
	case p.recEvents <- ev:
	case <-p.quit:
	}
}

func (p *Page) emitSynth(ev speech.SynthEvent) {
	select {
	case p.synthEvents <- ev:
	case <-p.quit:
	}
}
