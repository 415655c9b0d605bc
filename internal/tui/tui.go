// Package tui runs the assistant in a terminal with console devices.
package tui

import (
	"context"
	"fmt"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chadiek/shifra/internal/agent"
	"github.com/chadiek/shifra/internal/console"
	"github.com/chadiek/shifra/internal/speech"
	"github.com/chadiek/shifra/internal/usecase"
)

// Run opens a console session on assistant and blocks until the user quits
// or ctx is cancelled.
func Run(ctx context.Context, assistant usecase.AssistantService, opts console.Options) error {
	var program atomic.Pointer[tea.Program]
	send := func(msg tea.Msg) {
		if p := program.Load(); p != nil {
			p.Send(msg)
		}
	}

	devices := console.New(opts, console.Display{
		OnSpeak:     func(text string) { send(SpokenMsg(text)) },
		OnOpen:      func(url string) { send(OpenedMsg(url)) },
		OnListening: func(active bool) { send(ListeningMsg(active)) },
	})
	defer devices.Close()

	sess, teardown, err := assistant.Open(ctx, usecase.Drivers{
		Recognizer:  devices,
		Microphone:  devices,
		Synthesizer: devices.Synthesizer(),
		Opener:      devices,
	}, agent.Hooks{
		OnChange: func(st agent.State) { send(StateMsg(st)) },
		OnUtterance: func(u speech.Utterance) {
			if u.Source == speech.FromUser {
				send(HeardMsg(u.Text))
			}
		},
	})
	if err != nil {
		return err
	}
	defer teardown()

	p := tea.NewProgram(NewModel(ctx, sess, devices), tea.WithContext(ctx))
	program.Store(p)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
