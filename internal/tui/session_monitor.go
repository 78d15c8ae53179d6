package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/session"
)

// SessionMonitor runs a session behind the dashboard.
type SessionMonitor struct {
	session         *session.Session
	connect         func(ctx context.Context) error
	refreshInterval time.Duration
	program         *tea.Program
}

func NewSessionMonitor(sess *session.Session, connect func(ctx context.Context) error, refreshInterval time.Duration) *SessionMonitor {
	return &SessionMonitor{
		session:         sess,
		connect:         connect,
		refreshInterval: refreshInterval,
	}
}

func (sm *SessionMonitor) AddLog(message string) {
	if sm.program != nil {
		sm.program.Send(LogMessage{
			Message: message,
		})
	}
}

func (sm *SessionMonitor) Stop() {
	if sm.program != nil {
		sm.program.Quit()
	}
}

// forward hands snapshots to the program, keeping only the latest one when
// the screen falls behind.
func (sm *SessionMonitor) forward(ctx context.Context) func(session.Snapshot) {
	updates := make(chan session.Snapshot, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snapshot := <-updates:
				sm.program.Send(SessionUpdate{Snapshot: snapshot})
			}
		}
	}()

	return func(snapshot session.Snapshot) {
		for {
			select {
			case updates <- snapshot:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}
}

// Run blocks until the dashboard quits or ctx ends.
func (sm *SessionMonitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewModel(ctx, sm.session, sm.refreshInterval)
	sm.program = tea.NewProgram(model, tea.WithAltScreen())
	sm.session.Subscribe(sm.forward(ctx))

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- sm.session.Run(ctx)
	}()

	go func() {
		if err := sm.connect(ctx); err != nil {
			logger.Error("Wallet connection failed: %v", err)
			sm.AddLog(fmt.Sprintf("❌ Wallet connection failed: %v", err))
		}
	}()

	go func() {
		<-ctx.Done()
		sm.Stop()
	}()

	_, err := sm.program.Run()
	cancel()
	<-sessionDone

	if err != nil {
		return fmt.Errorf("failed to run TUI: %w", err)
	}
	return nil
}
