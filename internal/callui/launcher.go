// Package callui starts and tears down call-UI sessions on a display
// surface supplied by the embedding page.
package callui

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"supportwidget-backend/internal/domain"
	"supportwidget-backend/pkg/logger"
	"supportwidget-backend/pkg/metrics"
)

// ErrNoSurface is returned when a session is started without a surface
var ErrNoSurface = errors.New("callui: no surface attached")

// Surface is an opaque display target for live audio/video.
// Close must be safe to call for a session that already stopped.
type Surface interface {
	ID() string
	Open(ctx context.Context, spec LaunchSpec) error
	Close(sessionID string) error
}

// LaunchSpec describes the call to render
type LaunchSpec struct {
	SessionID string          `json:"session_id"`
	CallType  domain.CallType `json:"call_type"`
	Token     string          `json:"token"`
	PeerUID   string          `json:"peer_uid,omitempty"`
}

// Hooks feed the UI lifecycle back to the caller. Each fires at most once
// per session and never after End.
type Hooks struct {
	OnEnded func(sessionID string)
	OnError func(sessionID string, err error)
}

// Launcher tracks the call-UI sessions it started
type Launcher struct {
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewLauncher creates a launcher. m may be nil.
func NewLauncher(m *metrics.Metrics) *Launcher {
	return &Launcher{
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Start opens the call on surface. A session already running for the same
// id is ended first.
func (l *Launcher) Start(ctx context.Context, spec LaunchSpec, surface Surface, hooks Hooks) (*Session, error) {
	if surface == nil {
		l.metrics.RecordCallUIFailure("start")
		return nil, ErrNoSurface
	}
	if spec.SessionID == "" {
		return nil, fmt.Errorf("callui: empty session id")
	}

	l.mu.Lock()
	prev := l.sessions[spec.SessionID]
	l.mu.Unlock()
	if prev != nil {
		_ = prev.End()
	}

	if err := surface.Open(ctx, spec); err != nil {
		l.metrics.RecordCallUIFailure("start")
		return nil, fmt.Errorf("callui: open on surface %s: %w", surface.ID(), err)
	}

	s := &Session{
		spec:     spec,
		surface:  surface,
		hooks:    hooks,
		launcher: l,
	}

	l.mu.Lock()
	l.sessions[spec.SessionID] = s
	l.mu.Unlock()

	logger.Debug("Call UI started",
		logger.SessionID(spec.SessionID),
		zap.String("surface", surface.ID()),
		zap.String("call_type", string(spec.CallType)),
	)
	return s, nil
}

// Lookup returns the running session for sessionID
func (l *Launcher) Lookup(sessionID string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	return s, ok
}

// EndAll ends every running session
func (l *Launcher) EndAll() {
	l.mu.Lock()
	running := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		running = append(running, s)
	}
	l.mu.Unlock()

	for _, s := range running {
		if err := s.End(); err != nil {
			logger.Debug("Call UI close failed", logger.SessionID(s.spec.SessionID), zap.Error(err))
		}
	}
}

// Running returns how many sessions are live
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Launcher) forget(s *Session) {
	l.mu.Lock()
	if l.sessions[s.spec.SessionID] == s {
		delete(l.sessions, s.spec.SessionID)
	}
	l.mu.Unlock()
}

// Session is one running call UI
type Session struct {
	spec     LaunchSpec
	surface  Surface
	hooks    Hooks
	launcher *Launcher

	once sync.Once
}

// SessionID of the call being rendered
func (s *Session) SessionID() string {
	return s.spec.SessionID
}

// End stops the UI without firing hooks. Safe to call repeatedly.
func (s *Session) End() error {
	var err error
	s.once.Do(func() {
		s.launcher.forget(s)
		err = s.surface.Close(s.spec.SessionID)
	})
	return err
}

// Ended records that the surface finished the call on its own
func (s *Session) Ended() {
	s.once.Do(func() {
		s.launcher.forget(s)
		if s.hooks.OnEnded != nil {
			s.hooks.OnEnded(s.spec.SessionID)
		}
	})
}

// Fail records a fatal UI error. The surface is closed before the hook runs.
func (s *Session) Fail(cause error) {
	s.once.Do(func() {
		s.launcher.forget(s)
		s.launcher.metrics.RecordCallUIFailure("runtime")
		if err := s.surface.Close(s.spec.SessionID); err != nil {
			logger.Debug("Call UI close after failure", logger.SessionID(s.spec.SessionID), zap.Error(err))
		}
		if s.hooks.OnError != nil {
			s.hooks.OnError(s.spec.SessionID, cause)
		}
	})
}
