package callui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Frame types exchanged with a remote surface
const (
	FrameCallStart = "call_start"
	FrameCallStop  = "call_stop"
)

// Frame is what a RemoteSurface sends to the page hosting the call UI
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	CallType  string `json:"call_type,omitempty"`
	Token     string `json:"token,omitempty"`
	PeerUID   string `json:"peer_uid,omitempty"`
}

// SendFunc delivers an encoded frame to the page
type SendFunc func(data []byte) error

// RemoteSurface forwards call UI commands to a browser over a send function.
// The page reports back through Session.Ended and Session.Fail.
type RemoteSurface struct {
	id   string
	send SendFunc

	mu   sync.Mutex
	open map[string]struct{}
}

// NewRemoteSurface creates a surface named id
func NewRemoteSurface(id string, send SendFunc) *RemoteSurface {
	return &RemoteSurface{id: id, send: send, open: make(map[string]struct{})}
}

// ID of the surface
func (r *RemoteSurface) ID() string {
	return r.id
}

// Open asks the page to start rendering spec
func (r *RemoteSurface) Open(ctx context.Context, spec LaunchSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.write(Frame{
		Type:      FrameCallStart,
		SessionID: spec.SessionID,
		CallType:  string(spec.CallType),
		Token:     spec.Token,
		PeerUID:   spec.PeerUID,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.open[spec.SessionID] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Close asks the page to stop rendering. Unknown sessions are ignored.
func (r *RemoteSurface) Close(sessionID string) error {
	r.mu.Lock()
	_, ok := r.open[sessionID]
	delete(r.open, sessionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.write(Frame{Type: FrameCallStop, SessionID: sessionID})
}

func (r *RemoteSurface) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return r.send(data)
}
