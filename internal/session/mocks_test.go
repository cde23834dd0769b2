package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"go.uber.org/goleak"

	"supportwidget-backend/internal/callui"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockPort is a mock implementation of realtime.Port
type MockPort struct {
	mock.Mock

	mu        sync.Mutex
	onMessage realtime.MessageHandler
	onCall    realtime.CallHandler
	sub       *mockSubscription
}

var _ realtime.Port = (*MockPort)(nil)

func (m *MockPort) Initialize(ctx context.Context, cfg realtime.Config) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *MockPort) Authenticate(ctx context.Context, uid string, cred realtime.Credential) (*realtime.AuthResult, error) {
	args := m.Called(ctx, uid, cred)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*realtime.AuthResult), args.Error(1)
}

func (m *MockPort) Logout(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPort) SendMessage(ctx context.Context, receiverUID, text string) (*domain.Message, error) {
	args := m.Called(ctx, receiverUID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockPort) FetchRecentConversations(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ConversationSummary), args.Error(1)
}

func (m *MockPort) FetchMessages(ctx context.Context, peerUID string, limit int) ([]domain.Message, error) {
	args := m.Called(ctx, peerUID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *MockPort) MarkConversationRead(ctx context.Context, peerUID string) error {
	args := m.Called(ctx, peerUID)
	return args.Error(0)
}

func (m *MockPort) InitiateCall(ctx context.Context, receiverUID string, callType domain.CallType) (*domain.CallSession, error) {
	args := m.Called(ctx, receiverUID, callType)
	if fn, ok := args.Get(0).(func() (*domain.CallSession, error)); ok {
		return fn()
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockPort) AcceptCall(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	args := m.Called(ctx, sessionID)
	if fn, ok := args.Get(0).(func(string) (*domain.CallSession, error)); ok {
		return fn(sessionID)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockPort) RejectCall(ctx context.Context, sessionID string, reason domain.CallStatus) error {
	args := m.Called(ctx, sessionID, reason)
	return args.Error(0)
}

func (m *MockPort) EndCall(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockPort) CallToken(ctx context.Context, sessionID string) (string, error) {
	args := m.Called(ctx, sessionID)
	return args.String(0), args.Error(1)
}

func (m *MockPort) Subscribe(ctx context.Context, onMessage realtime.MessageHandler, onCall realtime.CallHandler) (realtime.Subscription, error) {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	sub := &mockSubscription{}
	m.mu.Lock()
	m.onMessage, m.onCall, m.sub = onMessage, onCall, sub
	m.mu.Unlock()
	return sub, nil
}

// pushMessage delivers w as the backend would, if a subscription is open
func (m *MockPort) pushMessage(w realtime.WireMessage) bool {
	m.mu.Lock()
	fn, sub := m.onMessage, m.sub
	m.mu.Unlock()
	if sub == nil || sub.isClosed() {
		return false
	}
	fn(w)
	return true
}

func (m *MockPort) pushCall(w realtime.WireCall) bool {
	m.mu.Lock()
	fn, sub := m.onCall, m.sub
	m.mu.Unlock()
	if sub == nil || sub.isClosed() {
		return false
	}
	fn(w)
	return true
}

type mockSubscription struct {
	mu     sync.Mutex
	closes int
}

func (s *mockSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *mockSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

// fakeSurface records what the controller asked it to render
type fakeSurface struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (f *fakeSurface) ID() string { return "test-surface" }

func (f *fakeSurface) Open(_ context.Context, spec callui.LaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, spec.SessionID)
	return nil
}

func (f *fakeSurface) Close(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeSurface) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *fakeSurface) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

const (
	selfUID = "u1"
	peerUID = "peer1"
)

func videoCall(sid string, status domain.CallStatus) domain.CallSession {
	return domain.CallSession{
		SessionID:    sid,
		CallType:     domain.CallTypeVideo,
		InitiatorUID: selfUID,
		ReceiverUID:  peerUID,
		Status:       status,
		StartedAt:    1700000000,
	}
}

func incomingCall(sid string) domain.CallSession {
	cs := videoCall(sid, domain.CallStatusInitiated)
	cs.InitiatorUID, cs.ReceiverUID = peerUID, selfUID
	return cs
}

func ongoing(cs domain.CallSession) *domain.CallSession {
	cs.Status = domain.CallStatusOngoing
	return &cs
}

func textMessage(id string, sentAt int64, from, to string) domain.Message {
	return domain.Message{
		ID:             id,
		Text:           "message " + id,
		Kind:           domain.MessageKindText,
		SenderUID:      from,
		ReceiverUID:    to,
		SentAt:         sentAt,
		DeliveryStatus: domain.DeliverySent,
	}
}

// assertSlotInvariant fails when a session sits in more than one slot or
// appears twice in incoming
func assertSlotInvariant(t *testing.T, snap Snapshot) {
	t.Helper()
	seen := make(map[string]int)
	for _, cs := range snap.Calls.Incoming {
		seen[cs.SessionID]++
	}
	if snap.Calls.Outgoing != nil {
		seen[snap.Calls.Outgoing.SessionID]++
	}
	if snap.Calls.Active != nil {
		seen[snap.Calls.Active.SessionID]++
	}
	for sid, n := range seen {
		if n > 1 {
			t.Fatalf("session %s occupies %d slots: %+v", sid, n, snap.Calls)
		}
	}
}
