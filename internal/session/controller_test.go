package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"supportwidget-backend/internal/domain"
	apperrors "supportwidget-backend/pkg/errors"
)

func newTestController(t *testing.T) (*Controller, *Store, *MockPort) {
	port := new(MockPort)
	store := NewStore(domain.WidgetSettings{})
	store.SetIdentity(&domain.Identity{UID: selfUID})
	store.AdoptPeer(peerUID)
	ctrl := NewController(port, store, nil, time.Minute)
	t.Cleanup(ctrl.Close)
	return ctrl, store, port
}

func TestController_StartCallThenRejected(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := videoCall("s1", domain.CallStatusInitiated)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(&s1, nil)

	cs, err := ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, "s1", cs.SessionID)

	out := store.Outgoing()
	require.NotNil(t, out)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, domain.CallStatusInitiated, out.Status)

	ctrl.HandleCallEvent(domain.CallEventOutgoingRejected, s1)
	assert.Nil(t, store.Outgoing())
	port.AssertExpectations(t)
}

func TestController_IncomingThenAccept(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	require.Len(t, store.Snapshot().Calls.Incoming, 1)

	cs, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, cs.Status)

	snap := store.Snapshot()
	assert.Empty(t, snap.Calls.Incoming)
	require.NotNil(t, snap.Calls.Active)
	assert.Equal(t, "s1", snap.Calls.Active.SessionID)

	// No surface attached: the timeline records a status-only entry.
	require.Len(t, snap.Timeline, 1)
	assert.Equal(t, domain.MessageKindVideoEvent, snap.Timeline[0].Kind)
	assert.Equal(t, true, snap.Timeline[0].Metadata["status_only"])
	port.AssertExpectations(t)
	port.AssertNotCalled(t, "CallToken", mock.Anything, mock.Anything)
}

func TestController_AcceptSecondSupersedesActive(t *testing.T) {
	ctrl, store, port := newTestController(t)
	surface := &fakeSurface{}
	ctrl.AttachSurface(surface)

	s1, s2 := incomingCall("s1"), incomingCall("s2")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("AcceptCall", mock.Anything, "s2").Return(ongoing(s2), nil)
	port.On("CallToken", mock.Anything, mock.Anything).Return("tok", nil)
	port.On("EndCall", mock.Anything, "s1").Return(nil).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, surface.Opened())

	ctrl.HandleCallEvent(domain.CallEventIncoming, s2)
	cs, err := ctrl.Accept(context.Background(), "s2")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCallSlotOccupied))
	require.NotNil(t, cs)
	assert.Equal(t, "s2", cs.SessionID)

	active := store.Active()
	require.NotNil(t, active)
	assert.Equal(t, "s2", active.SessionID)
	assert.Equal(t, SlotNone, store.SlotOf("s1"))
	assert.Equal(t, []string{"s1"}, surface.Closed())
	assert.Equal(t, []string{"s1", "s2"}, surface.Opened())

	// The backend's call-ended for the superseded call arrives late.
	ctrl.HandleCallEvent(domain.CallEventEnded, s1)
	assert.Equal(t, "s2", store.Active().SessionID)
	port.AssertExpectations(t)
}

func TestController_OutgoingAcceptedSupersedesActive(t *testing.T) {
	ctrl, store, port := newTestController(t)
	port.On("CallToken", mock.Anything, mock.Anything).Return("tok", nil).Maybe()
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(incomingCall("s1")), nil)
	port.On("EndCall", mock.Anything, "s1").Return(nil).Once()
	s2 := videoCall("s2", domain.CallStatusInitiated)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(&s2, nil)

	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s1"))
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	_, err = ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	require.NoError(t, err)
	ctrl.HandleCallEvent(domain.CallEventOutgoingAccepted, s2)

	snap := store.Snapshot()
	require.NotNil(t, snap.Calls.Active)
	assert.Equal(t, "s2", snap.Calls.Active.SessionID)
	assert.Nil(t, snap.Calls.Outgoing)
	assertSlotInvariant(t, snap)
	port.AssertExpectations(t)
}

func TestController_TerminalEventsAreIdempotent(t *testing.T) {
	ctrl, store, port := newTestController(t)
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(incomingCall("s1")), nil)
	port.On("CallToken", mock.Anything, "s1").Return("tok", nil)

	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s1"))
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	ended := ongoing(incomingCall("s1"))
	ctrl.HandleCallEvent(domain.CallEventEnded, *ended)
	before := store.Snapshot()
	ctrl.HandleCallEvent(domain.CallEventEnded, *ended)
	after := store.Snapshot()
	assert.Nil(t, after.Calls.Active)
	assert.Equal(t, before.Version, after.Version, "second call-ended must change nothing")

	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s2"))
	ctrl.HandleCallEvent(domain.CallEventIncomingCancelled, incomingCall("s2"))
	ctrl.HandleCallEvent(domain.CallEventIncomingCancelled, incomingCall("s2"))
	assert.Empty(t, store.Snapshot().Calls.Incoming)

	// A late duplicate offer for a cancelled call is dropped.
	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s2"))
	assert.Empty(t, store.Snapshot().Calls.Incoming)
}

func TestController_LocalEndRacesPushEnded(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("CallToken", mock.Anything, "s1").Return("tok", nil)
	port.On("EndCall", mock.Anything, "s1").Run(func(mock.Arguments) {
		// The backend's call-ended overtakes the EndCall response.
		ctrl.HandleCallEvent(domain.CallEventEnded, *ongoing(s1))
	}).Return(nil)

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	cs, err := ctrl.HangUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", cs.SessionID)
	assert.Nil(t, store.Active())

	_, err = ctrl.HangUp(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStaleSession))
}

func TestController_PushOvertakesInitiate(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := videoCall("s1", domain.CallStatusInitiated)
	port.On("CallToken", mock.Anything, "s1").Return("tok", nil)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(func() (*domain.CallSession, error) {
		// The callee answered before the initiate response came back.
		ctrl.HandleCallEvent(domain.CallEventOutgoingAccepted, *ongoing(s1))
		return &s1, nil
	})

	_, err := ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	require.NoError(t, err)

	snap := store.Snapshot()
	assert.Nil(t, snap.Calls.Outgoing)
	require.NotNil(t, snap.Calls.Active)
	assert.Equal(t, "s1", snap.Calls.Active.SessionID)
}

func TestController_RejectOvertakesInitiate(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := videoCall("s1", domain.CallStatusInitiated)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(func() (*domain.CallSession, error) {
		ctrl.HandleCallEvent(domain.CallEventOutgoingRejected, s1)
		return &s1, nil
	})

	_, err := ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	require.NoError(t, err)
	assert.Nil(t, store.Outgoing())
}

func TestController_FailedInitiateAllowsRetry(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := videoCall("s1", domain.CallStatusInitiated)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeAudio).
		Return(nil, apperrors.ServiceUnavailableError("down", nil)).Once()
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeAudio).Return(&s1, nil).Once()

	_, err := ctrl.Initiate(context.Background(), peerUID, domain.CallTypeAudio)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeServiceUnavail))
	assert.Nil(t, store.Outgoing())

	_, err = ctrl.Initiate(context.Background(), peerUID, domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, "s1", store.Outgoing().SessionID)
}

func TestController_SecondInitiateCancelsFirst(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := videoCall("s1", domain.CallStatusInitiated)
	s2 := videoCall("s2", domain.CallStatusInitiated)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(&s1, nil).Once()
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(&s2, nil).Once()
	port.On("RejectCall", mock.Anything, "s1", domain.CallStatusCancelled).Return(nil).Once()

	_, err := ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	require.NoError(t, err)
	cs, err := ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCallSlotOccupied))
	assert.Equal(t, "s2", cs.SessionID)
	assert.Equal(t, "s2", store.Outgoing().SessionID)

	// The backend confirms the cancel; nothing changes.
	ctrl.HandleCallEvent(domain.CallEventOutgoingRejected, s1)
	assert.Equal(t, "s2", store.Outgoing().SessionID)
	port.AssertExpectations(t)
}

func TestController_AcceptRacesCancel(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(func(string) (*domain.CallSession, error) {
		ctrl.HandleCallEvent(domain.CallEventIncomingCancelled, s1)
		return ongoing(s1), nil
	})
	port.On("EndCall", mock.Anything, "s1").Return(nil).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStaleSession))
	assert.Nil(t, store.Active())
	assert.Empty(t, store.Snapshot().Calls.Incoming)
	port.AssertExpectations(t)
}

func TestController_AcceptUnknownIsStale(t *testing.T) {
	ctrl, _, port := newTestController(t)
	_, err := ctrl.Accept(context.Background(), "nope")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStaleSession))
	port.AssertNotCalled(t, "AcceptCall", mock.Anything, mock.Anything)
}

func TestController_AcceptPortFailureKeepsOffer(t *testing.T) {
	ctrl, store, port := newTestController(t)
	port.On("AcceptCall", mock.Anything, "s1").Return(nil, apperrors.ServiceUnavailableError("down", nil)).Once()
	port.On("AcceptCall", mock.Anything, "s2").Return(nil, apperrors.CallNotFoundError()).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s1"))
	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s2"))

	_, err := ctrl.Accept(context.Background(), "s1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeServiceUnavail))
	assert.Equal(t, SlotIncoming, store.SlotOf("s1"))

	_, err = ctrl.Accept(context.Background(), "s2")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStaleSession))
	assert.Equal(t, SlotNone, store.SlotOf("s2"))
}

func TestController_Decline(t *testing.T) {
	ctrl, store, port := newTestController(t)
	port.On("RejectCall", mock.Anything, "s1", domain.CallStatusRejected).
		Return(apperrors.ServiceUnavailableError("down", nil)).Once()
	port.On("RejectCall", mock.Anything, "s1", domain.CallStatusRejected).Return(nil).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s1"))

	err := ctrl.Decline(context.Background(), "s1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeServiceUnavail))
	assert.Equal(t, SlotIncoming, store.SlotOf("s1"))

	require.NoError(t, ctrl.Decline(context.Background(), "s1"))
	assert.Equal(t, SlotNone, store.SlotOf("s1"))

	err = ctrl.Decline(context.Background(), "s1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStaleSession))
	port.AssertExpectations(t)
}

func TestController_HangUpCancelsOutgoing(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := videoCall("s1", domain.CallStatusInitiated)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(&s1, nil)
	port.On("RejectCall", mock.Anything, "s1", domain.CallStatusCancelled).
		Return(apperrors.ServiceUnavailableError("down", nil))

	_, err := ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	require.NoError(t, err)

	cs, err := ctrl.HangUp(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeServiceUnavail))
	assert.Equal(t, "s1", cs.SessionID)
	assert.Nil(t, store.Outgoing(), "local state is cleared even when the port fails")
}

func TestController_UIErrorTearsDownCall(t *testing.T) {
	ctrl, store, port := newTestController(t)
	surface := &fakeSurface{}
	ctrl.AttachSurface(surface)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("CallToken", mock.Anything, "s1").Return("tok", nil)
	port.On("EndCall", mock.Anything, "s1").Return(errors.New("network")).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	require.NoError(t, ctrl.ReportUI("s1", errors.New("camera unavailable")))
	assert.Nil(t, store.Active())
	assert.Equal(t, []string{"s1"}, surface.Closed())

	// The UI reporting again is stale.
	err = ctrl.ReportUI("s1", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStaleSession))
	port.AssertExpectations(t)
}

func TestController_UIEndedEndsCall(t *testing.T) {
	ctrl, store, port := newTestController(t)
	ctrl.AttachSurface(&fakeSurface{})
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("CallToken", mock.Anything, "s1").Return("tok", nil)
	port.On("EndCall", mock.Anything, "s1").Return(nil).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	require.NoError(t, ctrl.ReportUI("s1", nil))
	assert.Nil(t, store.Active())
	port.AssertExpectations(t)
}

func TestController_TokenFailureTearsDownCall(t *testing.T) {
	ctrl, store, port := newTestController(t)
	ctrl.AttachSurface(&fakeSurface{})
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("CallToken", mock.Anything, "s1").Return("", apperrors.ServiceUnavailableError("down", nil))
	port.On("EndCall", mock.Anything, "s1").Return(nil).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, store.Active())
	port.AssertExpectations(t)
}

func TestController_NoSurfaceSkipsToken(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("CallToken", mock.Anything, "s1").Return("", apperrors.ServiceUnavailableError("down", nil)).Maybe()

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	// A token outage cannot end a call that has nothing to render.
	active := store.Active()
	require.NotNil(t, active)
	assert.Equal(t, "s1", active.SessionID)
	snap := store.Snapshot()
	require.Len(t, snap.Timeline, 1)
	assert.Equal(t, "local:s1:connected", snap.Timeline[0].ID)
	port.AssertNotCalled(t, "CallToken", mock.Anything, mock.Anything)
	port.AssertNotCalled(t, "EndCall", mock.Anything, mock.Anything)
}

func TestController_OverlappingBindsLaunchOnce(t *testing.T) {
	ctrl, store, port := newTestController(t)
	surface := &fakeSurface{}
	ctrl.AttachSurface(surface)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	var remount sync.Once
	port.On("CallToken", mock.Anything, "s1").Run(func(mock.Arguments) {
		// The surface is mounted again while the first token is in flight.
		remount.Do(func() { ctrl.AttachSurface(surface) })
	}).Return("tok", nil)

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	require.NotNil(t, store.Active())
	assert.Equal(t, []string{"s1"}, surface.Opened())
	port.AssertNumberOfCalls(t, "CallToken", 1)
}

func TestController_BindFollowsSurfaceSwap(t *testing.T) {
	ctrl, _, port := newTestController(t)
	first, second := &fakeSurface{}, &fakeSurface{}
	ctrl.AttachSurface(first)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("CallToken", mock.Anything, "s1").Run(func(mock.Arguments) {
		ctrl.AttachSurface(second)
	}).Return("tok", nil).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	assert.Empty(t, first.Opened())
	assert.Equal(t, []string{"s1"}, second.Opened())
	port.AssertExpectations(t)
}

func TestController_BindRechecksActiveSession(t *testing.T) {
	ctrl, store, port := newTestController(t)
	surface := &fakeSurface{}
	ctrl.AttachSurface(surface)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("CallToken", mock.Anything, "s1").Run(func(mock.Arguments) {
		// The call ends while the token is being fetched.
		ctrl.HandleCallEvent(domain.CallEventEnded, *ongoing(s1))
	}).Return("tok", nil)

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	assert.Nil(t, store.Active())
	assert.Empty(t, surface.Opened())
}

func TestController_AttachAndDetachSurface(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := incomingCall("s1")
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(s1), nil)
	port.On("CallToken", mock.Anything, "s1").Return("tok", nil)

	ctrl.HandleCallEvent(domain.CallEventIncoming, s1)
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)

	// Mounting a surface late binds the connected call.
	surface := &fakeSurface{}
	ctrl.AttachSurface(surface)
	assert.Equal(t, []string{"s1"}, surface.Opened())

	ctrl.DetachSurface()
	ctrl.DetachSurface()
	assert.Equal(t, []string{"s1"}, surface.Closed())
	require.NotNil(t, store.Active(), "the call stays connected without a display")
}

func TestController_ClosedDropsLateCompletions(t *testing.T) {
	ctrl, store, port := newTestController(t)
	s1 := videoCall("s1", domain.CallStatusInitiated)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(func() (*domain.CallSession, error) {
		ctrl.Close()
		return &s1, nil
	})
	port.On("RejectCall", mock.Anything, "s1", domain.CallStatusCancelled).Return(nil).Once()

	_, err := ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	assert.Error(t, err)
	assert.Nil(t, store.Outgoing())

	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s2"))
	assert.Empty(t, store.Snapshot().Calls.Incoming)
	port.AssertExpectations(t)
}

func TestController_ResetEndsCalls(t *testing.T) {
	ctrl, store, port := newTestController(t)
	ctrl.AttachSurface(&fakeSurface{})
	port.On("AcceptCall", mock.Anything, "s1").Return(ongoing(incomingCall("s1")), nil)
	port.On("CallToken", mock.Anything, "s1").Return("tok", nil)
	s2 := videoCall("s2", domain.CallStatusInitiated)
	port.On("InitiateCall", mock.Anything, peerUID, domain.CallTypeVideo).Return(&s2, nil)
	port.On("EndCall", mock.Anything, "s1").Return(nil).Once()
	port.On("RejectCall", mock.Anything, "s2", domain.CallStatusCancelled).Return(nil).Once()

	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s1"))
	_, err := ctrl.Accept(context.Background(), "s1")
	require.NoError(t, err)
	_, err = ctrl.Initiate(context.Background(), peerUID, domain.CallTypeVideo)
	require.NoError(t, err)
	ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall("s3"))

	ctrl.Reset(context.Background())
	snap := store.Snapshot()
	assert.Nil(t, snap.Calls.Active)
	assert.Nil(t, snap.Calls.Outgoing)
	assert.Empty(t, snap.Calls.Incoming)
	port.AssertExpectations(t)
}

// TestController_RandomInterleavings drives random pushes and local actions
// over a few sessions and checks after every step that no session is in
// two slots.
func TestController_RandomInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			ctrl, store, port := newTestController(t)
			rng := rand.New(rand.NewSource(seed))
			sessions := []string{"s1", "s2", "s3"}

			var next string
			port.On("InitiateCall", mock.Anything, mock.Anything, mock.Anything).Return(func() (*domain.CallSession, error) {
				if rng.Intn(4) == 0 {
					return nil, apperrors.ServiceUnavailableError("down", nil)
				}
				cs := videoCall(next, domain.CallStatusInitiated)
				return &cs, nil
			}).Maybe()
			port.On("AcceptCall", mock.Anything, mock.Anything).Return(func(sid string) (*domain.CallSession, error) {
				return ongoing(incomingCall(sid)), nil
			}).Maybe()
			port.On("RejectCall", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
			port.On("EndCall", mock.Anything, mock.Anything).Return(nil).Maybe()
			port.On("CallToken", mock.Anything, mock.Anything).Return("tok", nil).Maybe()

			for step := 0; step < 200; step++ {
				sid := sessions[rng.Intn(len(sessions))]
				ctx := context.Background()
				switch rng.Intn(9) {
				case 0:
					ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall(sid))
				case 1:
					ctrl.HandleCallEvent(domain.CallEventOutgoingAccepted, *ongoing(videoCall(sid, domain.CallStatusOngoing)))
				case 2:
					ctrl.HandleCallEvent(domain.CallEventOutgoingRejected, videoCall(sid, domain.CallStatusRejected))
				case 3:
					ctrl.HandleCallEvent(domain.CallEventIncomingCancelled, incomingCall(sid))
				case 4:
					ctrl.HandleCallEvent(domain.CallEventEnded, videoCall(sid, domain.CallStatusEnded))
				case 5:
					next = sid
					_, _ = ctrl.Initiate(ctx, peerUID, domain.CallTypeVideo)
				case 6:
					_, _ = ctrl.Accept(ctx, sid)
				case 7:
					_ = ctrl.Decline(ctx, sid)
				case 8:
					_, _ = ctrl.HangUp(ctx)
				}
				assertSlotInvariant(t, store.Snapshot())
			}
		})
	}
}

func TestController_ConcurrentEvents(t *testing.T) {
	ctrl, store, port := newTestController(t)
	port.On("AcceptCall", mock.Anything, mock.Anything).Return(func(sid string) (*domain.CallSession, error) {
		return ongoing(incomingCall(sid)), nil
	}).Maybe()
	port.On("RejectCall", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	port.On("EndCall", mock.Anything, mock.Anything).Return(nil).Maybe()
	port.On("CallToken", mock.Anything, mock.Anything).Return("tok", nil).Maybe()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 100; i++ {
				sid := fmt.Sprintf("s%d", rng.Intn(4))
				switch rng.Intn(5) {
				case 0:
					ctrl.HandleCallEvent(domain.CallEventIncoming, incomingCall(sid))
				case 1:
					_, _ = ctrl.Accept(context.Background(), sid)
				case 2:
					ctrl.HandleCallEvent(domain.CallEventEnded, incomingCall(sid))
				case 3:
					_ = ctrl.Decline(context.Background(), sid)
				case 4:
					_, _ = ctrl.HangUp(context.Background())
				}
			}
		}(w)
	}
	wg.Wait()

	snap := store.Snapshot()
	assertSlotInvariant(t, snap)
}
