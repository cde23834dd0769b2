package redisport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/jwt"
)

var testConfig = realtime.Config{AppID: "app", Region: "eu", AuthKey: "secret-key"}

func setupRedis(t *testing.T) (*database.RedisClient, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rc := database.NewRedisClient(redis.NewClient(&redis.Options{Addr: s.Addr()}), nil)
	t.Cleanup(func() { _ = rc.Close() })
	return rc, s
}

func newPort(t *testing.T, rc *database.RedisClient) *Port {
	p := New(Options{Redis: rc, RingTimeout: time.Second})
	require.NoError(t, p.Initialize(context.Background(), testConfig))
	return p
}

func login(t *testing.T, rc *database.RedisClient, uid string) (*Port, *realtime.AuthResult) {
	p := newPort(t, rc)
	res, err := p.Authenticate(context.Background(), uid, realtime.Credential{AuthKey: testConfig.AuthKey})
	require.NoError(t, err)
	return p, res
}

// recorder collects pushed events
type recorder struct {
	messages chan realtime.WireMessage
	calls    chan realtime.WireCall
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan realtime.WireMessage, 32),
		calls:    make(chan realtime.WireCall, 32),
	}
}

func (r *recorder) subscribe(t *testing.T, p *Port) realtime.Subscription {
	sub, err := p.Subscribe(context.Background(),
		func(m realtime.WireMessage) { r.messages <- m },
		func(c realtime.WireCall) { r.calls <- c },
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func (r *recorder) nextCall(t *testing.T) realtime.WireCall {
	select {
	case c := <-r.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call event")
		return realtime.WireCall{}
	}
}

func (r *recorder) nextMessage(t *testing.T) realtime.WireMessage {
	select {
	case m := <-r.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return realtime.WireMessage{}
	}
}

func TestInitialize_NotConfigured(t *testing.T) {
	rc, _ := setupRedis(t)
	p := New(Options{Redis: rc})
	ctx := context.Background()

	err := p.Initialize(ctx, realtime.Config{AppID: "app"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotConfigured))

	_, err = p.Authenticate(ctx, "v1", realtime.Credential{AuthKey: "k"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotConfigured))
	_, err = p.SendMessage(ctx, "agent", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotConfigured))

	require.NoError(t, p.Initialize(ctx, testConfig))
	require.NoError(t, p.Initialize(ctx, testConfig))

	_, err = p.SendMessage(ctx, "agent", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotAuthenticated))
}

func TestAuthenticate_KeyThenToken(t *testing.T) {
	rc, _ := setupRedis(t)
	p := newPort(t, rc)
	ctx := context.Background()

	res, err := p.Authenticate(ctx, "v1", realtime.Credential{AuthKey: testConfig.AuthKey, DisplayName: "Visitor"})
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Identity.UID)
	assert.Equal(t, "Visitor", res.Identity.DisplayName)
	assert.NotEmpty(t, res.AuthToken)

	again := newPort(t, rc)
	res2, err := again.Authenticate(ctx, "v1", realtime.Credential{AuthToken: res.AuthToken})
	require.NoError(t, err)
	assert.Equal(t, res.AuthToken, res2.AuthToken)
	assert.Equal(t, "Visitor", res2.Identity.DisplayName)
}

func TestAuthenticate_Failures(t *testing.T) {
	rc, _ := setupRedis(t)
	p := newPort(t, rc)
	ctx := context.Background()

	_, err := p.Authenticate(ctx, "v1", realtime.Credential{AuthKey: "wrong"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuth))

	_, err = p.Authenticate(ctx, "v1", realtime.Credential{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuth))

	_, err = p.Authenticate(ctx, "v1", realtime.Credential{AuthToken: "garbage"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuth))

	res, err := p.Authenticate(ctx, "v1", realtime.Credential{AuthKey: testConfig.AuthKey})
	require.NoError(t, err)
	_, err = newPort(t, rc).Authenticate(ctx, "v2", realtime.Credential{AuthToken: res.AuthToken})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuth))
}

func TestLogout_RevokesToken(t *testing.T) {
	rc, _ := setupRedis(t)
	p, res := login(t, rc, "v1")
	ctx := context.Background()

	require.NoError(t, p.Logout(ctx))
	_, err := p.SendMessage(ctx, "agent", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotAuthenticated))

	_, err = newPort(t, rc).Authenticate(ctx, "v1", realtime.Credential{AuthToken: res.AuthToken})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuth))

	// Logging out twice is harmless.
	assert.NoError(t, p.Logout(ctx))
}

func TestAuthenticate_Concurrent(t *testing.T) {
	rc, _ := setupRedis(t)
	p := newPort(t, rc)

	var wg sync.WaitGroup
	results := make([]*realtime.AuthResult, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Authenticate(context.Background(), "v1", realtime.Credential{AuthKey: testConfig.AuthKey})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "v1", results[i].Identity.UID)
	}
}

func TestMessages_SendFetchAndConversations(t *testing.T) {
	rc, _ := setupRedis(t)
	visitor, _ := login(t, rc, "v1")
	agent, _ := login(t, rc, "agent")
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := visitor.SendMessage(ctx, "agent", text)
		require.NoError(t, err)
	}
	reply, err := agent.SendMessage(ctx, "v1", "four")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageKindText, reply.Kind)
	assert.Equal(t, "agent", reply.SenderUID)

	msgs, err := visitor.FetchMessages(ctx, "agent", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Text)
	assert.Equal(t, "four", msgs[1].Text)

	all, err := visitor.FetchMessages(ctx, "agent", 30)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	convs, err := agent.FetchRecentConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "v1", convs[0].PeerUID)
	assert.Equal(t, "four", convs[0].LastMessage)
	assert.Equal(t, 3, convs[0].UnreadCount)

	convs, err = visitor.FetchRecentConversations(ctx, 5)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)

	require.NoError(t, visitor.MarkConversationRead(ctx, "agent"))
	convs, err = visitor.FetchRecentConversations(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].UnreadCount)

	_, err = visitor.SendMessage(ctx, "agent", "   ")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

type stubPresence map[string]bool

func (s stubPresence) IsOnline(_ context.Context, uid string) (bool, error) {
	return s[uid], nil
}

func TestConversations_Presence(t *testing.T) {
	rc, _ := setupRedis(t)
	ctx := context.Background()

	visitor := New(Options{Redis: rc, Presence: stubPresence{"agent": true}})
	require.NoError(t, visitor.Initialize(ctx, testConfig))
	_, err := visitor.Authenticate(ctx, "v1", realtime.Credential{AuthKey: testConfig.AuthKey})
	require.NoError(t, err)

	_, err = visitor.SendMessage(ctx, "agent", "hello")
	require.NoError(t, err)

	convs, err := visitor.FetchRecentConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.True(t, convs[0].Online)
}

func TestSubscribe_MessagePush(t *testing.T) {
	rc, _ := setupRedis(t)
	visitor, _ := login(t, rc, "v1")
	agent, _ := login(t, rc, "agent")
	ctx := context.Background()

	ignore := goleak.IgnoreCurrent()
	rec := newRecorder()
	sub := rec.subscribe(t, visitor)

	sent, err := agent.SendMessage(ctx, "v1", "hello")
	require.NoError(t, err)

	got := rec.nextMessage(t)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "hello", got.Text)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	goleak.VerifyNone(t, ignore)
}

func TestCall_AcceptAndEnd(t *testing.T) {
	rc, _ := setupRedis(t)
	visitor, _ := login(t, rc, "v1")
	agent, _ := login(t, rc, "agent")
	ctx := context.Background()

	visitorEvents, agentEvents := newRecorder(), newRecorder()
	visitorEvents.subscribe(t, visitor)
	agentEvents.subscribe(t, agent)

	cs, err := agent.InitiateCall(ctx, "v1", domain.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiated, cs.Status)

	incoming := visitorEvents.nextCall(t)
	assert.Equal(t, realtime.KindCallIncoming, incoming.Kind)
	assert.Equal(t, cs.SessionID, incoming.SessionID)

	accepted, err := visitor.AcceptCall(ctx, cs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, accepted.Status)

	ev := agentEvents.nextCall(t)
	assert.Equal(t, realtime.KindCallOutgoingAccepted, ev.Kind)

	// Accepting twice returns the connected call.
	again, err := visitor.AcceptCall(ctx, cs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, again.Status)

	token, err := visitor.CallToken(ctx, cs.SessionID)
	require.NoError(t, err)
	claims, err := visitor.ValidateCallToken(token)
	require.NoError(t, err)
	assert.Equal(t, cs.SessionID, claims.SessionID)
	assert.Equal(t, "video", claims.CallType)
	assert.Equal(t, jwt.PurposeCall, claims.Purpose)

	require.NoError(t, visitor.EndCall(ctx, cs.SessionID))
	ended := agentEvents.nextCall(t)
	assert.Equal(t, realtime.KindCallEnded, ended.Kind)
	assert.Equal(t, string(domain.CallStatusEnded), ended.Status)

	// Ending again is a no-op and the token can no longer be issued.
	require.NoError(t, visitor.EndCall(ctx, cs.SessionID))
	_, err = visitor.CallToken(ctx, cs.SessionID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStaleSession))

	msgs, err := visitor.FetchMessages(ctx, "agent", 30)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageKindVideoEvent, msgs[0].Kind)
	assert.Equal(t, "Call started", msgs[0].Text)
	assert.Equal(t, "Call ended", msgs[1].Text)
}

func TestCall_RejectAndCancel(t *testing.T) {
	rc, _ := setupRedis(t)
	visitor, _ := login(t, rc, "v1")
	agent, _ := login(t, rc, "agent")
	ctx := context.Background()

	visitorEvents, agentEvents := newRecorder(), newRecorder()
	visitorEvents.subscribe(t, visitor)
	agentEvents.subscribe(t, agent)

	// Visitor calls, agent declines.
	cs, err := visitor.InitiateCall(ctx, "agent", domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, realtime.KindCallIncoming, agentEvents.nextCall(t).Kind)

	require.NoError(t, agent.RejectCall(ctx, cs.SessionID, domain.CallStatusRejected))
	rejected := visitorEvents.nextCall(t)
	assert.Equal(t, realtime.KindCallOutgoingRejected, rejected.Kind)
	assert.Equal(t, string(domain.CallStatusRejected), rejected.Status)

	require.NoError(t, agent.RejectCall(ctx, cs.SessionID, domain.CallStatusRejected))
	_, err = agent.AcceptCall(ctx, cs.SessionID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeStaleSession))

	// Visitor calls again and cancels before the agent answers.
	cs2, err := visitor.InitiateCall(ctx, "agent", domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, realtime.KindCallIncoming, agentEvents.nextCall(t).Kind)

	require.NoError(t, visitor.RejectCall(ctx, cs2.SessionID, domain.CallStatusCancelled))
	cancelled := agentEvents.nextCall(t)
	assert.Equal(t, realtime.KindCallIncomingCancelled, cancelled.Kind)
	assert.Equal(t, cs2.SessionID, cancelled.SessionID)

	err = visitor.RejectCall(ctx, cs2.SessionID, domain.CallStatusEnded)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))

	_, err = visitor.AcceptCall(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCallNotFound))
}

func TestRingSweeper_TimesOutUnanswered(t *testing.T) {
	rc, _ := setupRedis(t)
	visitor, _ := login(t, rc, "v1")
	agent, _ := login(t, rc, "agent")
	ctx := context.Background()

	visitorEvents, agentEvents := newRecorder(), newRecorder()
	visitorEvents.subscribe(t, visitor)
	agentEvents.subscribe(t, agent)

	cs, err := visitor.InitiateCall(ctx, "agent", domain.CallTypeVideo)
	require.NoError(t, err)
	agentEvents.nextCall(t)

	sweeper := NewRingSweeper(rc, testConfig.AppID)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sweeper.now = func() time.Time { return time.Now().Add(5 * time.Second) }
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outgoing := visitorEvents.nextCall(t)
	assert.Equal(t, realtime.KindCallOutgoingRejected, outgoing.Kind)
	assert.Equal(t, string(domain.CallStatusUnanswered), outgoing.Status)
	incoming := agentEvents.nextCall(t)
	assert.Equal(t, realtime.KindCallIncomingCancelled, incoming.Kind)
	assert.Equal(t, cs.SessionID, incoming.SessionID)

	// Nothing left to sweep.
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRingSweeper_AcceptedCallIsNotSwept(t *testing.T) {
	rc, _ := setupRedis(t)
	visitor, _ := login(t, rc, "v1")
	agent, _ := login(t, rc, "agent")
	ctx := context.Background()

	cs, err := agent.InitiateCall(ctx, "v1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = visitor.AcceptCall(ctx, cs.SessionID)
	require.NoError(t, err)

	sweeper := NewRingSweeper(rc, testConfig.AppID)
	sweeper.now = func() time.Time { return time.Now().Add(time.Minute) }
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
