package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportwidget-backend/internal/callui"
	"supportwidget-backend/internal/database"
	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/internal/realtime/redisport"
	repo "supportwidget-backend/internal/repository/redis"
	"supportwidget-backend/internal/session"
)

var widgetConfig = realtime.Config{AppID: "app", Region: "eu", AuthKey: "secret-key"}

const (
	visitorUID = "visitor-1"
	agentUID   = "agent-1"
)

// frame decodes both widget frames and call UI frames
type frame struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Op        string            `json:"op"`
	Result    *session.Result   `json:"result"`
	Snapshot  *session.Snapshot `json:"snapshot"`
	SessionID string            `json:"session_id"`
	Token     string            `json:"token"`
}

type widgetServer struct {
	hub    *WidgetHub
	server *httptest.Server
	redis  *database.RedisClient
}

func setupWidgetServer(t *testing.T, cfg WidgetHubConfig) *widgetServer {
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rc := database.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	creds := repo.NewCredentialRepository(rc, time.Hour)
	presence := repo.NewPresenceRepository(rc)

	hub := NewWidgetHub(func(v Visitor) *session.Coordinator {
		return session.NewCoordinator(session.Options{
			Port:           redisport.New(redisport.Options{Redis: rc, Presence: presence}),
			Realtime:       widgetConfig,
			Credentials:    creds.ForVisitor(v.ID),
			UID:            v.UID,
			DisplayName:    v.DisplayName,
			DefaultPeerUID: agentUID,
		})
	}, presence, nil, cfg)

	router := gin.New()
	router.GET("/ws/widget", hub.ServeWS)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
		_ = rc.Close()
	})
	return &widgetServer{hub: hub, server: srv, redis: rc}
}

func (s *widgetServer) dial(t *testing.T, visitorID string) *websocket.Conn {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/widget?visitor_id=" + visitorID + "&uid=" + visitorUID
	conn, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://shop.example"}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until match returns true
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(f) {
			return f
		}
	}
}

func resultFor(op string) func(frame) bool {
	return func(f frame) bool { return f.Type == FrameResult && f.Op == op }
}

func agentLogin(t *testing.T, rc *database.RedisClient) *redisport.Port {
	agent := redisport.New(redisport.Options{Redis: rc})
	ctx := context.Background()
	require.NoError(t, agent.Initialize(ctx, widgetConfig))
	_, err := agent.Authenticate(ctx, agentUID, realtime.Credential{AuthKey: widgetConfig.AuthKey, DisplayName: "Agent"})
	require.NoError(t, err)
	return agent
}

func TestWidgetHub_RejectsBadRequests(t *testing.T) {
	s := setupWidgetServer(t, WidgetHubConfig{MaxConnections: 1})

	resp, err := http.Get(s.server.URL + "/ws/widget")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(s.server.URL + "/ws/widget?visitor_id=not-a-uuid")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(s.server.URL + "/ws/widget?visitor_id=" + uuid.NewString() + "&uid=a:b")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A rejected request gives its slot back.
	s.hub.semaphore <- struct{}{}
	resp, err = http.Get(s.server.URL + "/ws/widget?visitor_id=" + uuid.NewString())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	<-s.hub.semaphore
}

func TestWidgetHub_CheckOrigin(t *testing.T) {
	s := setupWidgetServer(t, WidgetHubConfig{AllowedOrigins: []string{"https://shop.example"}})

	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/widget?visitor_id=" + uuid.NewString()
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := s.dial(t, uuid.NewString())
	f := readUntil(t, conn, "start result", resultFor(FrameStart))
	assert.True(t, f.Result.OK)
}

func TestWidgetHub_ChatAndCallOverSocket(t *testing.T) {
	s := setupWidgetServer(t, WidgetHubConfig{})
	agent := agentLogin(t, s.redis)
	conn := s.dial(t, uuid.NewString())

	f := readUntil(t, conn, "start result", resultFor(FrameStart))
	require.True(t, f.Result.OK, "%+v", f.Result)
	f = readUntil(t, conn, "ready snapshot", func(f frame) bool {
		return f.Type == FrameSnapshot && f.Snapshot.Phase == session.PhaseReady
	})
	assert.Equal(t, agentUID, f.Snapshot.PeerUID)

	// visitor to agent
	require.NoError(t, conn.WriteJSON(Inbound{ID: "1", Type: FrameSendText, Text: "hello"}))
	f = readUntil(t, conn, "send result", resultFor(FrameSendText))
	assert.Equal(t, "1", f.ID)
	require.True(t, f.Result.OK)
	require.NotNil(t, f.Result.Sent)
	assert.Equal(t, "hello", f.Result.Sent.Text)

	// agent to visitor arrives as a snapshot
	_, err := agent.SendMessage(context.Background(), visitorUID, "how can I help?")
	require.NoError(t, err)
	readUntil(t, conn, "agent message", func(f frame) bool {
		if f.Type != FrameSnapshot {
			return false
		}
		for _, m := range f.Snapshot.Timeline {
			if m.Text == "how can I help?" {
				return true
			}
		}
		return false
	})

	// agent calls, visitor answers, the socket becomes the call surface
	cs, err := agent.InitiateCall(context.Background(), visitorUID, domain.CallTypeAudio)
	require.NoError(t, err)
	readUntil(t, conn, "incoming call", func(f frame) bool {
		return f.Type == FrameSnapshot && len(f.Snapshot.Calls.Incoming) == 1
	})

	require.NoError(t, conn.WriteJSON(Inbound{Type: FrameAnswer, SessionID: cs.SessionID}))
	f = readUntil(t, conn, "call start", func(f frame) bool { return f.Type == callui.FrameCallStart })
	assert.Equal(t, cs.SessionID, f.SessionID)
	assert.NotEmpty(t, f.Token)

	require.NoError(t, conn.WriteJSON(Inbound{Type: FrameHangUp}))
	f = readUntil(t, conn, "call stop", func(f frame) bool { return f.Type == callui.FrameCallStop })
	assert.Equal(t, cs.SessionID, f.SessionID)

	require.NoError(t, conn.WriteJSON(Inbound{ID: "x", Type: "teleport"}))
	f = readUntil(t, conn, "unknown frame result", resultFor("teleport"))
	assert.False(t, f.Result.OK)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.hub.Connections() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestWidgetHub_ApplySettingsReachesOpenSockets(t *testing.T) {
	s := setupWidgetServer(t, WidgetHubConfig{})
	conn := s.dial(t, uuid.NewString())
	readUntil(t, conn, "start result", resultFor(FrameStart))
	require.Eventually(t, func() bool { return s.hub.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)

	applied := s.hub.ApplySettings(domain.WidgetSettings{ChatPriority: domain.PriorityHuman, EmailCapture: true})
	assert.Equal(t, 1, applied)
	readUntil(t, conn, "settings snapshot", func(f frame) bool {
		return f.Type == FrameSnapshot && f.Snapshot.Page == domain.PageEmailCapture
	})

	assert.Zero(t, s.hub.ApplySettings(domain.WidgetSettings{ChatPriority: "robots"}))
}
