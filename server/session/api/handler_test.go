package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop_rt/server/common/auth"
	"workshop_rt/server/common/middleware"
	evdomain "workshop_rt/server/eventbus/domain"
	sessiondomain "workshop_rt/server/session/domain"
	sessionservice "workshop_rt/server/session/service"
)

type recordingPublisher struct {
	mu    sync.Mutex
	types []evdomain.EventType
}

func (p *recordingPublisher) Publish(_ context.Context, req evdomain.PublishRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, req.Type)
	return "evt", nil
}

func (p *recordingPublisher) seen() []evdomain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]evdomain.EventType(nil), p.types...)
}

func newTestServer(t *testing.T) (*httptest.Server, *sessionservice.Registry, *recordingPublisher, *auth.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := sessionservice.NewRegistry()
	events := &recordingPublisher{}
	authSvc := auth.NewService("test-secret", 10)

	r := gin.New()
	secured := r.Group("")
	secured.Use(middleware.AuthRequired(authSvc))
	NewHandler(registry, events, 16, nil).RegisterRoutes(secured)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry, events, authSvc
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?" + query
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestSessionSocketLifecycle(t *testing.T) {
	srv, registry, events, authSvc := newTestServer(t)
	token, err := authSvc.GenerateToken("tech-1", "ws-berlin", string(sessiondomain.RoleTechnician))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "device_class=mobile&locale=de-DE&access_token="+token), nil)
	require.NoError(t, err)

	welcome := readEnvelope(t, conn)
	assert.Equal(t, "session.welcome", welcome["type"])
	payload := welcome["payload"].(map[string]any)
	assert.Equal(t, "tech-1", payload["actor_id"])
	assert.Equal(t, "de-DE", payload["locale"])
	assert.Equal(t, 1, registry.ActorSessionCount("tech-1"))

	entityGroup := "workshop:ws-berlin:entity:work_order:wo-1"
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "group.join", "group": entityGroup}))
	assert.Equal(t, "group.join.ok", readEnvelope(t, conn)["type"])

	for _, foreign := range []string{"workshop:ws-hamburg", "workshop:ws-hamburg:entity:work_order:wo-9", "workshop:ws-berlin2", "entity:work_order:wo-9"} {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "group.join", "group": foreign}))
		assert.Equal(t, "error", readEnvelope(t, conn)["type"], foreign)
	}
	assert.Empty(t, registry.GroupMembers("entity:work_order:wo-9"))

	assert.Equal(t, 1, registry.BroadcastGroup(context.Background(), entityGroup, "sync.entity_updated", map[string]any{"entity_id": "wo-1"}))
	assert.Equal(t, "sync.entity_updated", readEnvelope(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "location.update", "location": map[string]any{"latitude": 52.52, "longitude": 13.40}}))
	// the location fans out to the session's own groups before the ack
	types := []any{readEnvelope(t, conn)["type"], readEnvelope(t, conn)["type"], readEnvelope(t, conn)["type"]}
	assert.Contains(t, types, "location.update.ok")
	assert.Contains(t, types, sessionservice.EventLocationUpdated)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return registry.ActorSessionCount("tech-1") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		seen := events.seen()
		return len(seen) == 2 && seen[0] == evdomain.EventSessionConnected && seen[1] == evdomain.EventSessionDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleSweepAnnouncesDisconnectOnce(t *testing.T) {
	srv, registry, events, authSvc := newTestServer(t)
	token, err := authSvc.GenerateToken("tech-1", "ws-berlin", string(sessiondomain.RoleTechnician))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "device_class=mobile&access_token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "session.welcome", readEnvelope(t, conn)["type"])

	require.Equal(t, 1, registry.SweepIdle(-time.Minute))
	assert.Eventually(t, func() bool {
		seen := events.seen()
		return len(seen) == 2 && seen[1] == evdomain.EventSessionDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "the swept socket is closed by the server")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, events.seen(), 2)
}

func TestSessionSocketRejectsBadRequests(t *testing.T) {
	srv, _, _, authSvc := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "device_class=mobile"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := authSvc.GenerateToken("tech-1", "ws-berlin", string(sessiondomain.RoleTechnician))
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "device_class=toaster&access_token="+token), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	token, err = authSvc.GenerateToken("tech-1", "ws-berlin", "intruder")
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "access_token="+token), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
