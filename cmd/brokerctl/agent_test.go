package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/danmuck/brokerlink/internal/broker"
	"github.com/danmuck/brokerlink/internal/testutil/brokertest"
	"github.com/danmuck/brokerlink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, a *agent, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func TestAgentRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := brokertest.Start(t, brokertest.Options{})
	client := peer(t, srv, "agent-a")
	a := newAgent(client, "agent-a", "")

	code, body := get(t, a, "/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, client.ComponentID(), body["component_id"])
	require.Equal(t, srv.Name(), body["server"])

	code, body = get(t, a, "/ready")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ready"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.AcquireLock(ctx, "render.lock")
	require.NoError(t, err)
	code, body = get(t, a, "/locks")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["locks"], 1)

	code, body = get(t, a, "/attributes/SZG_RENDER/stereo?valid="+url.QueryEscape("|true|false|"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "true", body["value"])

	code, body = get(t, a, "/registrations")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, body["registrations"])

	code, _ = get(t, a, "/metrics")
	require.Equal(t, http.StatusOK, code)
}

func TestAgentTokenGuardsBrokerRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := brokertest.Start(t, brokertest.Options{})
	a := newAgent(peer(t, srv, "agent-t"), "agent-t", "secret")

	code, _ := get(t, a, "/health")
	require.Equal(t, http.StatusOK, code)
	code, _ = get(t, a, "/locks")
	require.Equal(t, http.StatusUnauthorized, code)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/locks", nil)
	req.Header.Set("Authorization", "Bearer secret")
	a.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAgentReportsLostSession(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := brokertest.Start(t, brokertest.Options{})
	client := peer(t, srv, "agent-b")
	a := newAgent(client, "agent-b", "")

	require.NoError(t, srv.Disconnect(client.ComponentID(), "maintenance"))
	select {
	case <-client.Conn().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session still open")
	}

	code, body := get(t, a, "/ready")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, false, body["ready"])

	code, body = get(t, a, "/locks")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body["error"], "maintenance")
}

func TestAgentStopsOnQuit(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := brokertest.Start(t, brokertest.Options{})
	client := peer(t, srv, "agent-c")
	killer := peer(t, srv, "killer")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() {
		err := newAgent(client, "agent-c", "").serve(ctx, ln)
		_ = client.Close()
		served <- err
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	forced, err := killer.KillComponents(ctx, []uint32{client.ComponentID()}, 3*time.Second)
	require.NoError(t, err)
	require.Empty(t, forced)

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("agent did not stop")
	}
}

func TestAgentFailStatus(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cases := map[error]int{
		broker.ErrNotConnected: http.StatusServiceUnavailable,
		broker.ErrTimeout:      http.StatusGatewayTimeout,
		broker.ErrRejected:     http.StatusBadGateway,
	}
	a := &agent{}
	for err, want := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		a.fail(c, err)
		require.Equal(t, want, w.Code, err.Error())
	}
}
