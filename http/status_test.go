package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/panyam/sockshare/share"
	"github.com/panyam/sockshare/wsock/wsocktest"
	"github.com/panyam/sockshare/wsurl"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorToHttpCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{errors.New("plain"), http.StatusInternalServerError},
		{status.Error(codes.NotFound, "x"), http.StatusNotFound},
		{status.Error(codes.InvalidArgument, "x"), http.StatusBadRequest},
		{status.Error(codes.PermissionDenied, "x"), http.StatusForbidden},
		{status.Error(codes.AlreadyExists, "x"), http.StatusConflict},
		{status.Error(codes.Unavailable, "x"), http.StatusServiceUnavailable},
		{status.Error(codes.Internal, "x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := ErrorToHttpCode(tt.err); got != tt.want {
			t.Errorf("ErrorToHttpCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func newTestRouter(t *testing.T) (http.Handler, *share.Manager, *wsocktest.Transport) {
	tr := wsocktest.NewTransport()
	tr.AutoAccept = true
	m := share.NewManager(share.Config{Transport: tr})
	t.Cleanup(m.Close)
	return NewStatusRouter(m), m, tr
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, out
}

func TestStatusRoutes(t *testing.T) {
	h, m, tr := newTestRouter(t)
	c, err := m.Connect(wsurl.Static("ws://example.com/feed"), share.Options{Share: true})
	require.NoError(t, err)
	m.Sync()
	require.Eventually(t, func() bool { return c.ReadyState().String() == "OPEN" }, time.Second, 2*time.Millisecond)

	code, body := do(t, h, http.MethodGet, "/consumers", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"ws://example.com/feed"}, body["sharedSockets"])
	consumers := body["consumers"].([]any)
	require.Len(t, consumers, 1)
	require.Equal(t, c.ID(), consumers[0].(map[string]any)["id"])

	code, body = do(t, h, http.MethodGet, "/consumers/"+c.ID(), "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "OPEN", body["readyState"])
	require.Equal(t, true, body["shared"])
	require.Equal(t, tr.Last().ID(), body["socketId"])

	code, body = do(t, h, http.MethodPost, "/consumers/"+c.ID()+"/send", "hello")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(5), body["sent"])
	m.Sync()
	require.Equal(t, []string{"hello"}, tr.Last().SentText())

	code, body = do(t, h, http.MethodPost, "/consumers/"+c.ID()+"/send", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "InvalidArgument", body["error"])

	code, body = do(t, h, http.MethodPost, "/consumers/"+c.ID()+"/restart", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, c.ID(), body["restarting"])

	code, body = do(t, h, http.MethodGet, "/consumers/nope", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NotFound", body["error"])
	require.Contains(t, body["message"], "nope")
}

func TestStatusAfterClose(t *testing.T) {
	h, m, _ := newTestRouter(t)
	c := m.NewConsumer(wsurl.Static("ws://example.com/feed"), share.Options{})
	m.Close()

	code, body := do(t, h, http.MethodPost, "/consumers/"+c.ID()+"/restart", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "Unavailable", body["error"])
}
