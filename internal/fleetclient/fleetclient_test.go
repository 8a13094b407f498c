package fleetclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclarkelauer/mastercontrol/internal/fleeterrors"
)

func newClientForServer(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := splitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return New(host, port, token)
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	return hostport[:idx], hostport[idx+1:], nil
}

func TestClient_HealthSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
	}))
	defer srv.Close()

	c := newClientForServer(t, srv, "secret")
	out, err := c.Health(context.Background(), "device-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "ok", out["status"])
}

func TestClient_NotFoundMapsToHttpError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newClientForServer(t, srv, "")
	_, err := c.Status(context.Background(), "device-1", "missing")
	require.Error(t, err)
	var httpErr *fleeterrors.HttpError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestClient_UnreachableMapsToBadGateway(t *testing.T) {
	c := New("127.0.0.1", 1, "")
	_, err := c.List(context.Background(), "device-1")
	require.Error(t, err)
	var httpErr *fleeterrors.HttpError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

func TestClient_LogsPassesLineCount(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": "tick", "lines": []string{"a"}})
	}))
	defer srv.Close()

	c := newClientForServer(t, srv, "")
	out, err := c.Logs(context.Background(), "device-1", "tick", 50)
	require.NoError(t, err)
	assert.Equal(t, "lines=50", gotQuery)
	assert.Equal(t, "tick", out["name"])
}
