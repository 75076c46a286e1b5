package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticTokens struct{ token string }

func (s staticTokens) CurrentToken() (string, bool) { return s.token, s.token != "" }

func TestCall_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "count": 3}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, staticTokens{}, zap.NewNop())

	var out struct {
		Success bool `json:"success"`
		Count   int  `json:"count"`
	}
	err := c.Call(context.Background(), http.MethodGet, "/mp/sync/players", nil, &out, false)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Count)
}

func TestCall_AttachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, staticTokens{token: "tok-123"}, zap.NewNop())

	err := c.Call(context.Background(), http.MethodPost, "/auth/logout", nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestCall_NoTokenOmitsHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, staticTokens{token: "tok-123"}, zap.NewNop())

	err := c.Call(context.Background(), http.MethodGet, "/mp/info", nil, nil, false)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestCall_UnauthenticatedFailsFast(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, staticTokens{}, zap.NewNop())

	err := c.Call(context.Background(), http.MethodPost, "/mp/events/broadcast", nil, nil, true)
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, int64(0), calls.Load(), "rejected call must not reach the network")
}

func TestCall_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": "Enhanced multiplayer server not available"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, staticTokens{}, zap.NewNop())

	err := c.Call(context.Background(), http.MethodGet, "/mp/economy/detailed", nil, nil, false)
	require.Error(t, err)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusServiceUnavailable, serverErr.Status)
	assert.Contains(t, string(serverErr.Body), "not available")
}

func TestCall_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, staticTokens{}, zap.NewNop())

	var out map[string]any
	err := c.Call(context.Background(), http.MethodGet, "/mp/info", nil, &out, false)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestCall_NilOutSkipsDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, staticTokens{}, zap.NewNop())

	err := c.Call(context.Background(), http.MethodPost, "/mp/chat/send", map[string]string{"message": "hi"}, nil, false)
	assert.NoError(t, err)
}

func TestCall_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 50*time.Millisecond, staticTokens{}, zap.NewNop())

	err := c.Call(context.Background(), http.MethodGet, "/", nil, nil, false)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCall_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, time.Second, staticTokens{}, zap.NewNop())

	err := c.Call(context.Background(), http.MethodGet, "/", nil, nil, false)
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestCall_SendsJSONBody(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, staticTokens{}, zap.NewNop())

	err := c.Call(context.Background(), http.MethodPost, "/auth/login",
		map[string]string{"username": "alice", "password": "pw"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"username": "alice", "password": "pw"}`, string(gotBody))
}
