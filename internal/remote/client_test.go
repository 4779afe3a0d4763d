package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flocksync/internal/auth"
	"flocksync/internal/config"
	"flocksync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	c, err := New(config.RemoteConfig{
		BaseURL:  srv.URL + "/api",
		TenantID: "grace-church",
		Timeout:  time.Second,
	}, auth.StaticToken("secret"), nil, opts...)
	require.NoError(t, err)
	return c
}

func queued(method, endpoint, body string) *models.QueuedOperation {
	op := &models.QueuedOperation{ID: "op-1", Method: method, Endpoint: endpoint}
	if body != "" {
		op.Body = &body
	}
	return op
}

func TestReplay_Success(t *testing.T) {
	var got *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":9}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	headers := `{"X-Idempotency-Key":"abc"}`
	op := queued(http.MethodPost, "/checkins", `{"personId":1}`)
	op.Headers = &headers

	require.NoError(t, c.Replay(context.Background(), op))
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/checkins", got.URL.Path)
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	assert.Equal(t, "grace-church", got.Header.Get(models.TenantHeader))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "abc", got.Header.Get("X-Idempotency-Key"))
	assert.Equal(t, `{"personId":1}`, gotBody)
}

func TestReplay_Failures(t *testing.T) {
	status := http.StatusInternalServerError
	body := `{"error":"db down"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx := context.Background()

	t.Run("ServerError", func(t *testing.T) {
		err := c.Replay(ctx, queued(http.MethodPut, "/events/1/rsvp", `{}`))
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
		assert.Contains(t, se.Body, "db down")
		assert.False(t, IsPermanent(err))
		assert.False(t, IsNetworkError(err))
	})

	t.Run("ValidationError", func(t *testing.T) {
		status = http.StatusUnprocessableEntity
		err := c.Replay(ctx, queued(http.MethodPost, "/checkins", `{}`))
		assert.True(t, IsPermanent(err))
	})

	t.Run("TooManyRequests", func(t *testing.T) {
		status = http.StatusTooManyRequests
		err := c.Replay(ctx, queued(http.MethodPost, "/checkins", `{}`))
		assert.Error(t, err)
		assert.False(t, IsPermanent(err))
	})

	t.Run("ApplicationRejection", func(t *testing.T) {
		status = http.StatusOK
		body = `{"success":false,"message":"already checked in"}`
		err := c.Replay(ctx, queued(http.MethodPost, "/checkins", `{}`))
		var re *RejectedError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "already checked in", re.Message)
	})

	t.Run("NonJSONSuccess", func(t *testing.T) {
		status = http.StatusNoContent
		body = ""
		assert.NoError(t, c.Replay(ctx, queued(http.MethodDelete, "/events/1/rsvp", "")))
	})
}

func TestReplay_NetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	err := c.Replay(context.Background(), queued(http.MethodPost, "/checkins", `{}`))
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))

	offline := newTestClient(t, srv, WithOnlineCheck(func() bool { return false }))
	err = offline.Replay(context.Background(), queued(http.MethodPost, "/checkins", `{}`))
	assert.ErrorIs(t, err, ErrOffline)
	assert.True(t, IsNetworkError(err))
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" || r.URL.Query().Get("page") != "2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	data, err := c.Fetch(context.Background(), "/events?page=2")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(data))

	_, err = c.Fetch(context.Background(), "/missing")
	var se *StatusError
	assert.True(t, errors.As(err, &se))
	assert.True(t, se.Permanent())

	assert.NoError(t, c.Ping(context.Background()))
}

func TestStatusError_Permanent(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{400, true},
		{401, true},
		{404, true},
		{408, false},
		{422, true},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tt := range tests {
		e := &StatusError{StatusCode: tt.code}
		assert.Equal(t, tt.permanent, e.Permanent(), "code %d", tt.code)
	}
}
