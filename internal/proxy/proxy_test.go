package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingRecorder) RecordProxyAttempt(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func TestForwarder_ForwardsRequest(t *testing.T) {
	t.Parallel()

	var got *http.Request
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer backend.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	header.Set("Content-Type", "application/json")
	header.Set("Connection", "X-Drop-Me")
	header.Set("X-Drop-Me", "secret")
	header.Set("Keep-Alive", "timeout=5")
	header.Set(HeaderForwardedFor, "10.0.0.1")
	header.Set(HeaderUserID, "spoofed")

	rec := &recordingRecorder{}
	fwd := NewForwarder(WithRecorder(rec), WithLogger(observability.NopLogger()))

	resp, err := fwd.Forward(context.Background(), &Request{
		Service:  "documents",
		Version:  "v1",
		Target:   util.HostPort(backend.URL),
		Path:     "/files/42",
		RawQuery: "format=pdf&x=1",
		Method:   http.MethodPost,
		Header:   header,
		Body:     []byte(`{"name":"a"}`),
		ClientIP: "203.0.113.7",
		Proto:    "https",
		UserID:   "user-1",
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, util.HostPort(backend.URL), resp.Target)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/files/42", got.URL.Path)
	assert.Equal(t, "format=pdf&x=1", got.URL.RawQuery)
	assert.Equal(t, `{"name":"a"}`, gotBody)
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	assert.Equal(t, "v1", got.Header.Get(HeaderGatewayVersion))
	assert.Equal(t, "documents", got.Header.Get(HeaderGatewayService))
	assert.Equal(t, "10.0.0.1, 203.0.113.7", got.Header.Get(HeaderForwardedFor))
	assert.Equal(t, "https", got.Header.Get(HeaderForwardedProto))
	assert.Equal(t, "user-1", got.Header.Get(HeaderUserID))
	assert.Empty(t, got.Header.Get("X-Drop-Me"))
	assert.Empty(t, got.Header.Get("Keep-Alive"))

	assert.Equal(t, []string{observability.OutcomeSuccess}, rec.all())
}

func TestForwarder_URLTargetWithBasePath(t *testing.T) {
	t.Parallel()

	var path string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer backend.Close()

	fwd := NewForwarder()
	resp, err := fwd.Forward(context.Background(), &Request{
		Service: "ai",
		Target:  backend.URL + "/internal/",
		Method:  http.MethodGet,
	})
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, "/internal/", path)
}

func TestForwarder_DropsSpoofedUserID(t *testing.T) {
	t.Parallel()

	seen := make(chan []string, 2)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Values(HeaderUserID)
	}))
	defer backend.Close()

	inbound := http.Header{}
	inbound.Set(HeaderUserID, "admin")
	inbound["x-user-id"] = []string{"root"}

	fwd := NewForwarder()
	resp, err := fwd.Forward(context.Background(), &Request{
		Service: "docs",
		Target:  backend.URL,
		Method:  http.MethodGet,
		Header:  inbound,
	})
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	assert.Empty(t, <-seen)

	resp, err = fwd.Forward(context.Background(), &Request{
		Service: "docs",
		Target:  backend.URL,
		Method:  http.MethodGet,
		Header:  inbound,
		UserID:  "user-7",
	})
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	assert.Equal(t, []string{"user-7"}, <-seen)
}

func TestForwarder_ServerErrorIsAResponse(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	rec := &recordingRecorder{}
	fwd := NewForwarder(WithRecorder(rec))
	resp, err := fwd.Forward(context.Background(), &Request{Service: "docs", Target: backend.URL, Method: http.MethodGet})
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, []string{observability.OutcomeHTTPError}, rec.all())
}

func TestForwarder_ConnectionRefused(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.NotFoundHandler())
	addr := util.HostPort(backend.URL)
	backend.Close()

	rec := &recordingRecorder{}
	fwd := NewForwarder(WithRecorder(rec))
	resp, err := fwd.Forward(context.Background(), &Request{Service: "docs", Target: addr, Method: http.MethodGet})

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.True(t, IsProxyError(err))
	assert.False(t, IsTimeout(err))
	assert.Equal(t, []string{observability.OutcomeTransportError}, rec.all())
}

func TestForwarder_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	fwd := NewForwarder()
	start := time.Now()
	_, err := fwd.Forward(context.Background(), &Request{
		Service: "ai",
		Target:  backend.URL,
		Method:  http.MethodGet,
		Timeout: 50 * time.Millisecond,
	})

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForwarder_InvalidTarget(t *testing.T) {
	t.Parallel()

	fwd := NewForwarder()
	_, err := fwd.Forward(context.Background(), &Request{Service: "docs", Target: "http://", Method: http.MethodGet})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestWriteResponse(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Trace", "abc")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))
	defer backend.Close()

	fwd := NewForwarder()
	resp, err := fwd.Forward(context.Background(), &Request{Service: "notifications", Target: backend.URL, Method: http.MethodGet})
	require.NoError(t, err)
	defer resp.Close()

	w := httptest.NewRecorder()
	n, err := WriteResponse(w, resp)
	require.NoError(t, err)

	assert.Equal(t, int64(len("queued")), n)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "queued", w.Body.String())
	assert.Equal(t, "abc", w.Header().Get("X-Trace"))
	assert.Empty(t, w.Header().Get("Connection"))
}

func TestWriteResponse_EventStream(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			_, _ = w.Write([]byte("data: tick\n\n"))
			w.(http.Flusher).Flush()
		}
	}))
	defer backend.Close()

	fwd := NewForwarder()
	resp, err := fwd.Forward(context.Background(), &Request{Service: "ai", Target: backend.URL, Method: http.MethodGet})
	require.NoError(t, err)
	defer resp.Close()

	w := httptest.NewRecorder()
	_, err = WriteResponse(w, resp)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(w.Body.String(), "data: tick"))
	assert.True(t, w.Flushed)
}

func TestError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := newError("round_trip", "docs", "a:1", cause)

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &Error{})
	assert.Contains(t, err.Error(), "service=docs")
	assert.Contains(t, err.Error(), "target=a:1")

	timeout := newError("round_trip", "docs", "a:1", context.DeadlineExceeded)
	assert.ErrorIs(t, timeout, ErrUpstreamTimeout)

	bare := &Error{Op: "parse_target", Service: "docs", Target: "x", Kind: ErrInvalidTarget}
	assert.ErrorIs(t, bare, ErrInvalidTarget)
	assert.NotContains(t, bare.Error(), "<nil>")

	assert.True(t, err.Transient())
	assert.True(t, timeout.Transient())
	assert.False(t, bare.Transient())
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/", joinPath("", ""))
	assert.Equal(t, "/a/b", joinPath("", "/a/b"))
	assert.Equal(t, "/base/a", joinPath("/base/", "/a"))
	assert.Equal(t, "/base/a", joinPath("/base", "a"))
}
