package connection_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gate4ai/taskstream/clients/streamClient/connection"
	"github.com/gate4ai/taskstream/clients/streamClient/listeners"
	"github.com/gate4ai/taskstream/clients/streamClient/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test server ---

type streamServer struct {
	mu           sync.Mutex
	conns        int
	lastEventIDs []string
	paths        []string
	handle       func(n int, w http.ResponseWriter, r *http.Request)
}

func newStreamServer(t *testing.T, handle func(n int, w http.ResponseWriter, r *http.Request)) (*streamServer, *httptest.Server) {
	s := &streamServer{handle: handle}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.conns++
		n := s.conns
		s.lastEventIDs = append(s.lastEventIDs, r.Header.Get("Last-Event-ID"))
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()
		s.handle(n, w, r)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *streamServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

func writeFrame(w http.ResponseWriter, id, event, data string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

// --- Transition recorder ---

type recorder struct {
	mu          sync.Mutex
	transitions []connection.Transition
}

func (r *recorder) observe(t connection.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) states() []connection.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]connection.State, 0, len(r.transitions))
	for _, t := range r.transitions {
		out = append(out, t.To)
	}
	return out
}

func (r *recorder) last() connection.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions[len(r.transitions)-1]
}

func newManager(t *testing.T, srv *httptest.Server, policy retry.Linear) (*connection.Manager, *recorder) {
	rec := &recorder{}
	m := connection.New(policy,
		func(id string) (string, error) { return srv.URL + "/tasks/" + id + "/stream", nil },
		connection.WithLogger(zap.NewNop()),
		connection.WithStateObserver(rec.observe),
	)
	t.Cleanup(m.Close)
	return m, rec
}

func waitState(t *testing.T, m *connection.Manager, want connection.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s (is %s)", want, m.State())
}

// --- Tests ---

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", connection.StateIdle.String())
	assert.Equal(t, "RECONNECTING", connection.StateReconnecting.String())
	assert.Equal(t, "FAILED", connection.StateFailed.String())
	assert.Equal(t, "UNKNOWN", connection.State(42).String())
	assert.True(t, connection.StateOpen.Active())
	assert.False(t, connection.StateFailed.Active())
}

func TestManagerOpenDispatchesFrames(t *testing.T) {
	_, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		startStream(w)
		writeFrame(w, "1", "chunk", `{"text":"a"}`)
		writeFrame(w, "2", "chunk", `{"text":"b"}`)
		writeFrame(w, "", "status", `{"status":"running"}`)
		<-r.Context().Done()
	})
	m, rec := newManager(t, srv, retry.NewLinear(10*time.Millisecond, 3))

	var mu sync.Mutex
	var got []string
	m.Registry().Add(listeners.Wildcard, func(f listeners.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, f.Name+":"+string(f.Payload))
		return nil
	})

	opened := m.Open("t1")
	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never opened")
	}
	assert.Equal(t, connection.StateOpen, m.State())
	assert.Equal(t, "t1", m.ResourceID())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{`chunk:{"text":"a"}`, `chunk:{"text":"b"}`, `status:{"status":"running"}`}, got)
	mu.Unlock()
	assert.Equal(t, []connection.State{connection.StateConnecting, connection.StateOpen}, rec.states())
}

func TestManagerReconnectsUntilBudgetExhausted(t *testing.T) {
	server, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			startStream(w)
			writeFrame(w, "1", "chunk", `{"text":"a"}`)
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	m, rec := newManager(t, srv, retry.NewLinear(5*time.Millisecond, 3))

	m.Open("t1")
	waitState(t, m, connection.StateFailed)

	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateOpen,
		connection.StateReconnecting,
		connection.StateConnecting,
		connection.StateReconnecting,
		connection.StateConnecting,
		connection.StateReconnecting,
		connection.StateConnecting,
		connection.StateReconnecting,
		connection.StateFailed,
	}, rec.states())
	assert.Equal(t, 4, server.connections())

	var exhausted *connection.ExhaustedError
	require.True(t, errors.As(rec.last().Err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	var handshake *connection.HandshakeError
	require.True(t, errors.As(exhausted, &handshake))
	assert.Equal(t, http.StatusServiceUnavailable, handshake.StatusCode)
}

func TestManagerReconnectDelaysGrowLinearly(t *testing.T) {
	_, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	m, rec := newManager(t, srv, retry.NewLinear(5*time.Millisecond, 2))
	m.Open("t1")
	waitState(t, m, connection.StateFailed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var delays []time.Duration
	for _, tr := range rec.transitions {
		if tr.To == connection.StateReconnecting && tr.Delay > 0 {
			delays = append(delays, tr.Delay)
		}
	}
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, delays)
}

func TestManagerZeroBudgetFailsAfterFirstError(t *testing.T) {
	_, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
	})
	m, rec := newManager(t, srv, retry.NewLinear(5*time.Millisecond, 0))

	opened := m.Open("t1")
	err := <-opened
	var exhausted *connection.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 0, exhausted.Attempts)
	var handshake *connection.HandshakeError
	require.True(t, errors.As(err, &handshake))
	assert.Equal(t, "text/plain", handshake.ContentType)

	waitState(t, m, connection.StateFailed)
	assert.Equal(t, []connection.State{connection.StateConnecting, connection.StateReconnecting, connection.StateFailed}, rec.states())
}

func TestManagerUnauthorizedFailsImmediately(t *testing.T) {
	server, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	m, rec := newManager(t, srv, retry.NewLinear(5*time.Millisecond, 5))

	err := <-m.Open("t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, connection.ErrUnauthorized)
	waitState(t, m, connection.StateFailed)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, server.connections())
	assert.Equal(t, []connection.State{connection.StateConnecting, connection.StateFailed}, rec.states())
}

func TestManagerCloseCancelsPendingReconnect(t *testing.T) {
	server, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	m, rec := newManager(t, srv, retry.NewLinear(time.Hour, 3))
	m.Registry().Add("chunk", func(listeners.Frame) error { return nil })

	opened := m.Open("t1")
	waitState(t, m, connection.StateReconnecting)
	assert.Equal(t, 1, m.Attempt())

	m.Close()
	assert.Equal(t, connection.StateClosed, m.State())
	assert.Equal(t, 0, m.Registry().Len())
	assert.ErrorIs(t, <-opened, connection.ErrClosed)

	m.Close()
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateReconnecting,
		connection.StateClosed,
	}, rec.states())
	assert.Equal(t, 1, server.connections())
}

func TestManagerResumesWithLastEventID(t *testing.T) {
	server, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		startStream(w)
		if n == 1 {
			writeFrame(w, "7", "chunk", `{"text":"a"}`)
			return
		}
		<-r.Context().Done()
	})
	m, _ := newManager(t, srv, retry.NewLinear(5*time.Millisecond, 3))

	m.Open("t1")
	require.Eventually(t, func() bool {
		return server.connections() == 2 && m.State() == connection.StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, []string{"", "7"}, server.lastEventIDs)
	// OPEN resets the budget.
	assert.Equal(t, 0, m.Attempt())
}

func TestManagerOpenIsIdempotentForActiveResource(t *testing.T) {
	server, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		startStream(w)
		<-r.Context().Done()
	})
	m, _ := newManager(t, srv, retry.NewLinear(5*time.Millisecond, 3))

	first := m.Open("t1")
	second := m.Open("t1")
	assert.True(t, first == second)
	require.NoError(t, <-first)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, server.connections())
}

func TestManagerOpenDifferentResourceClosesPrevious(t *testing.T) {
	server, srv := newStreamServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		startStream(w)
		<-r.Context().Done()
	})
	m, rec := newManager(t, srv, retry.NewLinear(5*time.Millisecond, 3))

	require.NoError(t, <-m.Open("a"))
	require.NoError(t, <-m.Open("b"))

	assert.Equal(t, "b", m.ResourceID())
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateOpen,
		connection.StateClosed,
		connection.StateConnecting,
		connection.StateOpen,
	}, rec.states())
	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, []string{"/tasks/a/stream", "/tasks/b/stream"}, server.paths)
}

func TestManagerURLErrorFails(t *testing.T) {
	m := connection.New(retry.NewLinear(time.Millisecond, 1), func(string) (string, error) {
		return "", errors.New("no base url")
	})
	err := <-m.Open("t1")
	assert.EqualError(t, err, "no base url")
	assert.Equal(t, connection.StateFailed, m.State())
	m.Close()
	assert.Equal(t, connection.StateClosed, m.State())
}

func TestManagerTransportErrorsHideToken(t *testing.T) {
	m := connection.New(retry.NewLinear(time.Millisecond, 1), func(id string) (string, error) {
		return "http://127.0.0.1:1/tasks/" + id + "/stream?token=s3cr3t", nil
	})
	defer m.Close()

	err := <-m.Open("t1")
	var exhausted *connection.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, exhausted.Attempts)
	assert.NotContains(t, err.Error(), "s3cr3t")
	assert.Contains(t, err.Error(), "token=xxxxx")
}
