package streamClient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gate4ai/taskstream/shared/config"
	"github.com/gate4ai/taskstream/shared/schema"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 3 * time.Second

// --- Push server ---

// connectHook may take over a connection; it returns true when it handled it.
type connectHook func(taskID string, n int, w http.ResponseWriter, r *http.Request) bool

type pushServer struct {
	srv     *httptest.Server
	mu      sync.Mutex
	streams map[string]chan string
	conns   map[string]int
	hook    connectHook
}

func newPushServer(t *testing.T, hook connectHook) *pushServer {
	p := &pushServer{
		streams: make(map[string]chan string),
		conns:   make(map[string]int),
		hook:    hook,
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *pushServer) streamLocked(taskID string) chan string {
	ch, ok := p.streams[taskID]
	if !ok {
		ch = make(chan string, 1024)
		p.streams[taskID] = ch
	}
	return ch
}

func (p *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/stream")
	p.mu.Lock()
	p.conns[taskID]++
	n := p.conns[taskID]
	ch := p.streamLocked(taskID)
	hook := p.hook
	p.mu.Unlock()

	if hook != nil && hook(taskID, n, w, r) {
		return
	}
	startStream(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-ch:
			io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
	}
}

func (p *pushServer) push(taskID string, frames ...string) {
	p.mu.Lock()
	ch := p.streamLocked(taskID)
	p.mu.Unlock()
	for _, f := range frames {
		ch <- f
	}
}

func (p *pushServer) connections(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[taskID]
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

func frame(id, event, data string) string {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", event, data)
	return b.String()
}

func chunk(id, text string) string {
	return frame(id, schema.EventChunk, fmt.Sprintf(`{"text":%q}`, text))
}

// --- Status stub ---

type statusStub struct {
	mu     sync.Mutex
	status *schema.TaskStatus
	err    error
	calls  int
}

func newStatusStub(state schema.TaskState) *statusStub {
	return &statusStub{status: &schema.TaskStatus{Status: state}}
}

func (s *statusStub) FetchStatus(ctx context.Context, taskID string) (*schema.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	st := *s.status
	return &st, nil
}

func (s *statusStub) set(status schema.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
	s.err = nil
}

func (s *statusStub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *statusStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// --- Event log ---

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) named(name string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// connectionStates lists the connection states seen in state events, without
// consecutive repeats.
func (l *eventLog) connectionStates() []string {
	var out []string
	for _, ev := range l.named(EventState) {
		s := ev.State.ConnectionState.String()
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

// --- Client ---

func testSettings(baseURL string) config.StreamSettings {
	return config.StreamSettings{
		BaseURL:              baseURL,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   5 * time.Millisecond,
		PollInterval:         10 * time.Millisecond,
		FlushInterval:        10 * time.Millisecond,
		MaxPollFailures:      2,
		RequestTimeout:       time.Second,
	}
}

func newTestClient(t *testing.T, settings config.StreamSettings, stub *statusStub) (*Client, *eventLog) {
	t.Helper()
	c, err := New(settings, WithLogger(zap.NewNop()), WithStatusSource(stub))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	log := &eventLog{}
	c.Subscribe(EventAll, log.record)
	return c, log
}

func waitPhase(t *testing.T, c *Client, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State().Phase == phase }, waitFor, 2*time.Millisecond,
		"phase never became %s (is %s)", phase, c.State().Phase)
}

func waitContent(t *testing.T, c *Client, content string) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State().Content == content }, waitFor, 2*time.Millisecond,
		"content never became %q (is %q)", content, c.State().Content)
}
