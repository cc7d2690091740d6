// Package connection owns one push-channel (SSE) connection to a task stream
// and keeps it alive through transport failures.
package connection

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gate4ai/taskstream/clients/streamClient/listeners"
	"github.com/gate4ai/taskstream/clients/streamClient/retry"
	"github.com/gate4ai/taskstream/shared"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"
)

// DefaultEventName is what an SSE frame without an "event:" line is dispatched as.
const DefaultEventName = "message"

// URLFunc resolves a resource id to the stream URL to subscribe to.
type URLFunc func(resourceID string) (string, error)

// StateObserver is called once per transition, in order, never with the
// manager's lock held. It may call back into the Manager.
type StateObserver func(Transition)

// Manager keeps at most one live connection. Frames are dispatched to its
// Registry; state changes go to the observer.
type Manager struct {
	mu           sync.Mutex
	delivering   bool                  // A goroutine is draining outbox
	logger       *zap.Logger           // Base logger
	urlFor       URLFunc               // Resource id to stream URL
	httpClient   *http.Client          // Client for the streaming request; must not carry a Timeout
	headers      map[string]string     // Extra request headers
	registry     *listeners.Registry   // Frame listeners, cleared on Close
	observer     StateObserver         // Transition callback
	state        State                 // Current state
	resourceID   string                // Resource of the current or last connection
	backoff      *retry.Counter        // Reconnect delays; counts attempts since the last OPEN
	epoch        uint64                // Bumped on every Open/Close; fences stale goroutines and timers
	cancel       context.CancelFunc    // Cancels the in-flight subscription
	sseClient    *sse.Client           // Reused across reconnects so Last-Event-ID survives
	retryTimer   *time.Timer           // Pending reconnect
	opened       chan error            // Signals the first OPEN or the failure of this Open
	openedSignal bool                  // Whether opened has been written and closed
	outbox       []Transition          // Transitions waiting to be delivered to the observer
	sessionLog   *zap.Logger           // Logger carrying the current resource id
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHTTPClient sets the client used for the streaming request.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithHeaders adds request headers to every connection attempt.
func WithHeaders(headers map[string]string) Option {
	return func(m *Manager) {
		for k, v := range headers {
			m.headers[k] = v
		}
	}
}

func WithStateObserver(observer StateObserver) Option {
	return func(m *Manager) {
		m.observer = observer
	}
}

func New(policy retry.Linear, urlFor URLFunc, opts ...Option) *Manager {
	m := &Manager{
		logger:     zap.NewNop(),
		urlFor:     urlFor,
		httpClient: &http.Client{},
		headers:    make(map[string]string),
		state:      StateIdle,
		backoff:    policy.BackOff(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("connection")
	m.sessionLog = m.logger
	m.registry = listeners.NewRegistry(m.logger)
	return m
}

// Registry returns the manager's frame listeners.
func (m *Manager) Registry() *listeners.Registry {
	return m.registry
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ResourceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resourceID
}

// Attempt returns the number of reconnect attempts since the last OPEN.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Attempt()
}

// Open starts connecting to resourceID and returns immediately. The returned
// channel receives nil on the first OPEN, or the error that made this Open
// give up, and is then closed. Opening the resource that is already active
// returns the same channel; opening a different one closes the current
// connection first. The reconnect budget starts over on every Open.
func (m *Manager) Open(resourceID string) <-chan error {
	m.mu.Lock()
	if m.state.Active() && m.resourceID == resourceID {
		ch, logger := m.opened, m.sessionLog
		m.mu.Unlock()
		logger.Debug("Open() called for active resource, returning existing channel")
		return ch
	}
	if m.state.Active() {
		m.shutdownLocked(fmt.Errorf("%w: superseded by %s", ErrClosed, resourceID))
	}

	m.epoch++
	epoch := m.epoch
	m.resourceID = resourceID
	m.backoff.Reset()
	m.opened = make(chan error, 1)
	m.openedSignal = false
	m.sessionLog = m.logger.With(zap.String("resourceID", resourceID))
	logger := m.sessionLog

	url, err := m.urlFor(resourceID)
	if err != nil {
		m.sseClient = nil
		m.setStateLocked(StateFailed, 0, 0, err)
		m.signalOpenedLocked(err)
		ch := m.opened
		m.mu.Unlock()
		m.deliver()
		logger.Error("Cannot resolve stream URL", zap.Error(err))
		return ch
	}

	client := sse.NewClient(url)
	client.Connection = m.httpClient
	// One attempt per subscribe; reconnects are scheduled here so that every
	// step is visible as a state transition.
	client.ReconnectStrategy = &backoff.StopBackOff{}
	client.ResponseValidator = func(c *sse.Client, resp *http.Response) error {
		return m.validate(epoch, resp)
	}
	for k, v := range m.headers {
		client.Headers[k] = v
	}
	m.sseClient = client

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(StateConnecting, 0, 0, nil)
	ch := m.opened
	m.mu.Unlock()
	m.deliver()

	logger.Info("Opening stream", zap.String("url", shared.RedactURL(url)))
	go m.run(ctx, epoch, client)
	return ch
}

// Close tears the connection down, cancels any pending reconnect and removes
// all listeners. It is a no-op when already closed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.shutdownLocked(ErrClosed)
	logger := m.sessionLog
	m.mu.Unlock()
	m.deliver()
	m.registry.Clear()
	logger.Info("Connection closed")
}

func (m *Manager) shutdownLocked(reason error) {
	m.epoch++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.signalOpenedLocked(reason)
	m.setStateLocked(StateClosed, 0, 0, nil)
}

// run performs one subscription attempt and reports how it ended.
func (m *Manager) run(ctx context.Context, epoch uint64, client *sse.Client) {
	err := client.SubscribeRawWithContext(ctx, func(event *sse.Event) {
		m.dispatch(epoch, event)
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = ErrStreamEnded
	}
	// Transport errors quote the request URL, token included.
	m.transportError(epoch, shared.RedactError(err))
}

func (m *Manager) validate(epoch uint64, resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &HandshakeError{StatusCode: resp.StatusCode}
	}
	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType != "text/event-stream" {
		resp.Body.Close()
		return &HandshakeError{StatusCode: resp.StatusCode, ContentType: contentType}
	}
	m.opened200(epoch)
	return nil
}

func (m *Manager) opened200(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.backoff.Reset()
	m.setStateLocked(StateOpen, 0, 0, nil)
	m.signalOpenedLocked(nil)
	m.mu.Unlock()
	m.deliver()
}

func (m *Manager) dispatch(epoch uint64, event *sse.Event) {
	m.mu.Lock()
	current := epoch == m.epoch && m.state == StateOpen
	m.mu.Unlock()
	if !current {
		return
	}
	name := string(event.Event)
	if name == "" {
		name = DefaultEventName
	}
	m.registry.Dispatch(listeners.Frame{
		Name:    name,
		ID:      string(event.ID),
		Payload: event.Data,
	})
}

func (m *Manager) transportError(epoch uint64, cause error) {
	m.mu.Lock()
	if epoch != m.epoch || (m.state != StateConnecting && m.state != StateOpen) {
		m.mu.Unlock()
		return
	}
	logger := m.sessionLog

	if errors.Is(cause, ErrUnauthorized) {
		m.failLocked(cause)
		m.mu.Unlock()
		m.deliver()
		logger.Error("Stream rejected credentials", zap.Error(cause))
		return
	}

	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.setStateLocked(StateReconnecting, 0, 0, cause)
		exhausted := &ExhaustedError{Attempts: m.backoff.Attempt(), Last: cause}
		m.failLocked(exhausted)
		m.mu.Unlock()
		m.deliver()
		logger.Error("Reconnect budget exhausted", zap.Error(exhausted))
		return
	}
	next := m.backoff.Attempt()
	m.setStateLocked(StateReconnecting, next, delay, cause)
	m.retryTimer = time.AfterFunc(delay, func() { m.reconnect(epoch) })
	m.mu.Unlock()
	m.deliver()
	logger.Warn("Stream connection error", zap.Error(cause), zap.Int("attempt", next), zap.Duration("delay", delay))
}

func (m *Manager) failLocked(err error) {
	m.epoch++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStateLocked(StateFailed, m.backoff.Attempt(), 0, err)
	m.signalOpenedLocked(err)
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	client := m.sseClient
	m.setStateLocked(StateConnecting, m.backoff.Attempt(), 0, nil)
	m.mu.Unlock()
	m.deliver()
	m.run(ctx, epoch, client)
}

func (m *Manager) setStateLocked(to State, attempt int, delay time.Duration, err error) {
	from := m.state
	m.state = to
	m.outbox = append(m.outbox, Transition{
		ResourceID: m.resourceID,
		From:       from,
		To:         to,
		Attempt:    attempt,
		Delay:      delay,
		Err:        err,
	})
}

// deliver hands queued transitions to the observer in the order they happened.
// Only one goroutine drains at a time; a concurrent or re-entrant caller
// leaves its transitions to the one already draining.
func (m *Manager) deliver() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	m.mu.Unlock()
	for {
		m.mu.Lock()
		pending, logger := m.outbox, m.sessionLog
		m.outbox = nil
		if len(pending) == 0 {
			m.delivering = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		for _, t := range pending {
			logger.Debug("State transition", zap.Stringer("from", t.From), zap.Stringer("to", t.To))
			if m.observer != nil {
				m.observer(t)
			}
		}
	}
}

func (m *Manager) signalOpenedLocked(err error) {
	if m.opened == nil || m.openedSignal {
		return
	}
	m.opened <- err
	close(m.opened)
	m.openedSignal = true
}
