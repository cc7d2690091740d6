// Package streamClient follows one long-running server task at a time: it
// streams incremental output over a push channel, polls the task status, and
// reconciles the two into a single session state.
package streamClient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gate4ai/taskstream/clients/streamClient/poll"
	"github.com/gate4ai/taskstream/shared"
	"github.com/gate4ai/taskstream/shared/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// action is one unit of work for the process loop. Session-bound actions carry
// the generation they were created for and are dropped once it is stale.
type action struct {
	generation uint64 // 0 for actions not bound to a session
	run        func()
	done       chan struct{}
}

// Client owns at most one stream session. All session state is mutated on a
// single process loop goroutine; State() reads a published snapshot.
type Client struct {
	logger           *zap.Logger
	httpClient       *http.Client // Status requests
	streamHTTPClient *http.Client // Push connection; no Timeout
	headers          map[string]string
	statusSource     poll.Source // Overrides the HTTP status endpoint when set

	settingsMu sync.RWMutex
	settings   config.StreamSettings

	inbox     *mailbox[action]
	loopDone  chan struct{}
	notify    *notifier
	snapshot  atomic.Pointer[Snapshot]
	closeOnce sync.Once

	// Loop-owned state.
	session       *session
	generation    uint64
	malformedLogs *rate.Limiter
}

// New validates settings and starts the client's loop. Settings are applied
// to every subsequent Start; see UpdateSettings.
func New(settings config.StreamSettings, options ...ClientOption) (*Client, error) {
	settings = settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		logger:           zap.NewNop(),
		httpClient:       http.DefaultClient,
		streamHTTPClient: &http.Client{},
		headers:          make(map[string]string),
		settings:         settings,
		inbox:            newMailbox[action](),
		loopDone:         make(chan struct{}),
		malformedLogs:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, option := range options {
		option(c)
	}
	c.logger = c.logger.Named("streamClient")
	c.notify = newNotifier(c.logger.Named("subscribers"))
	c.snapshot.Store(&Snapshot{})
	go c.processLoop()
	c.logger.Info("Stream client created", zap.String("baseURL", settings.BaseURL))
	return c, nil
}

// NewFromConfig builds a Client from an IConfig. Without WithLogger, the
// logger is built from the configured log level.
func NewFromConfig(cfg config.IConfig, options ...ClientOption) (*Client, error) {
	settings, err := cfg.StreamSettings()
	if err != nil {
		return nil, err
	}
	level, err := cfg.LogLevel()
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}
	logger, err := shared.NewLogger(level)
	if err != nil {
		return nil, err
	}
	return New(settings, append([]ClientOption{WithLogger(logger)}, options...)...)
}

// UpdateSettings replaces the settings used by the next Start. The running
// session keeps the settings it started with.
func (c *Client) UpdateSettings(settings config.StreamSettings) error {
	settings = settings.Normalize()
	if err := settings.Validate(); err != nil {
		return err
	}
	c.settingsMu.Lock()
	c.settings = settings
	c.settingsMu.Unlock()
	c.logger.Info("Stream settings updated", zap.String("baseURL", settings.BaseURL))
	return nil
}

// SettingsWatcher is a configuration source that reloads itself, such as
// config.YamlConfig.
type SettingsWatcher interface {
	StreamSettings() (config.StreamSettings, error)
	Watch(ctx context.Context, onChange func()) error
}

// FollowConfig feeds every reload of cfg into UpdateSettings until ctx is
// done. Invalid reloads are logged and leave the current settings in place.
func (c *Client) FollowConfig(ctx context.Context, cfg SettingsWatcher) error {
	return cfg.Watch(ctx, func() {
		settings, err := cfg.StreamSettings()
		if err != nil {
			c.logger.Warn("Failed to read reloaded settings", zap.Error(err))
			return
		}
		if err := c.UpdateSettings(settings); err != nil {
			c.logger.Warn("Reloaded settings rejected", zap.Error(err))
		}
	})
}

func (c *Client) Settings() config.StreamSettings {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.settings
}

// Start begins following taskID, tearing down any session in progress. It
// returns once the new session is in STARTING; connecting happens in the
// background.
func (c *Client) Start(taskID string) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	settings := c.Settings()
	return c.call(func() { c.startSession(taskID, settings) })
}

// Stop cancels the active session: buffered content is kept, the phase
// becomes ERRORED with CodeCancelled, and no further content is delivered.
// Without an active session it does nothing.
func (c *Client) Stop() {
	_ = c.call(func() { c.stopSession("stopped by caller") })
}

// State returns the latest snapshot without blocking on the loop.
func (c *Client) State() Snapshot {
	return *c.snapshot.Load()
}

// Subscribe registers handler for eventName: EventState, EventContent,
// EventError, EventAll, or the name of a raw push frame. Raw frames named
// like a synthetic event are only reported through the synthetic event.
// Handlers run one at a time on a dedicated goroutine and must not call Close.
func (c *Client) Subscribe(eventName string, handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	return c.notify.subscribe(eventName, handler)
}

// Close stops the active session and the client's goroutines. Events queued
// before Close are still delivered. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.call(func() { c.stopSession("client closed") })
		c.inbox.close()
		<-c.loopDone
		c.notify.close()
		c.logger.Info("Stream client closed")
	})
	return nil
}

// call runs fn on the loop and waits for it.
func (c *Client) call(fn func()) error {
	done := make(chan struct{})
	if !c.inbox.post(action{run: fn, done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.loopDone:
		return ErrClosed
	}
}

// post queues fn for the session with the given generation.
func (c *Client) post(generation uint64, fn func()) {
	c.inbox.post(action{generation: generation, run: fn})
}

func (c *Client) processLoop() {
	defer close(c.loopDone)
	for range c.inbox.wake {
		c.runActions(c.inbox.take())
		if c.inbox.isClosed() {
			c.runActions(c.inbox.take())
			return
		}
	}
}

func (c *Client) runActions(actions []action) {
	for _, a := range actions {
		if a.generation != 0 && (c.session == nil || a.generation != c.session.generation) {
			c.logger.Debug("Dropping stale action", zap.Uint64("generation", a.generation))
		} else {
			a.run()
		}
		if a.done != nil {
			close(a.done)
		}
	}
}
