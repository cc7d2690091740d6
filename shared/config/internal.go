package config

import (
	"context"
	"errors"
	"sync"
	"time"
)

var _ IConfig = (*InternalConfig)(nil)
var ErrNotFound = errors.New("not found")

// InternalConfig implements IConfig with in-memory storage
type InternalConfig struct {
	mu            sync.RWMutex
	Settings      StreamSettings
	LogLevelValue string
}

// NewInternalConfig creates a new in-memory configuration
func NewInternalConfig() *InternalConfig {
	return &InternalConfig{
		Settings:      DefaultStreamSettings(),
		LogLevelValue: "info",
	}
}

func (c *InternalConfig) StreamSettings() (StreamSettings, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings.Normalize(), nil
}

func (c *InternalConfig) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Settings.BaseURL = baseURL
}

func (c *InternalConfig) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Settings.Token = token
}

// SetTimings overrides the reconnect, poll and flush timings in one call.
func (c *InternalConfig) SetTimings(maxReconnectAttempts int, reconnectBaseDelay, pollInterval, flushInterval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Settings.MaxReconnectAttempts = maxReconnectAttempts
	c.Settings.ReconnectBaseDelay = reconnectBaseDelay
	c.Settings.PollInterval = pollInterval
	c.Settings.FlushInterval = flushInterval
}

// LogLevel returns the configured log level
func (c *InternalConfig) LogLevel() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevelValue, nil
}

func (c *InternalConfig) Status(ctx context.Context) error { return nil }
func (c *InternalConfig) Close() error                     { return nil }
