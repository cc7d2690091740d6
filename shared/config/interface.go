package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gate4ai/taskstream/shared"
)

const (
	DefaultStreamPath           = "/tasks/{id}/stream"
	DefaultStatusPath           = "/tasks/{id}/status"
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = time.Second
	DefaultPollInterval         = 2 * time.Second
	DefaultFlushInterval        = 100 * time.Millisecond
	DefaultMaxPollFailures      = 3
	DefaultRequestTimeout       = 10 * time.Second

	// NoReconnects as MaxReconnectAttempts turns reconnection off. Zero
	// means "use the default" in StreamSettings; the YAML and database
	// sources map an explicit 0 to NoReconnects.
	NoReconnects = -1

	// TaskIDPlaceholder is substituted with the escaped task id in endpoint paths.
	TaskIDPlaceholder = "{id}"
)

var ErrMissingBaseURL = errors.New("stream base URL is not configured")

// StreamSettings holds everything a stream client needs to reach a task server.
type StreamSettings struct {
	BaseURL    string // e.g. https://tasks.example.com/api
	StreamPath string // push-channel path, may contain {id}
	StatusPath string // poll endpoint path, may contain {id}
	Token      string // passed as the "token" query parameter on both endpoints

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	PollInterval         time.Duration
	FlushInterval        time.Duration
	MaxPollFailures      int // consecutive poll failures tolerated before the session errors
	RequestTimeout       time.Duration
}

// DefaultStreamSettings returns settings with every tunable at its default.
func DefaultStreamSettings() StreamSettings {
	return StreamSettings{
		StreamPath:           DefaultStreamPath,
		StatusPath:           DefaultStatusPath,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		PollInterval:         DefaultPollInterval,
		FlushInterval:        DefaultFlushInterval,
		MaxPollFailures:      DefaultMaxPollFailures,
		RequestTimeout:       DefaultRequestTimeout,
	}
}

// Normalize returns a copy with zero or negative values replaced by defaults.
// Any negative MaxReconnectAttempts becomes NoReconnects, so Normalize is idempotent.
func (s StreamSettings) Normalize() StreamSettings {
	d := DefaultStreamSettings()
	if s.StreamPath == "" {
		s.StreamPath = d.StreamPath
	}
	if s.StatusPath == "" {
		s.StatusPath = d.StatusPath
	}
	switch {
	case s.MaxReconnectAttempts < 0:
		s.MaxReconnectAttempts = NoReconnects
	case s.MaxReconnectAttempts == 0:
		s.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if s.ReconnectBaseDelay <= 0 {
		s.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = d.FlushInterval
	}
	if s.MaxPollFailures <= 0 {
		s.MaxPollFailures = d.MaxPollFailures
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	return s
}

// Validate checks the settings that have no sensible default.
func (s StreamSettings) Validate() error {
	if s.BaseURL == "" {
		return ErrMissingBaseURL
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", s.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL %q must be http or https", s.BaseURL)
	}
	return nil
}

// StreamURL is the push-channel URL for one task.
func (s StreamSettings) StreamURL(taskID string) (string, error) {
	return s.resolve(s.StreamPath, taskID)
}

// StatusURL is the poll endpoint URL for one task.
func (s StreamSettings) StatusURL(taskID string) (string, error) {
	return s.resolve(s.StatusPath, taskID)
}

func (s StreamSettings) resolve(path, taskID string) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	path = strings.ReplaceAll(path, TaskIDPlaceholder, url.PathEscape(taskID))
	u, err := url.Parse(strings.TrimSuffix(s.BaseURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint for task %s: %w", taskID, err)
	}
	if s.Token != "" {
		q := u.Query()
		q.Set(shared.TokenParam, s.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type IConfig interface {
	StreamSettings() (StreamSettings, error)
	LogLevel() (string, error)

	// Lifecycle & Status
	Status(ctx context.Context) error
	Close() error
}
