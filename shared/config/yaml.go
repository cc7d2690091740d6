package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var _ IConfig = (*YamlConfig)(nil)

// YamlConfig implements IConfig with YAML file-based storage
type YamlConfig struct {
	mu         sync.RWMutex
	configPath string
	logger     *zap.Logger
	settings   StreamSettings
	logLevel   string
}

// YAML configuration structure matching the required format
type yamlConfig struct {
	LogLevel string `yaml:"log_level"`
	Stream   struct {
		BaseURL              string `yaml:"base_url"`
		StreamPath           string `yaml:"stream_path"`
		StatusPath           string `yaml:"status_path"`
		Token                string `yaml:"token"`
		MaxReconnectAttempts *int   `yaml:"max_reconnect_attempts"` // 0 disables reconnects; omit for the default
		ReconnectBaseDelayMs int    `yaml:"reconnect_base_delay_ms"`
		PollIntervalMs       int    `yaml:"poll_interval_ms"`
		FlushIntervalMs      int    `yaml:"flush_interval_ms"`
		MaxPollFailures      int    `yaml:"max_poll_failures"`
		RequestTimeoutMs     int    `yaml:"request_timeout_ms"`
	} `yaml:"stream"`
}

// NewYamlConfig creates a new YAML-based configuration
func NewYamlConfig(configPath string, logger *zap.Logger) (*YamlConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := &YamlConfig{
		configPath: filepath.Clean(configPath),
		logger:     logger.With(zap.String("configPath", configPath)),
		settings:   DefaultStreamSettings(),
		logLevel:   "info",
	}
	if err := config.Update(); err != nil {
		return nil, err
	}
	return config, nil
}

// Update reloads configuration from the YAML file
func (c *YamlConfig) Update() error {
	c.logger.Debug("Updating configuration from YAML file")

	data, err := os.ReadFile(c.configPath)
	if err != nil {
		c.logger.Error("Failed to read config file", zap.Error(err))
		return err
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		c.logger.Error("Failed to parse YAML", zap.Error(err))
		return fmt.Errorf("parse %s: %w", c.configPath, err)
	}

	s := yamlCfg.Stream
	settings := StreamSettings{
		BaseURL:              s.BaseURL,
		StreamPath:           s.StreamPath,
		StatusPath:           s.StatusPath,
		Token:                s.Token,
		MaxReconnectAttempts: reconnectAttempts(s.MaxReconnectAttempts),
		ReconnectBaseDelay:   time.Duration(s.ReconnectBaseDelayMs) * time.Millisecond,
		PollInterval:         time.Duration(s.PollIntervalMs) * time.Millisecond,
		FlushInterval:        time.Duration(s.FlushIntervalMs) * time.Millisecond,
		MaxPollFailures:      s.MaxPollFailures,
		RequestTimeout:       time.Duration(s.RequestTimeoutMs) * time.Millisecond,
	}.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
	c.logLevel = yamlCfg.LogLevel
	if c.logLevel == "" {
		c.logLevel = "info"
	}
	return nil
}

// reconnectAttempts keeps an explicit 0 from being read as "unset".
func reconnectAttempts(v *int) int {
	switch {
	case v == nil:
		return 0
	case *v == 0:
		return NoReconnects
	default:
		return *v
	}
}

// Watch reloads the file whenever it changes until ctx is done. The directory
// is watched rather than the file so that editors replacing the file are seen.
// onChange, if non-nil, runs after every successful reload.
func (c *YamlConfig) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", c.configPath, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != c.configPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := c.Update(); err != nil {
					c.logger.Warn("Config reload failed, keeping previous settings", zap.Error(err))
					continue
				}
				c.logger.Info("Config reloaded")
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Error("Config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (c *YamlConfig) StreamSettings() (StreamSettings, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings, nil
}

func (c *YamlConfig) LogLevel() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel, nil
}

func (c *YamlConfig) Status(ctx context.Context) error {
	// Check if config file exists and is readable
	if _, err := os.Stat(c.configPath); err != nil {
		c.logger.Error("YAML config file status check failed", zap.Error(err))
		return fmt.Errorf("config file error: %w", err)
	}
	return nil
}

func (c *YamlConfig) Close() error { return nil }
