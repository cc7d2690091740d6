package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var _ IConfig = (*DatabaseConfig)(nil)

// DatabaseConfig implements IConfig with PostgreSQL-backed storage. Values live
// in the "Settings" table as JSON-encoded strings keyed by setting name.
type DatabaseConfig struct {
	logger             *zap.Logger
	dbConnectionString string
}

// NewDatabaseConfig creates a new DatabaseConfig instance
func NewDatabaseConfig(dbConnectionString string, logger *zap.Logger) (*DatabaseConfig, error) {
	if dbConnectionString == "" {
		return nil, errors.New("database connection string is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseConfig{
		dbConnectionString: dbConnectionString,
		logger:             logger,
	}, nil
}

// Close closes any resources held by the config
func (c *DatabaseConfig) Close() error {
	return nil
}

func (c *DatabaseConfig) StreamSettings() (StreamSettings, error) {
	var s StreamSettings
	var err error
	if s.BaseURL, err = c.getSettingString("stream_base_url", ""); err != nil {
		return s, err
	}
	if s.StreamPath, err = c.getSettingString("stream_path", DefaultStreamPath); err != nil {
		return s, err
	}
	if s.StatusPath, err = c.getSettingString("stream_status_path", DefaultStatusPath); err != nil {
		return s, err
	}
	if s.Token, err = c.getSettingString("stream_token", ""); err != nil {
		return s, err
	}
	if s.MaxReconnectAttempts, err = c.getSettingInt("stream_max_reconnect_attempts", DefaultMaxReconnectAttempts); err != nil {
		return s, err
	}
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = NoReconnects
	}
	if s.ReconnectBaseDelay, err = c.getSettingMillis("stream_reconnect_base_delay_ms", DefaultReconnectBaseDelay); err != nil {
		return s, err
	}
	if s.PollInterval, err = c.getSettingMillis("stream_poll_interval_ms", DefaultPollInterval); err != nil {
		return s, err
	}
	if s.FlushInterval, err = c.getSettingMillis("stream_flush_interval_ms", DefaultFlushInterval); err != nil {
		return s, err
	}
	if s.MaxPollFailures, err = c.getSettingInt("stream_max_poll_failures", DefaultMaxPollFailures); err != nil {
		return s, err
	}
	if s.RequestTimeout, err = c.getSettingMillis("stream_request_timeout_ms", DefaultRequestTimeout); err != nil {
		return s, err
	}
	return s.Normalize(), nil
}

func (c *DatabaseConfig) LogLevel() (string, error) {
	return c.getSettingString("stream_log_level", "info")
}

func (c *DatabaseConfig) Status(ctx context.Context) error {
	db, err := sql.Open("postgres", c.dbConnectionString)
	if err != nil {
		c.logger.Error("DB connect failed", zap.Error(err))
		return err
	}
	defer db.Close()
	if err = db.PingContext(ctx); err != nil {
		c.logger.Error("DB ping failed", zap.Error(err))
		return err
	}
	return nil
}

func (c *DatabaseConfig) getSettingRaw(key string) ([]byte, error) {
	db, err := sql.Open("postgres", c.dbConnectionString)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	var valueStr sql.NullString
	err = db.QueryRowContext(context.Background(), `SELECT value FROM "Settings" WHERE key = $1 LIMIT 1`, key).Scan(&valueStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query setting '%s': %w", key, err)
	}
	if !valueStr.Valid {
		return nil, ErrNotFound
	}
	return []byte(valueStr.String), nil
}

func (c *DatabaseConfig) getSettingJSON(key string) (interface{}, error) {
	raw, err := c.getSettingRaw(key)
	if err != nil {
		return nil, err
	}
	return decodeSetting(key, raw)
}

func decodeSetting(key string, raw []byte) (interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("unmarshal setting '%s': %w", key, err)
	}
	return value, nil
}

func (c *DatabaseConfig) getSettingString(key string, defaultValue string) (string, error) {
	value, err := c.getSettingJSON(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return defaultValue, nil
		}
		return defaultValue, err
	}
	return settingString(key, value, defaultValue)
}

func (c *DatabaseConfig) getSettingInt(key string, defaultValue int) (int, error) {
	value, err := c.getSettingJSON(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return defaultValue, nil
		}
		return defaultValue, err
	}
	return settingInt(key, value, defaultValue)
}

func (c *DatabaseConfig) getSettingMillis(key string, defaultValue time.Duration) (time.Duration, error) {
	ms, err := c.getSettingInt(key, int(defaultValue/time.Millisecond))
	if err != nil {
		return defaultValue, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func settingString(key string, value interface{}, defaultValue string) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return fmt.Sprintf("%v", int(v)), nil
	default:
		return defaultValue, fmt.Errorf("setting '%s' has unexpected type %T", key, value)
	}
}

func settingInt(key string, value interface{}, defaultValue int) (int, error) {
	switch v := value.(type) {
	case float64:
		return int(v), nil
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return defaultValue, fmt.Errorf("setting '%s' is not a number: %q", key, v)
		}
		return n, nil
	default:
		return defaultValue, fmt.Errorf("setting '%s' has unexpected type %T", key, value)
	}
}
