package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gate4ai/taskstream/shared"
	"github.com/gate4ai/taskstream/shared/schema"
	"go.uber.org/zap"
)

const maxErrorBody = 4096

var ErrMissingStatus = errors.New("status response has no status field")

// Source answers "what is the status of this task right now".
type Source interface {
	FetchStatus(ctx context.Context, taskID string) (*schema.TaskStatus, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, taskID string) (*schema.TaskStatus, error)

func (f SourceFunc) FetchStatus(ctx context.Context, taskID string) (*schema.TaskStatus, error) {
	return f(ctx, taskID)
}

// URLFunc resolves a task id to its status endpoint.
type URLFunc func(taskID string) (string, error)

// StatusError is a non-2xx answer from the status endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d for task status: %s", e.StatusCode, e.Body)
}

// HTTPSource polls GET {statusURL} and decodes a schema.TaskStatus.
type HTTPSource struct {
	statusURL  URLFunc
	httpClient *http.Client
	timeout    time.Duration
	headers    map[string]string
	logger     *zap.Logger
}

var _ Source = (*HTTPSource)(nil)

type SourceOption func(*HTTPSource)

func WithHTTPClient(client *http.Client) SourceOption {
	return func(s *HTTPSource) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithTimeout bounds each status request. Zero means no bound beyond ctx.
func WithTimeout(timeout time.Duration) SourceOption {
	return func(s *HTTPSource) {
		s.timeout = timeout
	}
}

func WithHeaders(headers map[string]string) SourceOption {
	return func(s *HTTPSource) {
		for k, v := range headers {
			s.headers[k] = v
		}
	}
}

func WithSourceLogger(logger *zap.Logger) SourceOption {
	return func(s *HTTPSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewHTTPSource(statusURL URLFunc, options ...SourceOption) *HTTPSource {
	s := &HTTPSource{
		statusURL:  statusURL,
		httpClient: http.DefaultClient,
		headers:    make(map[string]string),
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *HTTPSource) FetchStatus(ctx context.Context, taskID string) (*schema.TaskStatus, error) {
	url, err := s.statusURL(taskID)
	if err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create status request for %s: %w", taskID, shared.RedactError(err))
	}
	httpReq.Header.Set("Accept", "application/json")
	for key, value := range s.headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("status request for %s failed: %w", taskID, shared.RedactError(err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: string(bodyBytes)}
	}

	var status schema.TaskStatus
	if err := json.NewDecoder(httpResp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status for %s: %w", taskID, err)
	}
	if status.Status == "" {
		return nil, ErrMissingStatus
	}
	s.logger.Debug("Fetched task status", zap.String("taskID", taskID), zap.String("status", string(status.Status)))
	return &status, nil
}
