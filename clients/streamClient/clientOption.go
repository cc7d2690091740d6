package streamClient

import (
	"net/http"

	"github.com/gate4ai/taskstream/clients/streamClient/poll"
	"go.uber.org/zap"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger. If not provided, a no-op logger is used.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets the client for status requests. It must not carry a
// Timeout if it is also used for streaming; see WithStreamHTTPClient.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithStreamHTTPClient sets the client for the long-lived push connection.
func WithStreamHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.streamHTTPClient = httpClient
		}
	}
}

// WithHeaders adds headers to both push and status requests.
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithStatusSource replaces the HTTP status endpoint.
func WithStatusSource(source poll.Source) ClientOption {
	return func(c *Client) {
		c.statusSource = source
	}
}
