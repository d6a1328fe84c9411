package transfer

import (
	"context"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

var defaultClient = NewClient(nil, log.NewLogger())

// Start sends the request with a shared default Client. See Client.Start.
func Start(ctx context.Context, params Params) (*Transfer, error) {
	return defaultClient.Start(ctx, params)
}

// Client starts transfers over an http.Client.
type Client struct {
	httpClient *http.Client
	logger     log.Logger
}

// NewClient creates a Client. A nil httpClient selects DefaultHTTPClient.
func NewClient(httpClient *http.Client, logger log.Logger) *Client {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// NewRetryingClient creates a Client whose transport retries connection errors
// and 5xx responses up to maxRetries times.
// The retrying transport buffers the whole payload before the first attempt:
// OnProgress reports the payload as loaded once, before any byte is sent, and
// retried attempts are not reported again.
func NewRetryingClient(logger log.Logger, maxRetries int) *Client {
	retryableClient := retryhttp.NewClient(logger)
	retryableClient.RetryMax = maxRetries
	return NewClient(retryableClient.StandardClient(), logger)
}

// DefaultHTTPClient creates an HTTP client tuned for parallel chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - transfers are cancelled through their handle
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Start sends the request immediately and returns its handle.
// If params.Registry is set the handle is registered before the request is
// sent, and the transfer removes itself once it resolves.
// Cancelling ctx fails the transfer; use Abort to drop it silently.
func (c *Client) Start(ctx context.Context, params Params) (*Transfer, error) {
	if params.URL == "" {
		return nil, ErrEmptyURL
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := newRequest(reqCtx, params)
	if err != nil {
		cancel()
		return nil, err
	}

	t := newTransfer(params, req, cancel, c.logger)
	if params.Registry != nil {
		params.Registry.Add(t)
	}

	c.logger.Debugf("Transfer %s started (%s %s, %d bytes)", t.id, req.Method, params.URL, len(params.Payload))
	go t.run(c.httpClient, req)

	return t, nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
