// Package transfer issues cancellable HTTP requests for chunk payloads and
// tracks the in-flight ones in a shared Registry.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// ErrEmptyURL is returned by Start when Params.URL is empty.
var ErrEmptyURL = errors.New("transfer: empty target URL")

// ProgressEvent reports how much of the request payload has been sent.
type ProgressEvent struct {
	Loaded int64
	Total  int64
}

// Params describes a single outbound request.
type Params struct {
	URL string
	// Method defaults to GET.
	Method  string
	Payload []byte
	Headers map[string]string
	// OnProgress is called as the payload is consumed. Optional.
	OnProgress func(ProgressEvent)
	// Registry, if set, tracks the transfer while it is in flight.
	Registry *Registry
}

// Response is the resolved value of a Transfer.
// Any HTTP status resolves; callers decide what counts as success.
type Response struct {
	StatusCode int
	Header     http.Header
	Data       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transfer is the handle of one in-flight request.
type Transfer struct {
	id       string
	method   string
	url      string
	registry *Registry
	cancel   context.CancelFunc
	logger   log.Logger

	done chan struct{}

	mu       sync.Mutex
	aborted  bool
	resolved bool
	resp     *Response
	err      error
}

// ID returns the unique identifier of the transfer.
func (t *Transfer) ID() string {
	return t.id
}

// Abort terminates the request. An aborted transfer never resolves.
// Aborting a resolved transfer does nothing.
func (t *Transfer) Abort() {
	t.mu.Lock()
	if t.resolved || t.aborted {
		t.mu.Unlock()
		return
	}
	t.aborted = true
	t.mu.Unlock()

	t.logger.Debugf("Transfer %s aborted (%s %s)", t.id, t.method, t.url)
	t.cancel()
}

// Aborted reports whether Abort took effect.
func (t *Transfer) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// Done is closed once the transfer resolves. It stays open forever for an
// aborted transfer.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transfer resolves or ctx ends.
// A network failure resolves with a non-nil error.
func (t *Transfer) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.resp, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transfer) resolve(resp *Response, err error) {
	t.mu.Lock()
	if t.aborted || t.resolved {
		t.mu.Unlock()
		return
	}
	t.resolved = true
	t.resp = resp
	t.err = err
	t.mu.Unlock()

	close(t.done)
}

func (t *Transfer) run(client *http.Client, req *http.Request) {
	defer t.cancel()

	resp, err := t.do(client, req)
	if t.Aborted() {
		return
	}

	if t.registry != nil {
		t.registry.Remove(t)
	}
	if err != nil {
		t.logger.Debugf("Transfer %s failed: %s", t.id, err)
	}
	t.resolve(resp, err)
}

func (t *Transfer) do(client *http.Client, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Printf("%s", err)
		}
	}(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Data:       data,
	}, nil
}

type progressReader struct {
	r      io.Reader
	loaded int64
	total  int64
	fn     func(ProgressEvent)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.fn(ProgressEvent{Loaded: p.loaded, Total: p.total})
	}
	return n, err
}

func newRequest(ctx context.Context, params Params) (*http.Request, error) {
	method := params.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, params.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if len(params.Payload) > 0 {
		payload := params.Payload
		onProgress := params.OnProgress
		if onProgress == nil {
			onProgress = func(ProgressEvent) {}
		}

		req.Body = io.NopCloser(&progressReader{
			r:     bytes.NewReader(payload),
			total: int64(len(payload)),
			fn:    onProgress,
		})
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
		req.ContentLength = int64(len(payload))
	}

	for k, v := range params.Headers {
		if http.CanonicalHeaderKey(k) == "Host" {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}

	return req, nil
}

func newTransfer(params Params, req *http.Request, cancel context.CancelFunc, logger log.Logger) *Transfer {
	return &Transfer{
		id:       uuid.NewString(),
		method:   req.Method,
		url:      params.URL,
		registry: params.Registry,
		cancel:   cancel,
		logger:   logger,
		done:     make(chan struct{}),
	}
}
