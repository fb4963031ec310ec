// Package reghttp runs http requests with the auth and retry handling shared
// by the registry data plane and the Azure management plane clients.
package reghttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/acrsync/acrsync/types"
	"github.com/sirupsen/logrus"
)

// Auth is used to process Www-Authenticate headers and update requests with an Authorization header
type Auth interface {
	HandleResponse(*http.Response) error
	UpdateRequest(*http.Request) error
}

// errRetryNeeded indicates a request should be sent again
var errRetryNeeded = errors.New("retry needed")

// Opts injects options into New
type Opts func(*Client)

// OptsReq injects options into DoRequest
type OptsReq func(*request)

// Client sends requests with an auth handler and retries for throttled or
// transient failures
type Client struct {
	httpClient *http.Client
	auth       Auth
	userAgent  string
	limit      int
	delayInit  time.Duration
	delayMax   time.Duration
	log        *logrus.Logger
}

// New returns a Client
func New(opts ...Opts) *Client {
	c := &Client{
		httpClient: &http.Client{},
		limit:      3,
		delayInit:  time.Second,
		delayMax:   time.Second * 30,
	}
	c.log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.WarnLevel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithAuth adds authentication to requests
func WithAuth(auth Auth) Opts {
	return func(c *Client) {
		c.auth = auth
	}
}

// WithDelay initial time to wait between retries (increased with exponential backoff)
func WithDelay(delayInit time.Duration, delayMax time.Duration) Opts {
	return func(c *Client) {
		if delayInit > 0 {
			c.delayInit = delayInit
		}
		// delayMax must be at least delayInit
		if delayMax > c.delayInit {
			c.delayMax = delayMax
		} else if delayMax > 0 {
			c.delayMax = c.delayInit
		}
	}
}

// WithHTTPClient uses a specific http client with requests
func WithHTTPClient(h *http.Client) Opts {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithLimit restricts the number of attempts per request (defaults to 3)
func WithLimit(l int) Opts {
	return func(c *Client) {
		if l > 0 {
			c.limit = l
		}
	}
}

// WithLog injects a logrus Logger configuration
func WithLog(log *logrus.Logger) Opts {
	return func(c *Client) {
		c.log = log
	}
}

// WithUserAgent specifies the User-Agent http header
func WithUserAgent(ua string) Opts {
	return func(c *Client) {
		c.userAgent = ua
	}
}

type request struct {
	c          *Client
	method     string
	u          url.URL
	header     http.Header
	getBody    func() (io.ReadCloser, error)
	contentLen int64
	backoffs   int
	resp       *http.Response
}

// DoRequest sends a request, handling auth challenges and backoff for
// throttled or transient failures. The response is returned for any status
// that does not trigger a retry, callers check the status code.
func (c *Client) DoRequest(ctx context.Context, method string, u url.URL, opts ...OptsReq) (*http.Response, error) {
	req := &request{
		c:          c,
		method:     method,
		u:          u,
		header:     http.Header{},
		contentLen: -1,
	}
	for _, opt := range opts {
		opt(req)
	}
	return req.retryLoop(ctx)
}

// WithBodyBytes converts a byte slice into a body func and content length
func WithBodyBytes(body []byte) OptsReq {
	return func(req *request) {
		req.contentLen = int64(len(body))
		req.getBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
}

// WithHeader sets a header
func WithHeader(key string, values []string) OptsReq {
	return func(req *request) {
		for _, v := range values {
			req.header.Add(key, v)
		}
	}
}

// WithHeaders includes a header object
func WithHeaders(headers http.Header) OptsReq {
	return func(req *request) {
		for key := range headers {
			for _, val := range headers.Values(key) {
				req.header.Add(key, val)
			}
		}
	}
}

func (req *request) retryLoop(ctx context.Context) (*http.Response, error) {
	for {
		err := req.httpDo(ctx)
		if err != nil {
			return nil, err
		}
		err = req.checkResp(ctx)
		if err == nil {
			return req.resp, nil
		}
		if !errors.Is(err, errRetryNeeded) {
			return req.resp, err
		}
		// drain the failed response so the connection can be reused
		_, _ = io.Copy(io.Discard, req.resp.Body)
		_ = req.resp.Body.Close()
	}
}

func (req *request) httpDo(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.u.String(), nil)
	if err != nil {
		return err
	}
	if req.getBody != nil {
		httpReq.Body, err = req.getBody()
		if err != nil {
			return err
		}
		httpReq.GetBody = req.getBody
		httpReq.ContentLength = req.contentLen
	}
	if len(req.header) > 0 {
		httpReq.Header = req.header
	}
	if req.c.userAgent != "" {
		httpReq.Header.Set("User-Agent", req.c.userAgent)
	}

	// include auth header
	if req.c.auth != nil {
		err = req.c.auth.UpdateRequest(httpReq)
		if err != nil {
			return err
		}
	}

	req.c.log.WithFields(logrus.Fields{
		"method":   req.method,
		"url":      req.u.String(),
		"withAuth": len(httpReq.Header.Values("Authorization")) > 0,
	}).Debug("Sending request")
	resp, err := req.c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	req.resp = resp

	return nil
}

func (req *request) checkResp(ctx context.Context) error {
	resp := req.resp
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if req.c.auth == nil {
			return fmt.Errorf("request to %s failed: %w", req.u.Redacted(), types.ErrUnauthorized)
		}
		if err := req.c.auth.HandleResponse(resp); err != nil {
			req.c.log.WithFields(logrus.Fields{
				"url": req.u.String(),
				"err": err,
			}).Warn("Failed to handle auth request")
			return fmt.Errorf("failed to authorize request to %s: %w", req.u.Redacted(), err)
		}
		req.c.log.WithFields(logrus.Fields{
			"url": req.u.String(),
		}).Debug("Retry needed with auth header")
		return errRetryNeeded
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		if err := req.backoff(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return HTTPError(resp.StatusCode)
		}
		return errRetryNeeded
	}
	return nil
}

// backoff sleeps with an exponential delay, returning an error when the
// attempt limit is reached or the context is done
func (req *request) backoff(ctx context.Context) error {
	req.backoffs++
	if req.backoffs >= req.c.limit {
		return fmt.Errorf("retry limit reached for %s: %w", req.u.Redacted(), types.ErrRateLimit)
	}
	sleepTime := req.c.delayInit << req.backoffs
	if sleepTime > req.c.delayMax {
		sleepTime = req.c.delayMax
	}
	req.c.log.WithFields(logrus.Fields{
		"host":    req.u.Host,
		"seconds": sleepTime.Seconds(),
	}).Warn("Sleeping for backoff")
	timer := time.NewTimer(sleepTime)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}
	return nil
}

// HTTPError maps an unexpected status code to a sentinel error
func HTTPError(statusCode int) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w [http %d]", types.ErrUnauthorized, statusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w [http %d]", types.ErrNotFound, statusCode)
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return fmt.Errorf("%w [http %d]", types.ErrRateLimit, statusCode)
	default:
		return fmt.Errorf("%w [http %d]", types.ErrHTTPStatus, statusCode)
	}
}
