package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/agentuity/go-dbcache/resilience"
	"github.com/cockroachdb/errors"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var errRetryable = errors.New("retryable response")

// Client talks to a dbcache server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  logger.Logger
	retry   resilience.RetryConfig
}

// Error describes a failed request.
type Error struct {
	URL      string
	Method   string
	Status   int
	Body     string
	TheError error
}

func (e *Error) Error() string {
	if e == nil || e.TheError == nil {
		return ""
	}
	return e.TheError.Error()
}

func (e *Error) Unwrap() error {
	return e.TheError
}

func NewError(url, method string, status int, body string, err error) *Error {
	return &Error{
		URL:      url,
		Method:   method,
		Status:   status,
		Body:     body,
		TheError: err,
	}
}

type ClientOption func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithClientRetry sets how connection failures and 408/429/502/503/504
// replies are retried. Defaults to 4 retries starting at 150ms.
func WithClientRetry(rc resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = rc }
}

func NewClient(logger logger.Logger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		logger:  logger,
		baseURL: baseURL,
		client:  http.DefaultClient,
		retry: resilience.RetryConfig{
			MaxRetries:        4,
			InitialBackoff:    150 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.RetryableErrors = func(err error) bool { return errors.Is(err, errRetryable) }
	return c
}

func UserAgent() string {
	gitSHA := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				gitSHA = setting.Value
			}
		}
	}
	return "dbcache client/" + Version + " (" + gitSHA + ")"
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
			return true
		} else if msg := err.Error(); strings.Contains(msg, "EOF") {
			return true
		}
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return true
		}
	}
	return false
}

// safeBodyPreview returns a loggable preview of a response body: binary or
// unknown content is reduced to its size and hash, text is truncated.
func safeBodyPreview(body []byte, contentType string, maxChars int) string {
	if maxChars == 0 {
		maxChars = 200
	}
	lowerContentType := strings.ToLower(contentType)
	safeTextTypes := []string{"text/", "application/json"}

	isSafeText := false
	for _, safeType := range safeTextTypes {
		if strings.Contains(lowerContentType, safeType) {
			isSafeText = true
			break
		}
	}
	if !isSafeText && contentType != "" {
		hash := sha256.Sum256(body)
		return fmt.Sprintf("<%s: %d bytes, sha256=%s>", contentType, len(body), hex.EncodeToString(hash[:8]))
	}

	bodyStr := string(body)
	if len(bodyStr) > maxChars {
		return bodyStr[:maxChars] + "[truncated, total: " + strconv.Itoa(len(bodyStr)) + " chars]"
	}
	return bodyStr
}

type reply struct {
	status      int
	contentType string
	body        []byte
}

// Do sends method to pathParam with query, retrying transient failures, and
// returns the final status and body. Non-2xx replies are returned without
// error; callers decide what they mean.
func (c *Client) Do(ctx context.Context, method, pathParam string, query url.Values) (int, []byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return 0, nil, NewError(c.baseURL, method, 0, "", errors.Wrap(err, "error parsing base url"))
	}
	if pathParam != "" {
		u.Path = path.Join("/", u.Path, pathParam)
	}
	u.RawQuery = query.Encode()
	target := u.String()

	var last reply
	err = resilience.Retry(ctx, c.retry, func() error {
		c.logger.Trace("sending request: %s %s", method, target)
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return errors.Wrap(err, "error creating request")
		}
		req.Header.Set("User-Agent", UserAgent())

		resp, err := c.client.Do(req)
		if shouldRetry(resp, err) {
			if resp != nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				last = reply{status: resp.StatusCode}
				return errors.Mark(errors.Newf("server replied %s", resp.Status), errRetryable)
			}
			c.logger.Trace("client returned retryable error, retrying...")
			return errors.Mark(errors.Wrap(err, "error sending request"), errRetryable)
		}
		if err != nil {
			return errors.Wrap(err, "error sending request")
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "error reading response body")
		}
		last = reply{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: body}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, err
		}
		return last.status, nil, NewError(target, method, last.status, "", err)
	}
	c.logger.Debug("response status: %d, body: %s", last.status, safeBodyPreview(last.body, last.contentType, 200))
	return last.status, last.body, nil
}

func (c *Client) failure(method, pathParam string, status int, body []byte) error {
	msg := fmt.Sprintf("request failed with status %d", status)
	var r Response
	if json.Unmarshal(body, &r) == nil && r.Message != "" {
		msg = r.Message
	}
	return NewError(c.baseURL+pathParam, method, status, string(body), errors.New(msg))
}

// Put stores value under key. A negative ttl never expires; zero uses the
// server's default ttl.
func (c *Client) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	q := url.Values{"cacheKey": {key}, "cacheValue": {value}}
	switch {
	case ttl < 0:
		q.Set("ttl", "-1")
	case ttl > 0:
		q.Set("ttl", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	status, body, err := c.Do(ctx, http.MethodPost, "/dbCache/putCache", q)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.failure(http.MethodPost, "/dbCache/putCache", status, body)
	}
	return nil
}

// Get returns the value under key, found=false when the server has none.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	status, body, err := c.Do(ctx, http.MethodGet, "/dbCache/getCache", url.Values{"cacheKey": {key}})
	if err != nil {
		return "", false, err
	}
	switch status {
	case http.StatusOK:
		return string(body), true, nil
	case http.StatusNotFound:
		return "", false, nil
	}
	return "", false, c.failure(http.MethodGet, "/dbCache/getCache", status, body)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	status, body, err := c.Do(ctx, http.MethodPost, "/dbCache/deleteCache", url.Values{"cacheKey": {key}})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.failure(http.MethodPost, "/dbCache/deleteCache", status, body)
	}
	return nil
}

// Flush asks the server to persist everything queued right away.
func (c *Client) Flush(ctx context.Context) error {
	status, body, err := c.Do(ctx, http.MethodPost, "/dbCache/flush", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.failure(http.MethodPost, "/dbCache/flush", status, body)
	}
	return nil
}
