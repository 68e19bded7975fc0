// Package fetch performs conditional GETs of feed documents and classifies the
// response. It knows nothing about persistence.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const AcceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"

var errTooManyRedirects = errors.New("too many redirects")

type Status int

const (
	StatusOK Status = iota + 1
	StatusNotModified
	StatusRateLimited
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotModified:
		return "not_modified"
	case StatusRateLimited:
		return "rate_limited"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ErrorKind refines StatusError so callers can tell a vanished source from a
// transient outage.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorTransport
	ErrorUnauthorized
	ErrorForbidden
	ErrorNotFound
	ErrorGone
	ErrorServer
	ErrorRedirect
	ErrorUnexpectedStatus
	ErrorBody
)

// Permanent reports whether the source told us the feed is not available to
// us at all, as opposed to a failure that may clear up by itself.
func (k ErrorKind) Permanent() bool {
	switch k {
	case ErrorUnauthorized, ErrorForbidden, ErrorNotFound, ErrorGone:
		return true
	}
	return false
}

type Request struct {
	URL          string
	ETag         string
	LastModified string
}

type Result struct {
	Status       Status
	StatusCode   int
	Body         []byte
	ETag         string
	LastModified string
	ContentType  string
	RetryAfter   *time.Time
	ErrorKind    ErrorKind
	Message      string
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) Result
}

type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
}

// DefaultConfig returns the fetch defaults with a User-Agent naming version.
func DefaultConfig(version string) Config {
	return Config{
		UserAgent:    UserAgent(version),
		Timeout:      30 * time.Second,
		MaxRedirects: 5,
		MaxBodyBytes: 10 << 20,
	}
}

func UserAgent(version string) string {
	return fmt.Sprintf("feedpipe/%s (+https://github.com/jackc/feedpipe)", version)
}

type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	now          func() time.Time
}

func NewHTTPFetcher(config Config) *HTTPFetcher {
	maxRedirects := config.MaxRedirects
	client := &http.Client{
		Timeout: config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects: %w", maxRedirects, errTooManyRedirects)
			}
			return nil
		},
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    config.UserAgent,
		maxBodyBytes: config.MaxBodyBytes,
		now:          time.Now,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return errorResult(ErrorTransport, fmt.Sprintf("invalid feed URL: %v", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", AcceptHeader)
	if r.ETag != "" {
		req.Header.Set("If-None-Match", r.ETag)
	}
	if r.LastModified != "" {
		req.Header.Set("If-Modified-Since", r.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, errTooManyRedirects) {
			return errorResult(ErrorRedirect, err.Error())
		}
		return errorResult(ErrorTransport, describeTransportError(err))
	}
	defer resp.Body.Close()

	result := classify(resp, f.now())
	if result.Status != StatusOK {
		return result
	}

	body, err := readBody(resp.Body, f.maxBodyBytes)
	if err != nil {
		return errorResult(ErrorBody, err.Error())
	}
	result.Body = body

	return result
}

func classify(resp *http.Response, now time.Time) Result {
	code := resp.StatusCode
	switch {
	case code == http.StatusOK:
		return Result{
			Status:       StatusOK,
			StatusCode:   code,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			ContentType:  resp.Header.Get("Content-Type"),
		}
	case code == http.StatusNotModified:
		return Result{Status: StatusNotModified, StatusCode: code}
	case code == http.StatusTooManyRequests:
		return Result{
			Status:     StatusRateLimited,
			StatusCode: code,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), now),
			Message:    fmt.Sprintf("rate limited (HTTP %s)", resp.Status),
		}
	}

	var kind ErrorKind
	var msg string
	switch {
	case code == http.StatusUnauthorized:
		kind, msg = ErrorUnauthorized, "authentication required"
	case code == http.StatusForbidden:
		kind, msg = ErrorForbidden, "access forbidden"
	case code == http.StatusNotFound:
		kind, msg = ErrorNotFound, "feed not found"
	case code == http.StatusGone:
		kind, msg = ErrorGone, "feed is gone"
	case code >= 300 && code < 400:
		kind, msg = ErrorRedirect, "unfollowed redirect"
	case code >= 500 && code < 600:
		kind, msg = ErrorServer, "server error"
	default:
		kind, msg = ErrorUnexpectedStatus, "unexpected response"
	}

	result := errorResult(kind, fmt.Sprintf("%s (HTTP %s)", msg, statusText(resp)))
	result.StatusCode = code
	return result
}

func statusText(resp *http.Response) string {
	if resp.Status != "" {
		return resp.Status
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

func errorResult(kind ErrorKind, msg string) Result {
	return Result{Status: StatusError, ErrorKind: kind, Message: msg}
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("unable to read response body: %w", err)
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("unable to read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return body, nil
}

func describeTransportError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("DNS lookup failed: %v", dnsErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("request timed out: %v", err)
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Sprintf("request canceled: %v", err)
	}

	return fmt.Sprintf("connection failed: %v", err)
}

// Ten years. Anything larger is nonsense and would overflow time.Duration arithmetic.
const maxRetryAfterSeconds = 10 * 365 * 24 * 60 * 60

// ParseRetryAfter accepts either delta-seconds or an HTTP-date. It returns nil
// when the header is missing or unparsable.
func ParseRetryAfter(value string, now time.Time) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 || seconds > maxRetryAfterSeconds {
			return nil
		}
		t := now.Add(time.Duration(seconds) * time.Second)
		return &t
	}

	if t, err := http.ParseTime(value); err == nil {
		return &t
	}

	return nil
}
