// Package fetch provides the HTTP client used to download remote modules.
package fetch

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrHostNotAllowed is returned when a request targets a host outside
	// the configured allow-list.
	ErrHostNotAllowed = errors.New("host not allowed")
	// ErrTooManyRedirects is returned when a redirect chain exceeds the cap.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Default client settings.
const (
	DefaultUserAgent    = "importls"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 6
)

// Options configures a Client.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	// AllowedHosts restricts requests to these host names when non-empty.
	// An entry "*.example.com" matches every subdomain of example.com.
	AllowedHosts []string
	Transport    http.RoundTripper
	Logger       *slog.Logger
}

// Client is an http.Client with a user agent, a host allow-list and a
// redirect cap.
type Client struct {
	http         *http.Client
	userAgent    string
	allowedHosts []string
	logger       *slog.Logger
}

// NewClient builds a client from opts, filling zero values with defaults.
func NewClient(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Client{
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
	}
	for _, h := range opts.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			c.allowedHosts = append(c.allowedHosts, h)
		}
	}

	maxRedirects := opts.MaxRedirects
	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: opts.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
			}
			if !c.hostAllowed(req.URL.Hostname()) {
				return fmt.Errorf("%w: %s", ErrHostNotAllowed, req.URL.Host)
			}
			req.Header.Set("User-Agent", c.userAgent)
			return nil
		},
	}
	return c
}

// Do sends req after checking the allow-list and setting the user agent.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.hostAllowed(req.URL.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, req.URL.Host)
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.logger.Debug("http request", "method", req.Method, "url", req.URL.String())
	return c.http.Do(req)
}

// UserAgent returns the user agent sent with every request.
func (c *Client) UserAgent() string {
	return c.userAgent
}

func (c *Client) hostAllowed(host string) bool {
	if len(c.allowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range c.allowedHosts {
		if allowed == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
