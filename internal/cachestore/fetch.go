package cachestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TypesHeader is the response header pointing at a module's declaration
// file.
const TypesHeader = "X-TypeScript-Types"

// DefaultMaxBodySize bounds how much of a response body is read.
const DefaultMaxBodySize = 32 << 20

// cachedHeaders is the allow-list of headers persisted with a record.
var cachedHeaders = []string{"Content-Type", "Content-Length", "Cache-Control", TypesHeader}

// Doer performs HTTP requests. *http.Client and *fetch.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully read HTTP response.
type Response struct {
	// RequestURL is the URL that was asked for and the cache key.
	RequestURL string
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ClientError reports a 4xx status.
func (r *Response) ClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

// CachePolicy is the subset of Cache-Control the store honours.
type CachePolicy struct {
	MaxAge    time.Duration
	HasMaxAge bool
	Immutable bool
	NoStore   bool
}

// Cacheable reports whether a response with this policy may be stored.
func (p CachePolicy) Cacheable() bool {
	return !p.NoStore && (p.Immutable || (p.HasMaxAge && p.MaxAge > 0))
}

// ParseCacheControl parses a Cache-Control header value.
func ParseCacheControl(v string) CachePolicy {
	var p CachePolicy
	for _, directive := range strings.Split(v, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		switch strings.ToLower(name) {
		case "immutable":
			p.Immutable = true
		case "no-store":
			p.NoStore = true
		case "max-age":
			secs, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
			if err == nil && secs >= 0 {
				p.MaxAge = time.Duration(secs) * time.Second
				p.HasMaxAge = true
			}
		}
	}
	return p
}

// IsFresh reports whether rec may be served without revalidation at now.
func IsFresh(rec *Record, now time.Time) bool {
	p := ParseCacheControl(rec.Header("Cache-Control"))
	if p.Immutable {
		return true
	}
	return p.HasMaxAge && rec.ModifiedAt.Add(p.MaxAge).After(now)
}

// ToRecord turns a response into the record to persist. It returns false
// when the response must not be cached. The types pointer is stored as an
// absolute URL. The input is not modified.
func ToRecord(resp *Response, now time.Time) (*Record, bool) {
	if resp == nil || !resp.OK() {
		return nil, false
	}
	if !ParseCacheControl(resp.Header.Get("Cache-Control")).Cacheable() {
		return nil, false
	}

	var headers []Header
	for _, name := range cachedHeaders {
		v := resp.Header.Get(name)
		if v == "" {
			continue
		}
		if name == TypesHeader {
			v = absoluteRef(resp, v)
		}
		headers = append(headers, Header{Name: strings.ToLower(name), Value: v})
	}
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)

	return &Record{
		URL:        resp.RequestURL,
		Version:    1,
		Content:    body,
		Headers:    headers,
		CreatedAt:  now,
		ModifiedAt: now,
	}, true
}

// absoluteRef resolves ref against the final URL of resp. Cached responses
// only know the request URL, so relative references are fixed at write
// time.
func absoluteRef(resp *Response, ref string) string {
	base := resp.URL
	if base == "" {
		base = resp.RequestURL
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// ToResponse builds the synthetic response served from a cached record.
func ToResponse(rec *Record) *Response {
	h := make(http.Header, len(rec.Headers))
	for _, hdr := range rec.Headers {
		h.Set(hdr.Name, hdr.Value)
	}
	return &Response{
		RequestURL: rec.URL,
		URL:        rec.URL,
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       rec.Content,
		FromCache:  true,
	}
}

// Fetcher implements fetch-with-cache on top of a Store.
type Fetcher struct {
	store   Store
	client  Doer
	logger  *slog.Logger
	now     func() time.Time
	maxBody int64
}

// NewFetcher returns a fetcher. A nil store disables caching; a nil client
// uses http.DefaultClient.
func NewFetcher(store Store, client Doer, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fetcher{
		store:   store,
		client:  client,
		logger:  logger,
		now:     time.Now,
		maxBody: DefaultMaxBodySize,
	}
}

// Fetch returns a fresh cached response for rawURL or performs a network
// request. Store failures degrade to a network fetch.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	if f.store != nil {
		rec, err := f.store.Get(ctx, rawURL)
		switch {
		case err == nil:
			if IsFresh(rec, f.now()) {
				f.logger.Debug("cache hit", "url", rawURL)
				return ToResponse(rec), nil
			}
		case errors.Is(err, ErrNotFound):
		default:
			f.logger.Warn("cache lookup failed, fetching from network", "url", rawURL, "error", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", rawURL, f.maxBody)
	}

	resp := &Response{
		RequestURL: rawURL,
		URL:        rawURL,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		resp.URL = httpResp.Request.URL.String()
	}
	f.logger.Debug("fetched", "url", rawURL, "status", resp.StatusCode)

	if f.store != nil {
		if rec, ok := ToRecord(resp, f.now()); ok {
			if err := f.store.Put(ctx, rec); err != nil {
				f.logger.Warn("failed to cache response", "url", rawURL, "error", err)
			}
		}
	}
	return resp, nil
}
