// Package ics reads plain iCalendar subscriptions over HTTP.
package ics

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tazhate/calendarmail/internal/domain"
)

const defaultTimeout = 15 * time.Second

// cacheEntry holds HTTP cache metadata and the last body of one feed.
type cacheEntry struct {
	ETag         string
	LastModified string
	Body         []byte
	UpdatedAt    time.Time
}

// Fetcher downloads ICS feeds with ETag / Last-Modified revalidation and
// keeps the last good body in memory, keyed by a hash of URL and username.
type Fetcher struct {
	timeout     time.Duration
	loc         *time.Location
	horizonDays int
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type Option func(*Fetcher)

func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(f *Fetcher) {
		if loc != nil {
			f.loc = loc
		}
	}
}

func WithHorizonDays(days int) Option {
	return func(f *Fetcher) {
		if days >= 0 {
			f.horizonDays = days
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher creates an ICS fetcher.
func NewFetcher(logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		timeout: defaultTimeout,
		loc:     time.Local,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads and parses the feed at ep.Address.
func (f *Fetcher) Fetch(ctx context.Context, ep domain.Endpoint) ([]domain.Event, error) {
	if ep.Address == "" {
		return nil, &domain.FetchError{Calendar: ep.Hostname, Err: domain.ErrEmptyAddress}
	}

	body, err := f.download(ctx, ep)
	if err != nil {
		return nil, &domain.FetchError{Calendar: ep.Hostname, URL: redactURL(ep.Address), Err: err}
	}

	events, err := f.parse(ep.Hostname, body)
	if err != nil {
		return nil, &domain.ParseError{Calendar: ep.Hostname, Resource: redactURL(ep.Address), Err: err}
	}
	return events, nil
}

func (f *Fetcher) download(ctx context.Context, ep domain.Endpoint) ([]byte, error) {
	key := cacheKey(ep)

	f.mu.Lock()
	cached, hasCached := f.cache[key]
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.Address, nil)
	if err != nil {
		return nil, err
	}
	if ep.HasCredentials() {
		req.SetBasicAuth(ep.Username, ep.Password)
	}
	if hasCached {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := f.httpClient(ep).Do(req)
	if err != nil {
		if hasCached {
			f.logger.Warn("ics fetch failed, using cached body",
				"calendar", ep.Hostname, "url", redactURL(ep.Address), "error", err)
			return cached.Body, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		f.mu.Lock()
		f.cache[key] = cacheEntry{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
			UpdatedAt:    f.now().UTC(),
		}
		f.mu.Unlock()
		f.logger.Debug("ics fetch success", "calendar", ep.Hostname, "bytes", len(body))
		return body, nil

	case http.StatusNotModified:
		if !hasCached {
			return nil, fmt.Errorf("server answered 304 but nothing is cached")
		}
		f.logger.Debug("ics not modified", "calendar", ep.Hostname)
		return cached.Body, nil

	default:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func (f *Fetcher) httpClient(ep domain.Endpoint) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if ep.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per calendar
	}
	return &http.Client{Transport: transport, Timeout: f.timeout}
}

func cacheKey(ep domain.Endpoint) string {
	sum := sha256.Sum256([]byte(ep.Address + "\x00" + ep.Username))
	return hex.EncodeToString(sum[:])
}

// redactURL keeps scheme and host only, since feed URLs often embed tokens.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
