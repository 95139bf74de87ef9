// Package ics fetches personal iCalendar feeds with conditional requests
// and expands their events inside a sync window.
package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vipul43/meetsync-worker/internal/retry"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

const defaultMaxFeedBytes = 10 << 20

type FetcherConfig struct {
	HTTPClient *http.Client
	Retry      retry.Policy
	MaxBytes   int64
	UserAgent  string
}

type Fetcher struct {
	httpClient *http.Client
	policy     retry.Policy
	maxBytes   int64
	userAgent  string
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFeedBytes
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "meetsync-worker/1.0"
	}
	return &Fetcher{httpClient: httpClient, policy: cfg.Retry, maxBytes: maxBytes, userAgent: ua}
}

// FetchResult is the outcome of a conditional GET. On NotModified, Data is
// nil and the caller keeps its previous validators.
type FetchResult struct {
	NotModified  bool
	Data         []byte
	ETag         string
	LastModified string
}

// Fetch issues a conditional GET for feedURL using the validators from the
// previous successful fetch.
func (f *Fetcher) Fetch(ctx context.Context, feedURL, etag, lastModified string) (*FetchResult, error) {
	target, err := NormalizeFeedURL(feedURL)
	if err != nil {
		return nil, syncerr.New(syncerr.KindPermanent, "ics.fetch", err)
	}

	var out *FetchResult
	err = retry.Do(ctx, f.policy, func(ctx context.Context) error {
		res, err := f.fetchOnce(ctx, target, etag, lastModified)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, target, etag, lastModified string) (*FetchResult, error) {
	const op = "ics.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, syncerr.New(syncerr.KindPermanent, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	req.Header.Set("User-Agent", f.userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransient, op, fmt.Errorf("failed to send request: %w", redactURL(err)))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{NotModified: true, ETag: etag, LastModified: lastModified}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransient, op, fmt.Errorf("failed to read response: %w", err))
	}

	if serr := syncerr.FromStatus(op, resp.StatusCode, preview(body)); serr != nil {
		serr.RetryAfter = retry.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, serr
	}
	if int64(len(body)) > f.maxBytes {
		return nil, syncerr.Newf(syncerr.KindMalformedFeed, op, "feed exceeds %d bytes", f.maxBytes)
	}

	return &FetchResult{
		Data:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// NormalizeFeedURL rewrites webcal:// to https:// and rejects anything that
// is not an absolute http(s) URL.
func NormalizeFeedURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("feed url is empty")
	}
	if rest, ok := cutPrefixFold(raw, "webcal://"); ok {
		raw = "https://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("feed url is not a valid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported feed url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("feed url has no host")
	}
	return u.String(), nil
}

// redactURL drops the request URL from transport errors. Feed URLs are
// credentials and must not reach logs or last_error.
func redactURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s feed: %w", uerr.Op, uerr.Err)
	}
	return err
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

func preview(body []byte) string {
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.TrimSpace(string(body))
}
