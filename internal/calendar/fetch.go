package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "studyagent/pkg/logx"
)

const maxFeedBytes = 16 << 20

// Source is a single ICS subscription.
type Source struct {
	ID  string
	URL string
}

// fetchResult is the outcome of fetching a single source.
type fetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// fetcher downloads ICS feeds with conditional requests (ETag /
// Last-Modified) and a disk-backed body cache. A cached body is served when
// the network fails. An empty cacheDir disables caching.
type fetcher struct {
	client    *http.Client
	cacheDir  string
	userAgent string
	log       logx.Logger
}

func newFetcher(cacheDir, userAgent string, timeout time.Duration, log logx.Logger) *fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = "studyagent/1.0"
	}
	return &fetcher{
		client:    &http.Client{Timeout: timeout},
		cacheDir:  cacheDir,
		userAgent: userAgent,
		log:       log,
	}
}

func (f *fetcher) fetch(ctx context.Context, src Source) (fetchResult, error) {
	raw := strings.TrimSpace(src.URL)
	if raw == "" {
		return fetchResult{}, errors.New("source URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fetchResult{}, err
	}
	switch u.Scheme {
	case "", "file":
		return f.readFile(src, u)
	case "webcal":
		u.Scheme = "https"
	}
	return f.fetchHTTP(ctx, src, u.String())
}

func (f *fetcher) readFile(src Source, u *url.URL) (fetchResult, error) {
	path := u.Path
	if u.Scheme == "" {
		path = src.URL
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return fetchResult{}, err
	}
	return fetchResult{Source: src, Body: body}, nil
}

func (f *fetcher) fetchHTTP(ctx context.Context, src Source, target string) (fetchResult, error) {
	cachePath := ""
	var (
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(target)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return fetchResult{}, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = os.ReadFile(filepath.Join(cachePath, "body.ics"))
	}
	fromCache := func(reason string, cause error) (fetchResult, error) {
		if len(cachedBody) == 0 {
			return fetchResult{}, cause
		}
		f.log.Warn(reason, logx.String("source", src.ID), logx.String("url", redactURL(target)), logx.Err(cause))
		return fetchResult{Source: src, Body: cachedBody, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fetchResult{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fetchResult{}, err
		}
		return fromCache("ics fetch failed; using cached body", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		if err != nil {
			return fromCache("ics read failed; using cached body", err)
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          target,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				f.log.Warn("ics cache save failed", logx.String("source", src.ID), logx.Err(err))
			}
		}
		f.log.Debug("ics fetched", logx.String("source", src.ID), logx.String("url", redactURL(target)), logx.Int("bytes", len(body)))
		return fetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return fetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		f.log.Debug("ics not modified; using cache", logx.String("source", src.ID))
		return fetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	default:
		return fromCache("ics fetch non-OK; using cached body", fmt.Errorf("ics fetch: %s", resp.Status))
	}
}

func (f *fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; feed URLs often embed secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
