package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	readability "github.com/go-shiori/go-readability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrScriptNotFound = errors.New("no script element carries an embedded payload")
	ErrPayloadLiteral = errors.New("embedded payload is not a JSON string literal")
	ErrPayloadDecode  = errors.New("embedded payload is not a valid JSON document")
	ErrBodyNotFound   = errors.New("embedded payload has no body_html")
	ErrRecentFailure  = errors.New("post failed recently, skipping fetch")
)

const (
	jsonParseCall = "JSON.parse("
	bodyHTMLKey   = "body_html"
	failureTTL    = time.Hour
)

// BodyStore caches fetched article bodies between runs
type BodyStore interface {
	GetCachedBody(url string) (*BodyCache, error)
	CacheBody(url, bodyHTML string, fetchSuccess bool, ttl time.Duration) error
}

// PostFetcher retrieves post pages and pulls the article body out of them,
// waiting between fetches to the same host
type PostFetcher struct {
	client              *resty.Client
	marker              string
	postDelay           time.Duration
	readabilityFallback bool
	cache               BodyStore
	cacheTTL            time.Duration

	hostMutex sync.Mutex
	lastFetch map[string]time.Time
}

// NewPostFetcher creates a post fetcher. cache may be nil.
func NewPostFetcher(client *resty.Client, cfg Config, cache BodyStore) *PostFetcher {
	return &PostFetcher{
		client:              client,
		marker:              cfg.ScriptMarker,
		postDelay:           cfg.PostDelay(),
		readabilityFallback: cfg.ReadabilityFallback,
		cache:               cache,
		cacheTTL:            cfg.CacheTTL(),
		lastFetch:           make(map[string]time.Time),
	}
}

// FetchBodyHTML returns the article HTML fragment of the post at postURL
func (f *PostFetcher) FetchBodyHTML(ctx context.Context, postURL string) (string, error) {
	ctx, span := tracer.Start(ctx, "FetchBodyHTML")
	defer span.End()
	span.SetAttributes(attribute.String("post.url", postURL))

	body, err := f.fetchBodyWithCache(ctx, postURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "body extraction failed")
		return "", err
	}
	span.SetAttributes(attribute.Int("post.body_bytes", len(body)))
	return body, nil
}

func (f *PostFetcher) fetchBodyWithCache(ctx context.Context, postURL string) (string, error) {
	if f.cache != nil {
		cached, err := f.cache.GetCachedBody(postURL)
		if err != nil {
			slog.Warn("Error getting cached body", "error", err, "url", postURL)
		}
		if cached != nil && cached.FetchSuccess {
			slog.Debug("Using cached body", "url", postURL)
			return cached.BodyHTML, nil
		}
		if cached != nil && !cached.FetchSuccess {
			slog.Debug("Skipping fetch due to recent failure", "url", postURL)
			return "", fmt.Errorf("%w: %s", ErrRecentFailure, postURL)
		}
	}

	body, err := f.fetchBody(ctx, postURL)

	// Cancellation says nothing about the post itself.
	if f.cache != nil && ctx.Err() == nil {
		ttl := f.cacheTTL
		if err != nil {
			ttl = failureTTL
		}
		if cacheErr := f.cache.CacheBody(postURL, body, err == nil, ttl); cacheErr != nil {
			slog.Warn("Failed to cache body", "error", cacheErr, "url", postURL)
		}
	}

	return body, err
}

func (f *PostFetcher) fetchBody(ctx context.Context, postURL string) (string, error) {
	page, err := f.fetchPage(ctx, postURL)
	if err != nil {
		return "", err
	}

	body, err := ExtractBodyHTML(page, f.marker)
	if err == nil {
		return body, nil
	}
	if !f.readabilityFallback {
		return "", fmt.Errorf("extracting body of %s: %w", postURL, err)
	}

	slog.Warn("Embedded payload unusable, falling back to readability", "url", postURL, "error", err)
	fallback, fbErr := readableContent(page, postURL)
	if fbErr != nil {
		return "", fmt.Errorf("extracting body of %s: %w", postURL, errors.Join(err, fbErr))
	}
	return fallback, nil
}

// fetchPage downloads the post page, keeping at least postDelay between
// requests to the same host
func (f *PostFetcher) fetchPage(ctx context.Context, postURL string) (string, error) {
	parsedURL, err := url.Parse(postURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if err := f.waitForHost(ctx, parsedURL.Host); err != nil {
		return "", err
	}

	slog.Debug("Fetching post page", "url", postURL)

	res, err := f.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		Get(postURL)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}

	if res.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("HTTP error: %d %s", res.StatusCode(), res.Status())
	}

	contentType := res.Header().Get("Content-Type")
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "text/html") {
		return "", fmt.Errorf("not an HTML page: %s", contentType)
	}

	return res.String(), nil
}

func (f *PostFetcher) waitForHost(ctx context.Context, host string) error {
	f.hostMutex.Lock()
	defer f.hostMutex.Unlock()

	if last, exists := f.lastFetch[host]; exists {
		if sinceLast := time.Since(last); sinceLast < f.postDelay {
			sleepTime := f.postDelay - sinceLast
			slog.Debug("Rate limiting host", "host", host, "sleep", sleepTime)
			if err := sleepContext(ctx, sleepTime); err != nil {
				return err
			}
		}
	}
	f.lastFetch[host] = time.Now()
	return nil
}

// ExtractBodyHTML finds the script carrying the embedded page state and
// returns its body_html value. Scripts containing marker and a JSON.parse
// call are tried in document order; the first usable one wins.
func ExtractBodyHTML(page, marker string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var body string
	var candidates int
	var errs []error

	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if !strings.Contains(text, marker) || !strings.Contains(text, jsonParseCall) {
			return true
		}
		candidates++

		found, err := bodyFromScript(text)
		if err != nil {
			slog.Debug("Script candidate rejected", "candidate", candidates, "error", err)
			errs = append(errs, err)
			return true
		}
		body = found
		return false
	})

	if candidates == 0 {
		return "", ErrScriptNotFound
	}
	if len(errs) == candidates {
		return "", errors.Join(errs...)
	}
	return body, nil
}

// bodyFromScript decodes the JSON.parse("...") argument of a script in two
// stages: the string literal first, then the JSON document it encodes
func bodyFromScript(script string) (string, error) {
	start := strings.Index(script, jsonParseCall) + len(jsonParseCall)
	end := strings.LastIndex(script, ");")
	if end < start {
		return "", fmt.Errorf("%w: no closing \");\" after %s", ErrPayloadLiteral, jsonParseCall)
	}

	literal := strings.TrimSpace(script[start:end])
	var encoded string
	if err := json.Unmarshal([]byte(literal), &encoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayloadLiteral, err)
	}

	root, err := ParseNode([]byte(encoded))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}

	body, ok := root.FindString(bodyHTMLKey)
	if !ok {
		return "", ErrBodyNotFound
	}
	return body, nil
}

// readableContent extracts the main content of a full page
func readableContent(page, pageURL string) (string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(page), parsedURL)
	if err != nil {
		return "", fmt.Errorf("readability extraction failed: %w", err)
	}
	if strings.TrimSpace(article.Content) == "" {
		return "", fmt.Errorf("readability found no content")
	}
	return article.Content, nil
}
