package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrPageLimit is returned with the collected posts when max_pages is hit
	ErrPageLimit = errors.New("archive page limit reached")
	// ErrStalePage is returned when a full page repeats the previous one
	ErrStalePage = errors.New("archive returned the same page twice")
)

// ArchiveClient pages through a blog's archive API
type ArchiveClient struct {
	client      *resty.Client
	startOffset int
	pageSize    int
	maxPages    int
	pageDelay   time.Duration
}

// NewArchiveClient creates an archive client using the paging settings from cfg
func NewArchiveClient(client *resty.Client, cfg Config) *ArchiveClient {
	return &ArchiveClient{
		client:      client,
		startOffset: cfg.StartOffset,
		pageSize:    cfg.PageSize,
		maxPages:    cfg.MaxPages,
		pageDelay:   cfg.PageDelay(),
	}
}

func archiveEndpoint(blogURL string) string {
	return strings.TrimRight(blogURL, "/") + "/api/v1/archive"
}

// fetchArchivePage retrieves one page of archive records starting at offset
func (a *ArchiveClient) fetchArchivePage(ctx context.Context, blogURL string, offset int) ([]ArchivePost, error) {
	slog.Debug("Fetching archive page", "blog", blogURL, "offset", offset, "limit", a.pageSize)

	res, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"sort":   "new",
			"search": "",
			"offset": strconv.Itoa(offset),
			"limit":  strconv.Itoa(a.pageSize),
		}).
		Get(archiveEndpoint(blogURL))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archive page at offset %d: %w", offset, err)
	}

	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("archive page at offset %d: HTTP status code error: %d %s", offset, res.StatusCode(), res.Status())
	}

	var posts []ArchivePost
	if err := json.Unmarshal(res.Body(), &posts); err != nil {
		return nil, fmt.Errorf("failed to decode archive page at offset %d: %w", offset, err)
	}

	return posts, nil
}

// FetchPosts returns the summaries of every post in the archive.
// Paging stops on the first page shorter than the page size. On error the
// summaries collected so far are returned alongside it.
func (a *ArchiveClient) FetchPosts(ctx context.Context, blogURL string) ([]PostSummary, error) {
	ctx, span := tracer.Start(ctx, "FetchPosts")
	defer span.End()
	span.SetAttributes(attribute.String("blog.url", blogURL))

	summaries, pages, err := a.paginate(ctx, blogURL)
	span.SetAttributes(attribute.Int("archive.pages", pages), attribute.Int("archive.posts", len(summaries)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive pagination failed")
	}

	slog.Debug("Finished fetching archive", "blog", blogURL, "pages", pages, "posts", len(summaries))
	return summaries, err
}

func (a *ArchiveClient) paginate(ctx context.Context, blogURL string) ([]PostSummary, int, error) {
	var summaries []PostSummary
	var previous []string
	offset := a.startOffset

	for page := 0; ; page++ {
		if page >= a.maxPages {
			slog.Warn("Archive page limit reached", "blog", blogURL, "pages", page)
			return summaries, page, fmt.Errorf("%w after %d pages", ErrPageLimit, page)
		}

		posts, err := a.fetchArchivePage(ctx, blogURL, offset)
		// The pause follows every fetch, failed or not.
		waitErr := sleepContext(ctx, a.pageDelay)
		if err != nil {
			return summaries, page + 1, err
		}

		urls := canonicalURLs(posts)
		if len(posts) >= a.pageSize && slices.Equal(urls, previous) {
			slog.Warn("Archive returned a repeated page, stopping", "blog", blogURL, "offset", offset)
			return summaries, page + 1, fmt.Errorf("%w at offset %d", ErrStalePage, offset)
		}

		for _, post := range posts {
			summaries = append(summaries, newPostSummary(post))
		}

		if len(posts) < a.pageSize {
			return summaries, page + 1, nil
		}
		if waitErr != nil {
			return summaries, page + 1, waitErr
		}

		previous = urls
		offset += a.pageSize
	}
}

func canonicalURLs(posts []ArchivePost) []string {
	urls := make([]string, 0, len(posts))
	for _, post := range posts {
		urls = append(urls, post.CanonicalURL)
	}
	return urls
}

// newPostSummary converts an archive record into a PostSummary
func newPostSummary(post ArchivePost) PostSummary {
	var postDate time.Time
	if post.PostDate != "" {
		parsed, err := time.Parse(time.RFC3339, post.PostDate)
		if err != nil {
			slog.Warn("Failed to parse post date", "error", err, "post_date", post.PostDate, "url", post.CanonicalURL)
		} else {
			postDate = parsed
		}
	}

	return PostSummary{
		Title:         post.Title,
		Audience:      post.Audience,
		CanonicalURL:  post.CanonicalURL,
		Description:   post.Description,
		TruncatedBody: post.TruncatedBodyText,
		Wordcount:     post.Wordcount,
		ReactionCount: post.ReactionCount,
		CommentCount:  post.CommentCount,
		PostDate:      postDate,
	}
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
