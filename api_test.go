package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := Defaults()
	cfg.PageDelayMS = 0
	cfg.PostDelayMS = 0
	cfg.Retries = 0
	cfg.RequestTimeoutSec = 5
	cfg.DictionaryPath = ""
	return cfg
}

func createTestArchivePosts(prefix string, n int) []ArchivePost {
	posts := make([]ArchivePost, 0, n)
	for i := 0; i < n; i++ {
		posts = append(posts, ArchivePost{
			Title:         fmt.Sprintf("%s post %d", prefix, i),
			Audience:      "everyone",
			CanonicalURL:  fmt.Sprintf("https://example.substack.com/p/%s-%d", prefix, i),
			Wordcount:     100 + i,
			ReactionCount: i,
			CommentCount:  1,
			PostDate:      "2024-01-01T12:00:00Z",
		})
	}
	return posts
}

// archiveServer serves pages keyed by offset and records the offsets requested
type archiveServer struct {
	*httptest.Server
	mu      sync.Mutex
	offsets []int
	limits  []string
}

func newArchiveServer(t *testing.T, pages map[int][]ArchivePost) *archiveServer {
	t.Helper()
	s := &archiveServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/archive" {
			http.NotFound(w, r)
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		s.mu.Lock()
		s.offsets = append(s.offsets, offset)
		s.limits = append(s.limits, r.URL.Query().Get("limit"))
		s.mu.Unlock()

		posts, ok := pages[offset]
		if !ok {
			posts = []ArchivePost{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(posts)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestArchivePost_JSONParsing(t *testing.T) {
	jsonData := `[{
		"title": "Hello",
		"audience": "only_paid",
		"canonical_url": "https://example.substack.com/p/hello",
		"description": "First post",
		"truncated_body_text": "Once upon a time",
		"wordcount": 1234,
		"reaction_count": 56,
		"comment_count": 7,
		"post_date": "2024-03-05T08:00:00.000Z",
		"unknown_field": true
	}]`

	var posts []ArchivePost
	if err := json.Unmarshal([]byte(jsonData), &posts); err != nil {
		t.Fatalf("Failed to parse archive JSON: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("Expected 1 post, got %d", len(posts))
	}

	s := newPostSummary(posts[0])
	if s.Title != "Hello" || s.Audience != "only_paid" || s.Wordcount != 1234 {
		t.Errorf("Unexpected summary: %+v", s)
	}
	if s.ReactionCount != 56 || s.CommentCount != 7 {
		t.Errorf("Unexpected engagement counts: %+v", s)
	}
	expected := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	if !s.PostDate.Equal(expected) {
		t.Errorf("Expected post date %v, got %v", expected, s.PostDate)
	}
}

func TestNewPostSummary_InvalidDate(t *testing.T) {
	s := newPostSummary(ArchivePost{Title: "x", PostDate: "yesterday"})
	if !s.PostDate.IsZero() {
		t.Errorf("Expected zero date for unparseable post_date, got %v", s.PostDate)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	testCases := []struct {
		blogURL  string
		expected string
	}{
		{"https://example.substack.com", "https://example.substack.com/api/v1/archive"},
		{"https://example.substack.com/", "https://example.substack.com/api/v1/archive"},
	}
	for _, tc := range testCases {
		if got := archiveEndpoint(tc.blogURL); got != tc.expected {
			t.Errorf("archiveEndpoint(%q) = %q, expected %q", tc.blogURL, got, tc.expected)
		}
	}
}

func TestFetchPosts_StopsOnShortPage(t *testing.T) {
	server := newArchiveServer(t, map[int][]ArchivePost{
		12: createTestArchivePosts("a", 12),
		24: createTestArchivePosts("b", 5),
	})

	cfg := testConfig()
	client := NewArchiveClient(newHTTPClient(cfg), cfg)
	summaries, err := client.FetchPosts(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchPosts failed: %v", err)
	}

	if len(summaries) != 17 {
		t.Errorf("Expected 17 summaries, got %d", len(summaries))
	}
	if len(server.offsets) != 2 || server.offsets[0] != 12 || server.offsets[1] != 24 {
		t.Errorf("Expected offsets [12 24], got %v", server.offsets)
	}
	for _, limit := range server.limits {
		if limit != "12" {
			t.Errorf("Expected limit 12, got %s", limit)
		}
	}
	if summaries[0].Title != "a post 0" || summaries[16].Title != "b post 4" {
		t.Errorf("Summaries out of archive order: first %q, last %q", summaries[0].Title, summaries[16].Title)
	}
}

func TestFetchPosts_EmptyFirstPage(t *testing.T) {
	server := newArchiveServer(t, map[int][]ArchivePost{})

	cfg := testConfig()
	client := NewArchiveClient(newHTTPClient(cfg), cfg)
	summaries, err := client.FetchPosts(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchPosts failed: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("Expected no summaries, got %d", len(summaries))
	}
	if len(server.offsets) != 1 {
		t.Errorf("Expected a single request, got %d", len(server.offsets))
	}
}

func TestFetchPosts_PageLimit(t *testing.T) {
	pages := map[int][]ArchivePost{}
	for i := 0; i < 5; i++ {
		pages[12+i*12] = createTestArchivePosts(strconv.Itoa(i), 12)
	}
	server := newArchiveServer(t, pages)

	cfg := testConfig()
	cfg.MaxPages = 3
	client := NewArchiveClient(newHTTPClient(cfg), cfg)
	summaries, err := client.FetchPosts(context.Background(), server.URL)
	if !errors.Is(err, ErrPageLimit) {
		t.Fatalf("Expected ErrPageLimit, got %v", err)
	}
	if len(summaries) != 36 {
		t.Errorf("Expected 36 summaries from 3 pages, got %d", len(summaries))
	}
}

func TestFetchPosts_StalePage(t *testing.T) {
	same := createTestArchivePosts("same", 12)
	server := newArchiveServer(t, map[int][]ArchivePost{12: same, 24: same, 36: same})

	cfg := testConfig()
	client := NewArchiveClient(newHTTPClient(cfg), cfg)
	summaries, err := client.FetchPosts(context.Background(), server.URL)
	if !errors.Is(err, ErrStalePage) {
		t.Fatalf("Expected ErrStalePage, got %v", err)
	}
	if len(summaries) != 12 {
		t.Errorf("Expected the first page only, got %d summaries", len(summaries))
	}
}

func TestFetchPosts_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := testConfig()
	client := NewArchiveClient(newHTTPClient(cfg), cfg)
	summaries, err := client.FetchPosts(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected an error for a 404 archive")
	}
	if len(summaries) != 0 {
		t.Errorf("Expected no summaries, got %d", len(summaries))
	}
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepContext(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleepContext should return immediately on a cancelled context")
	}
}
