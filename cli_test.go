package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBlog serves an archive with one good and one broken post
func newTestBlog(t *testing.T) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/archive":
			posts := []ArchivePost{
				{Title: "Good post", CanonicalURL: server.URL + "/p/good", ReactionCount: 12, PostDate: "2024-05-01T10:00:00Z"},
				{Title: "Broken post", CanonicalURL: server.URL + "/p/broken", PostDate: "2024-04-01T10:00:00Z"},
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(posts)
		case "/p/good":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(postPage(`{"subscribers": 5, "post": {"body_html": "<p>Does this work? It does.</p>"}}`)))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRunAnalysis_WritesAllSinks(t *testing.T) {
	server := newTestBlog(t)
	cfg = testConfig()

	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	feedFile := filepath.Join(t.TempDir(), "feed.xml")
	var out bytes.Buffer
	require.NoError(t, runAnalysis(context.Background(), server.URL, store, &out, FormatCSV, feedFile))

	assert.Contains(t, out.String(), "Good post")
	assert.Contains(t, out.String(), "Broken post")
	assert.Contains(t, out.String(), "HTTP error: 500")

	stored, err := store.LoadResults(10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Good post", stored[0].Result.Summary.Title)
	require.NotNil(t, stored[0].Result.Detail.QuestionCount)
	assert.Equal(t, 1, *stored[0].Result.Detail.QuestionCount)
	assert.NotEmpty(t, stored[1].ErrText)

	feed, err := os.ReadFile(feedFile)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(feed), "<entry>"))
	assert.Contains(t, string(feed), "Good post")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
	assert.Equal(t, "", firstNonEmpty())
}

func TestOutputWriter_CreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.md")

	w, closeFn, err := outputWriter(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestNewAnalyzer_MissingDictionaryFailsSetup(t *testing.T) {
	config := Defaults()
	config.DictionaryPath = filepath.Join(t.TempDir(), "words")

	_, err := newAnalyzer(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dictionary unavailable")
}

func TestNewAnalyzer_DictionaryFiltersTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "words")
	require.NoError(t, os.WriteFile(path, []byte("Quick\nbrown\nfox\n"), 0o644))

	config := Defaults()
	config.DictionaryPath = path

	analyzer, err := newAnalyzer(config)
	require.NoError(t, err)
	assert.Equal(t, []string{"quick", "brown", "fox"}, analyzer.tokenizer.Tokens("The Quick, brown FOX! http://x.com zzqx"))
}

func TestNewAnalyzer_EmptyDictionaryPathDisablesFilter(t *testing.T) {
	config := Defaults()
	config.DictionaryPath = ""

	analyzer, err := newAnalyzer(config)
	require.NoError(t, err)
	assert.Contains(t, analyzer.tokenizer.Tokens("zzqx fox"), "zzqx")
}
