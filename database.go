package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store keeps analysis results and the article body cache in SQLite
type Store struct {
	db *sql.DB
}

var _ BodyStore = (*Store)(nil)

// StoredResult is one analyzed post read back from the store
type StoredResult struct {
	RunID      string
	AnalyzedAt time.Time
	Result     PostResult
	ErrText    string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_url TEXT NOT NULL UNIQUE,     -- Row key of the result table
		run_id TEXT NOT NULL,
		title TEXT NOT NULL,
		audience TEXT,
		description TEXT,
		truncated_body_text TEXT,
		wordcount INTEGER DEFAULT 0,
		reaction_count INTEGER DEFAULT 0,
		comment_count INTEGER DEFAULT 0,
		post_date TIMESTAMP,
		detail TEXT,                            -- PostDetail as JSON
		error TEXT,
		analyzed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS page_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		body_html TEXT,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP,
		fetch_success BOOLEAN DEFAULT TRUE
	)`,
	"CREATE INDEX IF NOT EXISTS idx_posts_post_date ON posts(post_date)",
	"CREATE INDEX IF NOT EXISTS idx_page_cache_expires ON page_cache(expires_at)",
}

// OpenStore opens (and creates if needed) the database at path.
// ":memory:" gives a throwaway store.
func OpenStore(path string) (*Store, error) {
	slog.Debug("Initializing database", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	slog.Debug("Database initialized successfully")

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResults upserts every row of table under runID, returns the number of rows written
func (s *Store) SaveResults(runID string, table *ResultTable) (int, error) {
	slog.Debug("Saving results", "run_id", runID, "rows", len(table.Rows))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	saved := 0
	for _, row := range table.Rows {
		if row.Summary.CanonicalURL == "" {
			slog.Warn("Skipping row without canonical URL", "title", row.Summary.Title)
			continue
		}

		detail, err := json.Marshal(row.Detail)
		if err != nil {
			return saved, fmt.Errorf("failed to encode detail of %s: %w", row.Summary.CanonicalURL, err)
		}

		var postDate any
		if !row.Summary.PostDate.IsZero() {
			postDate = row.Summary.PostDate
		}

		_, err = tx.Exec(`
			INSERT INTO posts (canonical_url, run_id, title, audience, description, truncated_body_text,
				wordcount, reaction_count, comment_count, post_date, detail, error, analyzed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(canonical_url) DO UPDATE SET
				run_id = excluded.run_id,
				title = excluded.title,
				audience = excluded.audience,
				description = excluded.description,
				truncated_body_text = excluded.truncated_body_text,
				wordcount = excluded.wordcount,
				reaction_count = excluded.reaction_count,
				comment_count = excluded.comment_count,
				post_date = excluded.post_date,
				detail = excluded.detail,
				error = excluded.error,
				analyzed_at = excluded.analyzed_at`,
			row.Summary.CanonicalURL, runID, row.Summary.Title, row.Summary.Audience,
			row.Summary.Description, row.Summary.TruncatedBody, row.Summary.Wordcount,
			row.Summary.ReactionCount, row.Summary.CommentCount, postDate,
			string(detail), errorText(row), now)
		if err != nil {
			return saved, fmt.Errorf("failed to save %s: %w", row.Summary.CanonicalURL, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit results: %w", err)
	}

	slog.Info("Saved results", "run_id", runID, "rows", saved)
	return saved, nil
}

// LoadResults returns up to limit stored posts, newest first
func (s *Store) LoadResults(limit int) ([]StoredResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, analyzed_at, title, audience, canonical_url, description, truncated_body_text,
			wordcount, reaction_count, comment_count, post_date, detail, error
		FROM posts ORDER BY post_date DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []StoredResult
	for rows.Next() {
		var stored StoredResult
		var postDate sql.NullTime
		var detail, errText sql.NullString
		summary := &stored.Result.Summary

		err := rows.Scan(&stored.RunID, &stored.AnalyzedAt, &summary.Title, &summary.Audience,
			&summary.CanonicalURL, &summary.Description, &summary.TruncatedBody, &summary.Wordcount,
			&summary.ReactionCount, &summary.CommentCount, &postDate, &detail, &errText)
		if err != nil {
			slog.Error("Error scanning row", "error", err)
			continue
		}
		if postDate.Valid {
			summary.PostDate = postDate.Time
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &stored.Result.Detail); err != nil {
				slog.Warn("Failed to decode stored detail", "error", err, "url", summary.CanonicalURL)
			}
		}
		if errText.Valid && errText.String != "" {
			stored.ErrText = errText.String
			stored.Result.Err = errors.New(errText.String)
		}
		results = append(results, stored)
	}

	slog.Debug("Retrieved results from database", "count", len(results))
	return results, rows.Err()
}

// GetCachedBody returns the unexpired cache entry for url, or nil
func (s *Store) GetCachedBody(url string) (*BodyCache, error) {
	query := `
		SELECT id, url, body_html, fetched_at, expires_at, fetch_success
		FROM page_cache
		WHERE url = ? AND expires_at > ?`

	var cache BodyCache
	var body sql.NullString
	err := s.db.QueryRow(query, url, time.Now()).Scan(
		&cache.ID,
		&cache.URL,
		&body,
		&cache.FetchedAt,
		&cache.ExpiresAt,
		&cache.FetchSuccess,
	)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("No cached body found", "url", url)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query page cache: %w", err)
	}
	cache.BodyHTML = body.String

	return &cache, nil
}

// CacheBody stores a fetch outcome for url until ttl elapses
func (s *Store) CacheBody(url, bodyHTML string, fetchSuccess bool, ttl time.Duration) error {
	slog.Debug("Caching body", "url", url, "success", fetchSuccess, "ttl", ttl)

	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO page_cache (url, body_html, fetched_at, expires_at, fetch_success)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			body_html = excluded.body_html,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at,
			fetch_success = excluded.fetch_success`,
		url, bodyHTML, now, now.Add(ttl), fetchSuccess)
	if err != nil {
		return fmt.Errorf("failed to cache body: %w", err)
	}
	return nil
}

// CleanupExpiredCache removes expired page cache entries
func (s *Store) CleanupExpiredCache() (int64, error) {
	result, err := s.db.Exec("DELETE FROM page_cache WHERE expires_at < ?", time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired cache: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		slog.Debug("Cleaned up expired page cache entries", "count", rowsAffected)
	}
	return rowsAffected, nil
}
