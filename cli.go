package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	configPath string
	configURL  string
	debug      bool

	cfg               Config
	shutdownTelemetry func(context.Context) error

	outputFormat string
	outputPath   string
	dbPath       string
	feedPath     string
	historyLimit int
	cronSpec     string
)

var rootCmd = &cobra.Command{
	Use:   "newsletter-stats",
	Short: "newsletter-stats scrapes a newsletter archive and computes per-post text metrics.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := LoadConfig(configPath, configURL)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.SlogLevel()
		if debug {
			level = slog.LevelDebug
		}
		setupLogging(level)

		shutdownTelemetry, err = setupTelemetry(cmd.Context(), cfg.OTLPEndpoint)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownTelemetry == nil {
			return nil
		}
		return shutdownTelemetry(context.Background())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (json5 or yaml)")
	rootCmd.PersistentFlags().StringVar(&configURL, "config-url", "", "remote JSON config used when no config file loads")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	analyzeCmd.Flags().StringVar(&outputFormat, "format", FormatTable, "output format: table, markdown, csv, html or json")
	analyzeCmd.Flags().StringVar(&outputPath, "out", "", "write the result table to this file instead of stdout")
	analyzeCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database for results and the page cache (overrides db_path)")
	analyzeCmd.Flags().StringVar(&feedPath, "feed", "", "write an Atom feed of the results to this file (overrides feed_path)")

	postCmd.Flags().StringVar(&outputFormat, "format", FormatTable, "output format: table, markdown, csv, html or json")

	archiveCmd.Flags().StringVar(&outputFormat, "format", FormatTable, "output format: table or json")

	historyCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database to read (overrides db_path)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 30, "number of posts to show")

	scheduleCmd.Flags().StringVar(&cronSpec, "cron", "", "cron spec for analysis runs (overrides cron)")
	scheduleCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database for results and the page cache (overrides db_path)")
	scheduleCmd.Flags().StringVar(&feedPath, "feed", "", "Atom feed file rewritten after each run (overrides feed_path)")

	rootCmd.AddCommand(archiveCmd, analyzeCmd, postCmd, historyCmd, scheduleCmd)
}

// ExecuteContext runs the CLI and exits non-zero on failure
func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// fatal logs message with err and exits
func fatal(message string, err error) {
	slog.Error(message, "error", err)
	os.Exit(1)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// newAnalyzer loads the word lists and metric models once for the run.
// An empty dictionary_path disables the dictionary filter; a configured
// dictionary that cannot be read is a setup error.
func newAnalyzer(cfg Config) (*Analyzer, error) {
	var dictionary WordSet
	if cfg.DictionaryPath != "" {
		words, err := LoadWordSet(cfg.DictionaryPath)
		if err != nil {
			return nil, fmt.Errorf("dictionary unavailable (set dictionary_path to a word list, or to \"\" to disable the filter): %w", err)
		}
		slog.Debug("Loaded dictionary", "path", cfg.DictionaryPath, "words", len(words))
		dictionary = words
	} else {
		slog.Warn("dictionary_path is empty, dictionary filter disabled")
	}

	metrics, err := NewTextMetrics(cfg.WordsPerMinute)
	if err != nil {
		return nil, err
	}
	return NewAnalyzer(NewTokenizer(EnglishStopwords(), dictionary), metrics), nil
}

// newPipeline wires the pipeline; store may be nil
func newPipeline(cfg Config, store *Store) (*Pipeline, error) {
	analyzer, err := newAnalyzer(cfg)
	if err != nil {
		return nil, err
	}

	client := newHTTPClient(cfg)
	var cache BodyStore
	if store != nil {
		cache = store
	}
	return NewPipeline(NewArchiveClient(client, cfg), NewPostFetcher(client, cfg, cache), analyzer), nil
}

func openStoreIfConfigured(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	return OpenStore(path)
}

func outputWriter(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return file, file.Close, nil
}

var archiveCmd = &cobra.Command{
	Use:   "archive <blog-url>",
	Short: "List the posts in a blog's archive.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewArchiveClient(newHTTPClient(cfg), cfg)
		summaries, err := client.FetchPosts(cmd.Context(), args[0])
		if err != nil && len(summaries) == 0 {
			return err
		}
		if err != nil {
			slog.Warn("Archive listing incomplete", "error", err)
		}

		rows := make([]PostResult, 0, len(summaries))
		for _, s := range summaries {
			rows = append(rows, PostResult{Summary: s})
		}
		if outputFormat == FormatJSON {
			return (&ResultTable{BlogURL: args[0], Rows: rows}).Render(cmd.OutOrStdout(), FormatJSON)
		}

		t := table.NewWriter()
		t.SetStyle(table.StyleRounded)
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Date", "Title", "Audience", "Words", "Reactions", "Comments", "URL"})
		for _, s := range summaries {
			t.AppendRow(table.Row{formatDate(s.PostDate), truncateString(s.Title, 50), s.Audience,
				s.Wordcount, s.ReactionCount, s.CommentCount, s.CanonicalURL})
		}
		t.AppendFooter(table.Row{"", fmt.Sprintf("%d posts", len(summaries))})
		t.Render()
		return nil
	},
}

// runAnalysis runs one batch over blogURL and writes every configured sink
func runAnalysis(ctx context.Context, blogURL string, store *Store, out io.Writer, format, feedFile string) error {
	pipeline, err := newPipeline(cfg, store)
	if err != nil {
		return err
	}

	started := time.Now()
	result, runErr := pipeline.AnalyzeBlog(ctx, blogURL)
	if runErr != nil && len(result.Rows) == 0 {
		return fmt.Errorf("analysis of %s failed: %w", blogURL, runErr)
	}
	if runErr != nil {
		slog.Warn("Analysis finished with errors", "error", runErr)
	}

	slog.Info("Analysis complete",
		"blog", blogURL,
		"posts", len(result.Rows),
		"failed", result.FailedCount(),
		"elapsed", time.Since(started).Round(time.Millisecond))

	if store != nil {
		runID := uuid.NewString()
		if _, err := store.SaveResults(runID, result); err != nil {
			return err
		}
		if _, err := store.CleanupExpiredCache(); err != nil {
			slog.Warn("Failed to clean up page cache", "error", err)
		}
	}

	if feedFile != "" {
		atom, err := GenerateFeed(blogURL, result.Rows)
		if err != nil {
			return err
		}
		if err := os.WriteFile(feedFile, []byte(atom), 0o644); err != nil {
			return fmt.Errorf("failed to write feed: %w", err)
		}
		slog.Info("Feed saved", "filename", feedFile)
	}

	if out != nil {
		if err := result.Render(out, format); err != nil {
			return err
		}
	}

	if errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <blog-url>",
	Short: "Fetch every archive post and compute its metrics.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStoreIfConfigured(firstNonEmpty(dbPath, cfg.DBPath))
		if err != nil {
			fatal("failed to open db", err)
		}
		if store != nil {
			defer func() { _ = store.Close() }()
		}

		out, closeOut, err := outputWriter(outputPath)
		if err != nil {
			return err
		}
		defer func() { _ = closeOut() }()

		return runAnalysis(cmd.Context(), args[0], store, out, outputFormat, firstNonEmpty(feedPath, cfg.FeedPath))
	},
}

var postCmd = &cobra.Command{
	Use:   "post <post-url>",
	Short: "Compute the metrics of a single post.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, err := newPipeline(cfg, nil)
		if err != nil {
			return err
		}

		result := pipeline.AnalyzePost(cmd.Context(), args[0])
		if err := (&ResultTable{Rows: []PostResult{result}}).Render(cmd.OutOrStdout(), outputFormat); err != nil {
			return err
		}
		return result.Err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show results stored by previous analysis runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := firstNonEmpty(dbPath, cfg.DBPath)
		if path == "" {
			return fmt.Errorf("no database configured, use --db or db_path")
		}
		store, err := OpenStore(path)
		if err != nil {
			fatal("failed to open db", err)
		}
		defer func() { _ = store.Close() }()

		stored, err := store.LoadResults(historyLimit)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetStyle(table.StyleRounded)
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Date", "Title", "FK Grade", "Minutes", "Labels", "Analyzed"})
		for _, s := range stored {
			r := s.Result
			labels := s.ErrText
			if labels == "" {
				labels = joinCategories(categorizePost(r))
			}
			t.AppendRow(table.Row{formatDate(r.Summary.PostDate), truncateString(r.Summary.Title, 40),
				formatFloat(r.Detail.FKGradeLevel), formatFloat(r.Detail.ReadingTime),
				truncateString(labels, 60), humanize.Time(s.AnalyzedAt)})
		}
		t.Render()
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <blog-url>",
	Short: "Re-run the analysis on a cron schedule, storing results and rewriting the feed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := firstNonEmpty(dbPath, cfg.DBPath)
		if path == "" {
			return fmt.Errorf("scheduled runs need a database, use --db or db_path")
		}
		store, err := OpenStore(path)
		if err != nil {
			fatal("failed to open db", err)
		}
		defer func() { _ = store.Close() }()

		ctx := cmd.Context()
		blogURL := args[0]
		feedFile := firstNonEmpty(feedPath, cfg.FeedPath)

		scheduler := NewScheduler()
		err = scheduler.Schedule(firstNonEmpty(cronSpec, cfg.CronSpec), func() {
			if err := runAnalysis(ctx, blogURL, store, nil, "", feedFile); err != nil {
				slog.Error("Scheduled analysis failed", "blog", blogURL, "error", err)
			}
		})
		if err != nil {
			return err
		}

		scheduler.Run(ctx)
		return nil
	},
}
