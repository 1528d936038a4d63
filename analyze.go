package main

import (
	"errors"
	"fmt"
	"log/slog"
)

// Metric names used as keys of PostDetail.Failures
const (
	MetricElements    = "elements"
	MetricText        = "text"
	MetricTokens      = "tokens"
	MetricSentiment   = "sentiment"
	MetricQuestions   = "questions"
	MetricReadability = "readability"
	MetricReadingTime = "reading_time"
)

var errNoText = errors.New("body text unavailable")

// Analyzer derives a PostDetail from an article body
type Analyzer struct {
	tokenizer *Tokenizer
	metrics   *TextMetrics
}

// NewAnalyzer creates an analyzer from its injected components
func NewAnalyzer(tokenizer *Tokenizer, metrics *TextMetrics) *Analyzer {
	return &Analyzer{tokenizer: tokenizer, metrics: metrics}
}

type detailBuilder struct {
	detail PostDetail
}

func (b *detailBuilder) fail(name string, err error) {
	if b.detail.Failures == nil {
		b.detail.Failures = make(map[string]string)
	}
	b.detail.Failures[name] = err.Error()
	slog.Warn("Metric failed", "metric", name, "error", err)
}

// measure runs fn in isolation: an error or panic is recorded against name
// and leaves the other metrics untouched
func (b *detailBuilder) measure(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		b.fail(name, err)
	}
}

// Analyze computes every metric of bodyHTML. A failing metric stays nil.
func (a *Analyzer) Analyze(bodyHTML string) PostDetail {
	var b detailBuilder

	b.measure(MetricElements, func() error {
		counts, err := CountElements(bodyHTML)
		if err != nil {
			return err
		}
		b.detail.Elements = &counts
		return nil
	})

	var text string
	textErr := errNoText
	b.measure(MetricText, func() error {
		var err error
		text, err = HTMLToText(bodyHTML)
		if err != nil {
			return err
		}
		b.detail.Text = text
		textErr = nil
		return nil
	})

	withText := func(fn func() error) func() error {
		return func() error {
			if textErr != nil {
				return textErr
			}
			return fn()
		}
	}

	b.measure(MetricTokens, withText(func() error {
		b.detail.Tokens = a.tokenizer.Tokens(text)
		return nil
	}))
	b.measure(MetricSentiment, withText(func() error {
		s := a.metrics.Sentiment(text)
		b.detail.Polarity = &s.Polarity
		b.detail.Objectivity = &s.Objectivity
		return nil
	}))
	b.measure(MetricQuestions, withText(func() error {
		n := a.metrics.CountQuestions(text)
		b.detail.QuestionCount = &n
		return nil
	}))
	b.measure(MetricReadability, withText(func() error {
		r, err := a.metrics.Readability(text)
		if err != nil {
			return err
		}
		b.detail.FKGradeLevel = &r.FKGradeLevel
		b.detail.GunningFogIndex = &r.GunningFogIndex
		return nil
	}))
	b.measure(MetricReadingTime, withText(func() error {
		minutes := a.metrics.ReadingTime(text)
		b.detail.ReadingTime = &minutes
		return nil
	}))

	return b.detail
}
