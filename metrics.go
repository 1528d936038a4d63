package main

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/jdkato/prose/summarize"
	"github.com/jonreiter/govader"
	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// ErrNoWords is returned by formulas that divide by the word count
var ErrNoWords = errors.New("text has no words")

var questionPattern = regexp.MustCompile(`^[A-Z][^.?!]*\?$`)

// Sentiment holds the two sentiment scores of a text
type Sentiment struct {
	// Polarity is the VADER compound score in [-1, 1]
	Polarity float64
	// Objectivity is the VADER neutral share of the text in [0, 1]:
	// 1 is fully objective, 0 fully opinionated. This runs the opposite
	// way to a subjectivity score, where 1 means fully subjective.
	Objectivity float64
}

// Readability holds the two readability indices of a text
type Readability struct {
	FKGradeLevel    float64
	GunningFogIndex float64
}

// TextMetrics computes the per-post text metrics. It holds the sentiment
// lexicon and the sentence-boundary model, both loaded once.
type TextMetrics struct {
	sentiment      *govader.SentimentIntensityAnalyzer
	sentences      *sentences.DefaultSentenceTokenizer
	wordsPerMinute float64
}

// NewTextMetrics loads the sentiment lexicon and the English Punkt model
func NewTextMetrics(wordsPerMinute float64) (*TextMetrics, error) {
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load sentence tokenizer: %w", err)
	}
	return &TextMetrics{
		sentiment:      govader.NewSentimentIntensityAnalyzer(),
		sentences:      tokenizer,
		wordsPerMinute: wordsPerMinute,
	}, nil
}

// Sentiment scores the polarity and objectivity of text
func (m *TextMetrics) Sentiment(text string) Sentiment {
	scores := m.sentiment.PolarityScores(text)
	return Sentiment{
		Polarity:    scores.Compound,
		Objectivity: scores.Neutral,
	}
}

// Sentences splits text into trimmed, non-empty sentences
func (m *TextMetrics) Sentences(text string) []string {
	var out []string
	for _, s := range m.sentences.Tokenize(text) {
		if trimmed := strings.TrimSpace(s.Text); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// CountQuestions counts sentences that start with an uppercase letter and
// run without terminal punctuation up to a final question mark
func (m *TextMetrics) CountQuestions(text string) int {
	count := 0
	for _, sentence := range m.Sentences(text) {
		if questionPattern.MatchString(sentence) {
			count++
		}
	}
	return count
}

// Readability computes the Flesch-Kincaid grade level and the Gunning Fog index
func (m *TextMetrics) Readability(text string) (Readability, error) {
	if strings.IndexFunc(text, isWordRune) < 0 {
		return Readability{}, ErrNoWords
	}

	doc := summarize.NewDocument(text)
	fk, fog := doc.FleschKincaid(), doc.GunningFog()
	if !isFinite(fk) || !isFinite(fog) {
		return Readability{}, fmt.Errorf("readability undefined for text: %w", ErrNoWords)
	}

	return Readability{
		FKGradeLevel:    round2(fk),
		GunningFogIndex: round2(fog),
	}, nil
}

// ReadingTime estimates minutes needed to read text
func (m *TextMetrics) ReadingTime(text string) float64 {
	return ReadingTime(text, m.wordsPerMinute)
}

// ReadingTime is the whitespace word count divided by wordsPerMinute, 0 for empty text
func ReadingTime(text string, wordsPerMinute float64) float64 {
	wordCount := len(strings.Fields(text))
	if wordCount == 0 {
		return 0
	}
	return float64(wordCount) / wordsPerMinute
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
