package main

import (
	"fmt"
	"math"
	"strings"
)

// categorizePost returns feed categories derived from a post's audience and metrics
func categorizePost(r PostResult) []string {
	var categories []string

	if r.Summary.Audience != "" {
		categories = append(categories, r.Summary.Audience)
	}

	categories = append(categories, categorizeByEngagement(r.Summary.ReactionCount, r.Summary.CommentCount))

	if r.Detail.FKGradeLevel != nil {
		categories = append(categories, readingLevel(*r.Detail.FKGradeLevel))
	}
	if r.Detail.ReadingTime != nil {
		categories = append(categories, readingLength(*r.Detail.ReadingTime))
	}
	if r.Detail.Polarity != nil {
		categories = append(categories, toneLabel(*r.Detail.Polarity))
	}
	if r.Detail.Elements != nil && r.Detail.Elements.Video > 0 {
		categories = append(categories, "Video")
	}

	return categories
}

// categorizeByEngagement returns a label based on reactions and comments
func categorizeByEngagement(reactions, comments int) string {
	switch {
	case reactions >= 500:
		return "Viral 500+"
	case reactions >= 100:
		return "Popular 100+"
	case comments > 0 && float64(comments)/math.Max(float64(reactions), 1) > 0.5:
		return "Discussion"
	case reactions >= 10:
		return "Liked 10+"
	default:
		return "Quiet"
	}
}

// readingLevel maps a Flesch-Kincaid grade to a label
func readingLevel(grade float64) string {
	switch {
	case grade < 6:
		return "Easy read"
	case grade < 10:
		return "Plain English"
	case grade < 14:
		return "College level"
	default:
		return "Expert level"
	}
}

// readingLength returns a human-readable reading time bucket
func readingLength(minutes float64) string {
	switch {
	case minutes < 1:
		return "Under a minute"
	case minutes < 5:
		return "Short read"
	case minutes < 15:
		return fmt.Sprintf("%d min read", int(math.Round(minutes)))
	default:
		return "Long read"
	}
}

// toneLabel buckets a compound polarity score
func toneLabel(polarity float64) string {
	switch {
	case polarity >= 0.05:
		return "Positive"
	case polarity <= -0.05:
		return "Negative"
	default:
		return "Neutral"
	}
}

// joinCategories formats categories for plain-text output
func joinCategories(categories []string) string {
	return strings.Join(categories, ", ")
}
