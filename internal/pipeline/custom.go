package pipeline

import (
	"context"
	"math"
	"regexp"
	"strings"
)

// Caps on the number of matched sentences per summary field
const (
	maxKeyPoints   = 5
	maxActionItems = 3
	maxDecisions   = 3
	maxTopics      = 5
)

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// Keyword sets are localisable; the defaults cover English and Vietnamese.
// Vietnamese phrases are matched without \b anchors, which are ASCII-only
// in RE2 and fail on accented word endings.
var (
	keyPointWords  = regexp.MustCompile(`(?i)\b(important|key|critical|main|primary|essential)\b|quan trọng|cốt lõi|điểm chính`)
	highlightWords = regexp.MustCompile(`(?i)\b(note|remember|highlight|focus|attention)\b|lưu ý|chú ý|nhấn mạnh`)
	actionWords    = regexp.MustCompile(`(?i)\b(will|should|must|need to|todo|action|follow up|assign)\b|cần phải|liên hệ|giao việc`)
	decisionWords  = regexp.MustCompile(`(?i)\b(decided|agreed|approved|concluded|resolved|final)\b|quyết định|đồng ý|thống nhất`)
	topicWords     = regexp.MustCompile(`(?i)\b(about|regarding|topic|discuss|agenda|review|plan)\b|chủ đề|thảo luận|kế hoạch`)
)

// CustomSummarizer is the final-fallback extractive summariser. It never
// fails on non-empty input, so a summary is always produced.
type CustomSummarizer struct{}

// NewCustomSummarizer creates the extractive fallback summariser.
func NewCustomSummarizer() *CustomSummarizer {
	return &CustomSummarizer{}
}

// Name identifies this provider in logs and summary artifacts.
func (s *CustomSummarizer) Name() string {
	return "custom"
}

// Summarize builds an extractive summary: roughly the leading and trailing
// 15% of sentences, plus keyword-matched key points, action items,
// decisions, and topics.
func (s *CustomSummarizer) Summarize(ctx context.Context, text, language string, hints SummaryHints) (*SummaryResult, error) {
	sentences := splitSentences(text)

	result := &SummaryResult{Source: s.Name()}
	if len(sentences) == 0 {
		return result, nil
	}

	n := len(sentences)
	head := int(math.Ceil(float64(n)*0.3)) / 2
	tail := int(math.Floor(float64(n)*0.3)) / 2
	if head+tail == 0 {
		head = 1
	}
	if head+tail > n {
		head = n
		tail = 0
	}

	picked := make([]string, 0, head+tail)
	picked = append(picked, sentences[:head]...)
	picked = append(picked, sentences[n-tail:]...)
	result.Summary = strings.Join(picked, ". ")

	// Each field filters the sentence list independently; a sentence may
	// appear under more than one heading.
	result.KeyPoints = filterSentences(sentences, maxKeyPoints, keyPointWords, highlightWords)
	result.ActionItems = filterSentences(sentences, maxActionItems, actionWords)
	result.Decisions = filterSentences(sentences, maxDecisions, decisionWords)
	result.Topics = filterSentences(sentences, maxTopics, topicWords)

	return result, nil
}

// filterSentences returns up to limit sentences matching any of the given
// keyword sets.
func filterSentences(sentences []string, limit int, patterns ...*regexp.Regexp) []string {
	var matched []string
	for _, sentence := range sentences {
		for _, p := range patterns {
			if p.MatchString(sentence) {
				matched = append(matched, sentence)
				break
			}
		}
		if len(matched) >= limit {
			break
		}
	}
	return matched
}

// splitSentences splits on sentence punctuation and keeps sentences longer
// than 10 characters.
func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)

	sentences := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if len(trimmed) > 10 {
			sentences = append(sentences, trimmed)
		}
	}
	return sentences
}
