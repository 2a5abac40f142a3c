package session

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxLabelNameLen  = 48
	fallbackNameWord = "participant"
)

// stripMarks is the NFKD decomposition with combining marks removed, used
// for both participant labels and archive slugs.
var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// participantLabel derives the directory label for a participant:
// <name>_<deviceSuffix>_<3 random digits>. The name source prefers
// fullName, then displayName, then a fixed fallback word.
func participantLabel(info *ParticipantInfo, participantID string, rng *rand.Rand) string {
	source := fallbackNameWord
	if info != nil {
		if info.FullName != "" {
			source = info.FullName
		} else if info.DisplayName != "" {
			source = info.DisplayName
		}
	}

	name := foldName(source)
	suffix := deviceSuffix(participantID)
	return fmt.Sprintf("%s_%s_%03d", name, suffix, rng.Intn(1000))
}

// foldName normalises a display name to a filesystem-safe label component:
// NFKD, combining marks stripped, non-alphanumeric runes dropped, lowercased
// and truncated.
func foldName(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}

	name := b.String()
	if runesName := []rune(name); len(runesName) > maxLabelNameLen {
		name = string(runesName[:maxLabelNameLen])
	}
	if name == "" {
		name = fallbackNameWord
	}
	return name
}

// deviceSuffix extracts a short numeric suffix from a participant id:
// the trailing run of decimal digits, else the last three digits appearing
// anywhere in the id, else "id".
func deviceSuffix(participantID string) string {
	runesID := []rune(participantID)

	end := len(runesID)
	start := end
	for start > 0 && runesID[start-1] >= '0' && runesID[start-1] <= '9' {
		start--
	}
	if start < end {
		return string(runesID[start:end])
	}

	var digits []rune
	for _, r := range runesID {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > 3 {
		digits = digits[len(digits)-3:]
	}
	if len(digits) > 0 {
		return string(digits)
	}

	return "id"
}

// archiveSlug derives the meeting slug for the completed directory name from
// the meeting URL: the last non-empty path segment, else the host, else
// "unknown".
func archiveSlug(meetingURL string) string {
	if meetingURL == "" {
		return "unknown"
	}

	u, err := url.Parse(meetingURL)
	if err != nil {
		return sanitizeSlug(meetingURL)
	}

	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			if slug := sanitizeSlug(segments[i]); slug != "" {
				return slug
			}
		}
	}

	if slug := sanitizeSlug(u.Host); slug != "" {
		return slug
	}

	return "unknown"
}

// sanitizeSlug folds a string to lowercase alphanumerics with runs of other
// characters collapsed to single dashes.
func sanitizeSlug(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			lastDash = false
		} else if !lastDash {
			b.WriteRune('-')
			lastDash = true
		}
	}

	return strings.Trim(b.String(), "-")
}
