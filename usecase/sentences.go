package usecase

import (
	"regexp"
	"strings"
)

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+`)

// SplitSentences breaks a reply into synthesis fragments: runs of text ending
// in '.', '!' or '?'. Trailing text without a terminator becomes the last
// fragment; text with no terminator at all is a single fragment. Fragments
// that are blank or only punctuation are dropped.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if !speakable(text) {
		return nil
	}

	matches := sentencePattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}

	fragments := make([]string, 0, len(matches)+1)
	for _, m := range matches {
		if s := strings.TrimSpace(text[m[0]:m[1]]); speakable(s) {
			fragments = append(fragments, s)
		}
	}
	if rest := strings.TrimSpace(text[matches[len(matches)-1][1]:]); speakable(rest) {
		fragments = append(fragments, rest)
	}
	return fragments
}

func speakable(s string) bool {
	return strings.Trim(s, ".!? ") != ""
}
