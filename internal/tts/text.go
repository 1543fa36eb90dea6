package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdCode     = regexp.MustCompile("`{1,3}([^`]*)`{1,3}")
	mdEmphasis = regexp.MustCompile(`(\*{1,3}|_{2,3})([^*_]+)(\*{1,3}|_{2,3})`)
	mdHeading  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	mdBullet   = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// PrepareText turns assistant output into something a voice can read:
// markdown markup is dropped, whitespace is folded, the result is cut at a
// word boundary when longer than maxLen runes, and a final full stop is
// added when the text has no terminal punctuation. maxLen <= 0 disables
// truncation.
func PrepareText(text string, maxLen int) string {
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdCode.ReplaceAllString(text, "$1")
	text = mdEmphasis.ReplaceAllString(text, "$2")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdBullet.ReplaceAllString(text, "")
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}

	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		runes := []rune(text)[:maxLen]
		cut := len(runes)
		for i := len(runes) - 1; i > maxLen/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		text = strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
			return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':'
		})
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	switch last {
	case '.', '!', '?', '…':
	default:
		text += "."
	}
	return text
}
