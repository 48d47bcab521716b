package markdown

import "strings"

// Taken from https://core.telegram.org/bots/api#markdownv2-style.
const (
	textSpecialChars = `_*[]()~` + "`" + `>#+-=|{}.!\`
	urlSpecialChars  = `)\`
)

var (
	textLookup = lookup(textSpecialChars)
	urlLookup  = lookup(urlSpecialChars)
)

// EscapeV2 escapes plain text for use anywhere in a MarkdownV2 message.
func EscapeV2(input string) string {
	return escape(input, &textLookup)
}

// Link renders an inline link. Text and URL are escaped with their own rules.
func Link(text, url string) string {
	return "[" + EscapeV2(text) + "](" + escape(url, &urlLookup) + ")"
}

// Bold renders text in bold.
func Bold(text string) string {
	return "*" + EscapeV2(text) + "*"
}

func escape(input string, table *[256]bool) string {
	toEscape := 0
	for i := range len(input) {
		if table[input[i]] {
			toEscape++
		}
	}
	if toEscape == 0 {
		return input
	}

	var b strings.Builder
	b.Grow(len(input) + toEscape)

	for i := range len(input) {
		c := input[i]
		if table[c] {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}

	return b.String()
}

func lookup(chars string) [256]bool {
	var m [256]bool
	for _, c := range []byte(chars) {
		m[c] = true
	}
	return m
}
