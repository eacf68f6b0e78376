package ics

import (
	"strings"

	"golang.org/x/net/html"
)

// unescapeText applies the extra decoding required beyond
// go-ical's own RFC 5545 backslash unescaping: numeric HTML entities
// and the five named entities some servers leave in TEXT values.
// The parser passes it the result of go-ical's Prop.Text, which has
// already turned \n, \;, \, and \\ into their literal forms, so this
// pass only ever sees entities.
func unescapeText(s string) string {
	if s == "" {
		return s
	}
	return html.UnescapeString(s)
}

// escapeText is the inverse of go-ical's own text escaping plus ours:
// go-ical's Props.SetText escapes \, ;, ,, and newlines, so this
// only needs to guard against literal ampersands that would otherwise
// be read back as entities.
func escapeText(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	return strings.ReplaceAll(s, "&", "&amp;")
}
