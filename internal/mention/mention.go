// Package mention implements the Mention Router + Completion Monitor
// (component H): detecting an "@jason" mention, relaying it to the
// master Gateway deployment, extracting the worker agents it spawns,
// and watching the remote session in the background until it goes
// quiet or a hard cap expires.
package mention

import (
	"regexp"
	"strings"
)

// mentionPattern matches "@jason" as a standalone, case-insensitive
// token: preceded by start-of-string or whitespace, followed by a word
// boundary so "@jasonsmith" doesn't match.
var mentionPattern = regexp.MustCompile(`(?i)(^|\s)@jason\b`)

// IsMention reports whether msg contains a standalone "@jason" mention.
func IsMention(msg string) bool {
	return mentionPattern.MatchString(msg)
}

// stripMention removes every "@jason" token from msg and trims the
// result, yielding the clean task description.
func stripMention(msg string) string {
	cleaned := mentionPattern.ReplaceAllString(msg, "$1")
	return strings.TrimSpace(cleaned)
}
