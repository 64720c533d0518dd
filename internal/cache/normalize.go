package cache

import (
	"regexp"
	"strings"
)

var (
	userMentionRe    = regexp.MustCompile(`<@!?\d+>`)
	channelMentionRe = regexp.MustCompile(`<#\d+>`)
	roleMentionRe    = regexp.MustCompile(`<@&\d+>`)
)

// Normalize prepares a message for fuzzy comparison: Discord mentions become
// placeholders, the text is lower-cased and runs of whitespace collapse to one space.
func Normalize(message string) string {
	s := roleMentionRe.ReplaceAllString(message, "@role")
	s = userMentionRe.ReplaceAllString(s, "@user")
	s = channelMentionRe.ReplaceAllString(s, "#channel")
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}
