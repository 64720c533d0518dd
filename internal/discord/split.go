package discord

import "strings"

// MaxMessageLength is Discord's per-message character limit.
const MaxMessageLength = 2000

// splitMessage cuts text into chunks of at most limit runes, preferring to break at
// a newline, then at a space.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	rs := []rune(text)
	for len(rs) > limit {
		cut := lastIndex(rs[:limit], '\n')
		if cut <= 0 {
			cut = lastIndex(rs[:limit], ' ')
		}
		if cut <= 0 {
			cut = limit
		}
		if chunk := strings.TrimSpace(string(rs[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		rs = []rune(strings.TrimLeft(string(rs[cut:]), " \n"))
	}
	if len(rs) > 0 {
		chunks = append(chunks, string(rs))
	}
	return chunks
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
