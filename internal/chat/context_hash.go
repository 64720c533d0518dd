package chat

import (
	"crypto/sha256"
	"encoding/hex"

	"geminicord/internal/llm"
)

// ContextHash fingerprints the last n turns of history so cached answers are scoped
// to the conversation they were given in. n <= 0 uses the whole history. An empty
// history hashes to "".
func ContextHash(history []llm.Message, n int) string {
	if len(history) == 0 {
		return ""
	}
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	h := sha256.New()
	for _, m := range history {
		h.Write([]byte(m.Role))
		h.Write([]byte{':'})
		h.Write([]byte(m.Content))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
