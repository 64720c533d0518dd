package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// keyLen is the number of hex characters kept from the digest.
const keyLen = 32

// Key builds the cache key for a (message, context, intent) triple. The message goes
// through Normalize, so case, spacing and which user was mentioned do not split keys.
func Key(message, contextHash, intent string) string {
	normalized := Normalize(message) + "|" + contextHash + "|" + intent

	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:keyLen]
}
