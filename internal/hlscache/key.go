package hlscache

import (
	"crypto/sha256"
	"encoding/hex"
)

// CacheKey maps an origin URL to a fixed-length hex key. Raw URLs can exceed
// file name limits on disk-backed stores, so the URL itself is kept inside the
// Record instead.
func CacheKey(origin string) string {
	sum := sha256.Sum256([]byte(origin))
	return hex.EncodeToString(sum[:])
}
