package generation

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"unicode/utf8"
)

// CacheKey is the hex-encoded SHA-256 digest identifying a (model, prompt) pair
type CacheKey string

// ComputeCacheKey derives the cache key for a model and prompt.
// Each field is prefixed with its byte length so that ("ab", "c") and
// ("a", "bc") never share a key.
func ComputeCacheKey(model, prompt string) (CacheKey, error) {
	if !utf8.ValidString(model) {
		return "", fmt.Errorf("%w: model is not valid UTF-8", ErrInvalidInput)
	}
	if !utf8.ValidString(prompt) {
		return "", fmt.Errorf("%w: prompt is not valid UTF-8", ErrInvalidInput)
	}

	h := sha256.New()
	writeField(h, model)
	writeField(h, prompt)
	return CacheKey(hex.EncodeToString(h.Sum(nil))), nil
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// String returns the hex form of the key
func (k CacheKey) String() string {
	return string(k)
}
