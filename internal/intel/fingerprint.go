package intel

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the dedup hash for a submission from its normalized
// source URL and title. Two items with the same fingerprint describe the
// same story.
func Fingerprint(sourceURL, title string) string {
	h := sha256.New()
	h.Write([]byte(normalize(sourceURL)))
	h.Write([]byte{'\n'})
	h.Write([]byte(normalize(title)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalize lower-cases and collapses runs of whitespace to single spaces.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
