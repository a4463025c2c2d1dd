// Package sha256 derives task identifiers from canonical request bytes.
package sha256

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

var _ crawler.Hasher = Hasher{}

// DigestLen is the length of every digest Hash returns.
var DigestLen = base64.RawURLEncoding.EncodedLen(sha256.Size)

// Hasher implements crawler.Hasher as unpadded base64url SHA-256, which is
// safe to embed in URL paths and storage object names.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash never fails; the error satisfies crawler.Hasher.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
