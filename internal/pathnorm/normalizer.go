// Package pathnorm shortens overlong key segments into deterministic digests
// and keeps track of where each shortened path came from.
package pathnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// DigestLength is the width of the hex digest that replaces a segment
const DigestLength = 12

// Normalizer rewrites slash separated keys so that no segment is longer than
// MaxSegment bytes and the whole key is no longer than MaxPath bytes.
// The same input always produces the same output.
type Normalizer struct {
	MaxSegment int
	MaxPath    int
}

func New(maxSegment, maxPath int) *Normalizer {
	return &Normalizer{MaxSegment: maxSegment, MaxPath: maxPath}
}

// NeedsRewrite reports whether Normalize would change key.
func (n *Normalizer) NeedsRewrite(key string) bool {
	if len(key) > n.MaxPath {
		return true
	}
	for _, segment := range strings.Split(key, "/") {
		if len(segment) > n.MaxSegment {
			return true
		}
	}
	return false
}

// Normalize returns the rewritten key and whether it differs from key.
func (n *Normalizer) Normalize(key string) (string, bool) {
	if !n.NeedsRewrite(key) {
		return key, false
	}

	segments := strings.Split(key, "/")
	last := len(segments) - 1
	for i, segment := range segments {
		if len(segment) <= n.MaxSegment {
			continue
		}
		if i == last {
			segments[i] = n.shortenFile(segment)
		} else {
			segments[i] = Digest(segment)
		}
	}

	normalized := strings.Join(segments, "/")
	if len(normalized) <= n.MaxPath {
		return normalized, true
	}

	// still too long: fold the whole directory part into one digest
	if last > 0 {
		dir := strings.Join(segments[:last], "/")
		normalized = Digest(dir) + "/" + segments[last]
		if len(normalized) <= n.MaxPath {
			return normalized, true
		}
	}
	return n.shortenFile(key), true
}

// shortenFile digests name and keeps its extension when the result still fits.
func (n *Normalizer) shortenFile(name string) string {
	digest := Digest(name)
	ext := path.Ext(name)
	if ext != "" && ext != "." && !strings.Contains(ext, "/") && len(digest)+len(ext) <= n.MaxSegment {
		return digest + ext
	}
	return digest
}

// Digest is the first DigestLength hex characters of the SHA-256 of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:DigestLength]
}
