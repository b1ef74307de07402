package blob

import (
	"strings"
	"unicode/utf8"
)

// MaxKeyLength is the longest key the store accepts, in bytes
const MaxKeyLength = 1024

// ValidateKey checks a key for S3 and local file system compatibility
func ValidateKey(key string) bool {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "." || segment == ".." {
			return false
		}
	}
	return utf8.ValidString(key)
}

func stripQuotes(etag string) string {
	return strings.ReplaceAll(etag, "\"", "")
}
