package sync

import (
	"path"
	"regexp"

	"github.com/mdn/deployer/internal/blob"
)

type Classification int

const (
	Skip Classification = iota
	DefiniteTransfer
	VerifyThenTransfer
)

func (c Classification) String() string {
	switch c {
	case Skip:
		return "Skip"
	case DefiniteTransfer:
		return "DefiniteTransfer"
	case VerifyThenTransfer:
		return "VerifyThenTransfer"
	}
	return "Unknown"
}

// a content digest between dots, e.g. main.3e98ca01d.js
var hashedFilenameRegex = regexp.MustCompile(`\.[a-f0-9]{8,32}\.`)

// HasHashedFilename reports whether the base name of key embeds a content digest.
func HasHashedFilename(key string) bool {
	return hashedFilenameRegex.MatchString(path.Base(key))
}

// ClassifyUpload decides what to do with a local file of size bytes whose
// object key is key. It never touches the network.
func ClassifyUpload(key string, size int64, inventory Inventory) Classification {
	remote, ok := inventory[key]
	if !ok || remote.Size != size {
		return DefiniteTransfer
	}
	if HasHashedFilename(key) {
		return Skip
	}
	return VerifyThenTransfer
}

// CacheLookup is the read side of the etag cache.
type CacheLookup interface {
	Lookup(etag string) (string, bool)
}

// DownloadPolicy holds the mirror switches that affect classification.
type DownloadPolicy struct {
	Refresh        bool
	CheckExistence bool
	// Exists reports whether a destination-relative path is present on disk
	Exists func(relPath string) bool
}

// ClassifyDownload decides whether a listed object must be fetched.
func ClassifyDownload(obj blob.ObjectInfo, cache CacheLookup, policy DownloadPolicy) Classification {
	if policy.Refresh {
		return DefiniteTransfer
	}
	relPath, ok := cache.Lookup(obj.ETag)
	if !ok {
		return DefiniteTransfer
	}
	if policy.CheckExistence && policy.Exists != nil && !policy.Exists(relPath) {
		return DefiniteTransfer
	}
	return Skip
}
