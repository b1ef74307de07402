package sync

import (
	"github.com/mdn/deployer/internal/utils"
)

// TransferTask is one unit of work for the transfer pool. Tasks are values:
// steps that fill in a field return a new task instead of changing this one.
type TransferTask struct {
	// Key is the object key in the store
	Key string
	// LocalPath is the absolute file path read from or written to
	LocalPath string
	// RelPath is LocalPath relative to the local root, slash separated
	RelPath string
	Size    int64
	// ContentHash is the hex MD5 of the local file, empty until EnsureHash
	ContentHash          string
	VerificationRequired bool

	// upload: LocalPath is a redirect marker
	Redirect bool
	// download: the listed etag
	ETag string
	// Normalized is set when Key (upload) or RelPath (download) was shortened
	Normalized bool
}

// hashFile is swapped in tests to count hash computations
var hashFile = utils.FileHash

// EnsureHash returns a task with ContentHash set. A task that already has
// a hash is returned as is, so the file is read at most once per task.
func (t TransferTask) EnsureHash() (TransferTask, error) {
	if t.ContentHash != "" {
		return t, nil
	}
	hash, err := hashFile(t.LocalPath)
	if err != nil {
		return t, err
	}
	t.ContentHash = hash
	return t, nil
}
