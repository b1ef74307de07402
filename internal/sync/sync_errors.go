package sync

import (
	"errors"
	"fmt"
)

// ErrRunAborted wraps the failures of the batch that stopped a run.
var ErrRunAborted = errors.New("run aborted")

// ErrScanIncomplete is returned by an upload that could not read part of
// the local tree.
var ErrScanIncomplete = errors.New("scan incomplete")

// TransferError is an unrecoverable failure of one task. Not-found results
// never become a TransferError.
type TransferError struct {
	Op  string
	Key string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func abortRun(failures []error) error {
	return fmt.Errorf("%w after %d failed transfers: %w", ErrRunAborted, len(failures), errors.Join(failures...))
}
