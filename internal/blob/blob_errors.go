package blob

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	// ErrNotFound is returned when the key, bucket or bucket sub-resource does not exist
	ErrNotFound   = errors.New("not found")
	ErrInvalidKey = errors.New("invalid key")
)

var notFoundCodes = map[string]struct{}{
	"NotFound":                     {},
	"NoSuchKey":                    {},
	"NoSuchBucket":                 {},
	"NoSuchWebsiteConfiguration":   {},
	"NoSuchLifecycleConfiguration": {},
}

// IsNotFound reports whether err means the target does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := notFoundCodes[apiErr.ErrorCode()]; ok {
			return true
		}
	}

	// HEAD responses carry no body, so only the status code is left
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// mapError attaches ErrNotFound to not-found failures so callers can use errors.Is.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
