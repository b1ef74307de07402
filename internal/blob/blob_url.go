package blob

import (
	"fmt"
	"strings"
)

const s3Scheme = "s3://"

// BucketURL is a parsed `s3://bucket/prefix` source location
type BucketURL struct {
	Bucket string
	Prefix string
}

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
}

func (u *BucketURL) String() string {
	if u.Prefix == "" {
		return s3Scheme + u.Bucket
	}
	return s3Scheme + u.Bucket + "/" + u.Prefix
}

// ParseBucketURL parses `s3://bucket[/prefix]`. The prefix is kept verbatim
// apart from leading slashes, so `s3://b/docs` and `s3://b/docs/` differ.
func ParseBucketURL(raw string) (*BucketURL, error) {
	if !strings.HasPrefix(raw, s3Scheme) {
		return nil, &ValidationError{Field: "scheme", Message: fmt.Sprintf("expected %q prefix in %q", s3Scheme, raw)}
	}

	rest := strings.TrimPrefix(raw, s3Scheme)
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, &ValidationError{Field: "bucket", Message: "bucket name cannot be empty"}
	}
	if strings.ContainsAny(bucket, " ?#") {
		return nil, &ValidationError{Field: "bucket", Message: fmt.Sprintf("invalid bucket name %q", bucket)}
	}

	return &BucketURL{
		Bucket: bucket,
		Prefix: strings.TrimLeft(prefix, "/"),
	}, nil
}
