package blob

import (
	"context"
	"io"
)

// Store is the object capability set the sync engine runs against. An
// implementation is bound to a single bucket.
type Store interface {
	// ListObjects returns one page of the listing. Follow NextToken while
	// Truncated is set to get the complete inventory.
	ListObjects(ctx context.Context, params *ListObjectsParams) (*ListObjectsPage, error)

	// HeadObject returns the stored metadata of key, or ErrNotFound
	HeadObject(ctx context.Context, key string) (*HeadObjectResponse, error)

	// PutObject uploads a single object
	PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error)

	// GetObject opens the object body, or returns ErrNotFound. Callers close Body.
	GetObject(ctx context.Context, key string) (*GetObjectResponse, error)
}

// BucketAdmin covers the once-per-run bucket setup calls.
type BucketAdmin interface {
	HeadBucket(ctx context.Context) error
	CreateBucket(ctx context.Context, params *CreateBucketParams) error
	PutLifecycleExpiration(ctx context.Context, days int) error
	GetWebsite(ctx context.Context) (*WebsiteConfig, error)
	PutWebsite(ctx context.Context, cfg *WebsiteConfig) error
}

// ===================================================================================================

type ListObjectsParams struct {
	Prefix            string
	ContinuationToken string
	MaxKeys           int32
}

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type ListObjectsPage struct {
	Objects   []ObjectInfo
	Truncated bool
	NextToken string
}

// ===================================================================================================

type HeadObjectResponse struct {
	// Metadata keys are lower-cased
	Metadata         map[string]string
	Size             int64
	ETag             string
	RedirectLocation string
}

// ===================================================================================================

type PutObjectParams struct {
	Key          string
	Body         io.Reader
	Size         int64
	ContentType  string
	CacheControl string
	ACL          string
	Metadata     map[string]string
	// RedirectLocation makes the object a website redirect
	RedirectLocation string
}

type PutObjectResponse struct {
	Key  string
	ETag string
}

// ===================================================================================================

type GetObjectResponse struct {
	Body io.ReadCloser
	ETag string
	Size int64
}

// ===================================================================================================

type CreateBucketParams struct {
	ACL      string
	Location string
}

type RoutingRule struct {
	KeyPrefixEquals string
	ReplaceKeyWith  string
}

type WebsiteConfig struct {
	IndexDocument string
	ErrorDocument string
	RoutingRules  []RoutingRule
}
