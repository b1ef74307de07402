// Package provision prepares a bucket to serve a static website.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mdn/deployer/internal/blob"
)

const (
	IndexDocument = "index.html"
	ErrorDocument = "404.html"
)

type Options struct {
	// Location is the bucket location constraint, empty for the default region
	Location string
	// LifecycleDays expires objects after this many days when positive
	LifecycleDays int
}

// Result reports what EnsureWebsiteBucket had to change.
type Result struct {
	Created          bool
	LifecycleApplied bool
	WebsiteCreated   bool
	Website          *blob.WebsiteConfig
}

// DefaultWebsite is the configuration put on buckets that have none.
func DefaultWebsite() *blob.WebsiteConfig {
	return &blob.WebsiteConfig{
		IndexDocument: IndexDocument,
		ErrorDocument: ErrorDocument,
		RoutingRules: []blob.RoutingRule{
			{KeyPrefixEquals: "/", ReplaceKeyWith: IndexDocument},
		},
	}
}

// EnsureWebsiteBucket creates the bucket when missing, applies the lifecycle
// rule when asked and adds a website configuration if there is none. Calling
// it again on a prepared bucket changes nothing.
func EnsureWebsiteBucket(ctx context.Context, admin blob.BucketAdmin, opts Options) (*Result, error) {
	res := &Result{}

	err := admin.HeadBucket(ctx)
	switch {
	case err == nil:
	case errors.Is(err, blob.ErrNotFound):
		if err := admin.CreateBucket(ctx, &blob.CreateBucketParams{ACL: "public-read", Location: opts.Location}); err != nil {
			return res, fmt.Errorf("create bucket: %w", err)
		}
		res.Created = true
		slog.Info("bucket created", "location", opts.Location)
	default:
		return res, fmt.Errorf("head bucket: %w", err)
	}

	if opts.LifecycleDays > 0 {
		if err := admin.PutLifecycleExpiration(ctx, opts.LifecycleDays); err != nil {
			return res, fmt.Errorf("put lifecycle: %w", err)
		}
		res.LifecycleApplied = true
	}

	website, err := admin.GetWebsite(ctx)
	if errors.Is(err, blob.ErrNotFound) {
		website = DefaultWebsite()
		if err := admin.PutWebsite(ctx, website); err != nil {
			return res, fmt.Errorf("put website: %w", err)
		}
		res.WebsiteCreated = true
		slog.Info("website configuration created")
	} else if err != nil {
		return res, fmt.Errorf("get website: %w", err)
	}
	res.Website = website

	slog.Debug("website bucket", "index", website.IndexDocument, "error", website.ErrorDocument, "rules", len(website.RoutingRules))
	return res, nil
}
