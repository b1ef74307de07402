package config

import (
	"fmt"

	"github.com/mdn/deployer/internal/utils"
)

// UploadOptions are the per-invocation settings of a site deploy.
type UploadOptions struct {
	Directory     string
	Name          string
	Refresh       bool
	LifecycleDays int
	DryRun        bool
	Quiet         bool
}

func (o *UploadOptions) Validate() error {
	if !utils.DirExists(o.Directory) {
		return &ConfigurationError{Field: "directory", Reason: fmt.Sprintf("%q is not a directory", o.Directory)}
	}
	if o.LifecycleDays < 0 {
		return &ConfigurationError{Field: "bucket_lifecycle_days", Reason: "cannot be negative"}
	}
	return nil
}

// MirrorOptions are the per-invocation settings of a bucket download.
type MirrorOptions struct {
	Destination    string
	Source         string
	Filters        []string
	CheckExistence bool
	Refresh        bool
	Quiet          bool
}

func (o *MirrorOptions) Validate() error {
	if o.Destination == "" {
		return &ConfigurationError{Field: "destination", Reason: "cannot be empty"}
	}
	if o.Source == "" {
		return &ConfigurationError{Field: "source", Reason: "cannot be empty"}
	}
	if utils.FileExists(o.Destination) {
		return &ConfigurationError{Field: "destination", Reason: fmt.Sprintf("%q is a file", o.Destination)}
	}
	return nil
}
