package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mdn/deployer/internal/blob"
	"github.com/mdn/deployer/internal/config"
	"github.com/mdn/deployer/internal/provision"
	"github.com/mdn/deployer/internal/sync"
	"github.com/mdn/deployer/internal/utils"
	"github.com/mdn/deployer/internal/vcs"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newUploadCmd())
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload DIRECTORY",
		Short: "Upload a built site to its website bucket",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().String("name", "", "Bucket name (default derived from default_name_pattern)")
	cmd.Flags().String("bucket-location", "", "Location constraint for a new bucket")
	cmd.Flags().Bool("refresh", false, "Upload everything, ignoring what is in the bucket")
	cmd.Flags().Int("bucket-lifecycle-days", 0, "Expire uploaded objects after this many days")
	cmd.Flags().Bool("dry-run", false, "Classify only, transfer nothing")
	cmd.Flags().BoolP("quiet", "q", false, "Only log summaries (default when not a terminal or CI is set)")
	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{"bucket_location": "bucket-location"})
	if err != nil {
		return err
	}

	dir, err := utils.ResolvePath(args[0])
	if err != nil {
		return err
	}
	opts := config.UploadOptions{Directory: dir}
	opts.Name, _ = cmd.Flags().GetString("name")
	opts.Refresh, _ = cmd.Flags().GetBool("refresh")
	opts.LifecycleDays, _ = cmd.Flags().GetInt("bucket-lifecycle-days")
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	opts.Quiet = quietFlag(cmd)
	if err := opts.Validate(); err != nil {
		return err
	}

	if opts.Name == "" {
		name, branch, err := vcs.DeriveName(dir, cfg.NamePattern, time.Now())
		if err != nil {
			return &config.ConfigurationError{Field: "name", Reason: "cannot derive from the git branch, pass --name", Err: err}
		}
		if vcs.IsMainBranch(branch) && opts.LifecycleDays > 0 {
			slog.Warn("setting a lifecycle on a build from the main branch", "branch", branch, "days", opts.LifecycleDays)
		}
		opts.Name = name
	}
	slog.Info("upload", "directory", dir, "bucket", opts.Name)

	ctx := cmd.Context()
	backend, err := blob.NewS3BackendWithConfig(ctx, &blob.S3Config{
		BucketName: opts.Name,
		Region:     cfg.Region,
		Profile:    cfg.Profile,
		Endpoint:   cfg.Endpoint,
	})
	if err != nil {
		return err
	}

	if opts.DryRun {
		// nothing is created on a dry run; a missing bucket has nothing to compare against
		if err := backend.HeadBucket(ctx); errors.Is(err, blob.ErrNotFound) {
			slog.Info("dry run: bucket would be created", "bucket", opts.Name)
			opts.Refresh = true
		} else if err != nil {
			return err
		}
	} else {
		res, err := provision.EnsureWebsiteBucket(ctx, backend, provision.Options{
			Location:      cfg.BucketLocation,
			LifecycleDays: opts.LifecycleDays,
		})
		if err != nil {
			return err
		}
		slog.Debug("provisioned", "created", res.Created, "website", res.WebsiteCreated, "lifecycle", res.LifecycleApplied)
	}

	stats, err := sync.NewUploader(backend, cfg, opts).Run(ctx)
	printSummary(cmd.OutOrStdout(), "Upload "+opts.Name, uploadRows(stats, opts.DryRun))
	return err
}
