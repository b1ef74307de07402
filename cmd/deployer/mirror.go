package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mdn/deployer/internal/blob"
	"github.com/mdn/deployer/internal/config"
	"github.com/mdn/deployer/internal/etagcache"
	"github.com/mdn/deployer/internal/sync"
	"github.com/mdn/deployer/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newMirrorCmd())
}

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror DESTINATION",
		Short: "Download a bucket prefix into a directory, skipping known etags",
		Args:  cobra.ExactArgs(1),
		RunE:  runMirror,
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().String("source", "", "Bucket to read, as s3://bucket/prefix")
	cmd.Flags().StringArray("filter", nil, "Only keys containing this text (repeatable)")
	cmd.Flags().Bool("check-existence", false, "Re-download known etags whose file is gone")
	cmd.Flags().Bool("refresh", false, "Download everything, ignoring the etag cache")
	cmd.Flags().BoolP("quiet", "q", false, "Only log page summaries (default when not a terminal or CI is set)")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runMirror(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	dest, err := utils.ResolvePath(args[0])
	if err != nil {
		return err
	}
	opts := config.MirrorOptions{Destination: dest}
	opts.Source, _ = cmd.Flags().GetString("source")
	opts.Filters, _ = cmd.Flags().GetStringArray("filter")
	opts.CheckExistence, _ = cmd.Flags().GetBool("check-existence")
	opts.Refresh, _ = cmd.Flags().GetBool("refresh")
	opts.Quiet = quietFlag(cmd)
	if err := opts.Validate(); err != nil {
		return err
	}

	src, err := blob.ParseBucketURL(opts.Source)
	if err != nil {
		return &config.ConfigurationError{Field: "source", Reason: "not an s3:// url", Err: err}
	}

	ctx := cmd.Context()
	backend, err := blob.NewS3BackendWithConfig(ctx, &blob.S3Config{
		BucketName: src.Bucket,
		Region:     cfg.Region,
		Profile:    cfg.Profile,
		Endpoint:   cfg.Endpoint,
	})
	if err != nil {
		return err
	}
	if err := backend.HeadBucket(ctx); err != nil {
		return fmt.Errorf("bucket %s: %w", src.Bucket, err)
	}

	cache, err := etagcache.Open(dest)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := cache.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	mirror, err := sync.NewMirror(backend, cfg, opts, src.Prefix, cache)
	if err != nil {
		return err
	}
	slog.Info("mirror", "source", src.String(), "destination", dest, "run", mirror.RunID())

	stats, err := mirror.Run(ctx)
	printSummary(cmd.OutOrStdout(), "Mirror "+src.String(), mirrorRows(stats, cache))
	return err
}
