package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mdn/deployer/internal/blob"
	"github.com/mdn/deployer/internal/config"
	"github.com/mdn/deployer/internal/pathnorm"
	"github.com/mdn/deployer/internal/scanner"
	"github.com/mdn/deployer/internal/utils"
)

const (
	// MetadataHashKey is the object metadata entry holding the content hash
	MetadataHashKey = "filehash"
	// MetadataOriginalKey holds the scanned key of an object stored under a
	// shortened key
	MetadataOriginalKey = "original-key"
	PublicReadACL       = "public-read"
	serviceWorker       = "service-worker.js"

	// user metadata shares a 2 KiB budget per object
	maxMetadataValue = 1900
)

type uploadResult struct {
	outcome Outcome
	bytes   int64
	stale   bool
}

// Uploader mirrors a local directory into a bucket.
type Uploader struct {
	store      blob.Store
	cfg        *config.Config
	opts       config.UploadOptions
	normalizer *pathnorm.Normalizer
	log        *slog.Logger
}

func NewUploader(store blob.Store, cfg *config.Config, opts config.UploadOptions) *Uploader {
	return &Uploader{
		store:      store,
		cfg:        cfg,
		opts:       opts,
		normalizer: pathnorm.New(blob.MaxKeyLength, blob.MaxKeyLength),
		log:        slog.With("run", uuid.NewString()),
	}
}

// Run scans the directory, classifies every file against one listing of the
// bucket and uploads what changed, one batch at a time. The first batch with
// a failed transfer is drained and then ends the run. Paths the scan could
// not read fail the run once everything else is uploaded.
func (u *Uploader) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	start := time.Now()
	defer func() { stats.Elapsed = time.Since(start) }()

	entries, err := scanDir(u.opts.Directory)
	if err != nil {
		return stats, &config.ConfigurationError{Field: "directory", Reason: "cannot scan", Err: err}
	}

	inventory := Inventory{}
	if u.opts.Refresh {
		u.log.Info("refresh: ignoring existing objects")
	} else {
		listStart := time.Now()
		inventory, err = ListInventory(ctx, u.store, "")
		if err != nil {
			return stats, fmt.Errorf("list bucket: %w", err)
		}
		u.log.Info("inventory", "objects", len(inventory), "took", time.Since(listStart))
	}

	var scanErrs []error
	batch := make([]TransferTask, 0, u.cfg.BatchSize)
	for entry, err := range entries {
		if err != nil {
			stats.Failed++
			scanErrs = append(scanErrs, err)
			u.log.Error("scan", "error", err)
			continue
		}
		stats.Scanned++

		key, normalized := u.objectKey(entry.Key, stats)
		task := TransferTask{
			Key:        key,
			LocalPath:  entry.Path,
			RelPath:    entry.Key,
			Size:       entry.Size,
			Redirect:   entry.Redirect,
			Normalized: normalized,
		}

		switch ClassifyUpload(task.Key, task.Size, inventory) {
		case Skip:
			stats.Skipped++
			continue
		case VerifyThenTransfer:
			task.VerificationRequired = true
		}

		batch = append(batch, task)
		if len(batch) >= u.cfg.BatchSize {
			if err := u.runBatch(ctx, batch, stats); err != nil {
				return stats, err
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := u.runBatch(ctx, batch, stats); err != nil {
			return stats, err
		}
	}
	if len(scanErrs) > 0 {
		return stats, fmt.Errorf("%w: %d files not deployed: %w", ErrScanIncomplete, len(scanErrs), errors.Join(scanErrs...))
	}
	return stats, nil
}

// scanDir is swapped in tests to inject walk failures
var scanDir = func(dir string) (iter.Seq2[*scanner.Entry, error], error) {
	sc, err := scanner.New(dir)
	if err != nil {
		return nil, err
	}
	return sc.Scan(), nil
}

// objectKey shortens keys the store would reject for length and records the
// rename on stats.
func (u *Uploader) objectKey(key string, stats *Stats) (string, bool) {
	normalized, changed := u.normalizer.Normalize(key)
	if changed {
		stats.addRename(key, normalized)
		u.log.Warn("key too long, renamed", "original", key, "key", normalized)
	}
	return normalized, changed
}

func (u *Uploader) runBatch(ctx context.Context, batch []TransferTask, stats *Stats) error {
	stats.Batches++

	if u.opts.DryRun {
		for _, task := range batch {
			stats.Planned++
			u.log.Info("dry run", "op", planVerb(task), "key", task.Key, "size", humanize.Bytes(uint64(task.Size)))
		}
		return nil
	}

	var failures []error
	batchStart := time.Now()
	runPool(ctx, u.cfg.UploadWorkers, bySize(batch), u.transfer,
		func(task TransferTask, res uploadResult, err error, took time.Duration) {
			if err != nil {
				stats.Failed++
				stats.WorkerTime += took
				failures = append(failures, err)
				u.log.Error("upload", "op", "Failed", "key", task.Key, "error", err)
				return
			}
			stats.record(res.outcome, res.bytes, took)
			if res.stale {
				stats.StaleProbes++
			}
			if res.outcome == OutcomeSkipped {
				stats.Verified++
			}
			u.logOutcome(res.outcome, task, took)
		})

	u.log.Debug("upload batch", "tasks", len(batch), "took", time.Since(batchStart))
	if len(failures) > 0 {
		return abortRun(failures)
	}
	return nil
}

func (u *Uploader) logOutcome(outcome Outcome, task TransferTask, took time.Duration) {
	level := slog.LevelInfo
	if u.opts.Quiet {
		level = slog.LevelDebug
	}
	u.log.Log(context.Background(), level, "upload",
		"op", outcome.String(),
		"key", task.Key,
		"size", humanize.Bytes(uint64(task.Size)),
		"took", took.Round(time.Millisecond),
	)
}

// transfer runs on a pool worker. A same-size file is first compared by the
// hash stored in the object metadata; a missing object means the listing
// was stale and the file is uploaded as new.
func (u *Uploader) transfer(ctx context.Context, task TransferTask) (uploadResult, error) {
	task, err := task.EnsureHash()
	if err != nil {
		return uploadResult{}, &TransferError{Op: "hash", Key: task.Key, Err: err}
	}

	stale := false
	if task.VerificationRequired {
		head, err := u.store.HeadObject(ctx, task.Key)
		switch {
		case err == nil:
			if head.Metadata[MetadataHashKey] == task.ContentHash {
				return uploadResult{outcome: OutcomeSkipped}, nil
			}
		case errors.Is(err, blob.ErrNotFound):
			stale = true
			u.log.Debug("verify probe found nothing, uploading", "key", task.Key)
		default:
			return uploadResult{}, &TransferError{Op: "head", Key: task.Key, Err: err}
		}
	}

	n, err := u.put(ctx, task)
	if err != nil {
		return uploadResult{}, err
	}

	outcome := OutcomeUploaded
	if task.VerificationRequired && !stale {
		outcome = OutcomeUpdated
	}
	return uploadResult{outcome: outcome, bytes: n, stale: stale}, nil
}

func (u *Uploader) put(ctx context.Context, task TransferTask) (int64, error) {
	params := &blob.PutObjectParams{
		Key:          task.Key,
		Size:         task.Size,
		ContentType:  utils.DetectContentType(task.LocalPath),
		CacheControl: CacheControlFor(task.Key, u.cfg),
		ACL:          PublicReadACL,
		Metadata:     map[string]string{MetadataHashKey: task.ContentHash},
	}
	if task.Normalized {
		if original := url.PathEscape(task.RelPath); len(original) <= maxMetadataValue {
			params.Metadata[MetadataOriginalKey] = original
		} else {
			u.log.Warn("original key too long for metadata", "key", task.Key)
		}
	}
	if task.Redirect {
		location, err := scanner.ReadRedirect(task.LocalPath)
		if err != nil {
			return 0, &TransferError{Op: "read redirect", Key: task.Key, Err: err}
		}
		params.RedirectLocation = location
	}

	f, err := os.Open(task.LocalPath)
	if err != nil {
		return 0, &TransferError{Op: "open", Key: task.Key, Err: err}
	}
	defer f.Close()
	params.Body = f

	if _, err := u.store.PutObject(ctx, params); err != nil {
		return 0, &TransferError{Op: "put", Key: task.Key, Err: err}
	}
	return task.Size, nil
}

// CacheControlFor picks the Cache-Control header for key.
func CacheControlFor(key string, cfg *config.Config) string {
	if path.Base(key) == serviceWorker {
		return "no-cache"
	}
	seconds := cfg.DefaultCacheControl
	if HasHashedFilename(key) {
		seconds = cfg.HashedCacheControl
	}
	return fmt.Sprintf("max-age=%d, public", seconds)
}

func planVerb(task TransferTask) string {
	if task.VerificationRequired {
		return "MaybeUpdate"
	}
	return "Upload"
}
