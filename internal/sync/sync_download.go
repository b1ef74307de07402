package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mdn/deployer/internal/blob"
	"github.com/mdn/deployer/internal/config"
	"github.com/mdn/deployer/internal/etagcache"
	"github.com/mdn/deployer/internal/pathnorm"
	"github.com/mdn/deployer/internal/utils"
)

var errUnsafeKey = errors.New("key escapes the destination")

type downloadResult struct {
	outcome  Outcome
	bytes    int64
	embedded bool
}

// Mirror copies the objects under a bucket prefix into a local directory and
// remembers their etags, so that a later run only fetches what is new.
type Mirror struct {
	store      blob.Store
	cfg        *config.Config
	opts       config.MirrorOptions
	prefix     string
	root       string
	cache      *etagcache.Cache
	normalizer *pathnorm.Normalizer
	mappings   *pathnorm.MappingIndex
	runID      string
	log        *slog.Logger
}

// NewMirror writes into opts.Destination. The caller owns cache and closes it.
func NewMirror(store blob.Store, cfg *config.Config, opts config.MirrorOptions, prefix string, cache *etagcache.Cache) (*Mirror, error) {
	root, err := utils.ResolvePath(opts.Destination)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	return &Mirror{
		store:      store,
		cfg:        cfg,
		opts:       opts,
		prefix:     prefix,
		root:       root,
		cache:      cache,
		normalizer: pathnorm.New(cfg.MaxSegmentLength, cfg.MaxPathLength),
		runID:      runID,
		log:        slog.With("run", runID),
	}, nil
}

func (m *Mirror) RunID() string {
	return m.runID
}

// Run walks the listing page by page. Every page is classified against the
// etag cache, fetched through the pool and then flushed to the cache. The
// cache is flushed once more on the way out, also when the run fails.
func (m *Mirror) Run(ctx context.Context) (stats *Stats, err error) {
	stats = &Stats{}
	start := time.Now()
	defer func() {
		stats.Elapsed = time.Since(start)
		if flushErr := m.cache.Flush(); flushErr != nil {
			err = errors.Join(err, fmt.Errorf("flush etag cache: %w", flushErr))
		}
		if m.mappings != nil {
			if closeErr := m.mappings.Close(); closeErr != nil {
				m.log.Warn("close mapping index", "error", closeErr)
			}
		}
	}()

	if err := utils.EnsureDir(m.root); err != nil {
		return stats, &config.ConfigurationError{Field: "destination", Reason: "cannot create", Err: err}
	}

	policy := DownloadPolicy{
		Refresh:        m.opts.Refresh,
		CheckExistence: m.opts.CheckExistence,
		Exists: func(relPath string) bool {
			return utils.FileExists(filepath.Join(m.root, filepath.FromSlash(relPath)))
		},
	}
	if m.opts.Refresh {
		m.log.Info("refresh: ignoring known etags")
	} else {
		m.log.Info("etag cache", "known", m.cache.Len())
	}

	page := 0
	for objects, err := range ListPages(ctx, m.store, m.prefix, m.opts.Filters) {
		if err != nil {
			return stats, fmt.Errorf("list bucket: %w", err)
		}
		page++

		todo := m.classifyPage(objects, policy, stats)
		if len(todo) == 0 {
			m.log.Info("mirror page", "page", page, "status", "Nothing to do")
			continue
		}

		for chunk := range slices.Chunk(todo, m.cfg.BatchSize) {
			if err := m.runBatch(ctx, page, chunk, stats); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// classifyPage keeps the last record of a repeated key and returns the
// tasks that need a fetch.
func (m *Mirror) classifyPage(objects []blob.ObjectInfo, policy DownloadPolicy, stats *Stats) []TransferTask {
	latest := make(map[string]int, len(objects))
	for i, obj := range objects {
		latest[obj.Key] = i
	}

	var todo []TransferTask
	for i, obj := range objects {
		if latest[obj.Key] != i {
			continue
		}
		stats.Scanned++

		if ClassifyDownload(obj, m.cache, policy) == Skip {
			stats.Skipped++
			continue
		}

		relPath, normalized, err := m.localPath(obj.Key)
		if err != nil {
			stats.Conflicts++
			m.log.Warn("mirror skip", "key", obj.Key, "error", err)
			continue
		}
		if normalized {
			stats.addRename(obj.Key, relPath)
		}
		todo = append(todo, TransferTask{
			Key:        obj.Key,
			LocalPath:  filepath.Join(m.root, filepath.FromSlash(relPath)),
			RelPath:    relPath,
			Size:       obj.Size,
			ETag:       obj.ETag,
			Normalized: normalized,
		})
	}
	return todo
}

// localPath turns a key into a destination-relative slash path: doubled
// slashes collapse, escapes are decoded and overlong segments shortened.
func (m *Mirror) localPath(key string) (string, bool, error) {
	fixed := key
	for strings.Contains(fixed, "//") {
		fixed = strings.ReplaceAll(fixed, "//", "/")
	}
	if unescaped, err := url.PathUnescape(fixed); err == nil {
		fixed = unescaped
	}
	fixed = strings.Trim(fixed, "/")
	if fixed == "" {
		return "", false, errUnsafeKey
	}
	// the etag cache is line and tab separated
	if strings.ContainsAny(fixed, "\n\r\t") {
		return "", false, fmt.Errorf("%w: control character in key", errUnsafeKey)
	}

	relPath, normalized := m.normalizer.Normalize(fixed)
	if !filepath.IsLocal(filepath.FromSlash(relPath)) {
		return "", false, errUnsafeKey
	}
	if isStateFile(relPath) {
		return "", false, fmt.Errorf("%w: clashes with mirror state file", errUnsafeKey)
	}
	return relPath, normalized, nil
}

func isStateFile(relPath string) bool {
	switch relPath {
	case etagcache.CacheFileName, etagcache.NewFilesFileName, etagcache.LockFileName:
		return true
	}
	// sqlite keeps its journal next to the index
	return strings.HasPrefix(relPath, pathnorm.MappingIndexFile)
}

func (m *Mirror) runBatch(ctx context.Context, page int, batch []TransferTask, stats *Stats) error {
	stats.Batches++
	batch = m.prepareDirs(batch, stats)

	var failures []error
	var batchBytes int64
	var batchWorker time.Duration
	downloaded := 0
	batchStart := time.Now()

	runPool(ctx, m.cfg.DownloadWorkers, bySize(batch), m.fetch,
		func(task TransferTask, res downloadResult, err error, took time.Duration) {
			batchWorker += took
			if err != nil {
				stats.Failed++
				stats.WorkerTime += took
				failures = append(failures, err)
				m.log.Error("mirror", "op", "Failed", "key", task.Key, "error", err)
				return
			}

			stats.record(res.outcome, res.bytes, took)
			switch res.outcome {
			case OutcomeVanished:
				m.log.Warn("mirror", "op", res.outcome.String(), "key", task.Key)
				return
			case OutcomeDownloaded:
				downloaded++
				batchBytes += res.bytes
				m.cache.Record(task.ETag, task.RelPath)
				if task.Normalized {
					m.recordMapping(task, res.embedded)
				}
			}
			m.logOutcome(res.outcome, task, took)
		})

	// best effort: the deferred flush in Run retries
	if err := m.cache.Flush(); err != nil {
		m.log.Warn("flush etag cache", "error", err)
	}

	m.log.Info("mirror page",
		"page", page,
		"downloaded", downloaded,
		"size", humanize.Bytes(uint64(batchBytes)),
		"took", time.Since(batchStart).Round(time.Millisecond),
		"distributed", batchWorker.Round(time.Millisecond),
		"total", humanize.Bytes(uint64(stats.BytesTransferred)),
	)

	if len(failures) > 0 {
		return abortRun(failures)
	}
	return nil
}

// prepareDirs creates every parent directory of the batch before the pool
// starts. Tasks whose directory cannot be created are dropped.
func (m *Mirror) prepareDirs(batch []TransferTask, stats *Stats) []TransferTask {
	dirs := mapset.NewThreadUnsafeSet[string]()
	for _, task := range batch {
		dirs.Add(filepath.Dir(task.LocalPath))
	}

	failed := mapset.NewThreadUnsafeSet[string]()
	for dir := range dirs.Iter() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			failed.Add(dir)
			m.log.Warn("mirror mkdir", "dir", dir, "error", err)
		}
	}
	if failed.IsEmpty() {
		return batch
	}

	kept := make([]TransferTask, 0, len(batch))
	for _, task := range batch {
		if failed.Contains(filepath.Dir(task.LocalPath)) {
			stats.Conflicts++
			continue
		}
		kept = append(kept, task)
	}
	return kept
}

// fetch runs on a pool worker. An object that disappeared since the listing
// is reported as vanished, not as an error.
func (m *Mirror) fetch(ctx context.Context, task TransferTask) (downloadResult, error) {
	obj, err := m.store.GetObject(ctx, task.Key)
	if errors.Is(err, blob.ErrNotFound) {
		return downloadResult{outcome: OutcomeVanished}, nil
	} else if err != nil {
		return downloadResult{}, &TransferError{Op: "get", Key: task.Key, Err: err}
	}
	defer obj.Body.Close()

	n, err := utils.WriteFileAtomic(task.LocalPath, obj.Body, 0o644)
	if err != nil {
		return downloadResult{}, &TransferError{Op: "write", Key: task.Key, Err: err}
	}

	embedded := false
	if task.Normalized && pathnorm.IsStructured(task.RelPath) {
		embedded = embedOriginalKey(task)
	}
	return downloadResult{outcome: OutcomeDownloaded, bytes: n, embedded: embedded}, nil
}

// embedOriginalKey rewrites a structured payload in place with its original key.
func embedOriginalKey(task TransferTask) bool {
	data, err := os.ReadFile(task.LocalPath)
	if err != nil {
		return false
	}
	out, ok := pathnorm.EmbedProvenance(task.RelPath, data, task.Key)
	if !ok {
		return false
	}
	if _, err := utils.WriteFileAtomic(task.LocalPath, bytes.NewReader(out), 0o644); err != nil {
		slog.Warn("embed original key", "path", task.LocalPath, "error", err)
		return false
	}
	return true
}

func (m *Mirror) recordMapping(task TransferTask, embedded bool) {
	if m.mappings == nil {
		idx, err := pathnorm.OpenMappingIndex(filepath.Join(m.root, pathnorm.MappingIndexFile))
		if err != nil {
			m.log.Warn("mapping index unavailable", "error", err, "original", task.Key, "path", task.RelPath)
			return
		}
		m.mappings = idx
	}

	err := m.mappings.Record(pathnorm.Mapping{
		OriginalKey:    task.Key,
		NormalizedPath: task.RelPath,
		Embedded:       embedded,
		RunID:          m.runID,
	})
	if err != nil {
		m.log.Warn("record mapping", "error", err, "original", task.Key, "path", task.RelPath)
	}
}

func (m *Mirror) logOutcome(outcome Outcome, task TransferTask, took time.Duration) {
	level := slog.LevelInfo
	if m.opts.Quiet {
		level = slog.LevelDebug
	}
	m.log.Log(context.Background(), level, "mirror",
		"op", outcome.String(),
		"key", task.Key,
		"path", task.RelPath,
		"size", humanize.Bytes(uint64(task.Size)),
		"took", took.Round(time.Millisecond),
	)
}
