// Package etagcache persists which object etags have already been fetched
// into a download destination, so a later run can skip them.
package etagcache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/mdn/deployer/internal/utils"
)

const (
	CacheFileName    = "_etags_cache.txt"
	NewFilesFileName = "_new_files.txt"
	LockFileName     = CacheFileName + ".lock"
)

var (
	// ErrCacheLocked is returned by Open when another process holds the cache
	ErrCacheLocked = errors.New("etag cache is locked by another process")

	// errCorrupt is logged, never returned: a corrupt cache is an empty one
	errCorrupt = errors.New("corrupt etag cache")
)

// Cache maps etag to the destination-relative path it was written to.
// Entries loaded from disk and entries recorded during this run are kept
// apart so the run's additions can be logged separately.
type Cache struct {
	mu  sync.Mutex
	dir string

	loaded map[string]string
	added  map[string]string
	// etags in the order they were recorded, for the new-files log
	addedOrder []string
	// how much of addedOrder is already in the new-files log
	logged     int
	logStarted bool
	dirty      bool

	lock *flock.Flock
}

// Open locks the cache in dir and loads it. A missing or unreadable cache
// file yields an empty cache.
func Open(dir string) (*Cache, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock etag cache: %w", err)
	}
	if !locked {
		return nil, ErrCacheLocked
	}

	c := &Cache{
		dir:    dir,
		loaded: map[string]string{},
		added:  map[string]string{},
		lock:   lock,
	}

	loaded, err := readCacheFile(c.CachePath())
	switch {
	case err == nil:
		c.loaded = loaded
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("etag cache not found, starting fresh", "path", c.CachePath())
	default:
		slog.Warn("etag cache unusable, starting fresh", "path", c.CachePath(), "error", err)
	}
	return c, nil
}

func (c *Cache) CachePath() string {
	return filepath.Join(c.dir, CacheFileName)
}

func (c *Cache) NewFilesPath() string {
	return filepath.Join(c.dir, NewFilesFileName)
}

// Lookup returns the relative path recorded for etag, from disk or this run.
func (c *Cache) Lookup(etag string) (string, bool) {
	etag = normalizeETag(etag)
	c.mu.Lock()
	defer c.mu.Unlock()

	if relPath, ok := c.added[etag]; ok {
		return relPath, true
	}
	relPath, ok := c.loaded[etag]
	return relPath, ok
}

// Record notes that etag now lives at relPath.
func (c *Cache) Record(etag, relPath string) {
	etag = normalizeETag(etag)
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.added[etag]; ok && prev == relPath {
		return
	}
	if _, ok := c.added[etag]; !ok {
		c.addedOrder = append(c.addedOrder, etag)
	}
	c.added[etag] = relPath
	c.dirty = true
}

// Len is the number of distinct etags known, loaded and new.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.merged())
}

// Added is the number of etags recorded during this run.
func (c *Cache) Added() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.added)
}

// Flush rewrites the cache file atomically with the merged map and appends
// the not yet logged additions to the new-files log. It does nothing when
// nothing was recorded since the last flush.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	if err := writeCacheFile(c.CachePath(), c.merged()); err != nil {
		return fmt.Errorf("write etag cache: %w", err)
	}
	if err := c.appendNewFiles(); err != nil {
		return fmt.Errorf("write new files log: %w", err)
	}
	c.dirty = false
	return nil
}

// Close flushes and releases the lock.
func (c *Cache) Close() error {
	flushErr := c.Flush()
	if err := c.lock.Unlock(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("unlock etag cache: %w", err))
	}
	return flushErr
}

func (c *Cache) merged() map[string]string {
	merged := make(map[string]string, len(c.loaded)+len(c.added))
	for etag, relPath := range c.loaded {
		merged[etag] = relPath
	}
	for etag, relPath := range c.added {
		merged[etag] = relPath
	}
	return merged
}

// appendNewFiles truncates the log on the first flush of a run, so the log
// always holds exactly this run's additions.
func (c *Cache) appendNewFiles() error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !c.logStarted {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	f, err := os.OpenFile(c.NewFilesPath(), flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, etag := range c.addedOrder[c.logged:] {
		if _, err := fmt.Fprintln(w, c.added[etag]); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	c.logStarted = true
	c.logged = len(c.addedOrder)
	return nil
}

// ===================================================================================================

func readCacheFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseCache(data)
}

// parseCache reads `etag<TAB>relative path` lines. Any malformed line makes
// the whole file untrustworthy.
func parseCache(data []byte) (map[string]string, error) {
	entries := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		etag, relPath, ok := strings.Cut(line, "\t")
		etag = normalizeETag(etag)
		if !ok || etag == "" || relPath == "" {
			return nil, fmt.Errorf("%w: line %d", errCorrupt, lineNo)
		}
		entries[etag] = relPath
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return entries, nil
}

func writeCacheFile(path string, entries map[string]string) error {
	lines := make([]string, 0, len(entries))
	for etag, relPath := range entries {
		lines = append(lines, etag+"\t"+relPath+"\n")
	}
	slices.Sort(lines)

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
	}
	_, err := utils.WriteFileAtomic(path, &buf, 0o644)
	return err
}

// normalizeETag drops the quotes some listings keep around etags
func normalizeETag(etag string) string {
	return strings.ReplaceAll(strings.TrimSpace(etag), "\"", "")
}
