package sync

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mdn/deployer/internal/config"
	"github.com/mdn/deployer/internal/pathnorm"
	"github.com/mdn/deployer/internal/scanner"
	"github.com/mdn/deployer/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.UploadWorkers = 4
	cfg.DownloadWorkers = 4
	return cfg
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func md5hex(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

func runUpload(t *testing.T, store *fakeStore, cfg *config.Config, opts config.UploadOptions) (*Stats, error) {
	t.Helper()
	return NewUploader(store, cfg, opts).Run(context.Background())
}

func TestUploadSecondRunTransfersNothing(t *testing.T) {
	root := writeTree(t, map[string]string{
		"index.html":              "<html>home</html>",
		"static/app.3e98ca01d.js": "console.log(1)",
		"css/site.css":            "body{}",
		"docs/old/index.redirect": "https://example.com/new/\n",
		".DS_Store":               "junk",
	})
	store := newFakeStore()
	cfg := testConfig()
	opts := config.UploadOptions{Directory: root}

	first, err := runUpload(t, store, cfg, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Scanned)
	assert.Equal(t, 4, first.Uploaded)
	assert.Zero(t, first.Skipped)
	assert.Positive(t, first.BytesTransferred)
	assert.EqualValues(t, 4, store.puts.Load())
	assert.Zero(t, store.heads.Load())

	second, err := runUpload(t, store, cfg, opts)
	require.NoError(t, err)
	assert.Zero(t, second.Transferred())
	assert.Zero(t, second.BytesTransferred)
	assert.Equal(t, 4, second.Skipped)
	assert.Equal(t, 3, second.Verified)
	assert.EqualValues(t, 3, store.heads.Load(), "only non-hashed names are probed")
	assert.EqualValues(t, 4, store.puts.Load())
}

func TestUploadObjectAttributes(t *testing.T) {
	root := writeTree(t, map[string]string{
		"index.html":              "<html>home</html>",
		"static/app.3e98ca01d.js": "console.log(1)",
		"docs/old/index.redirect": "https://example.com/new/\n",
	})
	store := newFakeStore()
	cfg := testConfig()

	_, err := runUpload(t, store, cfg, config.UploadOptions{Directory: root})
	require.NoError(t, err)

	index, ok := store.object("index.html")
	require.True(t, ok)
	assert.Equal(t, "<html>home</html>", string(index.data))
	assert.Equal(t, PublicReadACL, index.params.ACL)
	assert.Equal(t, "max-age=3600, public", index.params.CacheControl)
	assert.Contains(t, index.params.ContentType, "text/html")
	assert.Equal(t, md5hex("<html>home</html>"), index.params.Metadata[MetadataHashKey])
	assert.Empty(t, index.params.RedirectLocation)

	app, ok := store.object("static/app.3e98ca01d.js")
	require.True(t, ok)
	assert.Equal(t, "max-age=31536000, public", app.params.CacheControl)

	redirect, ok := store.object("docs/old/index.html")
	require.True(t, ok, "redirect marker is stored as the directory index")
	assert.Equal(t, "https://example.com/new/", redirect.params.RedirectLocation)
	assert.Equal(t, utils.DefaultContentType, redirect.params.ContentType, "the body is a URL, not a page")
	assert.NotContains(t, index.params.Metadata, MetadataOriginalKey)

	_, ok = store.object("docs/old/index.redirect")
	assert.False(t, ok)
}

func TestUploadSameSizeChangedContentIsUpdated(t *testing.T) {
	local := strings.Repeat("a", 500)
	root := writeTree(t, map[string]string{"index.html": local})

	store := newFakeStore()
	store.seed("index.html", []byte(strings.Repeat("b", 500)), map[string]string{MetadataHashKey: md5hex(strings.Repeat("b", 500))})

	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Skipped)
	assert.Zero(t, stats.Uploaded)
	assert.EqualValues(t, 500, stats.BytesTransferred)
	assert.EqualValues(t, 1, store.heads.Load())

	obj, _ := store.object("index.html")
	assert.Equal(t, local, string(obj.data))
}

func TestUploadMissingHashMetadataReuploads(t *testing.T) {
	root := writeTree(t, map[string]string{"about.html": "same"})
	store := newFakeStore()
	store.seed("about.html", []byte("same"), nil)

	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.EqualValues(t, 1, store.puts.Load())
}

func TestUploadHashedNameIsNeverProbed(t *testing.T) {
	root := writeTree(t, map[string]string{"main.0123abcd.js": "new!"})
	store := newFakeStore()
	store.seed("main.0123abcd.js", []byte("old!"), map[string]string{MetadataHashKey: "whatever"})

	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Verified)
	assert.Zero(t, store.heads.Load())
	assert.Zero(t, store.puts.Load())
}

func TestUploadSizeChangeSkipsProbe(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "longer content"})
	store := newFakeStore()
	store.seed("index.html", []byte("short"), nil)

	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Zero(t, store.heads.Load())
	assert.EqualValues(t, 1, store.puts.Load())
}

func TestUploadStaleInventoryProbe(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "12345"})
	store := newFakeStore()
	store.seed("index.html", []byte("abcde"), nil)
	store.vanished["index.html"] = true

	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Zero(t, stats.Updated)
	assert.Equal(t, 1, stats.StaleProbes)
	assert.EqualValues(t, 1, store.puts.Load())
}

func TestUploadProbeErrorAbortsRun(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "12345", "new.html": "x"})
	store := newFakeStore()
	store.seed("index.html", []byte("abcde"), nil)
	boom := errors.New("throttled")
	store.headErr["index.html"] = boom

	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root})
	require.ErrorIs(t, err, ErrRunAborted)
	require.ErrorIs(t, err, boom)

	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "head", transferErr.Op)
	assert.Equal(t, "index.html", transferErr.Key)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Uploaded, "the rest of the batch still runs")
}

func TestUploadFailureStopsLaterBatches(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt": "1",
		"b.txt": "22",
		"c.txt": "333",
		"d.txt": "4444",
		"e.txt": "55555",
	})
	store := newFakeStore()
	store.putErr["a.txt"] = errors.New("slow down")
	cfg := testConfig()
	cfg.BatchSize = 2

	stats, err := runUpload(t, store, cfg, config.UploadOptions{Directory: root})
	require.ErrorIs(t, err, ErrRunAborted)
	assert.Equal(t, 1, stats.Batches)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, 1, stats.Failed)
	assert.EqualValues(t, 2, store.puts.Load())

	_, ok := store.object("c.txt")
	assert.False(t, ok)
}

func TestUploadBatches(t *testing.T) {
	files := map[string]string{}
	for i := range 7 {
		files[fmt.Sprintf("page-%d.html", i)] = strings.Repeat("x", i+1)
	}
	root := writeTree(t, files)
	store := newFakeStore()
	cfg := testConfig()
	cfg.BatchSize = 3

	stats, err := runUpload(t, store, cfg, config.UploadOptions{Directory: root})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 7, stats.Uploaded)
	assert.EqualValues(t, 28, stats.BytesTransferred)
}

func TestUploadDryRun(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "12345", "new.html": "x"})
	store := newFakeStore()
	store.seed("index.html", []byte("abcde"), nil)

	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Planned)
	assert.Zero(t, stats.Transferred())
	assert.Zero(t, store.heads.Load())
	assert.Zero(t, store.puts.Load())
	assert.EqualValues(t, 1, store.lists.Load())
}

func TestUploadRefreshIgnoresBucket(t *testing.T) {
	root := writeTree(t, map[string]string{"main.0123abcd.js": "same"})
	store := newFakeStore()
	store.seed("main.0123abcd.js", []byte("same"), nil)

	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root, Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Zero(t, store.lists.Load())
}

func TestUploadOverlongKeyIsRenamed(t *testing.T) {
	segments := make([]string, 6)
	for i := range segments {
		segments[i] = strings.Repeat(string(rune('a'+i)), 200)
	}
	dir := strings.Join(segments, "/")
	root := writeTree(t, map[string]string{dir + "/file.txt": "deep"})

	store := newFakeStore()
	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Renamed)

	original := dir + "/file.txt"
	want := pathnorm.Digest(dir) + "/file.txt"
	assert.Equal(t, map[string]string{original: want}, stats.Renames)

	obj, ok := store.object(want)
	require.True(t, ok)
	assert.Equal(t, "deep", string(obj.data))

	recorded, err := url.PathUnescape(obj.params.Metadata[MetadataOriginalKey])
	require.NoError(t, err)
	assert.Equal(t, original, recorded)
	assert.Equal(t, md5hex("deep"), obj.params.Metadata[MetadataHashKey])
}

func TestUploadScanErrorFailsRunAfterUploading(t *testing.T) {
	root := writeTree(t, map[string]string{"a.html": "a", "b.html": "b"})
	walkErr := errors.New("walk locked: permission denied")

	orig := scanDir
	t.Cleanup(func() { scanDir = orig })
	scanDir = func(dir string) (iter.Seq2[*scanner.Entry, error], error) {
		entries, err := orig(dir)
		if err != nil {
			return nil, err
		}
		return func(yield func(*scanner.Entry, error) bool) {
			if !yield(nil, walkErr) {
				return
			}
			for entry, err := range entries {
				if !yield(entry, err) {
					return
				}
			}
		}, nil
	}

	store := newFakeStore()
	stats, err := runUpload(t, store, testConfig(), config.UploadOptions{Directory: root})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScanIncomplete)
	assert.ErrorIs(t, err, walkErr)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Uploaded)
	assert.EqualValues(t, 2, store.puts.Load())
}

func TestUploadMissingDirectory(t *testing.T) {
	_, err := runUpload(t, newFakeStore(), testConfig(), config.UploadOptions{Directory: filepath.Join(t.TempDir(), "nope")})
	assert.True(t, config.IsConfigurationError(err))
}

func TestCacheControlFor(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		key  string
		want string
	}{
		{"service-worker.js", "no-cache"},
		{"sub/service-worker.js", "no-cache"},
		{"static/main.3e98ca01.js", "max-age=31536000, public"},
		{"index.html", "max-age=3600, public"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, CacheControlFor(tt.key, cfg))
		})
	}
}
