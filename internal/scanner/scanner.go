// Package scanner enumerates the files of a local tree as upload candidates.
package scanner

import (
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mdn/deployer/internal/utils"
)

const (
	// RedirectMarker files become the index document of their directory
	RedirectMarker = "index.redirect"
	IndexDocument  = "index.html"
)

// Entry is one regular file under the scan root.
type Entry struct {
	// Key is the slash separated object key
	Key string
	// Path is the absolute local path
	Path string
	Size int64
	// Redirect is set when Path is a redirect marker and Key its index document
	Redirect bool
}

type Scanner struct {
	root   string
	ignore *IgnoreList
}

func New(root string) (*Scanner, error) {
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, err
	}
	if !utils.DirExists(abs) {
		return nil, fmt.Errorf("scan root %q is not a directory", root)
	}

	ignore := NewIgnoreList(abs)
	ignore.Load()
	return &Scanner{root: abs, ignore: ignore}, nil
}

func (s *Scanner) Root() string {
	return s.root
}

// Scan walks the tree depth-first in lexical order. Every call, and every
// range over the returned sequence, starts a fresh walk. Errors are yielded
// alongside a nil entry and the walk continues.
func (s *Scanner) Scan() iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if !yield(nil, fmt.Errorf("walk %s: %w", p, err)) {
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if p == s.root {
				return nil
			}

			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			relSlash := utils.ToSlashKey(rel)

			if d.IsDir() {
				if s.ignore.ShouldIgnore(relSlash + "/") {
					return filepath.SkipDir
				}
				return nil
			}
			if s.ignore.ShouldIgnore(relSlash) {
				return nil
			}

			entry, ok := s.entry(p, relSlash, d)
			if !ok {
				return nil
			}
			if !yield(entry, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

func (s *Scanner) entry(p, relSlash string, d fs.DirEntry) (*Entry, bool) {
	var info fs.FileInfo
	var err error
	if d.Type()&fs.ModeSymlink != 0 {
		info, err = os.Stat(p)
	} else {
		info, err = d.Info()
	}
	if err != nil {
		slog.Warn("scan skip", "path", p, "error", err)
		return nil, false
	}
	if !info.Mode().IsRegular() {
		return nil, false
	}

	key, redirect := KeyFor(relSlash)
	return &Entry{
		Key:      key,
		Path:     p,
		Size:     info.Size(),
		Redirect: redirect,
	}, true
}

// KeyFor maps a slash separated relative path to its object key. A redirect
// marker maps to the index document of the same directory.
func KeyFor(relSlash string) (string, bool) {
	if path.Base(relSlash) != RedirectMarker {
		return relSlash, false
	}
	dir := path.Dir(relSlash)
	if dir == "." {
		return IndexDocument, true
	}
	return dir + "/" + IndexDocument, true
}

// ReadRedirect returns the target URL stored in a redirect marker.
func ReadRedirect(markerPath string) (string, error) {
	data, err := os.ReadFile(markerPath)
	if err != nil {
		return "", err
	}
	location := strings.TrimSpace(string(data))
	if location == "" {
		return "", fmt.Errorf("redirect marker %s is empty", markerPath)
	}
	return location, nil
}
