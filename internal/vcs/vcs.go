// Package vcs finds the git repository enclosing a directory and derives
// destination names from its current branch.
package vcs

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// MaxDepth bounds the walk from the start directory towards the filesystem root
const MaxDepth = 128

var (
	ErrNoRepository = errors.New("no enclosing git repository")
	ErrDetachedHead = errors.New("HEAD is detached")
)

type Repository struct {
	Root string
	repo *git.Repository
}

// Find opens the nearest repository at or above start.
func Find(start string) (*Repository, error) {
	return find(start, MaxDepth)
}

func find(start string, maxDepth int) (*Repository, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}

	for range maxDepth {
		repo, err := git.PlainOpen(dir)
		if err == nil {
			return &Repository{Root: dir, repo: repo}, nil
		}
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("open repository at %s: %w", dir, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil, fmt.Errorf("%w: from %s", ErrNoRepository, start)
}

// CurrentBranch returns the short name of the branch HEAD points at. It works
// on a branch without commits too.
func (r *Repository) CurrentBranch() (string, error) {
	head, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Target().Short(), nil
}

// IsMainBranch reports whether branch is one that lifecycle rules should not
// normally expire.
func IsMainBranch(branch string) bool {
	return branch == "master" || branch == "main"
}

// ===================================================================================================

// NameVars are the values available to a name pattern.
type NameVars struct {
	Username string
	Branch   string
	Date     time.Time
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9.-]+`)

const maxNameLength = 63

// RenderName fills {username}, {branchname} and {date} in pattern and
// folds the result into a valid bucket name.
func RenderName(pattern string, vars NameVars) string {
	name := strings.NewReplacer(
		"{username}", vars.Username,
		"{branchname}", vars.Branch,
		"{date}", vars.Date.UTC().Format("20060102"),
	).Replace(pattern)

	name = invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	name = strings.Trim(name, "-.")
	if len(name) > maxNameLength {
		name = strings.Trim(name[:maxNameLength], "-.")
	}
	return name
}

// Username is the login name of the current user.
func Username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		// DOMAIN\user on windows
		if _, name, ok := strings.Cut(u.Username, `\`); ok {
			return name
		}
		return u.Username
	}
	return os.Getenv("USER")
}

// DeriveName renders pattern for the repository enclosing dir. It also
// returns the branch so callers can warn about main branch deploys.
func DeriveName(dir, pattern string, now time.Time) (name, branch string, err error) {
	repo, err := Find(dir)
	if err != nil {
		return "", "", err
	}
	branch, err = repo.CurrentBranch()
	if err != nil {
		return "", "", err
	}
	name = RenderName(pattern, NameVars{Username: Username(), Branch: branch, Date: now})
	if name == "" {
		return "", branch, fmt.Errorf("pattern %q renders an empty name", pattern)
	}
	return name, branch, nil
}
