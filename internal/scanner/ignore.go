package scanner

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdn/deployer/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName holds extra gitignore-style rules at the scan root
const IgnoreFileName = ".deployignore"

var defaultIgnoreLines = []string{
	// hidden files and directories, .git included
	".*",
	// editors
	"*~",
	"*.swp",
	"*.swo",
	// OS metadata
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreList decides which entries never reach the classifier.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir}
}

// Load compiles the default rules plus those from the root ignore file, if any.
func (s *IgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	ignoreLines := append([]string(nil), defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		ignoreLines = append(ignoreLines, readIgnoreFile(ignorePath)...)
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

func readIgnoreFile(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("failed to open ignore file", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("error reading ignore file", "path", path, "error", err)
	} else {
		slog.Debug("loaded ignore file", "path", path, "rules", len(lines))
	}
	return lines
}

// ShouldIgnore matches a slash separated path relative to the base dir.
// Directories should carry a trailing slash.
func (s *IgnoreList) ShouldIgnore(relPath string) bool {
	if s.ignore == nil {
		s.Load()
	}
	return s.ignore.MatchesPath(relPath)
}
