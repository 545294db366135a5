package patterns

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// ImageExtensions is the allow-list of frame file extensions, lowercase without the dot.
var ImageExtensions = []string{"jpg", "jpeg", "png", "bmp", "webp"}

// A name needs at least one character before the extension, so ".jpg" is a
// dotfile with no extension rather than an image.
var imageGlob = glob.MustCompile("?*.{" + strings.Join(ImageExtensions, ",") + "}")

// IsSupportedImage reports whether path has an allowed image extension.
// The comparison is case-insensitive.
func IsSupportedImage(path string) bool {
	return imageGlob.Match(strings.ToLower(filepath.Base(path)))
}

// IsDirectlyInWatchedDir reports whether path sits directly inside watchDir.
// Files in nested subdirectories do not count.
func IsDirectlyInWatchedDir(path, watchDir string) bool {
	return filepath.Dir(filepath.Clean(path)) == filepath.Clean(watchDir)
}

// Matcher classifies paths reported by the watcher
type Matcher struct {
	watchDir       string
	ignorePatterns []glob.Glob
	mu             sync.RWMutex
}

// NewMatcher creates a matcher for the given watched directory
func NewMatcher(watchDir string) *Matcher {
	return &Matcher{
		watchDir:       filepath.Clean(watchDir),
		ignorePatterns: make([]glob.Glob, 0),
	}
}

// SetIgnorePatterns sets the ignore patterns
func (m *Matcher) SetIgnorePatterns(patterns []string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}

		// Normalize pattern: use forward slashes
		pattern = filepath.ToSlash(pattern)

		g, err := glob.Compile(pattern)
		if err != nil {
			return err
		}
		compiled = append(compiled, g)
	}

	m.mu.Lock()
	m.ignorePatterns = compiled
	m.mu.Unlock()
	return nil
}

// IsIgnored checks if a path matches any ignore pattern
func (m *Matcher) IsIgnored(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	normalizedPath := filepath.ToSlash(path)
	base := filepath.Base(normalizedPath)

	for _, pattern := range m.ignorePatterns {
		if pattern.Match(normalizedPath) || pattern.Match(base) {
			return true
		}
	}

	return false
}

// WatchDir returns the directory the matcher accepts files from
func (m *Matcher) WatchDir() string {
	return m.watchDir
}

// Accepts reports whether an event for path should be handled: a supported
// image, directly inside the watched directory, not ignored.
func (m *Matcher) Accepts(path string) bool {
	return IsDirectlyInWatchedDir(path, m.watchDir) && m.IsCandidate(path)
}

// IsCandidate is Accepts without the directory check, used by the startup
// scan where every entry is already known to be in the watched directory.
func (m *Matcher) IsCandidate(path string) bool {
	return IsSupportedImage(path) && !m.IsIgnored(path)
}
