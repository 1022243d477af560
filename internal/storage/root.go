// Package storage confines segment file access to the stream root.
// Feed directories and the files inside them are addressed by bare name
// components, so request-supplied input can never form a path outside the
// root.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Root is the directory under which every feed keeps its playlist and
// segments, one subdirectory per feed ID.
type Root struct {
	dir string
}

// NewRoot returns a Root for the given directory. The directory is not
// created until a feed directory is ensured under it.
func NewRoot(dir string) *Root {
	return &Root{dir: filepath.Clean(dir)}
}

// Dir returns the path to the stream root.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve maps name components to an on-disk path under the root. Each
// component must be a bare name: separators, empty components and anything
// containing a traversal sequence are rejected. Feed IDs and segment names
// never contain ".." legitimately.
func (r *Root) Resolve(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("no path components")
	}
	for _, part := range parts {
		if part == "" || part == "." || strings.Contains(part, "..") || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid path component %q", part)
		}
	}

	path := filepath.Join(append([]string{r.dir}, parts...)...)
	if !strings.HasPrefix(path, r.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes stream root: %s", filepath.Join(parts...))
	}
	return path, nil
}

// FeedDir returns the directory for a feed without creating it.
func (r *Root) FeedDir(feedID string) (string, error) {
	return r.Resolve(feedID)
}

// EnsureFeedDir creates the directory for a feed, along with the root
// itself on first use, and returns its path.
func (r *Root) EnsureFeedDir(feedID string) (string, error) {
	dir, err := r.Resolve(feedID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating feed directory: %w", err)
	}
	return dir, nil
}

// RemoveFeedDir deletes a feed's directory and everything in it. The root
// itself cannot be removed through this.
func (r *Root) RemoveFeedDir(feedID string) error {
	dir, err := r.Resolve(feedID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing feed directory: %w", err)
	}
	return nil
}

// FeedDirs returns the feed IDs that have a directory under the root.
// A missing root means nothing has been written yet and reports no feeds.
func (r *Root) FeedDirs() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading stream root: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
