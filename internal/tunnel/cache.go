package tunnel

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var errCacheEscape = errors.New("tunnel: path escapes cache root")

// Cache is the on-disk store of file content fetched from build
// servers, laid out as <root>/<username>/<app slug>/<path...>. Every
// path is normalized and rejected when it climbs out of the root.
type Cache struct {
	root string
}

func NewCache(root string) (*Cache, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("tunnel: cache root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Cache{root: root}, nil
}

func (c *Cache) pathFor(parts ...string) (string, error) {
	joined := strings.Join(parts, "/")
	// Reject dot-dot segments outright rather than normalizing them
	// away; a climbing path must never resolve anywhere, not even to a
	// sibling mailbox.
	for _, seg := range strings.Split(joined, "/") {
		if seg == ".." || strings.ContainsAny(seg, `\`) {
			return "", errCacheEscape
		}
	}
	full := filepath.Join(c.root, filepath.FromSlash(path.Clean("/"+joined)))
	if full != c.root && !strings.HasPrefix(full, c.root+string(filepath.Separator)) {
		return "", errCacheEscape
	}
	return full, nil
}

// Read returns cached content, or ok=false on a miss. A sandbox
// violation is an error, not a miss.
func (c *Cache) Read(key Key, p string) ([]byte, bool, error) {
	full, err := c.pathFor(key.Username, key.AppSlug, p)
	if err != nil {
		return nil, false, err
	}
	content, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

// Write stores content, creating intermediate directories as needed.
// Concurrent writers to the same path are last-write-wins.
func (c *Cache) Write(key Key, p string, content []byte) error {
	full, err := c.pathFor(key.Username, key.AppSlug, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

// Invalidate removes one cached file. When the path cannot be resolved
// or removed, the whole mailbox directory is wiped instead.
func (c *Cache) Invalidate(key Key, p string) {
	full, err := c.pathFor(key.Username, key.AppSlug, p)
	if err == nil {
		err = os.Remove(full)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.Wipe(key)
	}
}

// Wipe removes everything cached for one mailbox.
func (c *Cache) Wipe(key Key) {
	full, err := c.pathFor(key.Username, key.AppSlug)
	if err != nil {
		return
	}
	_ = os.RemoveAll(full)
}

// Clear empties the whole cache. Called at startup since nothing in it
// outlives the mailboxes that produced it.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
