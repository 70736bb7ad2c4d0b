// Package blob is the client side of the object store the core keeps app
// bundles in. Keys are opaque slash-separated paths; values are immutable
// once written under a version-numbered prefix. Temporary URLs are
// HMAC-signed expiring links served by the gateway's blob handler.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("blob: not found")
	ErrInvalidInput = errors.New("blob: invalid input")
)

// Store is the object-store contract the core requires.
type Store interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	GenerateTemporaryURL(key string, ttl time.Duration) (string, error)
}

// Signer mints and validates expiring URLs for blob keys.
type Signer struct {
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewSigner(baseURL, secret string) *Signer {
	return &Signer{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}
}

func (s *Signer) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(key))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// URL builds a signed link for key that stays valid for ttl.
func (s *Signer) URL(key string, ttl time.Duration) string {
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return fmt.Sprintf("%s/blob/%s?%s", s.baseURL, strings.Join(escaped, "/"), q.Encode())
}

// Validate checks a signature/expiry pair for key. Expired or forged
// signatures fail closed.
func (s *Signer) Validate(key, expiresRaw, sig string) bool {
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return false
	}
	if s.now().Unix() >= expires {
		return false
	}
	expected := s.sign(key, expires)
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected))
}

// MemoryStore keeps blobs in a mutex-guarded map.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (m *MemoryStore) Put(_ context.Context, key string, content []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), content...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), content...), nil
}

func (m *MemoryStore) GenerateTemporaryURL(key string, _ time.Duration) (string, error) {
	m.mu.Lock()
	_, ok := m.blobs[key]
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return "memory://" + key, nil
}

// DiskStore keeps blobs under a root directory, one file per key. Keys
// are normalized and rejected when they escape the root.
type DiskStore struct {
	root   string
	signer *Signer
}

func NewDiskStore(root string, signer *Signer) (*DiskStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{root: root, signer: signer}, nil
}

func (d *DiskStore) pathFor(key string) (string, error) {
	// Keys embed client-supplied filenames; a dot-dot segment must never
	// resolve, not even to a sibling key.
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || strings.ContainsAny(seg, `\`) {
			return "", ErrInvalidInput
		}
	}
	full := filepath.Join(d.root, filepath.FromSlash(path.Clean("/"+key)))
	if full != d.root && !strings.HasPrefix(full, d.root+string(filepath.Separator)) {
		return "", ErrInvalidInput
	}
	return full, nil
}

func (d *DiskStore) Put(_ context.Context, key string, content []byte) error {
	full, err := d.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

func (d *DiskStore) Get(_ context.Context, key string) ([]byte, error) {
	full, err := d.pathFor(key)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (d *DiskStore) GenerateTemporaryURL(key string, ttl time.Duration) (string, error) {
	if d.signer == nil {
		return "", ErrInvalidInput
	}
	if _, err := d.pathFor(key); err != nil {
		return "", err
	}
	return d.signer.URL(key, ttl), nil
}
