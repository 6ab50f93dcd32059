package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"changeobserver/internal/fault"
	logx "changeobserver/pkg/logx"
)

// localStore writes objects under Dir/<bucket>/<key>. The HTTP API serves
// that directory at BaseURL.
type localStore struct {
	bucket  string
	root    string
	baseURL string
	log     logx.Logger
}

func newLocal(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fault.Configurationf("blob.open", "blob.dir is required for local driver")
	}
	root := filepath.Join(dir, cfg.Bucket)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fault.Dependency("blob.open", err)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "/images"
	}
	return &localStore{bucket: cfg.Bucket, root: root, baseURL: base, log: log}, nil
}

// Root is the directory the HTTP API serves.
func Root(s Store) (string, bool) {
	l, ok := s.(*localStore)
	if !ok {
		return "", false
	}
	return l.root, true
}

func (s *localStore) Bucket() string { return s.bucket }
func (s *localStore) Remote() bool   { return false }

func (s *localStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fault.Validationf("blob.key", "empty key")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *localStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, _ = ctx, contentType
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fault.Dependency("blob.put", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fault.Dependency("blob.put", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fault.Dependency("blob.put", err)
	}
	s.log.Debug("object stored", logx.String("key", key), logx.Int("bytes", len(data)))
	return s.baseURL + "/" + escapeKey(key), nil
}

func (s *localStore) Get(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fault.NotFound("blob.get", err)
	}
	if err != nil {
		return nil, fault.Dependency("blob.get", err)
	}
	return b, nil
}
