package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// LocalFilesPath is the route prefix under which LocalStore objects are served.
const LocalFilesPath = "/files"

// LocalStore is an ObjectStore over a directory, for development without a
// bucket. Objects are served by the HTTP router at {BaseURL}/files/{key}.
type LocalStore struct {
	Dir     string
	BaseURL string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) path(key string) (string, string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	return key, filepath.Join(s.Dir, filepath.FromSlash(key)), nil
}

// Put implements ObjectStore.
func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	key, p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", err
	}
	return s.BaseURL + LocalFilesPath + "/" + key, nil
}

// Read implements ObjectStore.
func (s *LocalStore) Read(_ context.Context, key string) ([]byte, string, error) {
	_, p, err := s.path(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrObjectNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return data, http.DetectContentType(data), nil
}

// KeyForURL implements ObjectStore.
func (s *LocalStore) KeyForURL(rawURL string) (string, bool) {
	prefix := s.BaseURL + LocalFilesPath + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key, err := cleanKey(strings.TrimPrefix(rawURL, prefix))
	if err != nil {
		return "", false
	}
	return key, true
}
