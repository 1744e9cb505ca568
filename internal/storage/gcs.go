package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
)

const gcsPublicHost = "storage.googleapis.com"

// GCSStore is an ObjectStore over one Cloud Storage bucket.
type GCSStore struct {
	client *gcs.Client
	bucket string
	// MakePublic grants allUsers read access after each upload.
	MakePublic bool
	// WriteTimeout bounds a single upload. Defaults to 2 minutes.
	WriteTimeout time.Duration
}

// NewGCSStore wraps an initialized client; the caller owns its lifecycle.
func NewGCSStore(client *gcs.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket, MakePublic: true, WriteTimeout: 2 * time.Minute}
}

// PublicURL returns the unauthenticated URL of key.
func (s *GCSStore) PublicURL(key string) string {
	return "https://" + gcsPublicHost + "/" + s.bucket + "/" + key
}

// Put implements ObjectStore.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	timeout := s.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(key)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=31536000"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gs://%s/%s: %w", s.bucket, key, err)
	}

	if s.MakePublic {
		if err := obj.ACL().Set(ctx, gcs.AllUsers, gcs.RoleReader); err != nil {
			// Buckets with uniform bucket-level access reject object ACLs; their
			// public access is configured on the bucket instead.
			var gerr *googleapi.Error
			if !errors.As(err, &gerr) || gerr.Code != http.StatusBadRequest {
				return "", fmt.Errorf("make gs://%s/%s public: %w", s.bucket, key, err)
			}
			log.Debug().Str("bucket", s.bucket).Str("key", key).Msg("object ACL skipped: uniform bucket-level access")
		}
	}
	return s.PublicURL(key), nil
}

// Read implements ObjectStore.
func (s *GCSStore) Read(ctx context.Context, key string) ([]byte, string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, "", err
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, "", ErrObjectNotFound
		}
		return nil, "", fmt.Errorf("open gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read gs://%s/%s: %w", s.bucket, key, err)
	}
	return data, r.Attrs.ContentType, nil
}

// KeyForURL implements ObjectStore. It understands gs:// URIs, public
// storage.googleapis.com URLs, and Firebase download URLs for this bucket.
func (s *GCSStore) KeyForURL(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	switch {
	case u.Scheme == "gs" && u.Host == s.bucket:
		return nonEmpty(strings.TrimPrefix(u.Path, "/"))
	case u.Host == gcsPublicHost:
		prefix := "/" + s.bucket + "/"
		if !strings.HasPrefix(u.Path, prefix) {
			return "", false
		}
		return nonEmpty(strings.TrimPrefix(u.Path, prefix))
	case u.Host == "firebasestorage.googleapis.com":
		// /v0/b/{bucket}/o/{url-escaped key}
		prefix := "/v0/b/" + s.bucket + "/o/"
		if !strings.HasPrefix(u.Path, prefix) {
			return "", false
		}
		return nonEmpty(strings.TrimPrefix(u.Path, prefix))
	}
	return "", false
}

func nonEmpty(key string) (string, bool) {
	return key, key != ""
}
