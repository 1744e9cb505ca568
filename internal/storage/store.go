// Package storage holds generated and uploaded images.
//
// ObjectStore has two implementations: GCSStore writes to the Firebase
// Storage bucket and makes objects publicly readable; LocalStore writes to a
// directory that the HTTP server exposes under /files. Fetcher resolves the
// image references clients send (data URIs, bucket URLs, arbitrary http(s)
// URLs) into bytes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrObjectNotFound is returned when a key does not exist in the store.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidKey is returned for empty keys or keys escaping the store root.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectStore stores blobs under slash-separated keys and hands out public URLs.
type ObjectStore interface {
	// Put writes data under key and returns its public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Read returns the object stored under key.
	Read(ctx context.Context, key string) ([]byte, string, error)
	// KeyForURL maps a URL previously returned by Put back to its key.
	KeyForURL(rawURL string) (string, bool)
}

const generatedPrefix = "generatedImages"

// ImageKey returns the storage key of a generated image:
// generatedImages/{userId}/{generationId}/{name}.png, where name is a version
// id, "original", or an index. Each part must be a single path segment; a key
// that would land outside the record's own folder is ErrInvalidKey.
func ImageKey(userID, generationID, name string) (string, error) {
	for _, part := range []string{userID, generationID, name} {
		if !safeSegment(part) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, part)
		}
	}
	dir := generatedPrefix + "/" + userID + "/" + generationID + "/"
	key := path.Join(dir, name+".png")
	if !strings.HasPrefix(key, dir) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, nil
}

func safeSegment(s string) bool {
	if strings.TrimSpace(s) == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}

// cleanKey normalizes key and rejects anything that would leave the root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	c := path.Clean("/" + key)
	if c == "/" || strings.Contains(c, "..") {
		return "", ErrInvalidKey
	}
	return strings.TrimPrefix(c, "/"), nil
}
