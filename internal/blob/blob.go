// Package blob stores run artifacts (screenshots, traces, network captures).
package blob

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is an artifact store addressed by slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// NewKey builds a unique, time-sortable key under prefix that keeps name's extension.
func NewKey(prefix, name string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	ext := strings.ToLower(path.Ext(name))
	return path.Join(strings.Trim(prefix, "/"), id+ext)
}

// ContentType guesses a MIME type from the key's extension.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webm":
		return "video/webm"
	case ".json", ".har":
		return "application/json"
	case ".zip":
		return "application/zip"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
