// Package evidence uploads dispute evidence files. A content-addressed
// provider is tried first and object storage is the fallback; callers
// only see the resulting URL.
package evidence

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrEmptyFile     = errors.New("evidence: empty file")
	ErrTooLarge      = errors.New("evidence: file too large")
	ErrNotConfigured = errors.New("evidence: provider not configured")
)

// Providers reported in Result.
const (
	ProviderLighthouse = "lighthouse"
	ProviderStorage    = "storage"
)

// File is an upload body with its metadata.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Result locates an uploaded file. ContentID is set only by
// content-addressed providers.
type Result struct {
	URL       string `json:"url"`
	ContentID string `json:"content_id,omitempty"`
	Provider  string `json:"provider"`
	Key       string `json:"key,omitempty"`
}

// Uploader stores one file under a namespace.
type Uploader interface {
	Upload(ctx context.Context, namespace string, f File) (Result, error)
}

var (
	unsafeChars = regexp.MustCompile(`[^\w.-]+`)
	edgeUnders  = regexp.MustCompile(`^_+|_+$`)
)

// SafeName reduces a file name to word characters, dots and dashes.
func SafeName(name string) string {
	name = norm.NFKD.String(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = edgeUnders.ReplaceAllString(name, "")
	if name == "" {
		return "file"
	}
	return name
}

// contentType defaults to video/mp4, the usual evidence format.
func contentType(f File) string {
	if ct := strings.TrimSpace(f.ContentType); ct != "" {
		return ct
	}
	return "video/mp4"
}
