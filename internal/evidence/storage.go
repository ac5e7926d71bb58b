package evidence

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage uploads to an object storage REST API with public buckets:
// POST {base}/storage/v1/object/{bucket}/{key}, served from
// {base}/storage/v1/object/public/{bucket}/{key}.
type Storage struct {
	baseURL string
	apiKey  string
	bucket  string
	client  *http.Client
	now     func() time.Time
}

// NewStorage creates an object storage uploader.
func NewStorage(baseURL, apiKey, bucket string) *Storage {
	return &Storage{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		bucket:  bucket,
		client:  &http.Client{Timeout: 5 * time.Minute},
		now:     time.Now,
	}
}

// Key builds the object key {namespace}/{unixMillis}-{name}.
func (s *Storage) Key(namespace, name string) string {
	namespace = strings.Trim(namespace, "/")
	if namespace == "" {
		namespace = "general"
	}
	return fmt.Sprintf("%s/%d-%s", namespace, s.now().UnixMilli(), SafeName(name))
}

// PublicURL returns the public address of key.
func (s *Storage) PublicURL(key string) string {
	return s.baseURL + "/storage/v1/object/public/" + s.bucket + "/" + escapeKey(key)
}

func (s *Storage) Upload(ctx context.Context, namespace string, f File) (Result, error) {
	if s.baseURL == "" || s.bucket == "" {
		return Result{}, ErrNotConfigured
	}
	key := s.Key(namespace, f.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/storage/v1/object/"+s.bucket+"/"+escapeKey(key), f.Body)
	if err != nil {
		return Result{}, fmt.Errorf("storage: create request: %w", err)
	}
	if f.Size > 0 {
		req.ContentLength = f.Size
	}
	req.Header.Set("Content-Type", contentType(f))
	req.Header.Set("Cache-Control", "max-age=3600")
	req.Header.Set("x-upsert", "true")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("apikey", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("storage: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return Result{URL: s.PublicURL(key), Provider: ProviderStorage, Key: key}, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
