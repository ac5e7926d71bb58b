package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	DefaultLighthouseAPI     = "https://node.lighthouse.storage"
	DefaultLighthouseGateway = "https://gateway.lighthouse.storage/ipfs/"
)

// Lighthouse uploads to the Lighthouse IPFS node.
type Lighthouse struct {
	apiKey  string
	baseURL string
	gateway string
	client  *http.Client
}

// LighthouseOption configures a Lighthouse uploader.
type LighthouseOption func(*Lighthouse)

// WithLighthouseURL overrides the API and gateway base URLs.
func WithLighthouseURL(api, gateway string) LighthouseOption {
	return func(l *Lighthouse) {
		l.baseURL = strings.TrimRight(api, "/")
		l.gateway = gateway
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) LighthouseOption {
	return func(l *Lighthouse) { l.client = c }
}

// NewLighthouse creates an uploader authenticated with apiKey.
func NewLighthouse(apiKey string, opts ...LighthouseOption) *Lighthouse {
	l := &Lighthouse{
		apiKey:  apiKey,
		baseURL: DefaultLighthouseAPI,
		gateway: DefaultLighthouseGateway,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Upload streams f as multipart to /api/v0/add. The namespace is not
// part of a content address and is ignored.
func (l *Lighthouse) Upload(ctx context.Context, _ string, f File) (Result, error) {
	if l.apiKey == "" {
		return Result{}, ErrNotConfigured
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, SafeName(f.Name)))
		h.Set("Content-Type", contentType(f))
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, f.Body)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/v0/add", pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return Result{}, fmt.Errorf("lighthouse: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := l.client.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return Result{}, fmt.Errorf("lighthouse: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("lighthouse: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Name string `json:"Name"`
		Hash string `json:"Hash"`
		Size string `json:"Size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("lighthouse: decode response: %w", err)
	}
	if out.Hash == "" {
		return Result{}, fmt.Errorf("lighthouse: response without CID")
	}
	return Result{
		URL:       l.gateway + out.Hash,
		ContentID: out.Hash,
		Provider:  ProviderLighthouse,
	}, nil
}
