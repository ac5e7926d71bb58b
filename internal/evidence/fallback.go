package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bmbapp/bmb/internal/circuitbreaker"
	"github.com/bmbapp/bmb/internal/metrics"
)

// Fallback tries Primary and falls back to Secondary on any failure.
// The file is buffered once so both attempts read the full body. After
// repeated primary failures the breaker skips it for a cool-down.
type Fallback struct {
	primary   Uploader
	secondary Uploader
	names     [2]string
	breaker   *circuitbreaker.Breaker
	maxBytes  int64
	logger    *slog.Logger
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithBreaker sets the breaker guarding the primary provider.
func WithBreaker(b *circuitbreaker.Breaker) FallbackOption {
	return func(f *Fallback) { f.breaker = b }
}

// WithMaxBytes caps the accepted file size.
func WithMaxBytes(n int64) FallbackOption {
	return func(f *Fallback) { f.maxBytes = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FallbackOption {
	return func(f *Fallback) { f.logger = l }
}

// NewFallback chains two uploaders. The names label metrics and logs.
func NewFallback(primaryName string, primary Uploader, secondaryName string, secondary Uploader, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		primary:   primary,
		secondary: secondary,
		names:     [2]string{primaryName, secondaryName},
		maxBytes:  200 << 20,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fallback) Upload(ctx context.Context, namespace string, file File) (Result, error) {
	data, err := io.ReadAll(io.LimitReader(file.Body, f.maxBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("evidence: read file: %w", err)
	}
	if len(data) == 0 {
		return Result{}, ErrEmptyFile
	}
	if int64(len(data)) > f.maxBytes {
		return Result{}, ErrTooLarge
	}
	withBody := func() File {
		c := file
		c.Body = bytes.NewReader(data)
		c.Size = int64(len(data))
		return c
	}

	var primaryErr error
	if f.primary != nil {
		res, err := f.tryPrimary(ctx, namespace, withBody())
		if err == nil {
			return res, nil
		}
		primaryErr = err
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		f.logger.Warn("evidence upload failed, falling back",
			"provider", f.names[0], "fallback", f.names[1], "error", err)
	}

	if f.secondary == nil {
		return Result{}, primaryErr
	}
	res, err := f.secondary.Upload(ctx, namespace, withBody())
	f.record(f.names[1], err)
	if err != nil {
		return Result{}, errors.Join(primaryErr, err)
	}
	return res, nil
}

func (f *Fallback) tryPrimary(ctx context.Context, namespace string, file File) (Result, error) {
	var res Result
	call := func() error {
		var err error
		res, err = f.primary.Upload(ctx, namespace, file)
		return err
	}
	var err error
	if f.breaker != nil {
		err = f.breaker.Do(f.names[0], call)
	} else {
		err = call()
	}
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		f.record(f.names[0], err)
	}
	return res, err
}

func (f *Fallback) record(provider string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.EvidenceUploadsTotal.WithLabelValues(provider, result).Inc()
}
