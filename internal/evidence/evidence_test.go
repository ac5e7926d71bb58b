package evidence

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmbapp/bmb/internal/circuitbreaker"
	"github.com/bmbapp/bmb/internal/logging"
)

func video(body string) File {
	return File{Name: "my clip (1).mp4", Body: strings.NewReader(body)}
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "my_clip_1_.mp4", SafeName("my clip (1).mp4"))
	assert.Equal(t, "Cafe_.mov", SafeName("Café.mov"))
	assert.Equal(t, "file", SafeName("   "))
	assert.Equal(t, "a-b.c", SafeName("__a-b.c__"))
}

func TestLighthouse_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/add", r.URL.Path)
		assert.Equal(t, "Bearer lh-key", r.Header.Get("Authorization"))

		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "frames", string(body))
		assert.Equal(t, "my_clip_1_.mp4", hdr.Filename)

		_, _ = io.WriteString(w, `{"Name":"my_clip_1_.mp4","Hash":"bafyCID","Size":"6"}`)
	}))
	defer srv.Close()

	lh := NewLighthouse("lh-key", WithLighthouseURL(srv.URL, "https://gw.test/ipfs/"))
	res, err := lh.Upload(context.Background(), "disputes", video("frames"))
	require.NoError(t, err)
	assert.Equal(t, "https://gw.test/ipfs/bafyCID", res.URL)
	assert.Equal(t, "bafyCID", res.ContentID)
	assert.Equal(t, ProviderLighthouse, res.Provider)
}

func TestLighthouse_Errors(t *testing.T) {
	_, err := NewLighthouse("").Upload(context.Background(), "", video("x"))
	assert.ErrorIs(t, err, ErrNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer srv.Close()
	_, err = NewLighthouse("k", WithLighthouseURL(srv.URL, "")).Upload(context.Background(), "", video("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")

	noCID := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, `{"Name":"x"}`)
	}))
	defer noCID.Close()
	_, err = NewLighthouse("k", WithLighthouseURL(noCID.URL, "")).Upload(context.Background(), "", video("x"))
	assert.ErrorContains(t, err, "without CID")
}

func TestStorage_Upload(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "true", r.Header.Get("x-upsert"))
		assert.Equal(t, "video/mp4", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "frames", string(body))
		_, _ = io.WriteString(w, `{"Key":"ok"}`)
	}))
	defer srv.Close()

	st := NewStorage(srv.URL+"/", "svc", "dispute_evidence")
	st.now = func() time.Time { return time.UnixMilli(1700000000123) }

	res, err := st.Upload(context.Background(), "d-1", video("frames"))
	require.NoError(t, err)
	assert.Equal(t, "/storage/v1/object/dispute_evidence/d-1/1700000000123-my_clip_1_.mp4", gotPath)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/dispute_evidence/d-1/1700000000123-my_clip_1_.mp4", res.URL)
	assert.Equal(t, ProviderStorage, res.Provider)
	assert.Empty(t, res.ContentID)

	assert.Equal(t, "general/1700000000123-a.png", st.Key("", "a.png"))
}

type stubUploader struct {
	calls atomic.Int32
	err   error
	res   Result
	seen  string
}

func (s *stubUploader) Upload(_ context.Context, _ string, f File) (Result, error) {
	s.calls.Add(1)
	b, _ := io.ReadAll(f.Body)
	s.seen = string(b)
	return s.res, s.err
}

func TestFallback_PrimarySucceeds(t *testing.T) {
	primary := &stubUploader{res: Result{URL: "ipfs://a", Provider: ProviderLighthouse}}
	secondary := &stubUploader{}
	f := NewFallback("lighthouse", primary, "storage", secondary, WithLogger(logging.Discard()))

	res, err := f.Upload(context.Background(), "d", video("frames"))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://a", res.URL)
	assert.Equal(t, int32(0), secondary.calls.Load())
}

func TestFallback_FallsBackWithFullBody(t *testing.T) {
	primary := &stubUploader{err: errors.New("gateway down")}
	secondary := &stubUploader{res: Result{URL: "https://store/x", Provider: ProviderStorage}}
	f := NewFallback("lighthouse", primary, "storage", secondary, WithLogger(logging.Discard()))

	res, err := f.Upload(context.Background(), "d", video("frames"))
	require.NoError(t, err)
	assert.Equal(t, "https://store/x", res.URL)
	assert.Equal(t, "frames", primary.seen)
	assert.Equal(t, "frames", secondary.seen)
}

func TestFallback_BothFail(t *testing.T) {
	primary := &stubUploader{err: errors.New("gateway down")}
	secondary := &stubUploader{err: errors.New("bucket missing")}
	f := NewFallback("lighthouse", primary, "storage", secondary, WithLogger(logging.Discard()))

	_, err := f.Upload(context.Background(), "d", video("frames"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway down")
	assert.Contains(t, err.Error(), "bucket missing")
}

func TestFallback_BreakerSkipsPrimary(t *testing.T) {
	primary := &stubUploader{err: errors.New("gateway down")}
	secondary := &stubUploader{res: Result{URL: "https://store/x"}}
	f := NewFallback("lighthouse", primary, "storage", secondary,
		WithLogger(logging.Discard()),
		WithBreaker(circuitbreaker.New(2, time.Hour)))

	for i := 0; i < 4; i++ {
		_, err := f.Upload(context.Background(), "d", video("frames"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), primary.calls.Load())
	assert.Equal(t, int32(4), secondary.calls.Load())
}

func TestFallback_SizeChecks(t *testing.T) {
	secondary := &stubUploader{}
	f := NewFallback("lighthouse", nil, "storage", secondary, WithMaxBytes(4))

	_, err := f.Upload(context.Background(), "d", video(""))
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = f.Upload(context.Background(), "d", video("too long"))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, int32(0), secondary.calls.Load())
}
