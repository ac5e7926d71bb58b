package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmbapp/bmb/internal/auth"
	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeReader answers the health probe; any contract call panics.
type fakeReader struct {
	chain.Reader
}

func (fakeReader) BlockNumber(context.Context) (uint64, error) { return 42, nil }

func (fakeReader) ChainID(context.Context) (*big.Int, error) { return big.NewInt(56), nil }

const testSecret = "test-secret-test-secret-test-secret"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		RPCURLs:          []string{"https://bsc-dataseed.binance.org"},
		ChainID:          56,
		EscrowContract:   "0x00000000000000000000000000000000000000e5",
		USDTContract:     "0x55d398326f99059fF775485246999027B3197955",
		ConnectTimeout:   time.Second,
		ReceiptTimeout:   time.Second,
		ScheduleTZ:       "UTC",
		JWTSecret:        testSecret,
		MaxEvidenceBytes: 1 << 20,
		RateLimitRPM:     600,
	}
}

// newTestServer creates a server with in-memory storage and a fake RPC
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithReader(fakeReader{}), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret).Issue(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func serve(s *Server, method, path, bearer, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "rpc", resp.Checks[0].Name)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health/live", "", "").Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Run was never called
	assert.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/health/ready", "", "").Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health/ready", "", "").Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "abc123")
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "abc123", w.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/v1/scenarios", "/v1/wallet", "/v1/busy", "/ws"} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, serve(s, http.MethodGet, path, "", "").Code)
		})
	}
	assert.Equal(t, http.StatusUnauthorized, serve(s, http.MethodGet, "/v1/scenarios", "not-a-token", "").Code)
}

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := map[string]bool{}
	for _, r := range s.Router().Routes() {
		routes[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"POST /v1/scenarios",
		"GET /v1/scenarios/:id",
		"PATCH /v1/scenarios/:id",
		"POST /v1/scenarios/:id/agree",
		"POST /v1/scenarios/:id/lock",
		"POST /v1/scenarios/:id/confirm",
		"POST /v1/scenarios/:id/dispute",
		"GET /v1/scenarios/:id/dispute",
		"GET /v1/disputes/:id",
		"POST /v1/disputes/:id/votes",
		"POST /v1/disputes/:id/evidence",
		"POST /v1/wallet/session",
		"GET /ws",
		"GET /metrics",
	} {
		assert.True(t, routes[want], "missing route %s", want)
	}
}

func TestCreateAndFetchScenario(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "alice")

	body := `{"executor_id":"bob","donation_amount_usdt":"10","description":"feed the cat","date":"` +
		time.Now().Add(48*time.Hour).Format("2006-01-02") + `","time":"12:00"}`
	w := serve(s, http.MethodPost, "/v1/scenarios", tok, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	w = serve(s, http.MethodGet, "/v1/scenarios/"+id, token(t, "bob"), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(s, http.MethodGet, "/v1/busy", tok, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/nonexistent", "", "").Code)
}

func TestMaskDSN(t *testing.T) {
	assert.NotContains(t, maskDSN("postgres://bmb:secret@db/bmb"), "secret")
}
