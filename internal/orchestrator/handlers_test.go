package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmbapp/bmb/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(f *fixture) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	})
	NewHandler(f.svc, 1<<20).RegisterProtectedRoutes(v1)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_CreateValidation(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w, body := doJSON(t, r, http.MethodPost, "/v1/scenarios", customer, map[string]any{
		"executor_id":          executor,
		"donation_amount_usdt": "fifty",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", body["error"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/scenarios", customer, map[string]any{
		"executor_id":          executor,
		"donation_amount_usdt": "25",
		"description":          "water the plants",
		"date":                 time.Now().Add(24 * time.Hour).Format("2006-01-02"),
		"time":                 "09:30",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "pending", body["status"])
}

func TestHandler_LockWithoutAgreement(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	sc := f.create(t)

	w, body := doJSON(t, r, http.MethodPost, "/v1/scenarios/"+sc.ID+"/lock", customer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_allowed", body["error"])
	assert.Equal(t, "Both parties have to agree first", body["message"])
}

func TestHandler_ConfirmMismatch(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	sc := f.locked(t)
	f.clk.Advance(48 * time.Hour)
	f.wallets.set(executor, strangerAddr)

	w, body := doJSON(t, r, http.MethodPost, "/v1/scenarios/"+sc.ID+"/confirm", executor, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "address_mismatch", body["error"])
	assert.Equal(t, executorAddr.Hex(), body["expected"])
	assert.Equal(t, strangerAddr.Hex(), body["actual"])
}

func TestHandler_NotFoundAndBadID(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w, body := doJSON(t, r, http.MethodGet, "/v1/scenarios/missing", customer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/scenarios/bad%20id", customer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", body["error"])
}

func TestHandler_VoteChoice(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	sc := f.agreed(t)
	res, err := f.svc.OpenDispute(t.Context(), sc.ID, customer)
	require.NoError(t, err)

	w, _ := doJSON(t, r, http.MethodPost, "/v1/disputes/"+res.Dispute.ID+"/votes", "carol", map[string]string{"choice": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := doJSON(t, r, http.MethodPost, "/v1/disputes/"+res.Dispute.ID+"/votes", "carol", map[string]string{"choice": "executor"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, body["snapshot"])
}

func TestHandler_ListPages(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	for i := 0; i < 3; i++ {
		f.create(t)
	}

	w, body := doJSON(t, r, http.MethodGet, "/v1/scenarios?limit=2", customer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, true, body["has_more"])
	next, _ := body["next_cursor"].(string)
	require.NotEmpty(t, next)

	w, body = doJSON(t, r, http.MethodGet, "/v1/scenarios?limit=2&cursor="+next, executor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, false, body["has_more"])

	w, body = doJSON(t, r, http.MethodGet, "/v1/scenarios?cursor=%21%21", customer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", body["error"])
}
