package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/kiranshivaraju/celljobs/internal/api"
	"github.com/kiranshivaraju/celljobs/internal/api/handler"
	mw "github.com/kiranshivaraju/celljobs/internal/api/middleware"
	"github.com/kiranshivaraju/celljobs/internal/cache"
	"github.com/kiranshivaraju/celljobs/internal/ledger"
	"github.com/kiranshivaraju/celljobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const operatorKey = "cjk_router_test_key_0001"

// --- stub cache ---

type stubCache struct{}

func (c *stubCache) Ping(_ context.Context) error { return nil }
func (c *stubCache) SetJobStatus(_ context.Context, _ int64, _ cache.JobSnapshot, _ time.Duration) error {
	return nil
}
func (c *stubCache) GetJobStatus(_ context.Context, _ int64) (cache.JobSnapshot, bool, error) {
	return cache.JobSnapshot{}, false, nil
}
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var _ cache.Cache = (*stubCache)(nil)

// --- router tests ---

func newTestRouter(t *testing.T, l ledger.Ledger) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(operatorKey), bcrypt.MinCost)
	require.NoError(t, err)
	c := &stubCache{}
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(string(hash)),
		RateLimit: mw.NewRateLimit(c, 60),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{"database": l, "cache": c}),
		GetJobHandler: handler.NewGetJobHandler(l),
		JobStatus:     handler.NewJobStatusHandler(l, c),
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t, ledger.NewMemoryLedger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(mw.RequestIDHeader))
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t, ledger.NewMemoryLedger())

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/jobs/1"},
		{http.MethodGet, "/api/v1/jobs/1/status"},
		{http.MethodGet, "/api/v1/jobs/1/outputs"},
		{http.MethodPost, "/api/v1/jobs/1/dispatch"},
		{http.MethodPost, "/api/v1/jobs/1/cancel"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_AuthenticatedJobLookup(t *testing.T) {
	l := ledger.NewMemoryLedger()
	job, err := l.Insert(context.Background(), &models.Job{Kind: models.KindClustering, InputPath: "/in/a.h5"})
	require.NoError(t, err)
	router := newTestRouter(t, l)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+itoa(job.ID), nil)
	req.Header.Set("Authorization", "Bearer "+operatorKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))

	var body struct {
		Data models.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, job.ID, body.Data.ID)
	assert.Equal(t, models.JobStatusPending, body.Data.Status)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+itoa(job.ID)+"/status", nil)
	req.Header.Set("Authorization", "Bearer "+operatorKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"ledger"`)
}

func TestRouter_UnwiredHandlerIsNotImplemented(t *testing.T) {
	router := newTestRouter(t, ledger.NewMemoryLedger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/1/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+operatorKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NoAuthInDevelopment(t *testing.T) {
	l := ledger.NewMemoryLedger()
	router := api.NewRouter(api.Dependencies{GetJobHandler: handler.NewGetJobHandler(l)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/9", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "JOB_NOT_FOUND")
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t, ledger.NewMemoryLedger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
