package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/common"
	"github.com/crawlkeeper/crawlkeeper/internal/jobstore"
	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/queue"
	"github.com/crawlkeeper/crawlkeeper/internal/registry"
	"github.com/crawlkeeper/crawlkeeper/internal/sqlitedb"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	logger := arbor.NewLogger()

	jobsDB, err := sqlitedb.Open(sqlitedb.Config{Path: filepath.Join(dir, "jobs.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { jobsDB.Close() })
	jobs, err := jobstore.New(jobsDB, logger)
	require.NoError(t, err)

	queueDB, err := sqlitedb.Open(sqlitedb.Config{Path: filepath.Join(dir, "queue.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { queueDB.Close() })
	q, err := queue.New(queueDB, logger)
	require.NoError(t, err)

	jobsDir := filepath.Join(dir, "jobs")
	require.NoError(t, os.MkdirAll(jobsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobsDir, "docs.toml"), []byte(`
name = "docs"
output_file_name = "docs.json"

[[task]]
name = "docs-task"
entry = "https://example.test/docs"
match = ["https://example.test/docs/**"]
selector = "article"
`), 0o644))
	reg, err := registry.Load(jobsDir)
	require.NoError(t, err)

	cfg := common.NewDefaultConfig()
	return New(reg, jobs, q, cfg, logger)
}

func TestHandleSubmitNamedJobEnqueuesOneEntry(t *testing.T) {
	s := testServer(t)

	body, _ := json.Marshal(submitRequest{Name: "docs"})
	req := httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	stats, err := s.Queue.Stats(req.Context())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestHandleSubmitUnknownJobReturns404(t *testing.T) {
	s := testServer(t)

	body, _ := json.Marshal(submitRequest{Name: "does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSubmitAdHocConfigValidatesBeforeEnqueue(t *testing.T) {
	s := testServer(t)

	body, _ := json.Marshal(submitRequest{Config: &model.TaskConfig{Name: "bad"}})
	req := httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	stats, err := s.Queue.Stats(req.Context())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
}

func TestHandleStatusUnknownJobReturns404(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/crawl/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResultsPendingReturns202(t *testing.T) {
	s := testServer(t)

	body, _ := json.Marshal(submitRequest{Name: "docs"})
	req := httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decoded))
	jobID := decoded["jobId"].(string)

	resultsReq := httptest.NewRequest(http.MethodGet, "/crawl/results/"+jobID, nil)
	resultsRec := httptest.NewRecorder()
	s.Router().ServeHTTP(resultsRec, resultsReq)
	require.Equal(t, http.StatusAccepted, resultsRec.Code)
}

func TestRequireAPIKeyRejectsMissingKeyWhenConfigured(t *testing.T) {
	s := testServer(t)
	s.Config.Server.APIKey = "secret-token"

	req := httptest.NewRequest(http.MethodGet, "/configurations", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAPIKeyAcceptsMatchingKey(t *testing.T) {
	s := testServer(t)
	s.Config.Server.APIKey = "secret-token"

	req := httptest.NewRequest(http.MethodGet, "/configurations", nil)
	req.Header.Set("X-API-Key", "secret-token")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAPIKeyDisabledWhenUnset(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/configurations", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleConfigurationsListsRegisteredJobs(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/configurations", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decoded))
	jobs := decoded["jobs"].([]interface{})
	require.Len(t, jobs, 1)
}
