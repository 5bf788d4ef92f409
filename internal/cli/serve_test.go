package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"loom/internal/artifact"
	"loom/internal/diff"
	"loom/internal/shared/logging"
	"loom/internal/store"
)

func newTestRouter(t *testing.T, dataDir string) http.Handler {
	t.Helper()
	st, err := store.New(dataDir, "api", logging.Nop())
	require.NoError(t, err)
	arts, err := artifact.NewStore(dataDir, diff.NewGenerator(3, false))
	require.NoError(t, err)
	return newStatusRouter(&container{store: st, artifacts: arts}, logging.Nop())
}

func get(t *testing.T, router http.Handler, path string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var resp apiResponse
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestStatusAPIHealth(t *testing.T) {
	router := newTestRouter(t, filepath.Join(t.TempDir(), "data"))

	w, resp := get(t, router, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)
}

func TestStatusAPITasks(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	seed(t, dataDir, "T1", "print the first ten fibonacci numbers")
	router := newTestRouter(t, dataDir)

	w, resp := get(t, router, "/api/tasks")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)

	var summaries []taskSummary
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, "T1", summaries[0].ID)
	require.Equal(t, "print the first ten fibonacci numbers", summaries[0].Objective)
}

func TestStatusAPITaskDetail(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	seed(t, dataDir, "T1", "print the first ten fibonacci numbers")
	router := newTestRouter(t, dataDir)

	w, resp := get(t, router, "/api/tasks/T1")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)
	require.Contains(t, w.Body.String(), `"spec":1`)

	w, _ = get(t, router, "/api/tasks/absent")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusAPITransitions(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	seed(t, dataDir, "T1", "print the first ten fibonacci numbers")
	router := newTestRouter(t, dataDir)

	w, resp := get(t, router, "/api/tasks/T1/transitions")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)
	require.Contains(t, w.Body.String(), `"spec_drafted"`)

	w, _ = get(t, router, "/api/tasks/absent/transitions")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusAPIMetrics(t *testing.T) {
	router := newTestRouter(t, filepath.Join(t.TempDir(), "data"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Body.String())
}
