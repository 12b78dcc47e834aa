package web

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resfind/amrjobs/app/store"
)

type submitterMock struct {
	ids  []string
	full bool
}

func (s *submitterMock) Submit(id string) bool {
	if s.full {
		return false
	}
	s.ids = append(s.ids, id)
	return true
}

func makeTestServer(t *testing.T) (*Server, *store.SQLiteStore, *submitterMock) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), store.Opts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sub := &submitterMock{}
	srv, err := New(Config{Store: st, Submitter: sub, Version: "test"})
	require.NoError(t, err)
	return srv, st, sub
}

func TestNew_MissingDeps(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Store: &store.SQLiteStore{}})
	require.Error(t, err)
}

func TestServer_handleSubmit(t *testing.T) {
	srv, st, sub := makeTestServer(t)
	handler := srv.routes()

	body := `{"parameters": {"input_file": "/uploads/a.fasta", "model": "default"}}`
	req := httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, resp.ID, resp.JobID, "identifier exposed under both names")
	assert.Equal(t, "submitted", resp.Status)

	// queued for execution
	require.Len(t, sub.ids, 1)
	assert.Equal(t, resp.ID, sub.ids[0])

	// persisted with derived name
	job, err := st.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Analysis of a.fasta", job.Name)
	assert.Equal(t, store.StatusSubmitted, job.Status)
}

func TestServer_handleSubmitBadBody(t *testing.T) {
	srv, _, _ := makeTestServer(t)
	handler := srv.routes()

	req := httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_handleSubmitQueueFull(t *testing.T) {
	srv, _, sub := makeTestServer(t)
	sub.full = true
	handler := srv.routes()

	req := httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(`{"parameters":{}}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_handleGet(t *testing.T) {
	srv, st, _ := makeTestServer(t)
	handler := srv.routes()
	ctx := context.Background()

	_, err := st.Create(ctx, "j1", map[string]string{"input_file": "a.fasta"})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/jobs/j1", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var job APIJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "j1", job.JobID)
	assert.Equal(t, "Analysis of a.fasta", job.Name)
	assert.Equal(t, "submitted", job.Status)
	assert.Equal(t, map[string]string{"input_file": "a.fasta"}, job.Parameters)
}

func TestServer_handleGetNotFound(t *testing.T) {
	srv, _, _ := makeTestServer(t)
	handler := srv.routes()

	req := httptest.NewRequest("GET", "/api/v1/jobs/missing", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "job not found")
}

func TestServer_handleList(t *testing.T) {
	srv, st, _ := makeTestServer(t)
	handler := srv.routes()
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		_, err := st.Create(ctx, id, nil)
		require.NoError(t, err)
	}
	require.NoError(t, st.UpdateStatus(ctx, "j2", store.StatusRunning))
	require.NoError(t, st.UpdateStatus(ctx, "j2", store.StatusError, store.WithError("boom")))

	t.Run("all", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp ListResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 3, resp.Count)
		assert.Equal(t, "j3", resp.Jobs[0].ID, "most recent first")
	})

	t.Run("filtered by status", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs?status=error", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp ListResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "j2", resp.Jobs[0].ID)
		assert.Equal(t, "boom", resp.Jobs[0].Error)
	})

	t.Run("invalid status", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs?status=bogus", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("paginated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs?limit=1&offset=1", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp ListResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "j2", resp.Jobs[0].ID)
	})
}

func TestServer_handleResult(t *testing.T) {
	srv, st, _ := makeTestServer(t)
	handler := srv.routes()
	ctx := context.Background()

	resultFile := filepath.Join(t.TempDir(), "a.tsv")
	require.NoError(t, os.WriteFile(resultFile, []byte("gene\tresistance\nblaTEM\t0.99\n"), 0o600))

	_, err := st.Create(ctx, "j1", map[string]string{"input_file": "a.fasta"})
	require.NoError(t, err)

	t.Run("not completed yet", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/j1/result", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	require.NoError(t, st.UpdateStatus(ctx, "j1", store.StatusRunning))
	require.NoError(t, st.UpdateStatus(ctx, "j1", store.StatusCompleted, store.WithResultFile(resultFile)))

	t.Run("completed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/j1/result", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "blaTEM")
		assert.Contains(t, w.Header().Get("Content-Disposition"), "a.tsv")
	})

	t.Run("no aggregated artifact", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/j1/aggregated", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/nope/result", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestServer_handleResultsZip(t *testing.T) {
	srv, st, _ := makeTestServer(t)
	handler := srv.routes()
	ctx := context.Background()

	tmpDir := t.TempDir()
	resultFile := filepath.Join(tmpDir, "result.tsv")
	aggFile := filepath.Join(tmpDir, "aggregated.tsv")
	require.NoError(t, os.WriteFile(resultFile, []byte("per-segment results"), 0o600))
	require.NoError(t, os.WriteFile(aggFile, []byte("aggregated results"), 0o600))

	_, err := st.Create(ctx, "j1", nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, "j1", store.StatusRunning))
	require.NoError(t, st.UpdateStatus(ctx, "j1", store.StatusCompleted,
		store.WithResultFile(resultFile), store.WithAggregatedResultFile(aggFile)))

	req := httptest.NewRequest("GET", "/api/v1/jobs/j1/results.zip", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	names := []string{zr.File[0].Name, zr.File[1].Name}
	assert.Contains(t, names, "result.tsv")
	assert.Contains(t, names, "aggregated.tsv")
}

func TestServer_handleSchema(t *testing.T) {
	srv, _, _ := makeTestServer(t)
	handler := srv.routes()

	req := httptest.NewRequest("GET", "/api/v1/schema", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &schema))
	assert.Contains(t, w.Body.String(), "parameters")
}

func TestServer_handleSystem(t *testing.T) {
	srv, st, _ := makeTestServer(t)
	handler := srv.routes()
	ctx := context.Background()

	_, err := st.Create(ctx, "j1", nil)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/system", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp SystemResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 1, resp.Jobs[store.StatusSubmitted])
}

func TestServer_Ping(t *testing.T) {
	srv, _, _ := makeTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
