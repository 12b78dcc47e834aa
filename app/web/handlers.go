package web

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/resfind/amrjobs/app/store"
)

// SubmitRequest is the POST /api/v1/jobs body
type SubmitRequest struct {
	Parameters map[string]string `json:"parameters" jsonschema:"title=Submission parameters,description=Arbitrary key/value parameters. The input_file parameter names the sequence file to analyze and derives the job name; model selects the prediction model preset."`
}

// SubmitResponse is returned on successful submission
type SubmitResponse struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"` // alias, same value as id
	Status string `json:"status"`
}

// APIJob represents a job in JSON responses. The identifier appears under
// both its storage name and the api-facing alias.
type APIJob struct {
	ID                   string            `json:"id"`
	JobID                string            `json:"job_id"`
	Name                 string            `json:"job_name"`
	Status               string            `json:"status"`
	Progress             float64           `json:"progress"`
	CreatedAt            time.Time         `json:"created_at"`
	StartTime            time.Time         `json:"start_time,omitzero"`
	EndTime              time.Time         `json:"end_time,omitzero"`
	ResultFile           string            `json:"result_file,omitempty"`
	AggregatedResultFile string            `json:"aggregated_result_file,omitempty"`
	Error                string            `json:"error,omitempty"`
	Parameters           map[string]string `json:"parameters,omitempty"`
}

// ListResponse is the GET /api/v1/jobs payload
type ListResponse struct {
	Jobs  []APIJob `json:"jobs"`
	Count int      `json:"count"`
}

// SystemResponse is the GET /api/v1/system payload
type SystemResponse struct {
	Version       string                  `json:"version"`
	Uptime        string                  `json:"uptime"`
	Jobs          map[store.JobStatus]int `json:"jobs"`
	MemoryPercent float64                 `json:"memory_percent"`
	Load1         float64                 `json:"load1"`
	Timestamp     time.Time               `json:"timestamp"`
}

func toAPIJob(job store.Job) APIJob {
	return APIJob{
		ID:                   job.ID,
		JobID:                job.ID,
		Name:                 job.Name,
		Status:               job.Status.String(),
		Progress:             job.Progress,
		CreatedAt:            job.CreatedAt,
		StartTime:            job.StartTime,
		EndTime:              job.EndTime,
		ResultFile:           job.ResultFile,
		AggregatedResultFile: job.AggregatedResultFile,
		Error:                job.Error,
		Parameters:           job.Params,
	}
}

// handleSubmit creates a job record and queues it for background execution
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := uuid.New().String()
	job, err := s.store.Create(r.Context(), id, req.Parameters)
	if err != nil {
		log.Printf("[ERROR] failed to create job %s: %v", id, err)
		s.writeJSONError(w, errToStatus(err), "failed to create job")
		return
	}

	if !s.submitter.Submit(job.ID) {
		s.writeJSONError(w, http.StatusServiceUnavailable, "job queue full, try again later")
		return
	}

	log.Printf("[INFO] job %s (%s) submitted", job.ID, job.Name)
	s.writeJSON(w, http.StatusCreated, SubmitResponse{ID: job.ID, JobID: job.ID, Status: job.Status.String()})
}

// handleGet returns a single job with its parameters merged in
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Printf("[ERROR] failed to get job %s: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, toAPIJob(job))
}

// handleList returns jobs most-recent-created first, optionally filtered by
// status, with limit/offset pagination
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var statusFilter store.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, err := store.ParseJobStatus(v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
			return
		}
		statusFilter = parsed
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	jobs, err := s.store.List(r.Context(), statusFilter, limit, offset)
	if err != nil {
		log.Printf("[ERROR] failed to list jobs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := ListResponse{Jobs: make([]APIJob, 0, len(jobs)), Count: len(jobs)}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, toAPIJob(job))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleResult streams the primary result artifact of a completed job
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, func(job store.Job) string { return job.ResultFile })
}

// handleAggregatedResult streams the aggregated result artifact
func (s *Server) handleAggregatedResult(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, func(job store.Job) string { return job.AggregatedResultFile })
}

// serveArtifact loads the job, checks it completed and streams the selected file
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, pick func(store.Job) string) {
	job, ok := s.completedJob(w, r)
	if !ok {
		return
	}
	path := pick(job)
	if path == "" {
		s.writeJSONError(w, http.StatusNotFound, "no such artifact for this job")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// handleResultsZip packages all result artifacts of a completed job into a
// single zip download. Packaging is layered here, the store knows nothing
// about combined downloads.
func (s *Server) handleResultsZip(w http.ResponseWriter, r *http.Request) {
	job, ok := s.completedJob(w, r)
	if !ok {
		return
	}

	files := []string{}
	if job.ResultFile != "" {
		files = append(files, job.ResultFile)
	}
	if job.AggregatedResultFile != "" {
		files = append(files, job.AggregatedResultFile)
	}
	if len(files) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no artifacts for this job")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+"-results.zip"))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, path := range files {
		if err := addToZip(zw, path); err != nil {
			log.Printf("[WARN] failed to add %s to archive for job %s: %v", path, job.ID, err)
			break // response already started, can't switch to an error status
		}
	}
	if err := zw.Close(); err != nil {
		log.Printf("[WARN] failed to finalize archive for job %s: %v", job.ID, err)
	}
}

// completedJob loads the job and writes the proper error response unless it
// is in completed state
func (s *Server) completedJob(w http.ResponseWriter, r *http.Request) (store.Job, bool) {
	id := r.PathValue("id")
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return store.Job{}, false
		}
		log.Printf("[ERROR] failed to get job %s: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load job")
		return store.Job{}, false
	}
	if job.Status != store.StatusCompleted {
		s.writeJSONError(w, http.StatusConflict, fmt.Sprintf("job is %s, results available on completion", job.Status))
		return store.Job{}, false
	}
	return job, true
}

func addToZip(zw *zip.Writer, path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from the store, set by the worker
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	entry, err := zw.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create archive entry for %s: %w", path, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("failed to write archive entry for %s: %w", path, err)
	}
	return nil
}

// submitSchema reflects the submission request schema once
var submitSchema = sync.OnceValues(func() ([]byte, error) {
	return json.Marshal(jsonschema.Reflect(&SubmitRequest{}))
})

// handleSchema returns the JSON schema of the submission request
func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	data, err := submitSchema()
	if err != nil {
		log.Printf("[ERROR] failed to build submit schema: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to build schema")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("[WARN] failed to write schema response: %v", err)
	}
}

// handleSystem returns job stats plus a host resource snapshot
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to get job stats: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := SystemResponse{
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Jobs:      stats,
		Timestamp: time.Now(),
	}
	if v, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = v.UsedPercent
	}
	if l, err := load.Avg(); err == nil {
		resp.Load1 = l.Load1
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// queryInt parses an integer query parameter with a default
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// errToStatus maps typed store failures to http statuses
func errToStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConstraint):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
