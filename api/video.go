package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"

	"ev-demand-analytics-engine/jobs"
	"ev-demand-analytics-engine/storage"
)

// submitVideoJob stores an uploaded detection log and starts a job for it.
// The log is sent as multipart field "file" or as the raw request body with
// ?source=<name>.
func (s *Server) submitVideoJob(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Video.MaxUploadSize << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var (
		body   io.Reader
		source string
	)
	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		body, source = file, filepath.Base(header.Filename)
	} else if errors.Is(err, http.ErrNotMultipart) {
		body, source = r.Body, r.URL.Query().Get("source")
	} else {
		http.Error(w, fmt.Sprintf("Invalid upload: %v", err), http.StatusBadRequest)
		return
	}
	if source == "" {
		http.Error(w, "Missing source name", http.StatusBadRequest)
		return
	}

	path, err := s.saveUpload(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Could not save file: %v", err), http.StatusBadRequest)
		return
	}

	job, err := s.jobs.Submit(r.Context(), source, path)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to start job: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Upload accepted. Processing started.",
		"job":     job,
	})
}

func (s *Server) saveUpload(body io.Reader) (string, error) {
	f, err := os.CreateTemp(s.cfg.Video.TempDir, "upload-*.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// listVideoJobs returns every job record
func (s *Server) listVideoJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.jobs.List(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list jobs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(all),
		"jobs":  all,
	})
}

// getVideoJob returns one job record
func (s *Server) getVideoJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, jobs.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read job: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// resetVideo clears job status and every persisted detection
func (s *Server) resetVideo(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Reset(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("Failed to reset jobs: %v", err), http.StatusInternalServerError)
		return
	}
	deleted, err := s.storage.Detections().DeleteDetections(r.Context(), "")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to clear detections: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "All video processing data reset successfully",
		"deleted": deleted,
	})
}

// VideoSummary is the per-source detection breakdown
type VideoSummary struct {
	Total   int            `json:"total"`
	ByClass map[string]int `json:"by_class"`
}

// listDetections pages through persisted unique detections
func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), 100)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid limit: %v", err), http.StatusBadRequest)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid offset: %v", err), http.StatusBadRequest)
		return
	}

	store := s.storage.Detections()
	source := query.Get("source")
	items, total, err := store.ListDetections(r.Context(), source, limit, offset)
	if err != nil {
		http.Error(w, fmt.Sprintf("Database error: %v", err), http.StatusInternalServerError)
		return
	}
	counts, err := store.DetectionSummary(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Database error: %v", err), http.StatusInternalServerError)
		return
	}

	summaries := make(map[string]VideoSummary, len(counts))
	for src, byClass := range counts {
		if source != "" && src != source {
			continue
		}
		vs := VideoSummary{ByClass: byClass}
		for _, n := range byClass {
			vs.Total += n
		}
		summaries[src] = vs
	}
	if items == nil {
		items = []storage.DetectionEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_detections": total,
		"limit":            limit,
		"offset":           offset,
		"video_summaries":  summaries,
		"detections":       items,
	})
}
