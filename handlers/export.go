package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/autoclip/autoclip-worker/errors"
	"github.com/autoclip/autoclip-worker/export"
	"github.com/autoclip/autoclip-worker/middleware"
	"github.com/julienschmidt/httprouter"
)

type exportStatusResponse struct {
	JobID          string  `json:"jobId"`
	Status         string  `json:"status"`
	Stage          string  `json:"stage"`
	Progress       float64 `json:"progress"`
	FramesRendered int     `json:"framesRendered"`
	FramesTotal    int     `json:"framesTotal"`
	DownloadURL    string  `json:"downloadUrl,omitempty"`
	Error          string  `json:"error,omitempty"`
	QueuePosition  int     `json:"queuePosition"`
	ActiveExports  int     `json:"activeExports"`
	MaxConcurrency int     `json:"maxConcurrency"`
}

func exportResponse(snap export.JobSnapshot, queuePos, active, max int) exportStatusResponse {
	return exportStatusResponse{
		JobID:          snap.ID,
		Status:         snap.Status,
		Stage:          snap.Stage,
		Progress:       snap.Progress,
		FramesRendered: snap.FramesRendered,
		FramesTotal:    snap.FramesTotal,
		DownloadURL:    snap.DownloadURL,
		Error:          snap.Error,
		QueuePosition:  queuePos,
		ActiveExports:  active,
		MaxConcurrency: max,
	}
}

// ExportStart validates the render payload and enqueues the job. The payload
// is parsed by hand rather than a schema: `state` is an opaque document and
// the useful validation is on the three required fields.
func (h *WorkerHandlersCollection) ExportStart() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := middleware.RequestID(r)

		if !HasContentType(r, "application/json") {
			errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
			return
		}
		var payload export.Payload
		if err := json.Unmarshal(body, &payload); err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}
		if err := payload.Validate(); err != nil {
			errors.WriteHTTPBadRequest(w, err.Error(), nil)
			return
		}

		state, position := h.Coordinator.EnqueueExport(requestID, &payload)
		snap := state.Snapshot()
		stats := h.Coordinator.QueueStats()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobId":          snap.ID,
			"status":         snap.Status,
			"stage":          snap.Stage,
			"progress":       snap.Progress,
			"queuePosition":  position,
			"activeExports":  stats.ActiveExports,
			"maxConcurrency": stats.MaxExports,
		})
	}
}

func (h *WorkerHandlersCollection) ExportStatus() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		jobID := ps.ByName("jobId")
		snap, queuePos, active, max, ok := h.Coordinator.ExportStatus(jobID)
		if !ok {
			errors.WriteHTTPNotFound(w, "Unknown export job", nil)
			return
		}
		writeJSON(w, http.StatusOK, exportResponse(snap, queuePos, active, max))
	}
}

// ExportCancel dequeues a waiting job or aborts a running one at its next
// frame boundary.
func (h *WorkerHandlersCollection) ExportCancel() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		jobID := ps.ByName("jobId")
		if !h.Coordinator.CancelExport(jobID) {
			errors.WriteHTTPNotFound(w, "Unknown or already finished export job", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
