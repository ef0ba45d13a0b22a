package handlers

import (
	"math"
	"net/http"

	"github.com/autoclip/autoclip-worker/errors"
	"github.com/autoclip/autoclip-worker/middleware"
	"github.com/autoclip/autoclip-worker/pipeline"
	"github.com/autoclip/autoclip-worker/transcribe"
	"github.com/julienschmidt/httprouter"
)

type transcribeRequest struct {
	SessionID string `json:"sessionId"`
	VideoKey  string `json:"videoKey"`
	Language  string `json:"language"`
}

type transcribeJobResponse struct {
	JobID           string                 `json:"jobId"`
	SessionID       string                 `json:"sessionId"`
	Status          string                 `json:"status"`
	Stage           string                 `json:"stage"`
	Progress        int                    `json:"progress"`
	TotalChunks     int                    `json:"totalChunks"`
	CompletedChunks int                    `json:"completedChunks"`
	RetryCount      int                    `json:"retryCount"`
	Error           string                 `json:"error,omitempty"`
	Result          *transcribe.Transcript `json:"result,omitempty"`
}

func jobResponse(job pipeline.TranscribeJobSnapshot) transcribeJobResponse {
	resp := transcribeJobResponse{
		JobID:           job.ID,
		SessionID:       job.SessionID,
		Status:          job.Status,
		Stage:           job.Stage,
		Progress:        int(math.Round(job.Progress * 100)),
		TotalChunks:     job.TotalChunks,
		CompletedChunks: job.CompletedChunks,
		RetryCount:      job.RetryCount,
		Error:           job.Error,
	}
	if job.Status == "complete" {
		resp.Result = job.Result
	}
	return resp
}

// Transcribe runs the pipeline synchronously inside the request. Kept for
// callers that predate the queue; long sources should use TranscribeQueue.
func (h *WorkerHandlersCollection) Transcribe() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := middleware.RequestID(r)

		var req transcribeRequest
		if !decodeValidated(w, r, "Transcribe", &req) {
			return
		}

		transcript, err := h.Transcriber.Run(r.Context(), requestID, req.SessionID, req.VideoKey, req.Language, nil)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Transcription failed", err)
			return
		}
		writeJSON(w, http.StatusOK, transcript)
	}
}

// TranscribeQueue enqueues (or deduplicates onto) the session's job: 202
// while the job is live, 200 when an identical completed job is reused.
func (h *WorkerHandlersCollection) TranscribeQueue() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := middleware.RequestID(r)

		var req transcribeRequest
		if !decodeValidated(w, r, "Transcribe", &req) {
			return
		}

		job, _ := h.Coordinator.EnqueueTranscribe(requestID, req.SessionID, req.VideoKey, req.Language)
		snap := job.Snapshot()
		status := http.StatusAccepted
		if snap.Status == "complete" || snap.Status == "error" {
			status = http.StatusOK
		}
		writeJSON(w, status, jobResponse(snap))
	}
}

// TranscribeStatus polls the session's job: 202 in flight, 200 terminal.
func (h *WorkerHandlersCollection) TranscribeStatus() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID := ps.ByName("sessionId")
		job, ok := h.Coordinator.TranscribeStatus(sessionID)
		if !ok {
			errors.WriteHTTPNotFound(w, "No transcription job for session", nil)
			return
		}
		status := http.StatusAccepted
		if job.Status == "complete" || job.Status == "error" {
			status = http.StatusOK
		}
		writeJSON(w, status, jobResponse(job))
	}
}
