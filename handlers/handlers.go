// Package handlers implements the worker's RPC surface. Requests are loosely
// typed at arrival and validated against JSON schemas before dispatch.
package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/autoclip/autoclip-worker/clients"
	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/errors"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/pipeline"
	"github.com/autoclip/autoclip-worker/render"
	"github.com/autoclip/autoclip-worker/transcribe"
	"github.com/autoclip/autoclip-worker/video"
	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"
)

type WorkerHandlersCollection struct {
	Cli         config.Cli
	Res         config.Resources
	Store       clients.ObjectStore
	Probe       video.Prober
	Downloader  clients.Downloader
	Transcriber *transcribe.Pipeline
	Renderer    *render.Renderer
	Coordinator *pipeline.Coordinator
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}
	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}

// decodeValidated reads a JSON body, validates it against the named schema
// and unmarshals it into out. Returns false after writing the error
// response.
func decodeValidated(w http.ResponseWriter, r *http.Request, schemaName string, out interface{}) bool {
	schema := inputSchemasCompiled[schemaName]

	if !HasContentType(r, "application/json") {
		errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
		return false
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
		return false
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	if !result.Valid() {
		errors.WriteHTTPBadBodySchema(schemaName, w, result.Errors())
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	b, err := json.Marshal(body)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Failed to serialize response", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		log.LogNoRequestID("failed to write http response", "err", err.Error())
	}
}

type queueHealth struct {
	Active         int `json:"active"`
	Queued         int `json:"queued"`
	MaxConcurrency int `json:"maxConcurrency"`
}

type exportHealth struct {
	queueHealth
	FFmpegThreadsPerExport int `json:"ffmpegThreadsPerExport"`
}

type transcriptionHealth struct {
	queueHealth
	OpenJobs int `json:"openJobs"`
}

// Health is unauthenticated: load balancers and uptime checks hit it.
func (h *WorkerHandlersCollection) Health() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		stats := h.Coordinator.QueueStats()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
			"version":   config.Version,
			"exports": exportHealth{
				queueHealth: queueHealth{
					Active:         stats.ActiveExports,
					Queued:         stats.QueuedExports,
					MaxConcurrency: stats.MaxExports,
				},
				FFmpegThreadsPerExport: h.Res.FFmpegThreadsPerExport,
			},
			"transcription": transcriptionHealth{
				queueHealth: queueHealth{
					Active:         stats.ActiveTranscribes,
					Queued:         stats.QueuedTranscribes,
					MaxConcurrency: stats.MaxTranscribes,
				},
				OpenJobs: stats.OpenTranscribeJobs,
			},
		})
	}
}
