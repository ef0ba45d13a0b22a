package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/errors"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/middleware"
	"github.com/autoclip/autoclip-worker/video"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// maxUploadBytes bounds multipart ingest. Sources larger than this should go
// through the youtube/remote path instead.
const maxUploadBytes = 4 << 30

type mediaMetadata struct {
	Duration *float64 `json:"duration"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Size     int64    `json:"size"`
}

func metadataFromInfo(info video.MediaInfo) mediaMetadata {
	return mediaMetadata{
		Duration: info.Duration,
		Width:    info.Width,
		Height:   info.Height,
		Size:     info.SizeBytes,
	}
}

type ingestResponse struct {
	SessionID string        `json:"sessionId"`
	VideoKey  string        `json:"videoKey"`
	Metadata  mediaMetadata `json:"metadata"`
}

// Upload ingests a multipart video, creating a fresh session for it.
func (h *WorkerHandlersCollection) Upload() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := middleware.RequestID(r)

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("video")
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Missing video file in multipart form", err)
			return
		}
		defer file.Close()

		workDir, err := os.MkdirTemp(h.Cli.TempDir, "upload-")
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to create scratch dir", err)
			return
		}
		defer os.RemoveAll(workDir)

		localPath := filepath.Join(workDir, "input.mp4")
		dst, err := os.Create(localPath)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to store upload", err)
			return
		}
		written, err := dst.ReadFrom(file)
		dst.Close()
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to store upload", err)
			return
		}
		log.Log(requestID, "upload received", "filename", header.Filename, "bytes", written)

		h.ingestLocalFile(w, r, requestID, localPath)
	}
}

// YouTube ingests by remote download.
func (h *WorkerHandlersCollection) YouTube() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := middleware.RequestID(r)

		var req struct {
			URL string `json:"url"`
		}
		if !decodeValidated(w, r, "YouTube", &req) {
			return
		}

		workDir, err := os.MkdirTemp(h.Cli.TempDir, "youtube-")
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to create scratch dir", err)
			return
		}
		defer os.RemoveAll(workDir)

		localPath := filepath.Join(workDir, "input.mp4")
		log.Log(requestID, "starting remote download", "url", log.RedactURL(req.URL))
		if err := h.Downloader.Download(r.Context(), req.URL, localPath); err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to download video", err)
			return
		}

		h.ingestLocalFile(w, r, requestID, localPath)
	}
}

// ingestLocalFile probes, uploads under a new session and writes the ingest
// response.
func (h *WorkerHandlersCollection) ingestLocalFile(w http.ResponseWriter, r *http.Request, requestID, localPath string) {
	info, err := h.Probe.ProbeFile(r.Context(), localPath)
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Uploaded file is not a readable video", err)
		return
	}

	sessionID := uuid.New().String()
	videoKey := fmt.Sprintf(config.SessionInputKeyFormat, sessionID)
	if err := h.Store.Upload(r.Context(), h.Cli.Bucket, videoKey, localPath, "video/mp4"); err != nil {
		errors.WriteHTTPInternalServerError(w, "Failed to store video", err)
		return
	}

	log.Log(requestID, "session created", "session_id", sessionID, "video_key", videoKey)
	writeJSON(w, http.StatusOK, ingestResponse{
		SessionID: sessionID,
		VideoKey:  videoKey,
		Metadata:  metadataFromInfo(info),
	})
}

// Metadata probes an already-stored key through a short-lived signed URL,
// avoiding a full download.
func (h *WorkerHandlersCollection) Metadata() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req struct {
			SessionID string `json:"sessionId"`
			VideoKey  string `json:"videoKey"`
		}
		if !decodeValidated(w, r, "Metadata", &req) {
			return
		}

		signedURL, err := h.Store.Sign(r.Context(), h.Cli.Bucket, req.VideoKey, 600)
		if err != nil {
			errors.WriteHTTPNotFound(w, "Video not found", err)
			return
		}
		info, err := h.Probe.ProbeFile(r.Context(), signedURL)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to probe video", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"metadata": metadataFromInfo(info)})
	}
}

// DownloadURL re-signs an existing object key.
func (h *WorkerHandlersCollection) DownloadURL() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req struct {
			Key string `json:"key"`
		}
		if !decodeValidated(w, r, "DownloadURL", &req) {
			return
		}

		signedURL, err := h.Store.Sign(r.Context(), h.Cli.Bucket, req.Key, config.SignedURLExpirySeconds)
		if err != nil {
			errors.WriteHTTPNotFound(w, "Key not found", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": signedURL})
	}
}

// Cleanup removes every object under a session's prefix.
func (h *WorkerHandlersCollection) Cleanup() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := middleware.RequestID(r)

		var req struct {
			SessionID string `json:"sessionId"`
		}
		if !decodeValidated(w, r, "Cleanup", &req) {
			return
		}

		prefix := fmt.Sprintf(config.SessionPrefixFormat, req.SessionID)
		keys, err := h.Store.List(r.Context(), h.Cli.Bucket, prefix, 1000)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Failed to list session objects", err)
			return
		}
		if len(keys) > 0 {
			if err := h.Store.Remove(r.Context(), h.Cli.Bucket, keys); err != nil {
				errors.WriteHTTPInternalServerError(w, "Failed to remove session objects", err)
				return
			}
		}
		log.Log(requestID, "session cleaned up", "session_id", req.SessionID, "objects", len(keys))
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
