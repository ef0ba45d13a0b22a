package handlers

import (
	"net/http"

	"github.com/autoclip/autoclip-worker/errors"
	"github.com/autoclip/autoclip-worker/middleware"
	"github.com/autoclip/autoclip-worker/render"
	"github.com/julienschmidt/httprouter"
)

type renderRequest struct {
	SessionID string             `json:"sessionId"`
	VideoKey  string             `json:"videoKey"`
	Clips     []render.ClipRange `json:"clips"`
	Quality   string             `json:"quality"`
	CropMode  string             `json:"cropMode"`
}

// RenderClips renders short vertical clips synchronously. Admission is
// enforced by the capacity middleware in front of this handler.
func (h *WorkerHandlersCollection) RenderClips() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := middleware.RequestID(r)

		var req renderRequest
		if !decodeValidated(w, r, "Render", &req) {
			return
		}
		if err := render.ValidateClips(req.Clips); err != nil {
			errors.WriteHTTPBadRequest(w, err.Error(), nil)
			return
		}

		outputs, err := h.Renderer.RenderClips(r.Context(), requestID, req.SessionID, req.VideoKey, req.Clips, req.Quality, req.CropMode)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Clip render failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"outputs": outputs})
	}
}

// Preview renders a quick 540p preview of a range.
func (h *WorkerHandlersCollection) Preview() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := middleware.RequestID(r)

		var req struct {
			SessionID string  `json:"sessionId"`
			VideoKey  string  `json:"videoKey"`
			Start     float64 `json:"start"`
			End       float64 `json:"end"`
		}
		if !decodeValidated(w, r, "Preview", &req) {
			return
		}

		result, err := h.Renderer.Preview(r.Context(), requestID, req.SessionID, req.VideoKey, req.Start, req.End)
		if err != nil {
			if vErr := render.ValidateClips([]render.ClipRange{{Start: req.Start, End: req.End}}); vErr != nil {
				errors.WriteHTTPBadRequest(w, vErr.Error(), nil)
				return
			}
			errors.WriteHTTPInternalServerError(w, "Preview render failed", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
