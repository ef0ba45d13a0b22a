package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/export"
	"github.com/autoclip/autoclip-worker/pipeline"
	"github.com/autoclip/autoclip-worker/transcribe"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	listed  []string
	removed []string
	signed  map[string]string
}

func (f *fakeStore) Upload(ctx context.Context, bucket, key, localPath, contentType string) error {
	return nil
}
func (f *fakeStore) Download(ctx context.Context, bucket, key, localPath string) error {
	return nil
}
func (f *fakeStore) Sign(ctx context.Context, bucket, key string, expirySeconds int) (string, error) {
	if f.signed == nil {
		return "https://signed.example/" + key, nil
	}
	return f.signed[key], nil
}
func (f *fakeStore) List(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	return f.listed, nil
}
func (f *fakeStore) Remove(ctx context.Context, bucket string, keys []string) error {
	f.removed = append(f.removed, keys...)
	return nil
}

func testCollection(t *testing.T) (*WorkerHandlersCollection, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	cli := config.Cli{
		Bucket:                   "videos",
		JobRetentionMs:           3600000,
		JobTransientRetryLimit:   3,
		JobTransientRetryDelayMs: 1,
	}
	res := config.Resources{ExportConcurrency: 1, TranscribeConcurrency: 1, RenderConcurrency: 1, FFmpegThreadsPerExport: 2}

	blockExport := func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error {
		job.Advance(export.StatusLoading, "Starting renderer", 0.03)
		time.Sleep(50 * time.Millisecond)
		job.Complete("https://signed.example/export")
		return nil
	}
	noopTranscribe := func(ctx context.Context, requestID, sessionID, videoKey, language string, progress transcribe.Progress) (*transcribe.Transcript, error) {
		return &transcribe.Transcript{Text: "hi"}, nil
	}
	coordinator := pipeline.NewCoordinator(cli, res, blockExport, noopTranscribe)
	t.Cleanup(coordinator.Stop)

	return &WorkerHandlersCollection{
		Cli:         cli,
		Res:         res,
		Store:       store,
		Coordinator: coordinator,
	}, store
}

func postJSON(handler httprouter.Handle, path, body string, params httprouter.Params) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	handler(w, req, params)
	return w
}

func TestHealthShape(t *testing.T) {
	h, _ := testCollection(t)

	w := httptest.NewRecorder()
	h.Health()(w, httptest.NewRequest("GET", "/health", nil), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Contains(t, body, "timestamp")

	exports := body["exports"].(map[string]interface{})
	require.Contains(t, exports, "active")
	require.Contains(t, exports, "queued")
	require.Contains(t, exports, "maxConcurrency")
	require.Contains(t, exports, "ffmpegThreadsPerExport")

	transcription := body["transcription"].(map[string]interface{})
	require.Contains(t, transcription, "openJobs")
}

func TestRenderValidationErrorMessage(t *testing.T) {
	h, _ := testCollection(t)

	w := postJSON(h.RenderClips(), "/render",
		`{"sessionId":"s1","videoKey":"sessions/s1/input.mp4","clips":[{"start":10,"end":5}]}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "Invalid clip range at index 0.", body["error"])
}

func TestRenderRejectsMissingFields(t *testing.T) {
	h, _ := testCollection(t)

	w := postJSON(h.RenderClips(), "/render", `{"sessionId":"s1"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "Body validation error in Render")

	w = postJSON(h.RenderClips(), "/render", `{"sessionId":"s1","videoKey":"k","clips":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "Body validation error in Render")
}

func TestExportStartValidation(t *testing.T) {
	h, _ := testCollection(t)

	w := postJSON(h.ExportStart(), "/editor-export/start",
		`{"output":{"width":1080,"height":1920},"duration":3}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "state")

	w = postJSON(h.ExportStart(), "/editor-export/start",
		`{"state":{},"duration":3}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "output")

	w = postJSON(h.ExportStart(), "/editor-export/start",
		`{"state":{},"output":{"width":1080,"height":1920}}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "duration")
}

func TestExportEnqueueAndStatus(t *testing.T) {
	h, _ := testCollection(t)

	w := postJSON(h.ExportStart(), "/editor-export/start",
		`{"state":{"assets":[],"clips":[]},"output":{"width":1080,"height":1920},"duration":3,"fps":30}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var start map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &start))
	jobID := start["jobId"].(string)
	require.NotEmpty(t, jobID)
	require.Equal(t, float64(1), start["queuePosition"])
	require.Equal(t, float64(1), start["maxConcurrency"])
	require.Contains(t, []string{export.StatusQueued, export.StatusLoading, export.StatusRendering}, start["status"])

	sw := httptest.NewRecorder()
	h.ExportStatus()(sw, httptest.NewRequest("GET", "/editor-export/status/"+jobID, nil),
		httprouter.Params{{Key: "jobId", Value: jobID}})
	require.Equal(t, http.StatusOK, sw.Code)

	var status exportStatusResponse
	require.NoError(t, json.Unmarshal(sw.Body.Bytes(), &status))
	require.Equal(t, jobID, status.JobID)
	require.Contains(t, []string{export.StatusQueued, export.StatusLoading, export.StatusRendering, export.StatusComplete}, status.Status)
}

func TestExportStatusUnknownJob(t *testing.T) {
	h, _ := testCollection(t)

	w := httptest.NewRecorder()
	h.ExportStatus()(w, httptest.NewRequest("GET", "/editor-export/status/nope", nil),
		httprouter.Params{{Key: "jobId", Value: "nope"}})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTranscribeQueueAndStatus(t *testing.T) {
	h, _ := testCollection(t)

	w := postJSON(h.TranscribeQueue(), "/transcribe/queue",
		`{"sessionId":"sess1","videoKey":"sessions/sess1/input.mp4","language":"en"}`, nil)
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, w.Code)

	require.Eventually(t, func() bool {
		sw := httptest.NewRecorder()
		h.TranscribeStatus()(sw, httptest.NewRequest("GET", "/transcribe/status/sess1", nil),
			httprouter.Params{{Key: "sessionId", Value: "sess1"}})
		if sw.Code != http.StatusOK {
			return false
		}
		var body transcribeJobResponse
		require.NoError(t, json.Unmarshal(sw.Body.Bytes(), &body))
		return body.Status == "complete" && body.Result != nil && body.Progress == 100
	}, time.Second, 5*time.Millisecond)
}

func TestTranscribeStatusNotFound(t *testing.T) {
	h, _ := testCollection(t)

	w := httptest.NewRecorder()
	h.TranscribeStatus()(w, httptest.NewRequest("GET", "/transcribe/status/ghost", nil),
		httprouter.Params{{Key: "sessionId", Value: "ghost"}})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCleanupRemovesSessionObjects(t *testing.T) {
	h, store := testCollection(t)
	store.listed = []string{"sessions/s1/input.mp4", "sessions/s1/clips/clip_00.mp4"}

	w := postJSON(h.Cleanup(), "/cleanup", `{"sessionId":"s1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true}`, w.Body.String())
	require.Equal(t, store.listed, store.removed)
}

func TestDownloadURL(t *testing.T) {
	h, _ := testCollection(t)

	w := postJSON(h.DownloadURL(), "/download-url", `{"key":"exports/j1/export.mp4"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"url":"https://signed.example/exports/j1/export.mp4"}`, w.Body.String())
}
