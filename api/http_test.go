package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/export"
	"github.com/autoclip/autoclip-worker/handlers"
	"github.com/autoclip/autoclip-worker/pipeline"
	"github.com/autoclip/autoclip-worker/transcribe"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cli := config.Cli{
		WorkerSecret:             "sekrit",
		JobRetentionMs:           3600000,
		JobTransientRetryLimit:   3,
		JobTransientRetryDelayMs: 1,
	}
	res := config.Resources{ExportConcurrency: 1, TranscribeConcurrency: 1, RenderConcurrency: 1, FFmpegThreadsPerExport: 1}

	coordinator := pipeline.NewCoordinator(cli, res,
		func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error {
			job.Complete("https://signed.example/export")
			return nil
		},
		func(ctx context.Context, requestID, sessionID, videoKey, language string, progress transcribe.Progress) (*transcribe.Transcript, error) {
			return &transcribe.Transcript{}, nil
		},
	)
	t.Cleanup(coordinator.Stop)

	return NewWorkerAPIRouter(&handlers.WorkerHandlersCollection{
		Cli:         cli,
		Res:         res,
		Coordinator: coordinator,
	})
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	router := testRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestEndpointsRequireAuth(t *testing.T) {
	router := testRouter(t)
	paths := []struct{ method, path string }{
		{"POST", "/render"},
		{"POST", "/transcribe/queue"},
		{"POST", "/editor-export/start"},
		{"GET", "/editor-export/status/some-id"},
		{"POST", "/cleanup"},
	}
	for _, p := range paths {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(p.method, p.path, nil))
		require.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", p.method, p.path)
		require.JSONEq(t, `{"error":"Unauthorized"}`, w.Body.String())
	}
}

func TestAuthorizedRequestPassesThrough(t *testing.T) {
	router := testRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/editor-export/start",
		strings.NewReader(`{"state":{},"output":{"width":1080,"height":1920},"duration":1}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "jobId")
}
