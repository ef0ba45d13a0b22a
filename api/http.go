// Package api wires the worker's RPC surface onto an HTTP server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/handlers"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/middleware"
	"github.com/julienschmidt/httprouter"
)

func ListenAndServe(ctx context.Context, addr string, collection *handlers.WorkerHandlersCollection) error {
	router := NewWorkerAPIRouter(collection)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting worker API",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// NewWorkerAPIRouter builds the route table. Everything except /health sits
// behind the shared-secret bearer check; /render additionally passes the
// render admission counter.
func NewWorkerAPIRouter(collection *handlers.WorkerHandlersCollection) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()
	withAuth := middleware.IsAuthorized
	secret := collection.Cli.WorkerSecret
	renderCapacity := middleware.NewRenderCapacity(collection.Res.RenderConcurrency)

	router.GET("/health", withLogging(collection.Health()))

	router.POST("/upload", withLogging(withAuth(secret, collection.Upload())))
	router.POST("/youtube", withLogging(withAuth(secret, collection.YouTube())))
	router.POST("/metadata", withLogging(withAuth(secret, collection.Metadata())))

	router.POST("/transcribe", withLogging(withAuth(secret, collection.Transcribe())))
	router.POST("/transcribe/queue", withLogging(withAuth(secret, collection.TranscribeQueue())))
	router.GET("/transcribe/status/:sessionId", withLogging(withAuth(secret, collection.TranscribeStatus())))

	router.POST("/render",
		withLogging(
			withAuth(
				secret,
				renderCapacity.HasCapacity(
					collection.RenderClips(),
				),
			),
		),
	)
	router.POST("/preview", withLogging(withAuth(secret, collection.Preview())))

	router.POST("/editor-export/start", withLogging(withAuth(secret, collection.ExportStart())))
	router.GET("/editor-export/status/:jobId", withLogging(withAuth(secret, collection.ExportStatus())))
	router.POST("/editor-export/cancel/:jobId", withLogging(withAuth(secret, collection.ExportCancel())))

	router.POST("/download-url", withLogging(withAuth(secret, collection.DownloadURL())))
	router.POST("/cleanup", withLogging(withAuth(secret, collection.Cleanup())))

	return router
}
