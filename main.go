package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/autoclip/autoclip-worker/api"
	"github.com/autoclip/autoclip-worker/clients"
	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/export"
	"github.com/autoclip/autoclip-worker/handlers"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/metrics"
	"github.com/autoclip/autoclip-worker/pipeline"
	"github.com/autoclip/autoclip-worker/pprof"
	"github.com/autoclip/autoclip-worker/render"
	"github.com/autoclip/autoclip-worker/transcribe"
	"github.com/autoclip/autoclip-worker/video"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"
)

// scratch dirs left behind by a previous crash are reaped at boot once they
// are older than any plausible live job
const scratchMaxAge = 4 * time.Hour

func main() {
	fs := flag.NewFlagSet("autoclip-worker", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind for the worker HTTP API")
	fs.IntVar(&cli.PromPort, "prom-port", 2112, "Prometheus metrics listen port")
	pprofPort := fs.Int("pprof-port", 6061, "Pprof listen port")

	// credentials and storage
	fs.StringVar(&cli.WorkerSecret, "worker-secret", "", "Bearer shared secret for API access")
	fs.StringVar(&cli.TempDir, "temp-dir", "/tmp/autoclip", "Scratch root for per-job working directories")
	fs.StringVar(&cli.SupabaseURL, "supabase-url", "", "Base URL of the Supabase project")
	fs.StringVar(&cli.SupabaseServiceRoleKey, "supabase-service-role-key", "", "Service-role key for the Supabase storage API")
	fs.StringVar(&cli.Bucket, "autoclip-bucket", "videos", "Storage bucket holding session inputs and clips")
	fs.StringVar(&cli.ExportBucket, "autoclip-export-bucket", "exports", "Storage bucket holding finished editor exports")
	fs.StringVar(&cli.OpenAIAPIKey, "openai-api-key", "", "API key for the speech-to-text service")

	// helper binaries
	fs.StringVar(&cli.YtDlpPath, "yt-dlp-path", "yt-dlp", "Path to the yt-dlp binary")
	fs.StringVar(&cli.PythonPath, "python-path", "python3", "Path to the Python interpreter running the face-crop helper")
	fs.StringVar(&cli.FaceCropScript, "face-crop-script", "", "Path to the face-crop helper script; empty disables face cropping")

	// concurrency and admission
	fs.IntVar(&cli.ExportConcurrency, "editor-export-concurrency", 0, "Explicit export concurrency; 0 derives it from CPU and memory")
	fs.IntVar(&cli.ExportMaxConcurrency, "editor-export-max-concurrency", 3, "Upper bound on derived export concurrency")
	fs.IntVar(&cli.ExportCPUPerJob, "editor-export-cpu-per-job", 2, "CPU cores budgeted per export job")
	fs.IntVar(&cli.ExportMemoryPerJobMB, "editor-export-memory-per-job-mb", 2048, "Memory budgeted per export job, in MB")
	fs.IntVar(&cli.ExportMemoryReserveMB, "editor-export-memory-reserve-mb", 1024, "Memory held back for the process itself, in MB")
	fs.IntVar(&cli.RenderConcurrency, "autoclip-render-concurrency", 2, "Maximum concurrent clip render requests")
	fs.IntVar(&cli.TranscribeConcurrency, "autoclip-transcribe-concurrency", 2, "Maximum concurrent transcription jobs")

	// clip render knobs
	fs.IntVar(&cli.RenderLowHeight, "autoclip-render-low-height", 1280, "Output height for low-quality clip renders")
	fs.IntVar(&cli.RenderMaxFPS, "autoclip-render-max-fps", 60, "Frame-rate ceiling for clip renders")

	// editor export knobs
	fs.Float64Var(&cli.ExportFPS, "editor-export-fps", 30, "Frame rate used when the payload does not specify one")
	fs.StringVar(&cli.ExportFrameFormat, "editor-export-frame-format", "png", "Frame capture format: png or jpeg")
	fs.IntVar(&cli.ExportJPEGQuality, "editor-export-jpeg-quality", 90, "JPEG capture quality when the frame format is jpeg")
	fs.StringVar(&cli.ExportPreset, "editor-export-preset", "veryfast", "x264 preset for the export encoder")
	fs.IntVar(&cli.ExportCRF, "editor-export-crf", 18, "x264 CRF for the export encoder, clamped to [8,24]")
	fs.StringVar(&cli.ExportTune, "editor-export-tune", "", "Optional x264 tune for the export encoder")
	fs.StringVar(&cli.ExportAudioBitrate, "editor-export-audio-bitrate", "192k", "AAC bitrate for the export audio track")
	fs.IntVar(&cli.ExportFrameTimeout, "editor-export-frame-timeout-ms", 30000, "Deadline for rendering a single frame, in milliseconds")
	fs.IntVar(&cli.ExportProgressLogMs, "editor-export-progress-log-ms", 5000, "Interval between frame-loop progress log lines, in milliseconds")
	fs.StringVar(&cli.ExportScaleFlags, "editor-export-scale-flags", "bicubic", "ffmpeg scale filter flags used when the viewport differs from the output")
	fs.StringVar(&cli.ExportRenderMode, "editor-export-render-mode", "css", "Viewport strategy: css or device")
	fs.StringVar(&cli.EditorRenderURL, "editor-render-url", "", "URL of the editor's headless render page")
	fs.StringVar(&cli.EditorRenderSecret, "editor-render-secret", "", "Shared render key appended to the editor URL")

	// transcription knobs
	fs.IntVar(&cli.TranscribeChunkSeconds, "autoclip-transcribe-chunk-seconds", 120, "Nominal audio chunk length, in seconds")
	fs.StringVar(&cli.TranscribeBitrate, "autoclip-transcribe-bitrate", "64k", "MP3 bitrate for extracted transcription audio")
	fs.IntVar(&cli.OpenAITimeoutMs, "autoclip-transcribe-openai-timeout-ms", 120000, "Per-chunk STT request deadline, in milliseconds")
	fs.IntVar(&cli.OpenAIMaxAttempts, "autoclip-transcribe-openai-max-attempts", 3, "Attempts per chunk for retryable STT errors")
	fs.IntVar(&cli.OpenAIConnectionMaxAttempts, "autoclip-transcribe-openai-connection-max-attempts", 5, "Attempts per chunk when the STT service is unreachable")
	fs.IntVar(&cli.OpenAIConnectionBackoffMs, "autoclip-transcribe-openai-connection-backoff-ms", 1000, "Initial backoff between connection retries, in milliseconds")
	fs.IntVar(&cli.OpenAIConnectionMaxBackoffMs, "autoclip-transcribe-openai-connection-max-backoff-ms", 15000, "Backoff ceiling between connection retries, in milliseconds")
	fs.IntVar(&cli.JobRetentionMs, "autoclip-transcribe-job-retention-ms", 3600000, "How long finished jobs stay pollable, in milliseconds")
	fs.IntVar(&cli.JobTransientRetryLimit, "autoclip-transcribe-job-transient-retry-limit", 2, "Automatic requeues of a transcription job after transient failures")
	fs.IntVar(&cli.JobTransientRetryDelayMs, "autoclip-transcribe-job-transient-retry-delay-ms", 5000, "Base delay before a transient requeue, in milliseconds")

	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarNoPrefix(),
	)
	if err != nil {
		log.LogNoRequestID("error parsing cli", "err", err)
		os.Exit(1)
	}
	if len(fs.Args()) > 0 {
		log.LogNoRequestID("unexpected extra arguments on command line", "args", fmt.Sprintf("%v", fs.Args()))
		os.Exit(1)
	}

	if *version {
		fmt.Printf("autoclip-worker version: %s\n", config.Version)
		return
	}

	if err := os.MkdirAll(cli.TempDir, 0o755); err != nil {
		log.LogNoRequestID("error creating scratch root", "dir", cli.TempDir, "err", err)
		os.Exit(1)
	}
	sweepScratch(cli.TempDir)

	go func() {
		log.LogNoRequestID("pprof listener stopped", "err", pprof.ListenAndServe(*pprofPort))
	}()

	res := config.DeriveResources(cli)
	log.LogNoRequestID(
		"derived admission limits",
		"exportConcurrency", res.ExportConcurrency,
		"transcribeConcurrency", res.TranscribeConcurrency,
		"renderConcurrency", res.RenderConcurrency,
		"ffmpegThreadsPerExport", res.FFmpegThreadsPerExport,
	)

	store := clients.NewSupabaseStorage(cli.SupabaseURL, cli.SupabaseServiceRoleKey)
	stt := clients.NewOpenAISTT(cli.OpenAIAPIKey)
	downloader := &clients.YtDlp{Path: cli.YtDlpPath}

	var cropper render.FaceCropper
	if cli.FaceCropScript != "" {
		cropper = &render.PythonFaceCrop{PythonPath: cli.PythonPath, ScriptPath: cli.FaceCropScript}
	}

	browser := export.NewSharedBrowser()
	defer browser.Close()

	transcriber := transcribe.NewPipeline(store, stt, cli)
	renderer := render.NewRenderer(store, cropper, cli)
	exporter := export.NewPipeline(store, browser, cli, res)

	coordinator := pipeline.NewCoordinator(cli, res, exporter.Run, transcriber.Run)
	defer coordinator.Stop()

	collection := &handlers.WorkerHandlersCollection{
		Cli:         cli,
		Res:         res,
		Store:       store,
		Probe:       video.Probe{},
		Downloader:  downloader,
		Transcriber: transcriber,
		Renderer:    renderer,
		Coordinator: coordinator,
	}

	// Initialize root context; cancelling this prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, collection)
	})

	group.Go(func() error {
		return metrics.ListenAndServe(cli.PromPort)
	})

	err = group.Wait()
	log.LogNoRequestID("Shutdown complete", "reason", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			log.LogNoRequestID("caught signal, attempting clean shutdown", "signal", s.String())
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}

// sweepScratch removes working directories orphaned by a previous run.
func sweepScratch(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		log.LogNoRequestID("failed to sweep scratch root", "dir", root, "err", err)
		return
	}
	cutoff := time.Now().Add(-scratchMaxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.LogNoRequestID("failed to remove stale scratch dir", "path", path, "err", err)
			continue
		}
		log.LogNoRequestID("removed stale scratch dir", "path", path)
	}
}
