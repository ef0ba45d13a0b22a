package export

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/autoclip/autoclip-worker/clients"
	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/metrics"
	"github.com/autoclip/autoclip-worker/subprocess"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

type Options struct {
	Bucket       string
	TempDir      string
	EditorURL    string
	EditorSecret string

	DefaultFPS          float64
	FrameFormat         string
	JPEGQuality         int
	Preset              string
	CRF                 int
	Tune                string
	AudioBitrate        string
	FrameTimeout        time.Duration
	ProgressLogInterval time.Duration
	ScaleFlags          string
	RenderMode          string
	EncoderThreads      int
}

func OptionsFromCli(cli config.Cli, res config.Resources) Options {
	return Options{
		Bucket:              cli.ExportBucket,
		TempDir:             cli.TempDir,
		EditorURL:           cli.EditorRenderURL,
		EditorSecret:        cli.EditorRenderSecret,
		DefaultFPS:          cli.ExportFPS,
		FrameFormat:         cli.ExportFrameFormat,
		JPEGQuality:         cli.ExportJPEGQuality,
		Preset:              cli.ExportPreset,
		CRF:                 cli.ClampCRF(),
		Tune:                cli.ExportTune,
		AudioBitrate:        cli.ExportAudioBitrate,
		FrameTimeout:        cli.ExportFrameTimeoutDuration(),
		ProgressLogInterval: cli.ExportProgressLogInterval(),
		ScaleFlags:          cli.ExportScaleFlags,
		RenderMode:          cli.ExportRenderMode,
		EncoderThreads:      res.FFmpegThreadsPerExport,
	}
}

type Pipeline struct {
	Store   clients.ObjectStore
	Browser *SharedBrowser
	Opts    Options
}

func NewPipeline(store clients.ObjectStore, browser *SharedBrowser, cli config.Cli, res config.Resources) *Pipeline {
	return &Pipeline{Store: store, Browser: browser, Opts: OptionsFromCli(cli, res)}
}

const (
	readinessTimeout = 60 * time.Second
	navigateTimeout  = 30 * time.Second
	// a real PNG/JPEG of any stage is far larger; below this the renderer
	// returned a blank or failed capture
	minFrameBytes = 100
)

// Run executes one export job end to end. The job's status fields are
// mutated here and only here; the caller owns queueing and retention.
func (p *Pipeline) Run(ctx context.Context, requestID string, job *JobState, payload *Payload) error {
	fps := payload.FPS
	if fps <= 0 {
		fps = p.Opts.DefaultFPS
	}
	plan := PlanViewport(payload.Output, payload.Preview, p.Opts.RenderMode)

	workDir, err := os.MkdirTemp(p.Opts.TempDir, "export-")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	job.Advance(StatusLoading, "Starting renderer", 0.03)
	page, cleanup, err := p.openRenderer(ctx, job, payload, plan)
	if err != nil {
		return err
	}
	defer cleanup()

	job.Advance(StatusLoading, "Waiting for renderer", 0.04)
	stage, err := p.awaitReady(page)
	if err != nil {
		return err
	}

	job.Advance(StatusRendering, "Rendering frames", 0.05)
	silentPath := filepath.Join(workDir, "silent.mp4")
	if err := p.renderFrames(ctx, job, page, stage, plan, fps, payload.Duration, silentPath); err != nil {
		return err
	}

	job.Advance(StatusEncoding, "Mixing audio", 0.93)
	finalPath, err := p.mixAndMux(ctx, job, workDir, silentPath, payload)
	if err != nil {
		return err
	}

	job.Advance(StatusUploading, "Uploading", 0.97)
	key := fmt.Sprintf(config.ExportOutputKeyFormat, job.ID)
	if err := p.Store.Upload(ctx, p.Opts.Bucket, key, finalPath, "video/mp4"); err != nil {
		return fmt.Errorf("failed to upload export: %w", err)
	}
	downloadURL, err := p.Store.Sign(ctx, p.Opts.Bucket, key, config.SignedURLExpirySeconds)
	if err != nil {
		return fmt.Errorf("failed to sign export url: %w", err)
	}

	job.Complete(downloadURL)
	log.LogCtx(ctx, "export complete", "key", key, "frames", job.Snapshot().FramesTotal)
	return nil
}

// openRenderer gets a page in a fresh incognito context with the payload
// injected before navigation, and wires renderer-death events to the job's
// sticky closed flag.
func (p *Pipeline) openRenderer(ctx context.Context, job *JobState, payload *Payload, plan ViewportPlan) (*rod.Page, func(), error) {
	browser, err := p.Browser.Get(ctx)
	if err != nil {
		return nil, nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open renderer page: %w", err)
	}
	cleanup := func() { _ = page.Close() }

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             plan.PageWidth,
		Height:            plan.PageHeight,
		DeviceScaleFactor: plan.DeviceScale,
		Mobile:            false,
	}); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to set renderer viewport: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to serialize render payload: %w", err)
	}
	inject := proto.PageAddScriptToEvaluateOnNewDocument{
		Source: "window.__EDITOR_EXPORT__ = " + string(payloadJSON) + ";",
	}
	if _, err := inject.Call(page); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to inject render payload: %w", err)
	}

	// renderer death lands in the job's sticky close reason: crash and
	// session detach arrive on the page session, target destruction on the
	// browser session. The browser-side watcher ends with the page: cleanup
	// closes it, which fires TargetDestroyed.
	go page.EachEvent(
		func(e *proto.InspectorTargetCrashed) bool {
			job.MarkClosed("renderer crashed")
			return true
		},
		func(e *proto.InspectorDetached) bool {
			job.MarkClosed(fmt.Sprintf("renderer detached: %v", e.Reason))
			return true
		},
	)()
	go browser.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		if e.TargetID == page.TargetID {
			job.MarkClosed("renderer page closed")
			return true
		}
		return false
	})()

	target, err := p.rendererURL(payload)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	navPage := page.Timeout(navigateTimeout)
	wait := navPage.WaitEvent(&proto.PageDomContentEventFired{})
	if err := navPage.Navigate(target); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to navigate renderer: %w", err)
	}
	wait()

	return page, cleanup, nil
}

func (p *Pipeline) rendererURL(payload *Payload) (string, error) {
	base := payload.RenderURL
	if base == "" {
		base = p.Opts.EditorURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid renderer url: %w", err)
	}
	q := u.Query()
	q.Set("export", "1")
	q.Set("renderKey", p.Opts.EditorSecret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// awaitReady waits for the renderer's control surface and asset readiness,
// then locates the capture region.
func (p *Pipeline) awaitReady(page *rod.Page) (*rod.Element, error) {
	readyPage := page.Timeout(readinessTimeout)

	if _, err := readyPage.Evaluate(rod.Eval(`() =>
		new Promise((resolve, reject) => {
			const deadline = Date.now() + 30000;
			const poll = () => {
				const api = window.__EDITOR_EXPORT_API__;
				if (api && typeof api.waitForReady === "function") return resolve();
				if (Date.now() > deadline) return reject(new Error("renderer api never appeared"));
				setTimeout(poll, 100);
			};
			poll();
		})`).ByPromise()); err != nil {
		return nil, fmt.Errorf("renderer control surface unavailable: %w", err)
	}

	if _, err := readyPage.Evaluate(rod.Eval(
		`() => window.__EDITOR_EXPORT_API__.waitForReady()`).ByPromise()); err != nil {
		return nil, fmt.Errorf("renderer assets never became ready: %w", err)
	}

	stage, err := readyPage.Element("[data-export-stage]")
	if err != nil {
		return nil, fmt.Errorf("renderer stage element not found: %w", err)
	}
	return stage, nil
}

// renderFrames is the core loop: advance the deterministic timeline one
// frame at a time, capture the stage, and stream the image into the encoder.
// The blocking stdin write is the backpressure: the loop cannot outrun the
// encoder by more than the kernel pipe buffer.
func (p *Pipeline) renderFrames(ctx context.Context, job *JobState, page *rod.Page, stage *rod.Element, plan ViewportPlan, fps, duration float64, outPath string) error {
	framesTotal := int(math.Ceil(duration * fps))
	if framesTotal < 1 {
		framesTotal = 1
	}
	job.SetFrames(0, framesTotal)

	enc, err := p.startEncoder(ctx, plan, fps, outPath)
	if err != nil {
		return err
	}
	encoderDone := false
	defer func() {
		if !encoderDone {
			enc.Kill()
		}
	}()

	format := proto.PageCaptureScreenshotFormatPng
	quality := 0
	if p.Opts.FrameFormat == "jpeg" {
		format = proto.PageCaptureScreenshotFormatJpeg
		quality = p.Opts.JPEGQuality
	}

	lastLog := time.Now()
	for i := 0; i < framesTotal; i++ {
		if reason, closed := job.ClosedReason(); closed {
			return fmt.Errorf("renderer closed: %s", reason)
		}

		frameStart := time.Now()
		framePage := page.Timeout(p.Opts.FrameTimeout)
		if _, err := framePage.Evaluate(rod.Eval(
			`(t) => window.__EDITOR_EXPORT_API__.setTime(t)`,
			float64(i)/fps).ByPromise()); err != nil {
			return fmt.Errorf("setTime failed at frame %d: %w", i, err)
		}

		frame, err := stage.Timeout(p.Opts.FrameTimeout).Screenshot(format, quality)
		if err != nil {
			return fmt.Errorf("screenshot failed at frame %d: %w", i, err)
		}
		if len(frame) < minFrameBytes {
			return fmt.Errorf("screenshot at frame %d suspiciously small (%d bytes)", i, len(frame))
		}

		if enc.Exited() {
			return fmt.Errorf("encoder exited early at frame %d: %s", i, enc.StderrTail())
		}
		if _, err := enc.Stdin.Write(frame); err != nil {
			return fmt.Errorf("encoder write failed at frame %d: %w [%s]", i, err, enc.StderrTail())
		}

		metrics.Metrics.ExportFramesRendered.Inc()
		metrics.Metrics.ExportFrameDuration.Observe(time.Since(frameStart).Seconds())
		job.SetFrames(i+1, framesTotal)

		if time.Since(lastLog) >= p.Opts.ProgressLogInterval {
			lastLog = time.Now()
			log.LogCtx(ctx, "export progress",
				"frames", i+1, "frames_total", framesTotal, "progress", job.Snapshot().Progress)
		}
	}

	if err := enc.Stdin.Close(); err != nil {
		enc.Kill()
		return fmt.Errorf("failed to close encoder stdin: %w", err)
	}
	encoderDone = true
	if err := enc.Wait(); err != nil {
		return err
	}
	return nil
}

// mixAndMux builds the audio track from the timeline and muxes it with the
// silent video. A timeline with no contributing clip ships video-only.
func (p *Pipeline) mixAndMux(ctx context.Context, job *JobState, workDir, silentPath string, payload *Payload) (string, error) {
	tl, err := ParseTimeline(payload.State)
	if err != nil {
		log.LogCtx(ctx, "timeline unparseable for audio mix, shipping video-only", "err", err.Error())
		return silentPath, nil
	}
	plan, ok := BuildMix(tl, payload.Duration)
	if !ok {
		return silentPath, nil
	}

	mixPath := filepath.Join(workDir, "mix.wav")
	if err := runMix(ctx, plan, mixPath); err != nil {
		return "", fmt.Errorf("audio mix failed: %w", err)
	}

	job.Advance(StatusEncoding, "Muxing", 0.95)
	finalPath := filepath.Join(workDir, "export.mp4")
	muxCtx, cancel := context.WithTimeout(ctx, mixTimeout)
	defer cancel()
	if _, err := subprocess.Run(muxCtx, "export mux", "ffmpeg",
		"-y",
		"-i", silentPath,
		"-i", mixPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", p.Opts.AudioBitrate,
		"-movflags", "+faststart",
		"-shortest",
		finalPath,
	); err != nil {
		return "", err
	}
	return finalPath, nil
}
