// Package render produces vertical short clips and previews from a stored
// source video: seek-extract, optional face-aware reframing through the
// Python helper, then scale and mux to a 9:16 deliverable.
package render

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/autoclip/autoclip-worker/clients"
	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/video"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

type ClipRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Output struct {
	Index       int    `json:"index"`
	ClipKey     string `json:"clipKey"`
	DownloadURL string `json:"downloadUrl"`
	Filename    string `json:"filename"`
}

type PreviewResult struct {
	PreviewURL string `json:"previewUrl"`
	PreviewKey string `json:"previewKey"`
}

type Options struct {
	Bucket     string
	TempDir    string
	LowHeight  int
	MaxFPS     float64
	ScaleFlags string
}

func OptionsFromCli(cli config.Cli) Options {
	return Options{
		Bucket:     cli.Bucket,
		TempDir:    cli.TempDir,
		LowHeight:  cli.RenderLowHeight,
		MaxFPS:     float64(cli.RenderMaxFPS),
		ScaleFlags: cli.ExportScaleFlags,
	}
}

type Prober interface {
	ProbeFile(ctx context.Context, path string) (video.MediaInfo, error)
}

type Renderer struct {
	Store clients.ObjectStore
	Probe Prober
	Crop  FaceCropper
	Opts  Options
}

func NewRenderer(store clients.ObjectStore, crop FaceCropper, cli config.Cli) *Renderer {
	return &Renderer{
		Store: store,
		Probe: video.Probe{},
		Crop:  crop,
		Opts:  OptionsFromCli(cli),
	}
}

// ValidateClips rejects ranges with non-finite bounds or end before start.
// The error message is surfaced verbatim to the caller.
func ValidateClips(clips []ClipRange) error {
	for i, c := range clips {
		if math.IsNaN(c.Start) || math.IsInf(c.Start, 0) ||
			math.IsNaN(c.End) || math.IsInf(c.End, 0) ||
			c.Start < 0 || c.End <= c.Start {
			return fmt.Errorf("Invalid clip range at index %d.", i)
		}
	}
	return nil
}

// targetDims returns the even 9:16 output dimensions for a quality mode.
func targetDims(quality string, lowHeight int) (int, int) {
	var h int
	switch quality {
	case "high":
		h = 1920
	case "medium":
		h = 1600
	default:
		h = lowHeight
	}
	if h < 480 {
		h = 480
	}
	h -= h % 2
	w := h * 9 / 16
	w -= w % 2
	return w, h
}

// pickFPS is min(source fps, configured max), clamped to at least 24.
func pickFPS(source *float64, max float64) float64 {
	fps := max
	if source != nil && *source > 0 && *source < fps {
		fps = *source
	}
	if fps < 24 {
		fps = 24
	}
	return fps
}

func formatTs(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// RenderClips downloads the session's source once and renders each requested
// range into a vertical clip, uploading as it goes. Ranges must already have
// passed ValidateClips.
func (r *Renderer) RenderClips(ctx context.Context, requestID, sessionID, videoKey string, clips []ClipRange, quality, cropMode string) ([]Output, error) {
	workDir, err := os.MkdirTemp(r.Opts.TempDir, "render-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, "input.mp4")
	if err := r.Store.Download(ctx, r.Opts.Bucket, videoKey, srcPath); err != nil {
		return nil, fmt.Errorf("failed to download source video: %w", err)
	}
	srcInfo, err := r.Probe.ProbeFile(ctx, srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to probe source video: %w", err)
	}

	width, height := targetDims(quality, r.Opts.LowHeight)
	fps := pickFPS(srcInfo.FrameRate, r.Opts.MaxFPS)

	outputs := make([]Output, 0, len(clips))
	for i, clip := range clips {
		out, err := r.renderOne(ctx, requestID, sessionID, workDir, srcPath, i, clip, width, height, fps, cropMode)
		if err != nil {
			return nil, fmt.Errorf("clip %d render failed: %w", i, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (r *Renderer) renderOne(ctx context.Context, requestID, sessionID, workDir, srcPath string, index int, clip ClipRange, width, height int, fps float64, cropMode string) (Output, error) {
	rawPath := filepath.Join(workDir, fmt.Sprintf("clip_%02d_raw.mp4", index))
	duration := clip.End - clip.Start

	// seek before input: fast and the re-encode normalizes timestamps for
	// the face-crop helper's decoder
	err := video.RunFFmpeg(ctx, "clip extract",
		ffmpeg.Input(srcPath, ffmpeg.KwArgs{"ss": formatTs(clip.Start)}).
			Output(rawPath, ffmpeg.KwArgs{
				"t":        formatTs(duration),
				"c:v":      "libx264",
				"preset":   "veryfast",
				"crf":      18,
				"c:a":      "aac",
				"b:a":      "128k",
				"movflags": "+faststart",
			}))
	if err != nil {
		return Output{}, err
	}

	framedPath := rawPath
	if cropMode != "" && cropMode != "none" && r.Crop != nil {
		croppedPath := filepath.Join(workDir, fmt.Sprintf("clip_%02d_cropped.mp4", index))
		if err := r.Crop.Crop(ctx, rawPath, croppedPath, cropMode); err != nil {
			return Output{}, err
		}
		framedPath = croppedPath
	}

	finalPath := filepath.Join(workDir, fmt.Sprintf("clip_%02d_final.mp4", index))
	if err := r.scaleAndMux(ctx, framedPath, rawPath, finalPath, width, height, fps); err != nil {
		return Output{}, err
	}

	filename := fmt.Sprintf("clip_%02d_%s_%s.mp4", index, formatTs(clip.Start), formatTs(clip.End))
	clipKey := fmt.Sprintf(config.SessionClipKeyFormat, sessionID, filename)
	if err := r.Store.Upload(ctx, r.Opts.Bucket, clipKey, finalPath, "video/mp4"); err != nil {
		return Output{}, fmt.Errorf("failed to upload clip: %w", err)
	}
	signedURL, err := r.Store.Sign(ctx, r.Opts.Bucket, clipKey, config.SignedURLExpirySeconds)
	if err != nil {
		return Output{}, fmt.Errorf("failed to sign clip url: %w", err)
	}
	log.Log(requestID, "clip rendered", "session_id", sessionID, "index", index,
		"key", clipKey, "width", width, "height", height, "fps", fps)

	return Output{Index: index, ClipKey: clipKey, DownloadURL: signedURL, Filename: filename}, nil
}

// scaleAndMux fills the 9:16 frame (scale up to cover, center crop) and
// carries the audio over from the extracted clip, since the face-crop helper
// does not guarantee an audio stream in its output.
func (r *Renderer) scaleAndMux(ctx context.Context, videoSrc, audioSrc, outPath string, width, height int, fps float64) error {
	scaleArgs := ffmpeg.KwArgs{"force_original_aspect_ratio": "increase"}
	if r.Opts.ScaleFlags != "" {
		scaleArgs["flags"] = r.Opts.ScaleFlags
	}
	v := ffmpeg.Input(videoSrc).Video().
		Filter("scale", ffmpeg.Args{fmt.Sprintf("%d:%d", width, height)}, scaleArgs).
		Filter("crop", ffmpeg.Args{fmt.Sprintf("%d:%d", width, height)}).
		Filter("fps", ffmpeg.Args{strconv.FormatFloat(fps, 'f', -1, 64)})

	outArgs := ffmpeg.KwArgs{
		"c:v":      "libx264",
		"preset":   "veryfast",
		"crf":      20,
		"pix_fmt":  "yuv420p",
		"movflags": "+faststart",
	}

	audioInfo, err := r.Probe.ProbeFile(ctx, audioSrc)
	if err == nil && len(audioInfo.AudioStreamIndexes) > 0 {
		a := ffmpeg.Input(audioSrc).Audio()
		outArgs["c:a"] = "aac"
		outArgs["b:a"] = "128k"
		return video.RunFFmpeg(ctx, "clip scale+mux",
			ffmpeg.Output([]*ffmpeg.Stream{v, a}, outPath, outArgs))
	}
	return video.RunFFmpeg(ctx, "clip scale", ffmpeg.Output([]*ffmpeg.Stream{v}, outPath, outArgs))
}

// Preview renders a 540p horizontal preview of a range for quick scrubbing.
func (r *Renderer) Preview(ctx context.Context, requestID, sessionID, videoKey string, start, end float64) (PreviewResult, error) {
	if err := ValidateClips([]ClipRange{{Start: start, End: end}}); err != nil {
		return PreviewResult{}, err
	}

	workDir, err := os.MkdirTemp(r.Opts.TempDir, "preview-")
	if err != nil {
		return PreviewResult{}, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, "input.mp4")
	if err := r.Store.Download(ctx, r.Opts.Bucket, videoKey, srcPath); err != nil {
		return PreviewResult{}, fmt.Errorf("failed to download source video: %w", err)
	}

	outPath := filepath.Join(workDir, "preview.mp4")
	err = video.RunFFmpeg(ctx, "preview render",
		ffmpeg.Input(srcPath, ffmpeg.KwArgs{"ss": formatTs(start)}).
			Output(outPath, ffmpeg.KwArgs{
				"t":        formatTs(end - start),
				"vf":       "scale=-2:540",
				"c:v":      "libx264",
				"preset":   "veryfast",
				"crf":      26,
				"c:a":      "aac",
				"b:a":      "96k",
				"movflags": "+faststart",
			}))
	if err != nil {
		return PreviewResult{}, err
	}

	key := fmt.Sprintf("sessions/%s/preview_%s_%s.mp4", sessionID, formatTs(start), formatTs(end))
	if err := r.Store.Upload(ctx, r.Opts.Bucket, key, outPath, "video/mp4"); err != nil {
		return PreviewResult{}, fmt.Errorf("failed to upload preview: %w", err)
	}
	signedURL, err := r.Store.Sign(ctx, r.Opts.Bucket, key, config.SignedURLExpirySeconds)
	if err != nil {
		return PreviewResult{}, fmt.Errorf("failed to sign preview url: %w", err)
	}
	log.Log(requestID, "preview rendered", "session_id", sessionID, "key", key)
	return PreviewResult{PreviewURL: signedURL, PreviewKey: key}, nil
}
