package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/video"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Audio extraction runs a graded set of strategies against the source and
// keeps the best output. Sources arrive in whatever state users upload them:
// truncated containers, broken stream headers, multiple half-valid audio
// tracks. A strategy that errors can still have produced usable audio, so
// exit status is only one input to the scoring.

const (
	extractTimeout = 10 * time.Minute

	// fallback strategies kick in below this share of the source duration
	coverageFallbackThreshold = 0.85
	// below this share on long sources we give up
	coverageFailThreshold  = 0.70
	coverageFailMinSeconds = 8 * 60
)

type extractionCandidate struct {
	label    string
	path     string
	exitOK   bool
	duration float64
	size     int64
}

// betterCandidate orders candidates: clean exit first, then duration with a
// one second margin, then file size.
func betterCandidate(a, b extractionCandidate) bool {
	if a.exitOK != b.exitOK {
		return a.exitOK
	}
	if a.duration > b.duration+1 {
		return true
	}
	if b.duration > a.duration+1 {
		return false
	}
	return a.size > b.size
}

func pickBest(candidates []extractionCandidate) (extractionCandidate, bool) {
	var best extractionCandidate
	found := false
	for _, c := range candidates {
		if !found || betterCandidate(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

// ExtractCleanAudio produces a mono 16 kHz MP3 from a possibly corrupt
// source at workDir/audio_clean.mp3.
func (p *Pipeline) ExtractCleanAudio(ctx context.Context, requestID, srcPath, workDir string) (string, error) {
	info, err := p.Probe.ProbeFile(ctx, srcPath)
	if err != nil {
		log.LogError(requestID, "source probe failed before extraction, continuing with defaults", err)
	}
	var srcDuration float64
	if info.Duration != nil {
		srcDuration = *info.Duration
	}

	// Implicit first-audio mapping first, then each explicit stream index
	// the probe reported.
	strategies := []extractionStrategy{
		{"first-audio", func(ctx context.Context, out string) error {
			return p.extractMapped(ctx, srcPath, out, "0:a:0?")
		}},
	}
	for _, idx := range info.AudioStreamIndexes {
		streamIdx := idx
		strategies = append(strategies, extractionStrategy{
			fmt.Sprintf("stream-%d", streamIdx),
			func(ctx context.Context, out string) error {
				return p.extractMapped(ctx, srcPath, out, fmt.Sprintf("0:%d", streamIdx))
			},
		})
	}

	candidates := p.runStrategies(ctx, requestID, workDir, strategies)

	best, found := pickBest(candidates)
	coverage := 1.0
	if srcDuration > 0 && found {
		coverage = best.duration / srcDuration
	}

	if !found || coverage < coverageFallbackThreshold {
		log.Log(requestID, "primary extraction coverage low, trying fallback strategies",
			"coverage", coverage, "source_duration", srcDuration)
		fallbacks := p.runStrategies(ctx, requestID, workDir, []extractionStrategy{
			{"pan-mix", func(ctx context.Context, out string) error {
				return p.extractPanned(ctx, srcPath, out)
			}},
			{"copy-then-decode", func(ctx context.Context, out string) error {
				return p.extractViaStreamCopy(ctx, srcPath, out, workDir)
			}},
		})
		candidates = append(candidates, fallbacks...)
		best, found = pickBest(candidates)
		if srcDuration > 0 && found {
			coverage = best.duration / srcDuration
		}
	}

	if !found {
		return "", fmt.Errorf("audio extraction produced no usable output")
	}
	if srcDuration > coverageFailMinSeconds && coverage < coverageFailThreshold {
		cleanupCandidates(candidates, "")
		return "", fmt.Errorf("source audio appears heavily corrupted (recovered %.0f%% of %.0fs)", coverage*100, srcDuration)
	}

	cleanPath := filepath.Join(workDir, "audio_clean.mp3")
	if err := os.Rename(best.path, cleanPath); err != nil {
		return "", fmt.Errorf("failed to finalize extracted audio: %w", err)
	}
	cleanupCandidates(candidates, best.path)

	log.Log(requestID, "audio extraction complete", "strategy", best.label,
		"duration", best.duration, "size", best.size, "coverage", coverage)
	return cleanPath, nil
}

type extractionStrategy struct {
	label string
	run   func(ctx context.Context, out string) error
}

func (p *Pipeline) runStrategies(ctx context.Context, requestID, workDir string, strategies []extractionStrategy) []extractionCandidate {
	var candidates []extractionCandidate
	for _, s := range strategies {
		out := filepath.Join(workDir, fmt.Sprintf("audio_candidate_%s.mp3", s.label))
		stepCtx, cancel := context.WithTimeout(ctx, extractTimeout)
		runErr := s.run(stepCtx, out)
		cancel()

		stat, statErr := os.Stat(out)
		if statErr != nil || stat.Size() == 0 {
			if runErr != nil {
				log.Log(requestID, "extraction strategy produced nothing", "strategy", s.label, "err", runErr.Error())
			}
			_ = os.Remove(out)
			continue
		}

		duration, _ := p.Probe.Duration(ctx, out)
		candidates = append(candidates, extractionCandidate{
			label:    s.label,
			path:     out,
			exitOK:   runErr == nil,
			duration: duration,
			size:     stat.Size(),
		})
	}
	return candidates
}

func cleanupCandidates(candidates []extractionCandidate, keep string) {
	for _, c := range candidates {
		if c.path != keep {
			_ = os.Remove(c.path)
		}
	}
}

// tolerantInput opens the source with flags that skip over corrupt packets
// instead of aborting.
func tolerantInput(srcPath string) *ffmpeg.Stream {
	return ffmpeg.Input(srcPath, ffmpeg.KwArgs{
		"fflags":     "+discardcorrupt+genpts",
		"err_detect": "ignore_err",
	})
}

func (p *Pipeline) mp3OutputArgs() ffmpeg.KwArgs {
	return ffmpeg.KwArgs{
		"ac":  1,
		"ar":  16000,
		"b:a": p.Opts.Bitrate,
		"f":   "mp3",
	}
}

func (p *Pipeline) extractMapped(ctx context.Context, srcPath, outPath, streamMap string) error {
	args := p.mp3OutputArgs()
	args["map"] = streamMap
	return video.RunFFmpeg(ctx, "audio extraction",
		tolerantInput(srcPath).Output(outPath, args).GlobalArgs("-ignore_unknown"))
}

// extractPanned downmixes whatever channels decode into a single mono track;
// useful when individual stream mappings come back mostly empty.
func (p *Pipeline) extractPanned(ctx context.Context, srcPath, outPath string) error {
	args := p.mp3OutputArgs()
	args["af"] = "pan=mono|c0=c0"
	return video.RunFFmpeg(ctx, "audio extraction (pan)",
		tolerantInput(srcPath).Output(outPath, args).GlobalArgs("-ignore_unknown"))
}

// extractViaStreamCopy pulls the audio stream out without decoding, then
// decodes the copy. Splitting the two steps gets past container-level
// corruption that breaks combined demux+decode.
func (p *Pipeline) extractViaStreamCopy(ctx context.Context, srcPath, outPath, workDir string) error {
	copied := filepath.Join(workDir, "audio_copy.mka")
	defer os.Remove(copied)

	if err := video.RunFFmpeg(ctx, "audio stream copy",
		tolerantInput(srcPath).Output(copied, ffmpeg.KwArgs{
			"map": "0:a:0?",
			"c:a": "copy",
			"f":   "matroska",
		}).GlobalArgs("-ignore_unknown")); err != nil {
		return err
	}
	return video.RunFFmpeg(ctx, "audio decode from copy",
		tolerantInput(copied).Output(outPath, p.mp3OutputArgs()))
}
