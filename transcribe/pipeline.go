// Package transcribe turns a stored source video into a word- and
// segment-timestamped transcript: graded audio extraction, fixed-length
// chunking, then per-chunk STT with classified retries.
package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/autoclip/autoclip-worker/clients"
	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/errors"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/metrics"
	"github.com/autoclip/autoclip-worker/video"
	"github.com/cenkalti/backoff/v4"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// retryableSTTDelay is the fixed wait between attempts for generic retryable
// STT failures. Connection failures get the exponential backoff instead.
const retryableSTTDelay = 2 * time.Second

type Options struct {
	Bucket       string
	TempDir      string
	ChunkSeconds int
	Bitrate      string

	STTTimeout            time.Duration
	MaxAttempts           int
	ConnectionMaxAttempts int
	ConnectionBackoff     time.Duration
	ConnectionMaxBackoff  time.Duration
}

func OptionsFromCli(cli config.Cli) Options {
	return Options{
		Bucket:                cli.Bucket,
		TempDir:               cli.TempDir,
		ChunkSeconds:          cli.TranscribeChunkSeconds,
		Bitrate:               cli.TranscribeBitrate,
		STTTimeout:            cli.OpenAITimeout(),
		MaxAttempts:           cli.OpenAIMaxAttempts,
		ConnectionMaxAttempts: cli.OpenAIConnectionMaxAttempts,
		ConnectionBackoff:     time.Duration(cli.OpenAIConnectionBackoffMs) * time.Millisecond,
		ConnectionMaxBackoff:  time.Duration(cli.OpenAIConnectionMaxBackoffMs) * time.Millisecond,
	}
}

// Prober is the slice of video.Probe the pipeline needs.
type Prober interface {
	ProbeFile(ctx context.Context, path string) (video.MediaInfo, error)
	Duration(ctx context.Context, path string) (float64, error)
}

// Progress reports a coarse stage name, the overall fraction in [0,1] and
// the chunk counts once chunking has happened.
type Progress func(stage string, fraction float64, completedChunks, totalChunks int)

type Pipeline struct {
	Store clients.ObjectStore
	STT   clients.STTClient
	Probe Prober
	Opts  Options
}

func NewPipeline(store clients.ObjectStore, stt clients.STTClient, cli config.Cli) *Pipeline {
	return &Pipeline{
		Store: store,
		STT:   stt,
		Probe: video.Probe{},
		Opts:  OptionsFromCli(cli),
	}
}

// Run downloads the session's source video, extracts and chunks its audio,
// and transcribes chunk by chunk. The offset accumulator advances by each
// chunk's measured duration whether or not its transcription succeeded, so a
// skipped chunk never shifts the timestamps of the chunks after it.
func (p *Pipeline) Run(ctx context.Context, requestID, sessionID, videoKey, language string, progress Progress) (*Transcript, error) {
	if progress == nil {
		progress = func(string, float64, int, int) {}
	}

	workDir, err := os.MkdirTemp(p.Opts.TempDir, "transcribe-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	progress("downloading", 0.05, 0, 0)
	srcPath := filepath.Join(workDir, "input.mp4")
	if err := p.Store.Download(ctx, p.Opts.Bucket, videoKey, srcPath); err != nil {
		return nil, fmt.Errorf("failed to download source video: %w", err)
	}

	progress("extracting", 0.15, 0, 0)
	cleanPath, err := p.ExtractCleanAudio(ctx, requestID, srcPath, workDir)
	if err != nil {
		return nil, err
	}

	chunks, err := segmentAudio(ctx, cleanPath, workDir, p.Opts.ChunkSeconds)
	if err != nil {
		return nil, err
	}
	log.Log(requestID, "audio ready for transcription", "session_id", sessionID, "chunks", len(chunks))

	progress("transcribing", 0.25, 0, len(chunks))
	transcript := &Transcript{}
	offset := 0.0
	successes := 0
	for i, chunk := range chunks {
		chunkDuration, durErr := p.Probe.Duration(ctx, chunk)
		if durErr != nil || chunkDuration <= 0 {
			// fall back to the nominal chunk length so the accumulator still
			// advances past an unreadable chunk
			chunkDuration = float64(p.Opts.ChunkSeconds)
		}

		res, sttErr := p.transcribeChunk(ctx, requestID, chunk, language)
		if sttErr != nil {
			if successes == 0 {
				return nil, fmt.Errorf("transcription failed on chunk %d with no prior progress: %w", i, sttErr)
			}
			metrics.Metrics.TranscribeSegments.WithLabelValues("failed").Inc()
			log.LogError(requestID, "skipping chunk after exhausted retries", sttErr,
				"chunk", i, "offset", offset)
		} else {
			metrics.Metrics.TranscribeSegments.WithLabelValues("ok").Inc()
			transcript.appendChunk(res, offset)
			successes++
		}

		offset += chunkDuration
		progress("transcribing", 0.25+float64(i+1)/float64(len(chunks))*0.7, i+1, len(chunks))
	}

	if successes == 0 {
		return nil, fmt.Errorf("transcription produced no output for session %s", sessionID)
	}
	progress("finalizing", 0.98, len(chunks), len(chunks))
	return transcript, nil
}

// transcribeChunk runs one chunk through STT with the three-class retry
// policy. A decode rejection gets a single WAV re-transcode before the
// chunk counts as failed; a 413 is never retried since only a shorter
// chunk length can fix it.
func (p *Pipeline) transcribeChunk(ctx context.Context, requestID, chunkPath, language string) (*clients.VerboseTranscription, error) {
	connBackoff := backoff.NewExponentialBackOff()
	connBackoff.InitialInterval = p.Opts.ConnectionBackoff
	connBackoff.MaxInterval = p.Opts.ConnectionMaxBackoff
	connBackoff.MaxElapsedTime = 0

	path := chunkPath
	wavTried := false
	connAttempts := 0
	genericAttempts := 0
	for {
		res, err := p.callSTT(ctx, path, language)
		if err == nil {
			return res, nil
		}

		switch {
		case IsChunkTooLarge(err):
			return nil, errors.Unretriable(fmt.Errorf("audio chunk rejected as too large, reduce segment length: %w", err))

		case IsDecodeError(err) && !wavTried:
			wavTried = true
			wavPath, wavErr := p.transcodeToWAV(ctx, requestID, path)
			if wavErr != nil {
				log.LogError(requestID, "wav fallback transcode failed", wavErr, "chunk", filepath.Base(path))
				return nil, err
			}
			log.Log(requestID, "retrying chunk as wav after decode rejection", "chunk", filepath.Base(path))
			path = wavPath

		case IsConnectionError(err):
			connAttempts++
			if connAttempts >= p.Opts.ConnectionMaxAttempts {
				return nil, fmt.Errorf("stt unreachable after %d attempts: %w", connAttempts, err)
			}
			wait := connBackoff.NextBackOff()
			metrics.Metrics.TranscribeSTTRetries.Inc()
			log.Log(requestID, "stt connection error, backing off", "attempt", connAttempts,
				"wait", wait.String(), "err", err.Error())
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		case IsRetryableSTT(err):
			genericAttempts++
			if genericAttempts >= p.Opts.MaxAttempts {
				return nil, err
			}
			metrics.Metrics.TranscribeSTTRetries.Inc()
			if err := sleepCtx(ctx, retryableSTTDelay); err != nil {
				return nil, err
			}

		default:
			return nil, err
		}
	}
}

func (p *Pipeline) callSTT(ctx context.Context, path, language string) (*clients.VerboseTranscription, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.Opts.STTTimeout)
	defer cancel()
	return p.STT.Transcribe(callCtx, path, language)
}

// transcodeToWAV re-encodes a chunk the STT endpoint refused to decode. The
// three attempts go from most to least surgical: lift the first channel
// directly, pan it through the filter graph, plain mono downmix.
func (p *Pipeline) transcodeToWAV(ctx context.Context, requestID, chunkPath string) (string, error) {
	out := strings.TrimSuffix(chunkPath, filepath.Ext(chunkPath)) + ".wav"
	attempts := []struct {
		label string
		args  ffmpeg.KwArgs
	}{
		{"map-channel", ffmpeg.KwArgs{"map_channel": "0.0.0", "c:a": "pcm_s16le", "ar": 16000}},
		{"pan-first-channel", ffmpeg.KwArgs{"af": "pan=mono|c0=c0", "c:a": "pcm_s16le", "ar": 16000}},
		{"mono-downmix", ffmpeg.KwArgs{"ac": 1, "c:a": "pcm_s16le", "ar": 16000}},
	}
	for _, a := range attempts {
		runErr := video.RunFFmpeg(ctx, "wav fallback ("+a.label+")",
			tolerantInput(chunkPath).Output(out, a.args))
		if runErr != nil {
			log.Log(requestID, "wav fallback attempt failed", "strategy", a.label, "err", runErr.Error())
			continue
		}
		if st, err := os.Stat(out); err == nil && st.Size() > 0 {
			return out, nil
		}
	}
	return "", fmt.Errorf("all wav transcode attempts failed for %s", filepath.Base(chunkPath))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
