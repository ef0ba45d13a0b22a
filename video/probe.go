// Package video wraps ffprobe and exposes the few facts about a media file
// the pipelines care about.
package video

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// MediaInfo is the parsed shape of a probe run. Fields that could not be
// determined are nil rather than zero so callers can tell "unknown" from
// "zero"; a corrupt source often reports neither duration nor frame rate.
type MediaInfo struct {
	Duration           *float64
	FrameRate          *float64
	Width              int
	Height             int
	SizeBytes          int64
	AudioStreamIndexes []int
}

// FirstAudioStreamIndex returns the lowest audio stream index, or nil when
// the source has no audio.
func (mi MediaInfo) FirstAudioStreamIndex() *int {
	if len(mi.AudioStreamIndexes) == 0 {
		return nil
	}
	idx := mi.AudioStreamIndexes[0]
	return &idx
}

type Prober interface {
	ProbeFile(ctx context.Context, path string) (MediaInfo, error)
}

type Probe struct{}

func (p Probe) ProbeFile(ctx context.Context, path string) (MediaInfo, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 2)); err != nil {
		return MediaInfo{}, err
	}
	return parseProbeData(data), nil
}

// Duration probes just the container duration, useful for scoring extraction
// candidates and advancing the transcription offset accumulator.
func (p Probe) Duration(ctx context.Context, path string) (float64, error) {
	mi, err := p.ProbeFile(ctx, path)
	if err != nil {
		return 0, err
	}
	if mi.Duration == nil {
		return 0, nil
	}
	return *mi.Duration, nil
}

func parseProbeData(data *ffprobe.ProbeData) MediaInfo {
	mi := MediaInfo{}

	if data.Format != nil {
		if data.Format.DurationSeconds > 0 {
			d := data.Format.DurationSeconds
			mi.Duration = &d
		}
		if size, err := strconv.ParseInt(data.Format.Size, 10, 64); err == nil {
			mi.SizeBytes = size
		}
	}

	if vs := data.FirstVideoStream(); vs != nil {
		mi.Width = vs.Width
		mi.Height = vs.Height
		// avg_frame_rate is usually right; r_frame_rate can still be valid
		// when the average is 0/0
		fps := parseFrameRate(vs.AvgFrameRate)
		if fps == nil || *fps == 0 {
			fps = parseFrameRate(vs.RFrameRate)
		}
		if fps != nil && *fps > 0 {
			mi.FrameRate = fps
		}
	}

	seen := map[int]bool{}
	for _, stream := range data.Streams {
		if stream == nil || stream.CodecType != "audio" || seen[stream.Index] {
			continue
		}
		seen[stream.Index] = true
		mi.AudioStreamIndexes = append(mi.AudioStreamIndexes, stream.Index)
	}
	sort.Ints(mi.AudioStreamIndexes)

	return mi
}

// parseFrameRate accepts both plain decimals and the "N/D" rational form
// ffprobe reports. Returns nil when unparseable.
func parseFrameRate(framerate string) *float64 {
	if framerate == "" {
		return nil
	}
	parts := strings.SplitN(framerate, "/", 2)
	if len(parts) < 2 {
		fps, err := strconv.ParseFloat(framerate, 64)
		if err != nil {
			return nil
		}
		return &fps
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil
	}
	if den == 0 {
		// 0/0 can be valid for a track without a fixed cadence
		if num == 0 {
			zero := 0.0
			return &zero
		}
		return nil
	}
	fps := float64(num) / float64(den)
	return &fps
}
