package transcribe

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/autoclip/autoclip-worker/video"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// segmentAudio splits the clean audio into fixed-length chunks using the
// segment muxer. reset_timestamps makes each chunk's internal clock start at
// zero, which is what the offset accumulator in the transcription loop
// expects. Chunk names are zero-padded so lexicographic order is playback
// order.
func segmentAudio(ctx context.Context, cleanPath, workDir string, chunkSeconds int) ([]string, error) {
	pattern := filepath.Join(workDir, "chunk_%05d.mp3")
	err := video.RunFFmpeg(ctx, "audio segmentation",
		ffmpeg.Input(cleanPath).Output(pattern, ffmpeg.KwArgs{
			"f":                "segment",
			"segment_time":     chunkSeconds,
			"reset_timestamps": 1,
			"c":                "copy",
		}))
	if err != nil {
		return nil, err
	}

	chunks, err := filepath.Glob(filepath.Join(workDir, "chunk_*.mp3"))
	if err != nil {
		return nil, fmt.Errorf("failed to list audio chunks: %w", err)
	}
	sort.Strings(chunks)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("audio segmentation produced no chunks")
	}
	return chunks, nil
}
