package export

import (
	"context"
	"fmt"
	"strconv"

	"github.com/autoclip/autoclip-worker/subprocess"
)

// encoderArgs builds the H.264 encoder invocation reading frames from stdin
// as an image2pipe stream.
func (p *Pipeline) encoderArgs(plan ViewportPlan, fps float64, outPath string) []string {
	imageCodec := "png"
	if p.Opts.FrameFormat == "jpeg" {
		imageCodec = "mjpeg"
	}
	args := []string{
		"-y",
		"-f", "image2pipe",
		"-vcodec", imageCodec,
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
	}
	if plan.NeedsScale {
		scale := fmt.Sprintf("scale=%d:%d", plan.OutputWidth, plan.OutputHeight)
		if p.Opts.ScaleFlags != "" {
			scale += ":flags=" + p.Opts.ScaleFlags
		}
		args = append(args, "-vf", scale)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", p.Opts.Preset,
		"-crf", strconv.Itoa(p.Opts.CRF),
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	)
	if p.Opts.Tune != "" {
		args = append(args, "-tune", p.Opts.Tune)
	}
	args = append(args,
		"-threads", strconv.Itoa(p.Opts.EncoderThreads),
		"-an",
		outPath,
	)
	return args
}

// startEncoder spawns the encoder as a streaming sink. The caller feeds
// frames into Stdin; the kernel pipe buffer is the backpressure mechanism, a
// write blocks until the encoder catches up.
func (p *Pipeline) startEncoder(ctx context.Context, plan ViewportPlan, fps float64, outPath string) (*subprocess.Command, error) {
	return subprocess.StartWithStdin(ctx, "export encoder", "ffmpeg", p.encoderArgs(plan, fps, outPath)...)
}
