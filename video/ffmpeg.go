package video

import (
	"context"
	"fmt"

	"github.com/autoclip/autoclip-worker/subprocess"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// RunFFmpeg executes a compiled ffmpeg-go stream under the caller's
// deadline. On expiry the encoder is killed and the error is labeled with
// the step, matching the behavior of subprocess.Run.
func RunFFmpeg(ctx context.Context, label string, stream *ffmpeg.Stream) error {
	stderr := &subprocess.Tail{}
	cmd := stream.OverWriteOutput().WithErrorOutput(stderr).Compile()

	if err := cmd.Start(); err != nil {
		return &subprocess.SpawnError{Name: "ffmpeg", Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		return &subprocess.TimeoutError{Label: label}
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s failed: %s [%s]", label, err, stderr.String())
		}
		return nil
	}
}
