package clients

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/subprocess"
)

// Downloader fetches a remote video to a local path.
type Downloader interface {
	Download(ctx context.Context, url, outputPath string) error
}

// YtDlp shells out to the yt-dlp binary.
type YtDlp struct {
	Path string
}

const downloadTimeout = 15 * time.Minute

func (y *YtDlp) Download(ctx context.Context, url, outputPath string) error {
	bin := y.Path
	if bin == "" {
		bin = "yt-dlp"
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	log.LogNoRequestID("downloading remote video", "url", log.RedactURL(url))
	_, err := subprocess.Run(ctx, "remote download", bin,
		"-f", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
		"--merge-output-format", "mp4",
		"--no-playlist",
		"-o", outputPath,
		url,
	)
	if err != nil {
		return fmt.Errorf("remote download failed: %w", err)
	}
	if _, statErr := os.Stat(outputPath); statErr != nil {
		return fmt.Errorf("remote download produced no output: %w", statErr)
	}
	return nil
}
