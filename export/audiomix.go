package export

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/autoclip/autoclip-worker/subprocess"
)

// The audio mix is assembled independently of the frame loop: every
// contributing clip becomes one ffmpeg input plus one filter-graph fragment,
// summed with amix into a 48 kHz stereo WAV.

type mixClip struct {
	url         string
	startTime   float64
	startOffset float64
	duration    float64
	speed       float64
	volume      float64
	fadeIn      float64
	fadeOut     float64
}

// MixPlan is a fully resolved amix invocation.
type MixPlan struct {
	InputURLs     []string
	FilterComplex string
}

// contributingClips applies the inclusion rule: only clips whose asset is
// video or audio, with a URL, a positive finite duration, not muted and with
// positive volume make it into the mix.
func contributingClips(tl *TimelineSnapshot) []mixClip {
	assets := make(map[string]Asset, len(tl.Assets))
	for _, a := range tl.Assets {
		assets[a.ID] = a
	}

	var out []mixClip
	for _, c := range tl.Clips {
		asset, ok := assets[c.AssetID]
		if !ok || (asset.Kind != AssetVideo && asset.Kind != AssetAudio) || asset.URL == "" {
			continue
		}
		if c.Duration <= 0 || math.IsNaN(c.Duration) || math.IsInf(c.Duration, 0) {
			continue
		}
		settings := tl.ClipSettings[c.ID]
		if settings.Muted || settings.volume() <= 0 {
			continue
		}
		mc := mixClip{
			url:         asset.URL,
			startTime:   c.StartTime,
			startOffset: c.StartOffset,
			duration:    c.Duration,
			speed:       settings.speed(),
			volume:      settings.volume(),
		}
		if settings.FadeEnabled {
			mc.fadeIn = settings.FadeIn
			mc.fadeOut = settings.FadeOut
		}
		out = append(out, mc)
	}
	return out
}

// atempoChain decomposes an arbitrary speed factor into atempo-legal steps:
// halve or double until the residual lands in [0.5, 2.0].
func atempoChain(speed float64) []float64 {
	const eps = 0.001
	var chain []float64
	for speed > 2.0+eps {
		chain = append(chain, 2.0)
		speed /= 2
	}
	for speed < 0.5-eps {
		chain = append(chain, 0.5)
		speed *= 2
	}
	if math.Abs(speed-1) > eps {
		chain = append(chain, speed)
	}
	return chain
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}

// clipFilter builds the fragment for input index i, labeled [a<i>].
func clipFilter(i int, c mixClip) string {
	parts := []string{
		fmt.Sprintf("atrim=start=%s:duration=%s", num(c.startOffset), num(c.duration*c.speed)),
		"asetpts=PTS-STARTPTS",
	}
	for _, tempo := range atempoChain(c.speed) {
		parts = append(parts, "atempo="+num(tempo))
	}
	if math.Abs(c.volume-1) > 0.001 {
		parts = append(parts, "volume="+num(c.volume))
	}
	if c.fadeIn > 0 {
		parts = append(parts, fmt.Sprintf("afade=t=in:st=0:d=%s", num(c.fadeIn)))
	}
	if c.fadeOut > 0 && c.fadeOut < c.duration {
		parts = append(parts, fmt.Sprintf("afade=t=out:st=%s:d=%s", num(c.duration-c.fadeOut), num(c.fadeOut)))
	}
	delayMs := int(math.Round(c.startTime * 1000))
	parts = append(parts, fmt.Sprintf("adelay=%d|%d", delayMs, delayMs))

	return fmt.Sprintf("[%d:a]%s[a%d]", i, strings.Join(parts, ","), i)
}

// BuildMix returns the amix plan for the timeline, or ok=false when no clip
// qualifies and the export stays video-only.
func BuildMix(tl *TimelineSnapshot, exportDuration float64) (MixPlan, bool) {
	clips := contributingClips(tl)
	if len(clips) == 0 {
		return MixPlan{}, false
	}

	var fragments []string
	var labels []string
	urls := make([]string, 0, len(clips))
	for i, c := range clips {
		urls = append(urls, c.url)
		fragments = append(fragments, clipFilter(i, c))
		labels = append(labels, fmt.Sprintf("[a%d]", i))
	}
	mix := fmt.Sprintf("%samix=inputs=%d:normalize=0,atrim=0:%s,aresample=48000[aout]",
		strings.Join(labels, ""), len(clips), num(exportDuration))

	return MixPlan{
		InputURLs:     urls,
		FilterComplex: strings.Join(fragments, ";") + ";" + mix,
	}, true
}

const mixTimeout = 20 * time.Minute

// runMix renders the plan to a stereo PCM WAV.
func runMix(ctx context.Context, plan MixPlan, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, mixTimeout)
	defer cancel()

	args := []string{"-y"}
	for _, url := range plan.InputURLs {
		args = append(args, "-i", url)
	}
	args = append(args,
		"-filter_complex", plan.FilterComplex,
		"-map", "[aout]",
		"-ac", "2",
		"-ar", "48000",
		"-c:a", "pcm_s16le",
		outPath,
	)
	_, err := subprocess.Run(ctx, "audio mix", "ffmpeg", args...)
	return err
}
