package export

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func snapshot() *TimelineSnapshot {
	return &TimelineSnapshot{
		Assets: []Asset{
			{ID: "v1", Kind: AssetVideo, URL: "https://assets/v1.mp4"},
			{ID: "a1", Kind: AssetAudio, URL: "https://assets/a1.mp3"},
			{ID: "img", Kind: AssetImage, URL: "https://assets/logo.png"},
			{ID: "nourl", Kind: AssetAudio, URL: ""},
		},
		Clips: []Clip{
			{ID: "c1", AssetID: "v1", StartTime: 0, StartOffset: 2, Duration: 5},
			{ID: "c2", AssetID: "a1", StartTime: 3.5, StartOffset: 0, Duration: 4},
			{ID: "c3", AssetID: "img", StartTime: 0, Duration: 5},   // image never mixes
			{ID: "c4", AssetID: "nourl", StartTime: 0, Duration: 5}, // no URL
			{ID: "c5", AssetID: "v1", StartTime: 1, Duration: 0},    // zero duration
		},
		ClipSettings: map[string]ClipSettings{},
	}
}

func TestContributingClipsInclusionRule(t *testing.T) {
	tl := snapshot()
	clips := contributingClips(tl)
	require.Len(t, clips, 2)
	require.Equal(t, "https://assets/v1.mp4", clips[0].url)
	require.Equal(t, "https://assets/a1.mp3", clips[1].url)

	tl.ClipSettings["c1"] = ClipSettings{Muted: true}
	require.Len(t, contributingClips(tl), 1)

	tl.ClipSettings["c2"] = ClipSettings{Volume: f(0)}
	require.Empty(t, contributingClips(tl))
}

func TestAtempoChain(t *testing.T) {
	require.Empty(t, atempoChain(1.0))
	require.Equal(t, []float64{1.5}, atempoChain(1.5))
	require.Equal(t, []float64{2.0, 2.0}, atempoChain(4.0))
	require.Equal(t, []float64{2.0, 2.0, 1.25}, atempoChain(5.0))
	require.Equal(t, []float64{0.5, 0.5}, atempoChain(0.25))
	require.Equal(t, []float64{0.5, 0.8}, atempoChain(0.4))
}

func TestClipFilterFragment(t *testing.T) {
	frag := clipFilter(0, mixClip{
		url:         "https://assets/a.mp3",
		startTime:   3.5,
		startOffset: 1,
		duration:    4,
		speed:       2,
		volume:      0.5,
		fadeIn:      0.25,
		fadeOut:     0.5,
	})
	require.Contains(t, frag, "[0:a]")
	require.Contains(t, frag, "atrim=start=1:duration=8")
	require.Contains(t, frag, "asetpts=PTS-STARTPTS")
	require.Contains(t, frag, "atempo=2")
	require.Contains(t, frag, "volume=0.5")
	require.Contains(t, frag, "afade=t=in:st=0:d=0.25")
	require.Contains(t, frag, "afade=t=out:st=3.5:d=0.5")
	require.Contains(t, frag, "adelay=3500|3500")
	require.Contains(t, frag, "[a0]")
}

func TestClipFilterDefaultsOmitNoOps(t *testing.T) {
	frag := clipFilter(1, mixClip{
		url: "u", startTime: 0, startOffset: 0, duration: 2, speed: 1, volume: 1,
	})
	require.NotContains(t, frag, "atempo")
	require.NotContains(t, frag, "volume=")
	require.NotContains(t, frag, "afade")
	require.Contains(t, frag, "adelay=0|0")
	require.Contains(t, frag, "[a1]")
}

func TestBuildMix(t *testing.T) {
	plan, ok := BuildMix(snapshot(), 10)
	require.True(t, ok)
	require.Len(t, plan.InputURLs, 2)
	require.Contains(t, plan.FilterComplex, "amix=inputs=2:normalize=0")
	require.Contains(t, plan.FilterComplex, "atrim=0:10")
	require.Contains(t, plan.FilterComplex, "aresample=48000[aout]")
	require.Contains(t, plan.FilterComplex, "[a0][a1]amix")
}

func TestBuildMixSkippedWhenNothingQualifies(t *testing.T) {
	_, ok := BuildMix(&TimelineSnapshot{}, 10)
	require.False(t, ok)
}
