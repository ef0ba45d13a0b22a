package video

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/vansante/go-ffprobe.v2"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		input    string
		expected *float64
	}{
		{"30/1", fp(30)},
		{"30000/1001", fp(29.97002997002997)},
		{"25", fp(25)},
		{"0/0", fp(0)},
		{"30/0", nil},
		{"garbage", nil},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseFrameRate(tt.input)
			if tt.expected == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.InDelta(t, *tt.expected, *got, 1e-9)
		})
	}
}

func TestParseProbeData(t *testing.T) {
	raw := `{
		"format": {"duration": "12.5", "size": "1048576"},
		"streams": [
			{"index": 0, "codec_type": "video", "width": 1920, "height": 1080, "avg_frame_rate": "0/0", "r_frame_rate": "30/1"},
			{"index": 1, "codec_type": "audio"},
			{"index": 3, "codec_type": "audio"},
			{"index": 1, "codec_type": "audio"}
		]
	}`
	var data ffprobe.ProbeData
	require.NoError(t, json.Unmarshal([]byte(raw), &data))

	mi := parseProbeData(&data)
	require.NotNil(t, mi.Duration)
	require.InDelta(t, 12.5, *mi.Duration, 1e-9)
	require.Equal(t, 1920, mi.Width)
	require.Equal(t, 1080, mi.Height)
	require.Equal(t, int64(1048576), mi.SizeBytes)
	// avg was 0/0 so r_frame_rate should win
	require.NotNil(t, mi.FrameRate)
	require.InDelta(t, 30.0, *mi.FrameRate, 1e-9)
	// unique, ascending
	require.Equal(t, []int{1, 3}, mi.AudioStreamIndexes)
	require.Equal(t, 1, *mi.FirstAudioStreamIndex())
}

func TestParseProbeDataMissingFieldsYieldNil(t *testing.T) {
	var data ffprobe.ProbeData
	require.NoError(t, json.Unmarshal([]byte(`{"format": {}, "streams": []}`), &data))

	mi := parseProbeData(&data)
	require.Nil(t, mi.Duration)
	require.Nil(t, mi.FrameRate)
	require.Nil(t, mi.FirstAudioStreamIndex())
	require.Empty(t, mi.AudioStreamIndexes)
}

func fp(f float64) *float64 { return &f }
