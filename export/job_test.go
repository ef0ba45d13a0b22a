package export

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobProgressIsMonotonic(t *testing.T) {
	j := NewJobState("job1")
	j.Advance(StatusLoading, "Starting renderer", 0.03)
	j.Advance(StatusLoading, "Waiting for renderer", 0.04)
	require.Equal(t, 0.04, j.Snapshot().Progress)

	// a stale lower value never moves progress backwards
	j.Advance(StatusLoading, "Waiting for renderer", 0.01)
	require.Equal(t, 0.04, j.Snapshot().Progress)

	j.SetFrames(0, 100)
	j.SetFrames(50, 100)
	snap := j.Snapshot()
	require.InDelta(t, 0.05+0.5*0.85, snap.Progress, 0.0001)
	require.Equal(t, 50, snap.FramesRendered)

	j.SetFrames(40, 100)
	require.Equal(t, 50, j.Snapshot().FramesRendered)
}

func TestJobWalksTheStageBands(t *testing.T) {
	j := NewJobState("job1")
	j.Advance(StatusLoading, "Starting renderer", 0.03)
	j.SetFrames(100, 100)
	j.Advance(StatusEncoding, "Mixing audio", 0.93)

	j.Advance(StatusEncoding, "Muxing", 0.95)
	snap := j.Snapshot()
	require.Equal(t, StatusEncoding, snap.Status)
	require.Equal(t, "Muxing", snap.Stage)
	require.Equal(t, 0.95, snap.Progress)

	j.Advance(StatusUploading, "Uploading", 0.97)
	require.Equal(t, 0.97, j.Snapshot().Progress)
}

func TestJobClosedReasonIsSticky(t *testing.T) {
	j := NewJobState("job1")
	_, closed := j.ClosedReason()
	require.False(t, closed)

	j.MarkClosed("renderer crashed")
	j.MarkClosed("cancelled by request")
	reason, closed := j.ClosedReason()
	require.True(t, closed)
	require.Equal(t, "renderer crashed", reason)
}

func TestJobFailDoesNotOverrideComplete(t *testing.T) {
	j := NewJobState("job1")
	j.Complete("https://signed")
	j.Fail("late failure")
	snap := j.Snapshot()
	require.Equal(t, StatusComplete, snap.Status)
	require.Empty(t, snap.Error)
	require.Equal(t, 1.0, snap.Progress)
}

func TestPayloadValidate(t *testing.T) {
	valid := &Payload{
		State:    []byte(`{"assets":[],"clips":[]}`),
		Output:   Dimensions{Width: 1080, Height: 1920},
		Duration: 3,
	}
	require.NoError(t, valid.Validate())

	missingState := &Payload{Output: Dimensions{Width: 1080, Height: 1920}, Duration: 3}
	require.ErrorContains(t, missingState.Validate(), "state")

	missingOutput := &Payload{State: []byte(`{}`), Duration: 3}
	require.ErrorContains(t, missingOutput.Validate(), "output")

	missingDuration := &Payload{State: []byte(`{}`), Output: Dimensions{Width: 1080, Height: 1920}}
	require.ErrorContains(t, missingDuration.Validate(), "duration")
}
