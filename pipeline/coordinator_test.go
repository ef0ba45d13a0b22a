package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/autoclip/autoclip-worker/config"
	"github.com/autoclip/autoclip-worker/export"
	"github.com/autoclip/autoclip-worker/transcribe"
	"github.com/stretchr/testify/require"
)

func testCli() config.Cli {
	return config.Cli{
		JobRetentionMs:           3600000,
		JobTransientRetryLimit:   3,
		JobTransientRetryDelayMs: 1,
	}
}

func noopTranscribe(ctx context.Context, requestID, sessionID, videoKey, language string, progress transcribe.Progress) (*transcribe.Transcript, error) {
	return &transcribe.Transcript{}, nil
}

func TestExportAdmissionAndFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	release := make(chan struct{})

	runner := func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error {
		mu.Lock()
		started = append(started, job.ID)
		mu.Unlock()
		<-release
		job.Complete("https://signed/" + job.ID)
		return nil
	}

	c := NewCoordinator(testCli(), config.Resources{ExportConcurrency: 1, TranscribeConcurrency: 1}, runner, noopTranscribe)
	defer c.Stop()

	payload := &export.Payload{State: []byte(`{}`), Output: export.Dimensions{Width: 1080, Height: 1920}, Duration: 1}
	first, pos1 := c.EnqueueExport("req1", payload)
	second, pos2 := c.EnqueueExport("req2", payload)
	third, pos3 := c.EnqueueExport("req3", payload)
	require.Equal(t, 1, pos1)
	require.Equal(t, 2, pos2)
	require.Equal(t, 3, pos3)

	// only the first job may start while the cap is 1
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 1
	}, time.Second, time.Millisecond)

	_, queuePos, active, max, ok := c.ExportStatus(second.ID)
	require.True(t, ok)
	require.Equal(t, 1, queuePos)
	require.Equal(t, 1, active)
	require.Equal(t, 1, max)

	release <- struct{}{}
	release <- struct{}{}
	release <- struct{}{}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{first.ID, second.ID, third.ID}, started)
	mu.Unlock()
}

func TestCancelQueuedExport(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error {
		<-release
		return nil
	}
	c := NewCoordinator(testCli(), config.Resources{ExportConcurrency: 1, TranscribeConcurrency: 1}, runner, noopTranscribe)
	defer c.Stop()
	defer close(release)

	payload := &export.Payload{State: []byte(`{}`), Output: export.Dimensions{Width: 1080, Height: 1920}, Duration: 1}
	running, _ := c.EnqueueExport("req1", payload)
	queued, _ := c.EnqueueExport("req2", payload)

	require.True(t, c.CancelExport(queued.ID))
	snap, queuePos, _, _, ok := c.ExportStatus(queued.ID)
	require.True(t, ok)
	require.Equal(t, export.StatusError, snap.Status)
	require.Equal(t, "cancelled by request", snap.Error)
	require.Equal(t, 0, queuePos)

	// cancelling the running job only sets the sticky flag
	require.True(t, c.CancelExport(running.ID))
	reason, closed := running.ClosedReason()
	require.True(t, closed)
	require.Equal(t, "cancelled by request", reason)

	require.False(t, c.CancelExport("no-such-job"))
}

func TestTranscribeDedupBySession(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, requestID, sessionID, videoKey, language string, progress transcribe.Progress) (*transcribe.Transcript, error) {
		<-release
		return &transcribe.Transcript{Text: "done"}, nil
	}
	noopExport := func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error {
		return nil
	}
	c := NewCoordinator(testCli(), config.Resources{ExportConcurrency: 1, TranscribeConcurrency: 1}, noopExport, runner)
	defer c.Stop()

	job, created := c.EnqueueTranscribe("req1", "sess1", "sessions/sess1/input.mp4", "en")
	require.True(t, created)

	// in-flight job for the same session is returned, whatever the input
	dup, created := c.EnqueueTranscribe("req2", "sess1", "sessions/sess1/other.mp4", "de")
	require.False(t, created)
	require.Equal(t, job.ID, dup.ID)

	close(release)
	require.Eventually(t, func() bool {
		snap, ok := c.TranscribeStatus("sess1")
		return ok && snap.Status == "complete"
	}, time.Second, time.Millisecond)

	// completed with identical input: reuse
	same, created := c.EnqueueTranscribe("req3", "sess1", "sessions/sess1/input.mp4", "en")
	require.False(t, created)
	require.Equal(t, job.ID, same.ID)

	// completed but different language: fresh job
	fresh, created := c.EnqueueTranscribe("req4", "sess1", "sessions/sess1/input.mp4", "de")
	require.True(t, created)
	require.NotEqual(t, job.ID, fresh.ID)
}

func TestTranscribeTransientRetry(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	runner := func(ctx context.Context, requestID, sessionID, videoKey, language string, progress transcribe.Progress) (*transcribe.Transcript, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			return nil, fmt.Errorf("fetch failed")
		}
		return &transcribe.Transcript{Text: "recovered"}, nil
	}
	noopExport := func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error {
		return nil
	}
	c := NewCoordinator(testCli(), config.Resources{ExportConcurrency: 1, TranscribeConcurrency: 1}, noopExport, runner)
	defer c.Stop()

	c.EnqueueTranscribe("req1", "sess1", "sessions/sess1/input.mp4", "en")

	require.Eventually(t, func() bool {
		snap, ok := c.TranscribeStatus("sess1")
		return ok && snap.Status == "complete"
	}, 5*time.Second, time.Millisecond)

	snap, _ := c.TranscribeStatus("sess1")
	require.Equal(t, 2, snap.RetryCount)
	require.Equal(t, "recovered", snap.Result.Text)
}

func TestTranscribeNonTransientFailureIsTerminal(t *testing.T) {
	runner := func(ctx context.Context, requestID, sessionID, videoKey, language string, progress transcribe.Progress) (*transcribe.Transcript, error) {
		return nil, fmt.Errorf("source audio appears heavily corrupted")
	}
	noopExport := func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error {
		return nil
	}
	c := NewCoordinator(testCli(), config.Resources{ExportConcurrency: 1, TranscribeConcurrency: 1}, noopExport, runner)
	defer c.Stop()

	c.EnqueueTranscribe("req1", "sess1", "sessions/sess1/input.mp4", "en")
	require.Eventually(t, func() bool {
		snap, ok := c.TranscribeStatus("sess1")
		return ok && snap.Status == "error"
	}, time.Second, time.Millisecond)

	snap, _ := c.TranscribeStatus("sess1")
	require.Equal(t, 0, snap.RetryCount)
	require.Contains(t, snap.Error, "corrupted")
}

func TestSweepDeletesExpiredTerminalJobs(t *testing.T) {
	noopExport := func(ctx context.Context, requestID string, job *export.JobState, payload *export.Payload) error {
		job.Complete("https://signed")
		return nil
	}
	c := NewCoordinator(testCli(), config.Resources{ExportConcurrency: 1, TranscribeConcurrency: 1}, noopExport, noopTranscribe)
	defer c.Stop()

	payload := &export.Payload{State: []byte(`{}`), Output: export.Dimensions{Width: 1080, Height: 1920}, Duration: 1}
	job, _ := c.EnqueueExport("req1", payload)
	c.EnqueueTranscribe("req2", "sess1", "k", "en")

	require.Eventually(t, func() bool {
		snap, _, _, _, ok := c.ExportStatus(job.ID)
		if !ok {
			return false
		}
		tsnap, tok := c.TranscribeStatus("sess1")
		return snap.Status == export.StatusComplete && tok && tsnap.Status == "complete"
	}, time.Second, time.Millisecond)

	// still queryable inside the retention window
	c.sweepOnce(time.Now())
	_, _, _, _, ok := c.ExportStatus(job.ID)
	require.True(t, ok)

	c.sweepOnce(time.Now().Add(2 * time.Hour))
	_, _, _, _, ok = c.ExportStatus(job.ID)
	require.False(t, ok)
	_, ok = c.TranscribeStatus("sess1")
	require.False(t, ok)
}
