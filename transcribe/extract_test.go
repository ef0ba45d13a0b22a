package transcribe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBetterCandidatePrefersCleanExit(t *testing.T) {
	clean := extractionCandidate{label: "a", exitOK: true, duration: 10, size: 100}
	dirty := extractionCandidate{label: "b", exitOK: false, duration: 500, size: 9000}
	require.True(t, betterCandidate(clean, dirty))
	require.False(t, betterCandidate(dirty, clean))
}

func TestBetterCandidateDurationMargin(t *testing.T) {
	longer := extractionCandidate{exitOK: true, duration: 62.5, size: 10}
	shorter := extractionCandidate{exitOK: true, duration: 60.0, size: 90000}
	require.True(t, betterCandidate(longer, shorter))

	// within a second of each other duration is a wash and size decides
	closeA := extractionCandidate{exitOK: true, duration: 60.6, size: 10}
	closeB := extractionCandidate{exitOK: true, duration: 60.0, size: 90000}
	require.False(t, betterCandidate(closeA, closeB))
	require.True(t, betterCandidate(closeB, closeA))
}

func TestPickBest(t *testing.T) {
	_, found := pickBest(nil)
	require.False(t, found)

	best, found := pickBest([]extractionCandidate{
		{label: "broken", exitOK: false, duration: 30, size: 100},
		{label: "good", exitOK: true, duration: 29, size: 50},
		{label: "short", exitOK: true, duration: 10, size: 500},
	})
	require.True(t, found)
	require.Equal(t, "good", best.label)
}
