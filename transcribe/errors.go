package transcribe

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/autoclip/autoclip-worker/clients"
)

// The retry loop splits STT failures into three classes: connection errors
// (retried aggressively with exponential backoff and jitter), other
// retryable errors (small fixed backoff, low ceiling) and everything else
// (surfaced immediately). Mis-classifying connection errors as ordinary
// collapses jobs under brief network hiccups, so the connection match is
// deliberately broad.

var connectionErrorNeedles = []string{
	"connection",
	"network",
	"dns",
	"reset",
	"timeout",
	"timed out",
	"fetch failed",
	"broken pipe",
	"socket",
	"eof",
	"tls handshake",
	"no such host",
	"refused",
}

// IsConnectionError reports whether err looks like a transport-level failure
// or a server-side condition (408/429/5xx) worth treating the same way.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var sttErr *clients.STTError
	if errors.As(err, &sttErr) {
		return sttErr.StatusCode == 408 || sttErr.StatusCode == 429 || sttErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range connectionErrorNeedles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// IsChunkTooLarge reports a 413 from the STT endpoint; the fix is a shorter
// segment length, not a retry.
func IsChunkTooLarge(err error) bool {
	var sttErr *clients.STTError
	return errors.As(err, &sttErr) && sttErr.StatusCode == 413
}

// IsDecodeError reports that the STT endpoint could not read the audio
// itself; the segment gets one WAV re-transcode before giving up.
func IsDecodeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not be decoded") || strings.Contains(msg, "format is not supported")
}

// IsRetryableSTT covers the generic temporary errors that are worth a small
// number of fixed-backoff retries but are not connection failures.
func IsRetryableSTT(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "temporar") || strings.Contains(msg, "try again")
}
