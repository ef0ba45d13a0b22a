package log

import (
	"io"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache

// swapped out by tests
var logDestination io.Writer = os.Stderr

const defaultLoggerCacheExpiry = 6 * time.Hour

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// AddContext permanently adds context to the logger. Any future logging for
// this request ID will include this context.
func AddContext(requestID string, keyvals ...interface{}) {
	_ = loggerCache.Add(requestID, kitlog.With(getLogger(requestID), keyvals...), defaultLoggerCacheExpiry)
}

func Log(requestID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(requestID), "msg", message).Log(keyvals...)
}

// LogNoRequestID logs in situations where we don't have access to the request
// ID. Should be used sparingly and with as much context in the message as
// possible.
func LogNoRequestID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(keyvals...)
}

func LogError(requestID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(requestID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(keyvals...)
}

func getLogger(requestID string) kitlog.Logger {
	logger, found := loggerCache.Get(requestID)
	if found {
		return logger.(kitlog.Logger)
	}

	reqLogger := kitlog.With(newLogger(), "request_id", requestID)
	if err := loggerCache.Add(requestID, reqLogger, defaultLoggerCacheExpiry); err != nil {
		_ = reqLogger.Log("msg", "error adding logger to cache", "request_id", requestID)
	}
	return reqLogger
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(logDestination))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}
