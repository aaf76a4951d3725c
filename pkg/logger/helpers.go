package logger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogRequest logs an outbound HTTP request at a level matching its status
func LogRequest(l Logger, method, url string, statusCode int, elapsed time.Duration) {
	fields := map[string]interface{}{
		"method":      method,
		"url":         url,
		"status_code": statusCode,
		"duration_ms": elapsed.Milliseconds(),
	}

	switch {
	case statusCode >= 500 || statusCode == 0:
		OrDefault(l).ErrorWithFields("HTTP request failed", fields)
	case statusCode >= 400:
		OrDefault(l).WarnWithFields("HTTP request client error", fields)
	default:
		OrDefault(l).DebugWithFields("HTTP request completed", fields)
	}
}

// LogDownload logs the outcome of a media download
func LogDownload(l Logger, mediaID, kind string, size int, err error) {
	entry := OrDefault(l).WithFields(map[string]interface{}{
		"media_id":   mediaID,
		"media_kind": kind,
		"size":       size,
	})
	if err != nil {
		entry.WithError(err).Error("Download failed")
		return
	}
	entry.Info("Download completed")
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, settings map[string]interface{}) {
	entry := OrDefault(l).WithField("component", component)
	if len(settings) > 0 {
		entry = entry.WithFields(settings)
	}
	entry.Debug("Component started")
}

// NewNopLogger creates a logger that discards everything
func NewNopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string)                                    {}
func (nopLogger) Info(string)                                     {}
func (nopLogger) Warn(string)                                     {}
func (nopLogger) Error(string)                                    {}
func (nopLogger) Fatal(string)                                    {}
func (n nopLogger) WithField(string, interface{}) Logger          { return n }
func (n nopLogger) WithFields(map[string]interface{}) Logger      { return n }
func (n nopLogger) WithError(error) Logger                        { return n }
func (n nopLogger) WithContext(context.Context) Logger            { return n }
func (nopLogger) DebugWithFields(string, map[string]interface{})  {}
func (nopLogger) InfoWithFields(string, map[string]interface{})   {}
func (nopLogger) WarnWithFields(string, map[string]interface{})   {}
func (nopLogger) ErrorWithFields(string, map[string]interface{})  {}
func (nopLogger) FatalWithFields(string, map[string]interface{})  {}
func (nopLogger) GetZerolog() *zerolog.Logger                     { nop := zerolog.Nop(); return &nop }
