// Package logger provides the structured logging interface used across tikfetch.
//
// It wraps zerolog behind a small Logger interface so components can take a
// logger as a dependency and tests can swap in NewTestLogger or NewNopLogger.
//
// Basic usage:
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//	    return err
//	}
//	logger.WithField("link", link).Info("Fetching media")
//
//	log := logger.GetLogger().WithField("component", "queue")
//	log.DebugWithFields("Admission granted", map[string]interface{}{
//	    "key":     key,
//	    "pending": pending,
//	})
//
// Console output is colorized and goes to stderr. When logging.file is set,
// entries are additionally appended to that file.
package logger
