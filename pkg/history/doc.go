// Package history records delivered downloads.
//
// Backends: Nop, FileRecorder (JSON lines) and RedisRecorder (capped list
// plus counters). FromConfig picks one from config.HistoryConfig.
package history
