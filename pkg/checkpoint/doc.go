// Package checkpoint lets a batch fetch resume after an interruption.
//
// A checkpoint is named by the user (fetch --resume <name>) and records
// which links were delivered and which failed with what message key. On
// the next run delivered links are skipped and failed ones retried. The
// file is deleted once every link is delivered.
//
// Checkpoints are stored in platform-specific data directories:
//   - Linux: ~/.local/share/tikfetch/checkpoints/ (or $XDG_DATA_HOME)
//   - macOS: ~/Library/Application Support/tikfetch/checkpoints/
//   - Windows: %APPDATA%/tikfetch/checkpoints/
//
// Files are written atomically and carry a version number.
package checkpoint
