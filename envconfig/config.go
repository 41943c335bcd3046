// Package envconfig reads the small slice of environment-derived knobs
// the inference core owns directly: storage root, default download
// concurrency, a tier override for testing, and log verbosity. The
// surrounding application config loader is out of scope (spec.md §1);
// this package only covers what the engine itself consults.
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Var returns the trimmed value of a DOPPLER_ environment variable.
func Var(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// ModelsDir returns the root directory for the shard store.
// Configurable via DOPPLER_MODELS. Defaults to ~/.doppler/models.
func ModelsDir() string {
	if v := Var("DOPPLER_MODELS"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".doppler", "models")
}

// DownloadConcurrency returns the default number of concurrent shard
// fetches. Configurable via DOPPLER_DOWNLOAD_CONCURRENCY, default 3.
func DownloadConcurrency() int {
	if v := Var("DOPPLER_DOWNLOAD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 3
}

// TierOverride allows forcing a capability tier (1, 2, or 3) for testing
// without a real device. Configurable via DOPPLER_TIER_OVERRIDE, 0 means unset.
func TierOverride() int {
	if v := Var("DOPPLER_TIER_OVERRIDE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 3 {
			return n
		}
	}
	return 0
}

// LogLevel returns the slog.Level implied by DOPPLER_DEBUG.
func LogLevel() slog.Level {
	switch Var("DOPPLER_DEBUG") {
	case "1", "true", "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Trace reports whether very verbose per-token/per-kernel tracing is
// enabled. Separate from LogLevel so a debug run isn't automatically a
// firehose.
func Trace() bool {
	switch Var("DOPPLER_TRACE") {
	case "1", "true":
		return true
	default:
		return false
	}
}

// HTTPVerbose reports whether the downloader should log wire-level HTTP
// traffic via httpretty.
func HTTPVerbose() bool {
	switch Var("DOPPLER_HTTP_VERBOSE") {
	case "1", "true":
		return true
	default:
		return false
	}
}
