// Package config loads the relay's text configuration file: a flat
// KEY = VALUE format, "#"-prefixed comments, blank lines ignored.
//
// The format is dictated by the expectations of sfshr deployments
// already in the field, so it is hand-parsed here rather than routed
// through a general config library.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ondralukes/sfshr/internal/logging"
	"go.uber.org/zap"
)

// Config is the relay's immutable-after-load configuration.
type Config struct {
	ExpirationSeconds uint64
	ThreadCount       uint64
	UploadsDir        string
	MaxSize           uint64
	MaxTotalSize      uint64
	RateLimitMbps     float64
}

// Default returns the documented defaults for every recognized key.
func Default() *Config {
	return &Config{
		ExpirationSeconds: 10800,
		ThreadCount:       8,
		UploadsDir:        "uploads",
		MaxSize:           1 << 20,   // 1 MiB
		MaxTotalSize:      256 << 20, // 256 MiB
		RateLimitMbps:     0,         // unlimited
	}
}

// Load reads and parses a config file at path. An unreadable config
// file is an error; the caller is expected to exit non-zero rather
// than run with defaults it never asked for.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripWhitespace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := splitOnce(line, '=')
		if !ok {
			return nil, fmt.Errorf("config parsing failed: not a key=value pair at line %d", lineNo)
		}

		switch key {
		case "EXPIRATION_TIME":
			v, perr := strconv.ParseUint(value, 10, 64)
			if perr != nil {
				return nil, fmt.Errorf("config parsing failed: failed to parse %q as u64 at line %d", value, lineNo)
			}
			cfg.ExpirationSeconds = v
		case "THREAD_COUNT":
			v, perr := strconv.ParseUint(value, 10, 64)
			if perr != nil {
				return nil, fmt.Errorf("config parsing failed: failed to parse %q as u64 at line %d", value, lineNo)
			}
			cfg.ThreadCount = v
		case "MAX_SIZE":
			v, perr := strconv.ParseUint(value, 10, 64)
			if perr != nil {
				return nil, fmt.Errorf("config parsing failed: failed to parse %q as u64 at line %d", value, lineNo)
			}
			cfg.MaxSize = v
		case "MAX_TOTAL_SIZE":
			v, perr := strconv.ParseUint(value, 10, 64)
			if perr != nil {
				return nil, fmt.Errorf("config parsing failed: failed to parse %q as u64 at line %d", value, lineNo)
			}
			cfg.MaxTotalSize = v
		case "UPLOADS":
			cfg.UploadsDir = value
		case "RATE_LIMIT_MBPS":
			v, perr := strconv.ParseFloat(value, 64)
			if perr != nil {
				return nil, fmt.Errorf("config parsing failed: failed to parse %q as float at line %d", value, lineNo)
			}
			cfg.RateLimitMbps = v
		default:
			logging.Warn("unknown config key", zap.String("key", key), zap.Int("line", lineNo))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config parsing failed: %w", err)
	}

	return cfg, nil
}

// stripWhitespace removes every whitespace rune from the line, not
// just at the ends, so "KEY = VALUE" and "KEY=VALUE" parse identically.
func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	default:
		return false
	}
}

// splitOnce splits on the first occurrence of sep, returning ok=false
// if sep is absent.
func splitOnce(s string, sep byte) (before, after string, ok bool) {
	idx := strings.IndexByte(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}
