package ui

import "fmt"

// FormatBytes formats a byte count into a human-readable string, e.g. "1.5 MB".
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed formats a bytes-per-second rate into a human-readable string, e.g. "10.5 MB/s".
func FormatSpeed(bytesPerSec float64) string {
	const unit = 1024
	if bytesPerSec < unit {
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
	units := []string{"KB/s", "MB/s", "GB/s", "TB/s"}
	div := bytesPerSec
	idx := -1
	for div >= unit && idx < len(units)-1 {
		div /= unit
		idx++
	}
	return fmt.Sprintf("%.1f %s", div, units[idx])
}
