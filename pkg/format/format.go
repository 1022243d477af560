// Package format provides human-readable formatting for log output.
package format

import "fmt"

// Bytes formats a byte count for humans.
// Example: Bytes(1536) => "1.5 KB"
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	v := float64(n)
	for _, suffix := range []string{"KB", "MB", "GB", "TB", "PB"} {
		v /= unit
		if v < unit {
			return fmt.Sprintf("%.1f %s", v, suffix)
		}
	}
	return fmt.Sprintf("%.1f EB", v/unit)
}
