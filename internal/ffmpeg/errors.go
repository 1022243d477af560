package ffmpeg

import "strings"

// ClassifyProbeError maps raw ffprobe output to an operator-friendly message.
// Matching is case-insensitive and ordered from most to least specific.
func ClassifyProbeError(errMsg string) string {
	lower := strings.ToLower(errMsg)

	switch {
	case strings.Contains(lower, "unable to open rtsp for listening"),
		strings.Contains(lower, "cannot assign requested address"):
		return "RTSP connection failed - camera may only allow one connection at a time"
	case strings.Contains(lower, "connection refused"):
		return "Connection refused - camera may be offline or port blocked"
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "401"):
		return "Authentication failed - check username/password in RTSP URL"
	case strings.Contains(lower, "forbidden"), strings.Contains(lower, "403"):
		return "Access forbidden - check camera permissions"
	case strings.Contains(lower, "not found"), strings.Contains(lower, "404"):
		return "Stream not found - check RTSP path in URL"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return "Connection timeout - camera may be offline or network issue"
	case strings.Contains(lower, "no route to host"):
		return "No route to host - check IP address and network connectivity"
	case strings.Contains(lower, "name or service not known"):
		return "DNS resolution failed - check hostname"
	case strings.Contains(lower, "invalid data"):
		return "Invalid stream data - camera may not support RTSP or URL is incorrect"
	}

	if len(errMsg) > 200 {
		return errMsg[:200] + "..."
	}
	return errMsg
}

// ParseRuntimeError maps captured ffmpeg stderr to an operator-friendly message.
// Unrecognized output falls back to the last non-empty stderr line, truncated
// so database status fields stay bounded.
func ParseRuntimeError(output string) string {
	lower := strings.ToLower(output)

	switch {
	case strings.Contains(lower, "connection refused"):
		return "Connection refused - camera offline or port blocked"
	case strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"):
		return "Authentication failed - check RTSP credentials"
	case strings.Contains(lower, "404"), strings.Contains(lower, "not found"):
		return "Stream not found - check RTSP URL path"
	case strings.Contains(lower, "timeout"):
		return "Connection timeout - network issue or camera offline"
	case strings.Contains(lower, "no route"):
		return "No route to host - check network/IP address"
	case strings.Contains(lower, "invalid data"):
		return "Invalid stream data - incompatible format"
	case strings.Contains(lower, "codec not currently supported"):
		return "Codec not supported - try enabling transcoding"
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}

	return "Unknown error occurred"
}
