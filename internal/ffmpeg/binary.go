package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryInfo describes the detected ffmpeg installation.
type BinaryInfo struct {
	FFmpegPath    string   `json:"ffmpeg_path"`
	FFprobePath   string   `json:"ffprobe_path,omitempty"`
	Version       string   `json:"version"`
	MajorVersion  int      `json:"major_version"`
	MinorVersion  int      `json:"minor_version"`
	BuildDate     string   `json:"build_date,omitempty"`
	Configuration string   `json:"configuration,omitempty"`
	Encoders      []string `json:"encoders,omitempty"`
}

// BinaryDetector locates the ffmpeg and ffprobe binaries and caches what it
// learns about them.
type BinaryDetector struct {
	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration

	ffmpegPath  string
	ffprobePath string
}

// NewBinaryDetector creates a new binary detector.
func NewBinaryDetector() *BinaryDetector {
	return &BinaryDetector{
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// WithConfiguredPaths pins explicit binary paths. Empty strings fall back to
// auto-detection.
func (d *BinaryDetector) WithConfiguredPaths(ffmpegPath, ffprobePath string) *BinaryDetector {
	d.ffmpegPath = ffmpegPath
	d.ffprobePath = ffprobePath
	return d
}

// Detect locates the binaries and their capabilities, serving from cache
// when a recent detection exists.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	info := d.cached()
	d.mu.RUnlock()
	if info != nil {
		return info, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if info := d.cached(); info != nil {
		return info, nil
	}

	info, err := d.probeBinaries(ctx)
	if err != nil {
		return nil, err
	}
	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// cached returns the current info if it is still fresh. Callers hold d.mu.
func (d *BinaryDetector) cached() *BinaryInfo {
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info
	}
	return nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) probeBinaries(ctx context.Context) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	// ffmpeg is required. Search order: configured path, then the
	// RTSP_FFMPEG_BINARY override, then ./ffmpeg, then PATH.
	info.FFmpegPath = d.ffmpegPath
	if info.FFmpegPath == "" {
		path, err := lookupBinary("ffmpeg", "RTSP_FFMPEG_BINARY")
		if err != nil {
			return nil, err
		}
		info.FFmpegPath = path
	}

	// ffprobe is optional here; source analysis reports its own error when
	// the binary is missing at probe time.
	info.FFprobePath = d.ffprobePath
	if info.FFprobePath == "" {
		info.FFprobePath, _ = lookupBinary("ffprobe", "RTSP_FFPROBE_BINARY")
	}

	out, err := exec.CommandContext(ctx, info.FFmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", info.FFmpegPath, err)
	}
	if err := parseVersion(out, info); err != nil {
		return nil, err
	}

	if out, err := exec.CommandContext(ctx, info.FFmpegPath, "-encoders", "-hide_banner").Output(); err == nil {
		info.Encoders = parseEncoders(out)
	}

	return info, nil
}

// lookupBinary resolves the path to a helper binary. An explicit env
// override wins, then a copy in the working directory, then PATH.
func lookupBinary(name, envVar string) (string, error) {
	if p := os.Getenv(envVar); p != "" && runnable(p) {
		return p, nil
	}
	if local := "./" + name; runnable(local) {
		return local, nil
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%s not found in $%s, ./%s, or PATH", name, envVar, name)
}

// runnable reports whether path is a regular file with an executable bit.
func runnable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0
}

var releasePattern = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion fills the version fields of info from ffmpeg -version
// output. The banner reads "ffmpeg version 6.0 Copyright ..." with
// distro variants like "n6.0-2-g..." or "6.0.1-static".
func parseVersion(out []byte, info *BinaryInfo) error {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			info.Version = fields[2]
			if m := releasePattern.FindStringSubmatch(info.Version); m != nil {
				info.MajorVersion, _ = strconv.Atoi(m[1])
				info.MinorVersion, _ = strconv.Atoi(m[2])
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildDate = strings.TrimPrefix(line, "built with ")
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimPrefix(line, "configuration: ")
		}
	}
	if info.Version == "" {
		return fmt.Errorf("no version banner in ffmpeg -version output")
	}
	return nil
}

// parseEncoders lists encoder names from ffmpeg -encoders output. Rows
// follow a "------" separator and look like " V....D libx264  H.264 ...":
// six capability flags, the encoder name, then a description.
func parseEncoders(out []byte) []string {
	var encoders []string
	inList := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !inList {
			inList = strings.Contains(line, "------")
			continue
		}
		if len(line) < 8 || !strings.ContainsRune("VAS", rune(line[0])) {
			continue
		}
		if fields := strings.Fields(line[6:]); len(fields) > 0 {
			encoders = append(encoders, fields[0])
		}
	}
	return encoders
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// SupportsMinVersion returns true if the ffmpeg version meets the minimum
// requirement.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion > major {
		return true
	}
	return info.MajorVersion == major && info.MinorVersion >= minor
}

// JSON returns the binary info as a JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}
