package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nofearsk/rtspserver/internal/codec"
)

// probeOutput mirrors the ffprobe -print_format json document.
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	Filename       string `json:"filename"`
	NumStreams     int    `json:"nb_streams"`
	FormatName     string `json:"format_name"`
	FormatLongName string `json:"format_long_name"`
	BitRate        string `json:"bit_rate"`
}

type probeStream struct {
	Index         int    `json:"index"`
	CodecName     string `json:"codec_name"`
	CodecLongName string `json:"codec_long_name"`
	CodecType     string `json:"codec_type"` // video, audio, subtitle, data
	Profile       string `json:"profile"`
	Level         int    `json:"level,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	PixFmt        string `json:"pix_fmt,omitempty"`
	RFrameRate    string `json:"r_frame_rate,omitempty"`
	AvgFrameRate  string `json:"avg_frame_rate,omitempty"`
	SampleRate    string `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	BitRate       string `json:"bit_rate,omitempty"`
}

// ProbeResult is the analyzed view of an RTSP source.
// IsValid is false when the probe failed; Error then carries the classified cause.
type ProbeResult struct {
	// Video properties (first video stream)
	VideoCodec     string  `json:"video_codec,omitempty"`
	VideoCodecName string  `json:"video_codec_name,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Framerate      float64 `json:"framerate,omitempty"`
	VideoBitrate   int     `json:"video_bitrate,omitempty"`
	Profile        string  `json:"profile,omitempty"`
	Level          int     `json:"level,omitempty"`
	PixFmt         string  `json:"pix_fmt,omitempty"`

	// Audio properties (first audio stream)
	AudioCodec     string `json:"audio_codec,omitempty"`
	AudioCodecName string `json:"audio_codec_name,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	Channels       int    `json:"channels,omitempty"`
	AudioBitrate   int    `json:"audio_bitrate,omitempty"`

	IsValid bool   `json:"is_valid"`
	Error   string `json:"error,omitempty"`

	// Copy verdict for the HLS planner
	CanCopyVideo    bool   `json:"can_copy_video"`
	CanCopyAudio    bool   `json:"can_copy_audio"`
	NeedsTranscode  bool   `json:"needs_transcode"`
	TranscodeReason string `json:"transcode_reason,omitempty"`
}

// Resolution returns "WxH" or an empty string when dimensions are unknown.
func (r *ProbeResult) Resolution() string {
	if r.Width > 0 && r.Height > 0 {
		return fmt.Sprintf("%dx%d", r.Width, r.Height)
	}
	return ""
}

// ResultFromCodecs rebuilds a copy verdict from previously detected codec
// names, so feeds with catalogued codecs skip a fresh probe but still plan
// with the right copy/transcode split.
func ResultFromCodecs(videoCodec, audioCodec string) *ProbeResult {
	r := &ProbeResult{
		VideoCodec: codec.NormalizeVideo(videoCodec),
		AudioCodec: codec.NormalizeAudio(audioCodec),
		IsValid:    true,
	}
	analyzeCompatibility(r)
	return r
}

// Prober analyzes RTSP sources with ffprobe.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new stream prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     15 * time.Second,
	}
}

// WithTimeout sets the probe socket timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe analyzes an RTSP source and returns its properties plus a copy verdict.
// Probe failures are reported in the result, not as an error: the returned
// error is reserved for ffprobe being missing or the context being cancelled
// before the probe could run.
func (p *Prober) Probe(ctx context.Context, rtspURL string) (*ProbeResult, error) {
	result := &ProbeResult{}

	// Wall clock budget beyond the socket timeout so a wedged ffprobe
	// cannot hold the caller forever.
	ctx, cancel := context.WithTimeout(ctx, p.timeout+5*time.Second)
	defer cancel()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-rtsp_transport", "tcp",
		"-rtsp_flags", "prefer_tcp",
		"-timeout", strconv.FormatInt(p.timeout.Microseconds(), 10),
		"-analyzeduration", "5000000",
		"-probesize", "5000000",
		rtspURL,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Error = "Connection timeout - camera may be offline or unreachable"
		return result, nil
	}

	if err != nil {
		// Bare names that miss PATH fail with *exec.Error; absolute paths
		// fail at fork/exec with *fs.PathError.
		var execErr *exec.Error
		var pathErr *fs.PathError
		if errors.As(err, &execErr) || errors.As(err, &pathErr) {
			return nil, fmt.Errorf("ffprobe not found at %q: %w", p.ffprobePath, err)
		}

		stderrText := strings.TrimSpace(stderr.String())
		stdoutText := strings.TrimSpace(stdout.String())
		switch {
		case stderrText != "":
			result.Error = ClassifyProbeError(stderrText)
		case stdoutText != "":
			result.Error = ClassifyProbeError(stdoutText)
		default:
			result.Error = fmt.Sprintf("ffprobe failed: %v", err)
		}
		return result, nil
	}

	stdoutText := strings.TrimSpace(stdout.String())
	if stdoutText == "" {
		result.Error = "No stream data received - camera may not be streaming"
		return result, nil
	}

	var data probeOutput
	if err := json.Unmarshal([]byte(stdoutText), &data); err != nil {
		result.Error = fmt.Sprintf("Failed to parse stream info: %v", err)
		return result, nil
	}

	if len(data.Streams) == 0 {
		result.Error = "No video/audio streams found in RTSP source"
		return result, nil
	}

	extractStreamInfo(result, data.Streams)
	analyzeCompatibility(result)
	result.IsValid = true

	return result, nil
}

// extractStreamInfo fills in codec properties from the first video and audio streams.
func extractStreamInfo(result *ProbeResult, streams []probeStream) {
	for _, stream := range streams {
		switch stream.CodecType {
		case "video":
			if result.VideoCodec != "" {
				continue
			}
			result.VideoCodec = codec.NormalizeVideo(stream.CodecName)
			result.VideoCodecName = stream.CodecLongName
			result.Width = stream.Width
			result.Height = stream.Height
			result.Profile = stream.Profile
			result.Level = stream.Level
			result.PixFmt = stream.PixFmt

			if stream.AvgFrameRate != "" {
				result.Framerate = parseFramerate(stream.AvgFrameRate)
			}
			if result.Framerate == 0 && stream.RFrameRate != "" {
				result.Framerate = parseFramerate(stream.RFrameRate)
			}
			if br, err := strconv.Atoi(stream.BitRate); err == nil {
				result.VideoBitrate = br
			}

		case "audio":
			if result.AudioCodec != "" {
				continue
			}
			result.AudioCodec = codec.NormalizeAudio(stream.CodecName)
			result.AudioCodecName = stream.CodecLongName
			result.Channels = stream.Channels

			if sr, err := strconv.Atoi(stream.SampleRate); err == nil {
				result.SampleRate = sr
			}
			if br, err := strconv.Atoi(stream.BitRate); err == nil {
				result.AudioBitrate = br
			}
		}
	}
}

// analyzeCompatibility decides whether the source can be remuxed to HLS
// or needs a transcode pass.
func analyzeCompatibility(result *ProbeResult) {
	var reasons []string

	if result.VideoCodec != "" {
		if codec.CanCopyVideo(result.VideoCodec) {
			result.CanCopyVideo = true
		} else {
			reasons = append(reasons, fmt.Sprintf("Video codec '%s' not HLS-compatible", result.VideoCodec))
		}
	} else {
		reasons = append(reasons, "No video stream detected")
	}

	if result.AudioCodec != "" {
		if codec.CanCopyAudio(result.AudioCodec) {
			result.CanCopyAudio = true
		} else {
			reasons = append(reasons, fmt.Sprintf("Audio codec '%s' needs transcoding to AAC", result.AudioCodec))
		}
	} else {
		// No audio track is fine for HLS.
		result.CanCopyAudio = true
	}

	result.NeedsTranscode = !result.CanCopyVideo
	if len(reasons) > 0 {
		result.TranscodeReason = strings.Join(reasons, "; ")
	}
}

// parseFramerate parses a framerate ratio like "30000/1001" or a plain "29.97".
func parseFramerate(fr string) float64 {
	if num, den, ok := strings.Cut(fr, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return roundFramerate(n / d)
	}

	f, err := strconv.ParseFloat(fr, 64)
	if err != nil {
		return 0
	}
	return roundFramerate(f)
}

func roundFramerate(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
