package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nofearsk/rtspserver/internal/models"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not installed.
func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

func testFeed() *models.Feed {
	return &models.Feed{
		ID:          "AbCdEf1234567890",
		Name:        "Front Gate",
		SourceURL:   "rtsp://cam.local:554/stream1",
		Mode:        models.FeedModeOnDemand,
		LatencyMode: models.LatencyModeStable,
	}
}

func compatibleProbe() *ProbeResult {
	return &ProbeResult{
		VideoCodec:   "h264",
		AudioCodec:   "aac",
		IsValid:      true,
		CanCopyVideo: true,
		CanCopyAudio: true,
	}
}

// argValue returns the argument following the given flag.
func argValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func argIndex(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i
		}
	}
	return -1
}

func TestCommandBuilder_ArgOrder(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		InputArgs("-rtsp_transport", "tcp").
		Input("rtsp://cam.local/stream").
		VideoArgs("-c:v", "copy").
		AudioArgs("-c:a", "copy").
		OutputArgs("-f", "hls").
		Output("/srv/streams/abc/stream.m3u8").
		Build()

	assert.Equal(t, []string{
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", "rtsp://cam.local/stream",
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"/srv/streams/abc/stream.m3u8",
	}, cmd.Args)
	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Contains(t, cmd.String(), "/usr/bin/ffmpeg -loglevel error")
}

func TestCommand_NotStarted(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").Input("rtsp://x").Output("out.m3u8").Build()

	assert.False(t, cmd.IsRunning())
	assert.Equal(t, 0, cmd.PID())
	assert.Error(t, cmd.Wait())
	assert.Error(t, cmd.Signal(os.Interrupt))
}

func TestPlanner_CopyModeWhenCompatible(t *testing.T) {
	dir := t.TempDir()
	planner := NewPlanner("/usr/bin/ffmpeg")

	cmd := planner.PlanHLS(testFeed(), compatibleProbe(), dir, HLSOptions{})

	assert.Equal(t, []string{
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-rtsp_flags", "prefer_tcp",
		"-buffer_size", "1024000",
		"-timeout", "5000000",
		"-y",
		"-i", "rtsp://cam.local:554/stream1",
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", "3",
		"-hls_list_size", "8",
		"-hls_flags", "delete_segments+append_list+omit_endlist",
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		"-start_number", "0",
		filepath.Join(dir, "stream.m3u8"),
	}, cmd.Args)
}

func TestPlanner_NilProbeAssumesCopy(t *testing.T) {
	cmd := NewPlanner("ffmpeg").PlanHLS(testFeed(), nil, t.TempDir(), HLSOptions{})

	v, ok := argValue(cmd.Args, "-c:v")
	require.True(t, ok)
	assert.Equal(t, "copy", v)
	a, ok := argValue(cmd.Args, "-c:a")
	require.True(t, ok)
	assert.Equal(t, "copy", a)
}

func TestPlanner_TranscodeWhenForced(t *testing.T) {
	feed := testFeed()
	feed.UseTranscode = true

	cmd := NewPlanner("ffmpeg").PlanHLS(feed, compatibleProbe(), t.TempDir(), HLSOptions{})

	v, _ := argValue(cmd.Args, "-c:v")
	assert.Equal(t, "libx264", v)
	preset, _ := argValue(cmd.Args, "-preset")
	assert.Equal(t, "ultrafast", preset)
	tune, _ := argValue(cmd.Args, "-tune")
	assert.Equal(t, "zerolatency", tune)
	profile, _ := argValue(cmd.Args, "-profile:v")
	assert.Equal(t, "baseline", profile)
	crf, _ := argValue(cmd.Args, "-crf")
	assert.Equal(t, "23", crf)
	kf, _ := argValue(cmd.Args, "-force_key_frames")
	assert.Equal(t, "expr:gte(t,n_forced*3)", kf)

	// Compatible audio still copies
	a, _ := argValue(cmd.Args, "-c:a")
	assert.Equal(t, "copy", a)
}

func TestPlanner_TranscodeWhenIncompatible(t *testing.T) {
	probe := &ProbeResult{
		VideoCodec:      "mpeg4",
		AudioCodec:      "aac",
		IsValid:         true,
		CanCopyVideo:    false,
		CanCopyAudio:    true,
		NeedsTranscode:  true,
		TranscodeReason: "Video codec 'mpeg4' not HLS-compatible",
	}

	cmd := NewPlanner("ffmpeg").PlanHLS(testFeed(), probe, t.TempDir(), HLSOptions{})

	v, _ := argValue(cmd.Args, "-c:v")
	assert.Equal(t, "libx264", v)
}

func TestPlanner_LowLatencyProfile(t *testing.T) {
	feed := testFeed()
	feed.LatencyMode = models.LatencyModeLow
	feed.UseTranscode = true

	cmd := NewPlanner("ffmpeg").PlanHLS(feed, compatibleProbe(), t.TempDir(), HLSOptions{})

	fflags, ok := argValue(cmd.Args, "-fflags")
	require.True(t, ok)
	assert.Equal(t, "nobuffer+flush_packets", fflags)
	flags, _ := argValue(cmd.Args, "-flags")
	assert.Equal(t, "low_delay", flags)
	buffer, _ := argValue(cmd.Args, "-buffer_size")
	assert.Equal(t, "512000", buffer)

	kf, _ := argValue(cmd.Args, "-force_key_frames")
	assert.Equal(t, "expr:gte(t,n_forced*1)", kf)

	hlsTime, _ := argValue(cmd.Args, "-hls_time")
	assert.Equal(t, "1", hlsTime)
	listSize, _ := argValue(cmd.Args, "-hls_list_size")
	assert.Equal(t, "4", listSize)
	hlsFlags, _ := argValue(cmd.Args, "-hls_flags")
	assert.Equal(t, "delete_segments+append_list+omit_endlist+split_by_time", hlsFlags)
}

func TestPlanner_LowLatencyOverrideFlag(t *testing.T) {
	feed := testFeed()
	feed.FFmpegOverrides = `{"low_latency": true}`

	cmd := NewPlanner("ffmpeg").PlanHLS(feed, compatibleProbe(), t.TempDir(), HLSOptions{})

	buffer, _ := argValue(cmd.Args, "-buffer_size")
	assert.Equal(t, "512000", buffer)
	hlsTime, _ := argValue(cmd.Args, "-hls_time")
	assert.Equal(t, "1", hlsTime)
}

func TestPlanner_AudioDisabledWhenSourceHasNone(t *testing.T) {
	probe := compatibleProbe()
	probe.AudioCodec = ""

	feed := testFeed()
	feed.FFmpegOverrides = `{"audio_args": ["-af", "volume=2"]}`

	cmd := NewPlanner("ffmpeg").PlanHLS(feed, probe, t.TempDir(), HLSOptions{})

	assert.GreaterOrEqual(t, argIndex(cmd.Args, "-an"), 0)
	assert.Equal(t, -1, argIndex(cmd.Args, "-c:a"))
	// Extra audio args are dropped along with the track
	assert.Equal(t, -1, argIndex(cmd.Args, "-af"))
}

func TestPlanner_NoAudioOverride(t *testing.T) {
	feed := testFeed()
	feed.FFmpegOverrides = `{"no_audio": true}`

	cmd := NewPlanner("ffmpeg").PlanHLS(feed, compatibleProbe(), t.TempDir(), HLSOptions{})

	assert.GreaterOrEqual(t, argIndex(cmd.Args, "-an"), 0)
	assert.Equal(t, -1, argIndex(cmd.Args, "-c:a"))
}

func TestPlanner_AudioTranscodeWhenIncompatible(t *testing.T) {
	probe := compatibleProbe()
	probe.AudioCodec = "pcm_alaw"
	probe.CanCopyAudio = false

	cmd := NewPlanner("ffmpeg").PlanHLS(testFeed(), probe, t.TempDir(), HLSOptions{})

	a, _ := argValue(cmd.Args, "-c:a")
	assert.Equal(t, "aac", a)
	bitrate, _ := argValue(cmd.Args, "-b:a")
	assert.Equal(t, "128k", bitrate)
	channels, _ := argValue(cmd.Args, "-ac")
	assert.Equal(t, "2", channels)
}

func TestPlanner_Overrides(t *testing.T) {
	feed := testFeed()
	feed.UseTranscode = true
	feed.FFmpegOverrides = `{
		"rtsp_transport": "udp",
		"stimeout": "7000000",
		"crf": 18,
		"video_bitrate": "2M",
		"scale": "1280:720",
		"input_args": ["-use_wallclock_as_timestamps", "1"],
		"output_args": ["-hls_allow_cache", "0"]
	}`

	dir := t.TempDir()
	cmd := NewPlanner("ffmpeg").PlanHLS(feed, compatibleProbe(), dir, HLSOptions{})

	transport, _ := argValue(cmd.Args, "-rtsp_transport")
	assert.Equal(t, "udp", transport)
	timeout, _ := argValue(cmd.Args, "-timeout")
	assert.Equal(t, "7000000", timeout)
	crf, _ := argValue(cmd.Args, "-crf")
	assert.Equal(t, "18", crf)
	bv, _ := argValue(cmd.Args, "-b:v")
	assert.Equal(t, "2M", bv)
	maxrate, _ := argValue(cmd.Args, "-maxrate")
	assert.Equal(t, "2M", maxrate)
	bufsize, _ := argValue(cmd.Args, "-bufsize")
	assert.Equal(t, "2M", bufsize)
	vf, _ := argValue(cmd.Args, "-vf")
	assert.Equal(t, "scale=1280:720", vf)

	wallclock := argIndex(cmd.Args, "-use_wallclock_as_timestamps")
	require.GreaterOrEqual(t, wallclock, 0)
	assert.Less(t, wallclock, argIndex(cmd.Args, "-i"))

	allowCache := argIndex(cmd.Args, "-hls_allow_cache")
	require.GreaterOrEqual(t, allowCache, 0)
	assert.Greater(t, allowCache, argIndex(cmd.Args, "-f"))

	// Output path is always the final argument
	assert.Equal(t, filepath.Join(dir, "stream.m3u8"), cmd.Args[len(cmd.Args)-1])
}

func TestPlanner_RuntimeHLSOptions(t *testing.T) {
	cmd := NewPlanner("ffmpeg").PlanHLS(testFeed(), compatibleProbe(), t.TempDir(), HLSOptions{Time: 5, ListSize: 10})

	hlsTime, _ := argValue(cmd.Args, "-hls_time")
	assert.Equal(t, "5", hlsTime)
	listSize, _ := argValue(cmd.Args, "-hls_list_size")
	assert.Equal(t, "10", listSize)
}

func TestPlanner_OverrideBeatsRuntimeHLSOptions(t *testing.T) {
	feed := testFeed()
	feed.FFmpegOverrides = `{"hls_time": 2}`

	cmd := NewPlanner("ffmpeg").PlanHLS(feed, compatibleProbe(), t.TempDir(), HLSOptions{Time: 5})

	hlsTime, _ := argValue(cmd.Args, "-hls_time")
	assert.Equal(t, "2", hlsTime)
}

func TestPlanner_InvalidOverridesIgnored(t *testing.T) {
	feed := testFeed()
	feed.FFmpegOverrides = `{not json`

	cmd := NewPlanner("ffmpeg").PlanHLS(feed, compatibleProbe(), t.TempDir(), HLSOptions{})

	transport, _ := argValue(cmd.Args, "-rtsp_transport")
	assert.Equal(t, "tcp", transport)
}

func TestProbeResult_Resolution(t *testing.T) {
	r := &ProbeResult{Width: 1920, Height: 1080}
	assert.Equal(t, "1920x1080", r.Resolution())

	assert.Empty(t, (&ProbeResult{}).Resolution())
	assert.Empty(t, (&ProbeResult{Width: 1920}).Resolution())
}

func TestParseFramerate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30000/1001", 29.97},
		{"25/1", 25},
		{"60/2", 30},
		{"0/0", 0},
		{"25", 25},
		{"29.97", 29.97},
		{"garbage", 0},
		{"/5", 0},
		{"", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseFramerate(tt.in), "input %q", tt.in)
	}
}

func TestAnalyzeCompatibility(t *testing.T) {
	t.Run("h264 aac copies", func(t *testing.T) {
		r := &ProbeResult{VideoCodec: "h264", AudioCodec: "aac"}
		analyzeCompatibility(r)
		assert.True(t, r.CanCopyVideo)
		assert.True(t, r.CanCopyAudio)
		assert.False(t, r.NeedsTranscode)
		assert.Empty(t, r.TranscodeReason)
	})

	t.Run("hevc no audio copies", func(t *testing.T) {
		r := &ProbeResult{VideoCodec: "hevc"}
		analyzeCompatibility(r)
		assert.True(t, r.CanCopyVideo)
		assert.True(t, r.CanCopyAudio)
		assert.False(t, r.NeedsTranscode)
	})

	t.Run("mpeg4 needs transcode", func(t *testing.T) {
		r := &ProbeResult{VideoCodec: "mpeg4", AudioCodec: "aac"}
		analyzeCompatibility(r)
		assert.False(t, r.CanCopyVideo)
		assert.True(t, r.NeedsTranscode)
		assert.Equal(t, "Video codec 'mpeg4' not HLS-compatible", r.TranscodeReason)
	})

	t.Run("pcm audio needs aac", func(t *testing.T) {
		r := &ProbeResult{VideoCodec: "h264", AudioCodec: "pcm_alaw"}
		analyzeCompatibility(r)
		assert.True(t, r.CanCopyVideo)
		assert.False(t, r.CanCopyAudio)
		assert.False(t, r.NeedsTranscode)
		assert.Equal(t, "Audio codec 'pcm_alaw' needs transcoding to AAC", r.TranscodeReason)
	})

	t.Run("no video stream", func(t *testing.T) {
		r := &ProbeResult{AudioCodec: "aac"}
		analyzeCompatibility(r)
		assert.False(t, r.CanCopyVideo)
		assert.True(t, r.NeedsTranscode)
		assert.Equal(t, "No video stream detected", r.TranscodeReason)
	})
}

func TestExtractStreamInfo(t *testing.T) {
	streams := []probeStream{
		{
			CodecType:     "video",
			CodecName:     "H264",
			CodecLongName: "H.264 / AVC / MPEG-4 AVC",
			Width:         1920,
			Height:        1080,
			Profile:       "High",
			PixFmt:        "yuv420p",
			AvgFrameRate:  "30000/1001",
			BitRate:       "4000000",
		},
		{
			CodecType:  "audio",
			CodecName:  "AAC",
			SampleRate: "48000",
			Channels:   2,
			BitRate:    "128000",
		},
		{CodecType: "video", CodecName: "mjpeg"},
	}

	r := &ProbeResult{}
	extractStreamInfo(r, streams)

	assert.Equal(t, "h264", r.VideoCodec)
	assert.Equal(t, 1920, r.Width)
	assert.Equal(t, 1080, r.Height)
	assert.Equal(t, 29.97, r.Framerate)
	assert.Equal(t, 4000000, r.VideoBitrate)
	assert.Equal(t, "aac", r.AudioCodec)
	assert.Equal(t, 48000, r.SampleRate)
	assert.Equal(t, 2, r.Channels)
}

func TestExtractStreamInfo_FramerateFallback(t *testing.T) {
	streams := []probeStream{
		{CodecType: "video", CodecName: "h264", AvgFrameRate: "0/0", RFrameRate: "25/1"},
	}

	r := &ProbeResult{}
	extractStreamInfo(r, streams)

	assert.Equal(t, 25.0, r.Framerate)
}

func TestClassifyProbeError(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single connection", "Unable to open RTSP for listening", "RTSP connection failed - camera may only allow one connection at a time"},
		{"refused", "Connection to tcp://10.0.0.5:554 failed: Connection refused", "Connection refused - camera may be offline or port blocked"},
		{"auth", "method DESCRIBE failed: 401 Unauthorized", "Authentication failed - check username/password in RTSP URL"},
		{"forbidden", "method SETUP failed: 403 Forbidden", "Access forbidden - check camera permissions"},
		{"missing path", "method DESCRIBE failed: 404 Not Found", "Stream not found - check RTSP path in URL"},
		{"timeout", "Connection timed out", "Connection timeout - camera may be offline or network issue"},
		{"unroutable", "No route to host", "No route to host - check IP address and network connectivity"},
		{"dns", "Name or service not known", "DNS resolution failed - check hostname"},
		{"bad payload", "Invalid data found when processing input", "Invalid stream data - camera may not support RTSP or URL is incorrect"},
		{"unmatched passthrough", "some strange failure", "some strange failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyProbeError(tt.in))
		})
	}
}

func TestClassifyProbeError_TruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := ClassifyProbeError(long)
	assert.Len(t, got, 203)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestParseRuntimeError(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"refused", "rtsp://x\nConnection refused", "Connection refused - camera offline or port blocked"},
		{"auth", "401 Unauthorized", "Authentication failed - check RTSP credentials"},
		{"missing", "Server returned 404 Not Found", "Stream not found - check RTSP URL path"},
		{"timeout", "Operation timeout elapsed", "Connection timeout - network issue or camera offline"},
		{"unroutable", "No route to host", "No route to host - check network/IP address"},
		{"bad data", "Invalid data found when processing input", "Invalid stream data - incompatible format"},
		{"codec", "codec not currently supported in container", "Codec not supported - try enabling transcoding"},
		{"last line fallback", "frame=100 fps=25\nsome final failure detail\n\n", "some final failure detail"},
		{"empty", "", "Unknown error occurred"},
		{"whitespace only", "  \n \n", "Unknown error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRuntimeError(tt.in))
		})
	}
}

func TestNewestSegment(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "segment_000.ts")
	newer := filepath.Join(dir, "segment_001.ts")
	require.NoError(t, os.WriteFile(old, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream.m3u8"), []byte("#EXTM3U"), 0o644))

	base := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(old, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(30*time.Second), base.Add(30*time.Second)))

	got, err := newestSegment(dir)
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}

func TestNewestSegment_NoSegments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream.m3u8"), []byte("#EXTM3U"), 0o644))

	_, err := newestSegment(dir)
	assert.ErrorIs(t, err, ErrNoSegments)

	_, err = newestSegment(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrNoSegments)
}

func TestThumbnailer_CaptureFromHLS_NoSegments(t *testing.T) {
	thumb := NewThumbnailer("ffmpeg")

	_, err := thumb.CaptureFromHLS(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoSegments)
}

func TestProber_MissingBinary(t *testing.T) {
	prober := NewProber("/nonexistent/ffprobe")

	result, err := prober.Probe(context.Background(), "rtsp://cam.local/stream")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "ffprobe not found")
}

func TestBinaryDetector_Detect(t *testing.T) {
	skipIfNoFFmpeg(t)

	ctx := context.Background()
	detector := NewBinaryDetector()

	info, err := detector.Detect(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.NotEmpty(t, info.FFmpegPath)
	assert.NotEmpty(t, info.Version)
	assert.Greater(t, info.MajorVersion, 0)
}

func TestBinaryDetector_Caching(t *testing.T) {
	skipIfNoFFmpeg(t)

	ctx := context.Background()
	detector := NewBinaryDetector().WithCacheTTL(1 * time.Hour)

	info1, err := detector.Detect(ctx)
	require.NoError(t, err)

	info2, err := detector.Detect(ctx)
	require.NoError(t, err)

	assert.Equal(t, info1.FFmpegPath, info2.FFmpegPath)
	assert.Equal(t, info1.Version, info2.Version)
}

func TestBinaryDetector_MissingBinary(t *testing.T) {
	detector := NewBinaryDetector().WithConfiguredPaths("", "")

	t.Setenv("PATH", t.TempDir())
	t.Setenv("RTSP_FFMPEG_BINARY", "")

	_, err := detector.Detect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg not found")
}

func TestParseVersion(t *testing.T) {
	out := []byte(`ffmpeg version 6.1.1 Copyright (c) 2000-2023 the FFmpeg developers
built with gcc 13 (GCC)
configuration: --prefix=/usr --enable-libx264 --enable-libx265
libavutil      58. 29.100 / 58. 29.100
`)

	info := &BinaryInfo{}
	require.NoError(t, parseVersion(out, info))
	assert.Equal(t, "6.1.1", info.Version)
	assert.Equal(t, 6, info.MajorVersion)
	assert.Equal(t, 1, info.MinorVersion)
	assert.Equal(t, "gcc 13 (GCC)", info.BuildDate)
	assert.Contains(t, info.Configuration, "--enable-libx264")
}

func TestParseVersion_GitBuild(t *testing.T) {
	out := []byte("ffmpeg version n7.0-2-gd32f7ff4a6 Copyright (c) 2000-2024 the FFmpeg developers\n")

	info := &BinaryInfo{}
	require.NoError(t, parseVersion(out, info))
	assert.Equal(t, "n7.0-2-gd32f7ff4a6", info.Version)
	assert.Equal(t, 7, info.MajorVersion)
	assert.Equal(t, 0, info.MinorVersion)
}

func TestParseVersion_NoBanner(t *testing.T) {
	err := parseVersion([]byte("bash: ffmpeg: command not found\n"), &BinaryInfo{})
	assert.Error(t, err)
}

func TestParseEncoders(t *testing.T) {
	out := []byte(`Encoders:
 V..... = Video
 A..... = Audio
 S..... = Subtitle
 .F.... = Frame-level multithreading
 ..S... = Slice-level multithreading
 ...X.. = Codec is experimental
 ....B. = Supports draw_horiz_band
 .....D = Supports direct rendering method 1
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 V..... h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
 S..... mov_text             3GPP Timed Text subtitle
`)

	encoders := parseEncoders(out)
	assert.Equal(t, []string{"libx264", "h264_nvenc", "aac", "mov_text"}, encoders)
}

func TestParseEncoders_Empty(t *testing.T) {
	assert.Empty(t, parseEncoders(nil))
	assert.Empty(t, parseEncoders([]byte("Encoders:\n V..... = Video\n")))
}

func TestLookupBinary(t *testing.T) {
	writeStub := func(t *testing.T, mode os.FileMode) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "stub")
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
		return path
	}

	t.Run("env override wins over PATH", func(t *testing.T) {
		stub := writeStub(t, 0o755)
		t.Setenv("STUB_BINARY", stub)

		got, err := lookupBinary("ls", "STUB_BINARY")
		require.NoError(t, err)
		assert.Equal(t, stub, got)
	})

	t.Run("falls back to PATH", func(t *testing.T) {
		got, err := lookupBinary("ls", "STUB_BINARY")
		require.NoError(t, err)
		assert.Contains(t, got, "ls")
	})

	t.Run("ignores env override without exec bit", func(t *testing.T) {
		stub := writeStub(t, 0o644)
		t.Setenv("STUB_BINARY", stub)

		got, err := lookupBinary("ls", "STUB_BINARY")
		require.NoError(t, err)
		assert.NotEqual(t, stub, got)
	})

	t.Run("ignores env override pointing at a directory", func(t *testing.T) {
		t.Setenv("STUB_BINARY", t.TempDir())

		got, err := lookupBinary("ls", "STUB_BINARY")
		require.NoError(t, err)
		assert.Contains(t, got, "ls")
	})

	t.Run("reports the searched locations", func(t *testing.T) {
		t.Setenv("PATH", t.TempDir())

		_, err := lookupBinary("no-such-tool", "STUB_BINARY")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no-such-tool not found")
	})
}

func TestBinaryInfo_SupportsMinVersion(t *testing.T) {
	info := &BinaryInfo{MajorVersion: 6, MinorVersion: 1}

	assert.True(t, info.SupportsMinVersion(5, 0))
	assert.True(t, info.SupportsMinVersion(6, 0))
	assert.True(t, info.SupportsMinVersion(6, 1))
	assert.False(t, info.SupportsMinVersion(6, 2))
	assert.False(t, info.SupportsMinVersion(7, 0))
}
