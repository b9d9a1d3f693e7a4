package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bdougie/jointvision/internal/models"
)

// VideoOptions configures the ffmpeg-backed frame source
type VideoOptions struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// VideoInfo is what ffprobe reports about the first video stream
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64
	Frames int // 0 when unknown
}

// VideoSource decodes a video with ffmpeg into raw RGB frames.
type VideoSource struct {
	info   VideoInfo
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	logger *slog.Logger

	// pts are presentation times relative to the first frame, in display
	// order. Variable frame rate phone videos drift from index/fps.
	pts []float64

	next   uint64
	done   bool
	waited bool
	cancel context.CancelFunc
}

// OpenVideo probes the video and starts decoding it.
func OpenVideo(ctx context.Context, videoPath string, opts VideoOptions) (*VideoSource, error) {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Check if video file exists
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("video file does not exist at path: '%s': %w", videoPath, ErrUnreadable)
	}

	info, err := Probe(ctx, opts.FFprobePath, videoPath)
	if err != nil {
		return nil, err
	}

	pts, err := ProbeTimestamps(ctx, opts.FFprobePath, videoPath)
	if err != nil {
		logger.Warn("frame timestamps unavailable, assuming constant frame rate", "path", videoPath, "error", err)
	}
	if info.Frames == 0 && len(pts) > 0 {
		info.Frames = len(pts)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, opts.FFmpegPath,
		"-v", "error",
		"-i", videoPath,
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %v: %w", err, ErrUnreadable)
	}

	logger.Debug("decoding video",
		"path", videoPath,
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS,
		"frames", info.Frames,
		"timestamps", len(pts),
	)

	return &VideoSource{
		info:   info,
		pts:    pts,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
		cancel: cancel,
	}, nil
}

// Info returns the probed stream properties.
func (s *VideoSource) Info() VideoInfo {
	return s.info
}

// Next reads one raw frame from ffmpeg.
func (s *VideoSource) Next(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if s.done {
		return models.Frame{}, io.EOF
	}

	w, h := s.info.Width, s.info.Height
	buf := make([]byte, w*h*3)
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if werr := s.wait(); werr != nil {
				if s.next == 0 {
					return models.Frame{}, fmt.Errorf("could not read any frames: %s: %w", s.stderr.String(), ErrUnreadable)
				}
				return models.Frame{}, fmt.Errorf("ffmpeg failed after %d frames: %s: %w", s.next, s.stderr.String(), ErrDecode)
			}
			if s.next == 0 {
				return models.Frame{}, fmt.Errorf("could not read any frames from the video: %w", ErrUnreadable)
			}
			return models.Frame{}, io.EOF
		}
		return models.Frame{}, fmt.Errorf("read frame %d: %v: %w", s.next, err, ErrDecode)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}

	frame := models.Frame{
		Index:     s.next,
		Timestamp: s.timestampAt(s.next),
		Image:     img,
	}
	s.next++
	return frame, nil
}

// timestampAt returns the presentation time of frame i. Frames past the
// probed timestamps continue from the last one at the average rate.
func (s *VideoSource) timestampAt(i uint64) float64 {
	n := uint64(len(s.pts))
	if i < n {
		return s.pts[i]
	}
	if n == 0 {
		return float64(i) / s.info.FPS
	}
	return s.pts[n-1] + float64(i-n+1)/s.info.FPS
}

// Total is the frame count reported (or estimated) by ffprobe.
func (s *VideoSource) Total() (int, bool) {
	return s.info.Frames, s.info.Frames > 0
}

// Close stops ffmpeg if it is still running.
func (s *VideoSource) Close() error {
	s.cancel()
	_ = s.stdout.Close()
	if !s.waited {
		_ = s.wait()
	}
	return nil
}

func (s *VideoSource) wait() error {
	s.waited = true
	return s.cmd.Wait()
}

type probeOutput struct {
	Streams []struct {
		Width        int               `json:"width"`
		Height       int               `json:"height"`
		RFrameRate   string            `json:"r_frame_rate"`
		AvgFrameRate string            `json:"avg_frame_rate"`
		NbFrames     string            `json:"nb_frames"`
		Duration     string            `json:"duration"`
		Tags         map[string]string `json:"tags"`
		SideData     []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe on the first video stream.
func Probe(ctx context.Context, ffprobePath, videoPath string) (VideoInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration:stream_tags=rotate:stream_side_data=rotation:format=duration",
		"-of", "json",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(ee.Stderr))
		}
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %v %s: %w", err, stderr, ErrUnreadable)
	}
	return ParseProbe(output)
}

// ProbeTimestamps lists the presentation times of the first video stream from
// its packet index. Only the container is read, nothing is decoded.
func ProbeTimestamps(ctx context.Context, ffprobePath, videoPath string) ([]float64, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "packet=pts_time",
		"-of", "csv=p=0",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe packets: %w", err)
	}
	return ParseTimestamps(output), nil
}

// ParseTimestamps turns ffprobe packet pts_time lines into sorted times
// relative to the first frame. Packets come in decode order, so B-frames are
// out of order until sorted. Lines without a time are ignored.
func ParseTimestamps(data []byte) []float64 {
	var pts []float64
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ","))
		v, err := strconv.ParseFloat(line, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		pts = append(pts, v)
	}
	if len(pts) == 0 {
		return nil
	}
	sort.Float64s(pts)
	first := pts[0]
	for i := range pts {
		pts[i] -= first
	}
	return pts
}

// ParseProbe interprets ffprobe's JSON output.
func ParseProbe(data []byte) (VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return VideoInfo{}, fmt.Errorf("parse ffprobe output: %v: %w", err, ErrUnreadable)
	}
	if len(out.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("no video stream found: %w", ErrUnreadable)
	}

	st := out.Streams[0]
	if st.Width <= 0 || st.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("invalid video dimensions %dx%d: %w", st.Width, st.Height, ErrUnreadable)
	}

	info := VideoInfo{Width: st.Width, Height: st.Height}

	info.FPS = ParseRate(st.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = ParseRate(st.RFrameRate)
	}
	if info.FPS <= 0 {
		info.FPS = 30
	}

	// ffmpeg autorotates on decode, so portrait phone videos come out transposed
	rotation := 0.0
	if r, err := strconv.ParseFloat(st.Tags["rotate"], 64); err == nil {
		rotation = r
	}
	for _, sd := range st.SideData {
		if sd.Rotation != 0 {
			rotation = sd.Rotation
		}
	}
	if r := math.Mod(math.Abs(rotation), 180); r == 90 {
		info.Width, info.Height = info.Height, info.Width
	}

	if n, err := strconv.Atoi(st.NbFrames); err == nil && n > 0 {
		info.Frames = n
	} else {
		duration := st.Duration
		if duration == "" || duration == "N/A" {
			duration = out.Format.Duration
		}
		if d, err := strconv.ParseFloat(duration, 64); err == nil && d > 0 {
			info.Frames = int(math.Round(d * info.FPS))
		}
	}

	return info, nil
}

// ParseRate parses an ffprobe rational such as "30000/1001".
func ParseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ExtractFrames writes JPEG frames from a video file at the given interval in
// seconds into outputDir/<video name>. Existing frames are reused.
func ExtractFrames(ctx context.Context, videoPath, outputDir string, interval int, opts VideoOptions) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}

	// Check if video file exists
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return "", fmt.Errorf("video file does not exist at path: '%s'", videoPath)
	}

	// Create a subfolder with the video's name
	videoName := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	frameDirPath := filepath.Join(outputDir, videoName)

	// Check if frames already exist in the subfolder
	if files, err := os.ReadDir(frameDirPath); err == nil && len(files) > 0 {
		frameCount := 0
		for _, file := range files {
			if !file.IsDir() && strings.HasSuffix(strings.ToLower(file.Name()), ".jpg") {
				frameCount++
			}
		}

		if frameCount > 0 {
			logger.Info("frames already exist, skipping extraction", "dir", frameDirPath, "frames", frameCount)
			return frameDirPath, nil
		}
	}

	if err := os.MkdirAll(frameDirPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create frame directory '%s': %v", frameDirPath, err)
	}

	args := []string{"-v", "error", "-i", videoPath}
	if interval > 0 {
		args = append(args, "-vf", fmt.Sprintf("fps=1/%d", interval))
	}
	args = append(args, filepath.Join(frameDirPath, "frame_%04d.jpg"))

	logger.Info("extracting frames", "video", videoPath, "dir", frameDirPath, "interval_s", interval)

	// Capture output for better error reporting
	output, err := exec.CommandContext(ctx, opts.FFmpegPath, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, string(output))
	}

	return frameDirPath, nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(t.buf.String())
}
