// Package config parses environment and flags for the visionanalyzer commands.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/bdougie/jointvision/internal/governor"
	"github.com/bdougie/jointvision/internal/imu"
)

// Output formats of the video command
const (
	FormatNDJSON   = "ndjson"
	FormatProgress = "progress"
	FormatJSON     = "json"
)

// Common holds settings shared by every command.
type Common struct {
	LogLevel     string `env:"JOINTVISION_LOG_LEVEL" envDefault:"info"`
	OutputDir    string `env:"JOINTVISION_OUTPUT_DIR" envDefault:"output"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
}

func (c *Common) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&c.OutputDir, "out", c.OutputDir, "Directory results are written to")
}

// Level returns the parsed log level.
func (c Common) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// Video configures the video command.
type Video struct {
	Common

	FrameSkip        int    `env:"JOINTVISION_FRAME_SKIP" envDefault:"1"`
	MaxFrames        int    `env:"JOINTVISION_MAX_FRAMES" envDefault:"0"`
	MaxDim           int    `env:"JOINTVISION_MAX_DIM" envDefault:"0"`
	IncludeLandmarks bool   `env:"JOINTVISION_INCLUDE_LANDMARKS" envDefault:"false"`
	Format           string `env:"JOINTVISION_FORMAT" envDefault:"ndjson"`
	Workers          int    `env:"JOINTVISION_WORKERS" envDefault:"2"`

	PoseCommand string `env:"JOINTVISION_POSE_COMMAND" envDefault:"python3"`
	PoseArgs    string `env:"JOINTVISION_POSE_ARGS" envDefault:"scripts/pose_worker.py"`
	PoseModel   string `env:"POSE_LANDMARKER_MODEL"`

	FFmpegPath  string `env:"JOINTVISION_FFMPEG" envDefault:"ffmpeg"`
	FFprobePath string `env:"JOINTVISION_FFPROBE" envDefault:"ffprobe"`

	// FramesDir analyzes previously extracted JPEG frames instead of a video
	FramesDir string  `env:"JOINTVISION_FRAMES_DIR"`
	FramesFPS float64 `env:"JOINTVISION_FRAMES_FPS" envDefault:"30"`

	Videos []string
}

// ParseVideo parses environment and flags into Video.
func ParseVideo(fs *flag.FlagSet, args []string) (Video, error) {
	var cfg Video
	if err := env.Parse(&cfg); err != nil {
		return Video{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Common.bind(fs)
	fs.IntVar(&cfg.FrameSkip, "frame-skip", cfg.FrameSkip, "Process every Nth frame (1-4)")
	fs.IntVar(&cfg.MaxFrames, "max-frames", cfg.MaxFrames, "Stop after this many processed frames (0 = no cap)")
	fs.IntVar(&cfg.MaxDim, "max-dim", cfg.MaxDim, "Downscale frames so the longest side is at most this (0 = off)")
	fs.BoolVar(&cfg.IncludeLandmarks, "landmarks", cfg.IncludeLandmarks, "Include normalized landmarks for every frame")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "Output: ndjson, progress or json")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Videos analyzed in parallel")
	fs.StringVar(&cfg.PoseCommand, "pose-cmd", cfg.PoseCommand, "Pose worker executable")
	fs.StringVar(&cfg.PoseArgs, "pose-args", cfg.PoseArgs, "Arguments for the pose worker, space separated")
	fs.StringVar(&cfg.PoseModel, "pose-model", cfg.PoseModel, "Pose landmarker model file")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "ffmpeg executable")
	fs.StringVar(&cfg.FFprobePath, "ffprobe", cfg.FFprobePath, "ffprobe executable")
	fs.StringVar(&cfg.FramesDir, "frames-dir", cfg.FramesDir, "Analyze extracted JPEG frames from this directory")
	fs.Float64Var(&cfg.FramesFPS, "fps", cfg.FramesFPS, "Frame rate of the extracted frames")

	if err := fs.Parse(args); err != nil {
		return Video{}, err
	}
	cfg.Videos = fs.Args()
	cfg.FrameSkip = governor.ClampSkip(cfg.FrameSkip)

	if err := cfg.Validate(); err != nil {
		return Video{}, err
	}
	return cfg, nil
}

// PoseArgList splits PoseArgs into arguments.
func (c Video) PoseArgList() []string {
	return strings.Fields(c.PoseArgs)
}

// Validate checks the ranges the video command accepts.
func (c Video) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxFrames < 0 {
		errs = append(errs, fmt.Errorf("max-frames must be >= 0, got %d", c.MaxFrames))
	}
	if c.MaxDim < 0 {
		errs = append(errs, fmt.Errorf("max-dim must be >= 0, got %d", c.MaxDim))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	switch c.Format {
	case FormatNDJSON, FormatProgress, FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown format %q", c.Format))
	}
	if c.PoseCommand == "" {
		errs = append(errs, errors.New("pose-cmd is required"))
	}
	if c.FramesDir == "" && len(c.Videos) == 0 {
		errs = append(errs, errors.New("at least one video path or -frames-dir is required"))
	}
	if c.FramesDir != "" && len(c.Videos) > 0 {
		errs = append(errs, errors.New("-frames-dir cannot be combined with video paths"))
	}
	if c.FramesFPS <= 0 {
		errs = append(errs, fmt.Errorf("fps must be > 0, got %v", c.FramesFPS))
	}
	return errors.Join(errs...)
}

// IMU configures the imu command.
type IMU struct {
	Common

	SkipRows  int     `env:"JOINTVISION_IMU_SKIP_ROWS" envDefault:"3"`
	Alignment string  `env:"JOINTVISION_IMU_ALIGNMENT" envDefault:"ordinal"`
	Tolerance float64 `env:"JOINTVISION_IMU_TOLERANCE" envDefault:"0.05"`

	Reference string
	Segment   string
	Name      string
}

// ParseIMU parses environment and flags into IMU.
func ParseIMU(fs *flag.FlagSet, args []string) (IMU, error) {
	var cfg IMU
	if err := env.Parse(&cfg); err != nil {
		return IMU{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Common.bind(fs)
	fs.IntVar(&cfg.SkipRows, "skip-rows", cfg.SkipRows, "Header rows to drop from each export")
	fs.StringVar(&cfg.Alignment, "align", cfg.Alignment, "Pairing of samples: ordinal or timestamp")
	fs.Float64Var(&cfg.Tolerance, "tolerance", cfg.Tolerance, "Largest timestamp distance paired in timestamp mode")
	fs.StringVar(&cfg.Reference, "ref", "", "Reference sensor export (e.g. upper arm)")
	fs.StringVar(&cfg.Segment, "seg", "", "Segment sensor export (e.g. forearm)")
	fs.StringVar(&cfg.Name, "name", "imu", "Name of the result directory")

	if err := fs.Parse(args); err != nil {
		return IMU{}, err
	}
	if err := cfg.Validate(); err != nil {
		return IMU{}, err
	}
	return cfg, nil
}

// Options converts the configuration for the imu package.
func (c IMU) Options(logger *slog.Logger) imu.Options {
	alignment, _ := imu.ParseAlignment(c.Alignment)
	return imu.Options{
		SkipRows:  c.SkipRows,
		Alignment: alignment,
		Tolerance: c.Tolerance,
		Logger:    logger,
	}
}

// Validate checks the imu command settings.
func (c IMU) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.SkipRows < 0 {
		errs = append(errs, fmt.Errorf("skip-rows must be >= 0, got %d", c.SkipRows))
	}
	if _, err := imu.ParseAlignment(c.Alignment); err != nil {
		errs = append(errs, err)
	}
	if c.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("tolerance must be >= 0, got %v", c.Tolerance))
	}
	if c.Reference == "" || c.Segment == "" {
		errs = append(errs, errors.New("both -ref and -seg are required"))
	}
	return errors.Join(errs...)
}

// Extract configures the extract command.
type Extract struct {
	Common

	Interval   int    `env:"JOINTVISION_EXTRACT_INTERVAL" envDefault:"15"`
	FFmpegPath string `env:"JOINTVISION_FFMPEG" envDefault:"ffmpeg"`

	Videos []string
}

// ParseExtract parses environment and flags into Extract.
func ParseExtract(fs *flag.FlagSet, args []string) (Extract, error) {
	var cfg Extract
	if err := env.Parse(&cfg); err != nil {
		return Extract{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Common.bind(fs)
	fs.IntVar(&cfg.Interval, "interval", cfg.Interval, "Seconds between extracted frames (0 = every frame)")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "ffmpeg executable")

	if err := fs.Parse(args); err != nil {
		return Extract{}, err
	}
	cfg.Videos = fs.Args()

	var errs []error
	if _, err := cfg.Level(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval must be >= 0, got %d", cfg.Interval))
	}
	if len(cfg.Videos) == 0 {
		errs = append(errs, errors.New("at least one video path is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return Extract{}, err
	}
	return cfg, nil
}
