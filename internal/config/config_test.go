package config

import (
	"flag"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/jointvision/internal/imu"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseVideoDefaults(t *testing.T) {
	cfg, err := ParseVideo(newFlagSet("video"), []string{"climb.mp4"})
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.FrameSkip)
	assert.Equal(t, 0, cfg.MaxFrames)
	assert.Equal(t, 0, cfg.MaxDim)
	assert.False(t, cfg.IncludeLandmarks)
	assert.Equal(t, FormatNDJSON, cfg.Format)
	assert.Equal(t, "output", cfg.OutputDir)
	assert.Equal(t, []string{"climb.mp4"}, cfg.Videos)
	assert.Equal(t, []string{"scripts/pose_worker.py"}, cfg.PoseArgList())

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestParseVideoEnvAndFlags(t *testing.T) {
	t.Setenv("JOINTVISION_MAX_FRAMES", "300")
	t.Setenv("JOINTVISION_MAX_DIM", "640")
	t.Setenv("JOINTVISION_LOG_LEVEL", "debug")
	t.Setenv("POSE_LANDMARKER_MODEL", "/models/pose_landmarker_lite.task")

	cfg, err := ParseVideo(newFlagSet("video"), []string{"-max-frames", "50", "-format", "json", "a.mp4", "b.mp4"})
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.MaxFrames, "flags override env")
	assert.Equal(t, 640, cfg.MaxDim)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, "/models/pose_landmarker_lite.task", cfg.PoseModel)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, cfg.Videos)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParseVideoClampsFrameSkip(t *testing.T) {
	cfg, err := ParseVideo(newFlagSet("video"), []string{"-frame-skip", "9", "a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.FrameSkip)

	cfg, err = ParseVideo(newFlagSet("video"), []string{"-frame-skip", "0", "a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.FrameSkip)
}

func TestParseVideoValidation(t *testing.T) {
	for name, args := range map[string][]string{
		"no input":      {},
		"negative cap":  {"-max-frames", "-1", "a.mp4"},
		"negative dim":  {"-max-dim", "-5", "a.mp4"},
		"bad format":    {"-format", "xml", "a.mp4"},
		"bad level":     {"-log-level", "loud", "a.mp4"},
		"no workers":    {"-workers", "0", "a.mp4"},
		"dir and video": {"-frames-dir", "frames", "a.mp4"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseVideo(newFlagSet("video"), args)
			assert.Error(t, err)
		})
	}
}

func TestParseVideoFramesDir(t *testing.T) {
	cfg, err := ParseVideo(newFlagSet("video"), []string{"-frames-dir", "output/climb", "-fps", "15"})
	require.NoError(t, err)
	assert.Equal(t, "output/climb", cfg.FramesDir)
	assert.Equal(t, 15.0, cfg.FramesFPS)
}

func TestParseIMU(t *testing.T) {
	t.Setenv("JOINTVISION_IMU_ALIGNMENT", "timestamp")

	cfg, err := ParseIMU(newFlagSet("imu"), []string{"-ref", "upper.csv", "-seg", "fore.csv", "-skip-rows", "2"})
	require.NoError(t, err)
	assert.Equal(t, "upper.csv", cfg.Reference)
	assert.Equal(t, "fore.csv", cfg.Segment)
	assert.Equal(t, "imu", cfg.Name)

	opts := cfg.Options(nil)
	assert.Equal(t, 2, opts.SkipRows)
	assert.Equal(t, imu.AlignTimestamp, opts.Alignment)
	assert.Equal(t, 0.05, opts.Tolerance)
}

func TestParseIMUValidation(t *testing.T) {
	_, err := ParseIMU(newFlagSet("imu"), []string{"-ref", "upper.csv"})
	assert.ErrorContains(t, err, "-ref and -seg")

	_, err = ParseIMU(newFlagSet("imu"), []string{"-ref", "a", "-seg", "b", "-align", "fuzzy"})
	assert.Error(t, err)

	_, err = ParseIMU(newFlagSet("imu"), []string{"-ref", "a", "-seg", "b", "-skip-rows", "-1"})
	assert.Error(t, err)
}

func TestParseExtract(t *testing.T) {
	cfg, err := ParseExtract(newFlagSet("extract"), []string{"-interval", "0", "climb.mov"})
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Interval)
	assert.Equal(t, []string{"climb.mov"}, cfg.Videos)

	_, err = ParseExtract(newFlagSet("extract"), nil)
	assert.Error(t, err)
}
