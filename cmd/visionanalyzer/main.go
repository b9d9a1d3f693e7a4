package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/bdougie/jointvision/internal/config"
	"github.com/bdougie/jointvision/internal/telemetry"
)

const (
	serviceName    = "visionanalyzer"
	serviceVersion = "0.2.0"
)

const usage = `Usage: visionanalyzer <command> [flags] [args]

Commands:
  video    Extract joint angles from one or more videos
  imu      Compute the joint angle between two quaternion sensor exports
  extract  Write JPEG frames from videos for later analysis

Run "visionanalyzer <command> -h" for the flags of a command.
`

func main() {
	// .env is optional
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "video":
		err = runVideo(ctx, args)
	case "imu":
		err = runIMU(args)
	case "extract":
		err = runExtract(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		stop()
		os.Exit(2)
	}
	stop()

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

// newLogger configures the default logger for a command
func newLogger(c config.Common) *slog.Logger {
	level, _ := c.Level()
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)
	return logger
}

// startTelemetry returns a func that flushes exporters before exit.
func startTelemetry(ctx context.Context, c config.Common, logger *slog.Logger) (func(), error) {
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       c.OTLPEndpoint,
		Insecure:       c.OTLPInsecure,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if c.OTLPEndpoint != "" {
		logger.Debug("telemetry enabled", "endpoint", c.OTLPEndpoint)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}, nil
}

// videoName is the result directory name of a video or frames directory
func videoName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
