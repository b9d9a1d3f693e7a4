package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/jointvision/internal/analyzer"
	"github.com/bdougie/jointvision/internal/config"
	"github.com/bdougie/jointvision/internal/events"
	"github.com/bdougie/jointvision/internal/extractor"
	"github.com/bdougie/jointvision/internal/models"
	"github.com/bdougie/jointvision/internal/pose"
	"github.com/bdougie/jointvision/internal/runpool"
	"github.com/bdougie/jointvision/internal/storage"
)

func runVideo(ctx context.Context, args []string) error {
	cfg, err := config.ParseVideo(newFlagSet("video"), args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Common)

	flush, err := startTelemetry(ctx, cfg.Common, logger)
	if err != nil {
		return err
	}
	defer flush()

	processor := analyzer.NewProcessor(pose.WorkerFactory(pose.WorkerConfig{
		Command:   cfg.PoseCommand,
		Args:      cfg.PoseArgList(),
		ModelPath: cfg.PoseModel,
		Logger:    logger,
	}), logger)

	opts := analyzer.Options{
		FrameSkip:        cfg.FrameSkip,
		MaxFrames:        cfg.MaxFrames,
		MaxDim:           cfg.MaxDim,
		IncludeLandmarks: cfg.IncludeLandmarks,
	}
	videoOpts := extractor.VideoOptions{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Logger:      logger,
	}

	switch {
	case cfg.FramesDir != "":
		open := extractor.DirectoryOpener(cfg.FramesDir, cfg.FramesFPS)
		return analyzeOne(ctx, processor, open, videoName(cfg.FramesDir), opts, cfg, logger)
	case len(cfg.Videos) == 1:
		open := extractor.VideoOpener(cfg.Videos[0], videoOpts)
		return analyzeOne(ctx, processor, open, videoName(cfg.Videos[0]), opts, cfg, logger)
	default:
		return analyzeBatch(ctx, processor, videoOpts, opts, cfg, logger)
	}
}

// analyzeOne reports a single run in the configured format and saves it.
func analyzeOne(ctx context.Context, p *analyzer.Processor, open extractor.Opener, name string, opts analyzer.Options, cfg config.Video, logger *slog.Logger) error {
	var (
		result models.Result
		err    error
	)

	switch cfg.Format {
	case config.FormatNDJSON:
		out := bufio.NewWriter(os.Stdout)
		err = p.Stream(ctx, open, opts, keepResult(events.NewNDJSON(out), &result))
	case config.FormatProgress:
		err = p.Stream(ctx, open, opts, keepResult(progressSink(os.Stderr), &result))
	default:
		result, err = p.Analyze(ctx, open, opts)
	}
	if err != nil {
		logger.Error("analysis failed", "video", name, "error", err)
		return errors.New(analyzer.Message(err))
	}

	path, err := storage.SaveResult(cfg.OutputDir, name, result)
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	logger.Info("results saved",
		"path", path,
		"frames", result.TotalFrames,
		"truncated", result.Truncated,
	)

	if cfg.Format == config.FormatJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	return nil
}

// keepResult forwards every event to sink and records the Done payload.
func keepResult(sink events.Sink, result *models.Result) events.Sink {
	return events.Func(func(ctx context.Context, e events.Event) error {
		if done, ok := e.(events.Done); ok {
			*result = models.Result{
				Measurements: done.Measurements,
				TotalFrames:  done.TotalFrames,
				Truncated:    done.Truncated,
			}
		}
		return sink.Emit(ctx, e)
	})
}

// progressSink draws a terminal progress bar from the event stream.
func progressSink(w io.Writer) events.Sink {
	var bar *pb.ProgressBar
	return events.Func(func(_ context.Context, e events.Event) error {
		switch e := e.(type) {
		case events.Start:
			bar = pb.New(e.TotalFrames).SetWriter(w).Start()
		case events.Progress:
			if bar != nil {
				bar.Increment()
			}
		case events.Done, events.Error:
			if bar != nil {
				bar.Finish()
			}
		}
		return nil
	})
}

// analyzeBatch runs several videos through a shared pool and records one
// summary per video in the output directory.
func analyzeBatch(ctx context.Context, p *analyzer.Processor, videoOpts extractor.VideoOptions, opts analyzer.Options, cfg config.Video, logger *slog.Logger) error {
	pool := runpool.New[models.Result](ctx, runpool.Options{
		Workers:   cfg.Workers,
		QueueSize: len(cfg.Videos),
		Logger:    logger,
	})
	defer pool.Close()

	store := storage.NewStorage(cfg.OutputDir)

	var bar *pb.ProgressBar
	if cfg.Format == config.FormatProgress {
		bar = pb.StartNew(len(cfg.Videos))
	}

	var (
		g      errgroup.Group
		failed atomic.Int32
		mu     sync.Mutex
		enc    = json.NewEncoder(os.Stdout)
	)
	for _, path := range cfg.Videos {
		key, err := filepath.Abs(path)
		if err != nil {
			key = path
		}
		res := pool.Submit(key, func(ctx context.Context) (models.Result, error) {
			return p.Analyze(ctx, extractor.VideoOpener(path, videoOpts), opts)
		})

		g.Go(func() error {
			r := <-res
			summary := models.RunSummary{Video: path}
			if r.Err != nil {
				failed.Add(1)
				summary.Error = analyzer.Message(r.Err)
				logger.Error("analysis failed", "video", path, "error", r.Err)
			} else {
				out, err := storage.SaveResult(cfg.OutputDir, videoName(path), r.Value)
				if err != nil {
					return fmt.Errorf("save %s: %w", path, err)
				}
				summary.Frames = r.Value.TotalFrames
				summary.Truncated = r.Value.Truncated
				summary.Output = out
				logger.Info("results saved", "video", path, "path", out, "frames", summary.Frames)
			}

			if bar != nil {
				bar.Increment()
			} else {
				mu.Lock()
				err := enc.Encode(summary)
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return store.AddResult(context.WithoutCancel(ctx), summary)
		})
	}

	err := g.Wait()
	if bar != nil {
		bar.Finish()
	}
	if ferr := store.Flush(); ferr != nil {
		err = errors.Join(err, fmt.Errorf("write summary: %w", ferr))
	}
	if err != nil {
		return err
	}

	logger.Info("batch complete", "videos", len(cfg.Videos), "failed", failed.Load(), "summary", store.Path())
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d videos failed", n, len(cfg.Videos))
	}
	return nil
}
