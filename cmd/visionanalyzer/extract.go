package main

import (
	"context"
	"fmt"

	"github.com/bdougie/jointvision/internal/config"
	"github.com/bdougie/jointvision/internal/extractor"
)

func runExtract(ctx context.Context, args []string) error {
	cfg, err := config.ParseExtract(newFlagSet("extract"), args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Common)

	opts := extractor.VideoOptions{FFmpegPath: cfg.FFmpegPath, Logger: logger}
	for _, video := range cfg.Videos {
		dir, err := extractor.ExtractFrames(ctx, video, cfg.OutputDir, cfg.Interval, opts)
		if err != nil {
			return fmt.Errorf("extract %s: %w", video, err)
		}
		logger.Info("frames ready", "video", video, "dir", dir)
	}
	return nil
}
