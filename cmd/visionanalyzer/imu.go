package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bdougie/jointvision/internal/config"
	"github.com/bdougie/jointvision/internal/imu"
	"github.com/bdougie/jointvision/internal/storage"
)

func runIMU(args []string) error {
	cfg, err := config.ParseIMU(newFlagSet("imu"), args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Common)

	ref, err := os.Open(cfg.Reference)
	if err != nil {
		return fmt.Errorf("open reference export: %w", err)
	}
	defer ref.Close()

	seg, err := os.Open(cfg.Segment)
	if err != nil {
		return fmt.Errorf("open segment export: %w", err)
	}
	defer seg.Close()

	result, err := imu.Analyze(ref, seg, cfg.Options(logger))
	if err != nil {
		return err
	}

	path, err := storage.SaveIMUResult(cfg.OutputDir, cfg.Name, result)
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	logger.Info("imu angles saved",
		"path", path,
		"angles", len(result.Angles),
		"skipped", result.Skipped,
		"unpaired", result.Unpaired,
		"alignment", result.Alignment,
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
