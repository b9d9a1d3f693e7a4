// Package governor applies the sampling stride, the downscale and the frame
// cap to a frame source.
package governor

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"

	"golang.org/x/image/draw"

	"github.com/bdougie/jointvision/internal/extractor"
	"github.com/bdougie/jointvision/internal/models"
)

// MaxFrameSkip is the largest accepted stride
const MaxFrameSkip = 4

// State is the governor's position in a run
type State int

const (
	Idle State = iota
	Sampling
	Capped
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sampling:
		return "sampling"
	case Capped:
		return "capped"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ClampSkip forces a frame skip into 1..MaxFrameSkip.
func ClampSkip(skip int) int {
	if skip < 1 {
		return 1
	}
	if skip > MaxFrameSkip {
		return MaxFrameSkip
	}
	return skip
}

// Governor pulls frames from a source and hands on only the sampled ones.
type Governor struct {
	src    extractor.FrameSource
	run    *models.AnalysisRun
	state  State
	logger *slog.Logger

	scaledLogged bool
}

// New wraps src. run carries the options and receives the counters.
func New(src extractor.FrameSource, run *models.AnalysisRun, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	run.FrameSkip = ClampSkip(run.FrameSkip)
	if run.MaxDim < 0 {
		run.MaxDim = 0
	}
	if run.MaxFrames < 0 {
		run.MaxFrames = 0
	}
	return &Governor{src: src, run: run, logger: logger}
}

// State reports where the run is.
func (g *Governor) State() State {
	return g.state
}

// Planned is the number of frames the run expects to process.
func (g *Governor) Planned() int {
	total, known := g.src.Total()
	return Planned(total, known, g.run.FrameSkip, g.run.MaxFrames)
}

// Planned computes the processing count for a source of total frames.
// An unknown total plans MaxFrames, or 0 when the run is uncapped.
func Planned(total int, known bool, skip, maxFrames int) int {
	skip = ClampSkip(skip)
	if !known || total < 0 {
		if maxFrames > 0 {
			return maxFrames
		}
		return 0
	}
	n := (total + skip - 1) / skip
	if maxFrames > 0 && n > maxFrames {
		return maxFrames
	}
	return n
}

// Next returns the next sampled frame, or io.EOF once the run is capped or
// the source is exhausted. Errors from the source are returned unchanged.
func (g *Governor) Next(ctx context.Context) (models.Frame, error) {
	switch g.state {
	case Capped, Exhausted:
		return models.Frame{}, io.EOF
	case Idle:
		g.state = Sampling
	}

	if g.run.MaxFrames > 0 && g.run.Sampled >= g.run.MaxFrames {
		return models.Frame{}, g.lookAhead(ctx)
	}

	for {
		frame, err := g.pull(ctx)
		if err != nil {
			return models.Frame{}, err
		}
		if !g.keep(frame) {
			continue
		}
		g.run.Sampled++
		if frame.Err == nil && frame.Image != nil {
			frame.Image = g.downscale(frame.Image)
		}
		return frame, nil
	}
}

// lookAhead decides between Capped and Exhausted once the cap is reached:
// the run is truncated only if another frame would have been sampled. With
// contiguous indices that takes at most FrameSkip pulls. A source that fails
// past the cap still had frames left, so the run ends capped.
func (g *Governor) lookAhead(ctx context.Context) error {
	for {
		frame, err := g.pull(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			return err
		default:
			g.logger.Warn("source failed after frame cap", "error", err)
			g.capped()
			return io.EOF
		}
		if g.keep(frame) {
			g.capped()
			return io.EOF
		}
	}
}

func (g *Governor) capped() {
	g.state = Capped
	g.run.Truncated = true
	g.logger.Info("frame cap reached",
		"max_frames", g.run.MaxFrames,
		"frames_seen", g.run.TotalFramesSeen,
	)
}

func (g *Governor) pull(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	frame, err := g.src.Next(ctx)
	if errors.Is(err, io.EOF) {
		g.state = Exhausted
		return models.Frame{}, io.EOF
	}
	if err != nil {
		return models.Frame{}, err
	}
	g.run.TotalFramesSeen++
	return frame, nil
}

func (g *Governor) keep(frame models.Frame) bool {
	return frame.Index%uint64(g.run.FrameSkip) == 0
}

func (g *Governor) downscale(img image.Image) image.Image {
	scaled, ok := Downscale(img, g.run.MaxDim)
	if ok && !g.scaledLogged {
		g.scaledLogged = true
		b := img.Bounds()
		g.logger.Debug("downscaling frames",
			"from", b.Size(),
			"to", scaled.Bounds().Size(),
		)
	}
	return scaled
}

// Downscale resizes img so its longest side equals maxDim, keeping the
// aspect ratio. Images already within maxDim are returned as is.
func Downscale(img image.Image, maxDim int) (image.Image, bool) {
	if maxDim <= 0 {
		return img, false
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= maxDim {
		return img, false
	}

	scale := float64(maxDim) / float64(longest)
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	if w >= h {
		nw = maxDim
	} else {
		nh = maxDim
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, true
}
