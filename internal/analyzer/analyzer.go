// Package analyzer drives a video analysis run: frames are sampled by the
// governor, passed through the pose extractor and measured, one at a time.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bdougie/jointvision/internal/events"
	"github.com/bdougie/jointvision/internal/extractor"
	"github.com/bdougie/jointvision/internal/geometry"
	"github.com/bdougie/jointvision/internal/governor"
	"github.com/bdougie/jointvision/internal/landmarks"
	"github.com/bdougie/jointvision/internal/models"
	"github.com/bdougie/jointvision/internal/pose"
	"github.com/bdougie/jointvision/internal/telemetry"
)

var (
	// ErrUnreadableVideo means the video could not be opened or decoding
	// failed in a way not limited to one frame.
	ErrUnreadableVideo = errors.New("video could not be read")

	// ErrExtractorUnavailable means the pose extractor failed to start or
	// stopped serving during the run.
	ErrExtractorUnavailable = errors.New("pose extractor unavailable")
)

const (
	cancelledMessage = "analysis cancelled"

	// terminalTimeout bounds delivery of the cancellation event
	terminalTimeout = time.Second
)

// Options are the per-run resource controls.
type Options struct {
	FrameSkip        int
	MaxFrames        int
	MaxDim           int
	IncludeLandmarks bool
}

// Processor runs analyses. It holds no per-run state and is safe to share
// across goroutines.
type Processor struct {
	newExtractor pose.Factory
	logger       *slog.Logger
	tracer       trace.Tracer

	framesProcessed metric.Int64Counter
	framesDegraded  metric.Int64Counter
	runsTruncated   metric.Int64Counter
	frameDuration   metric.Float64Histogram
}

// NewProcessor creates a processor that starts one extractor per run.
func NewProcessor(newExtractor pose.Factory, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("jointvision/analyzer")
	processed, _ := meter.Int64Counter("jointvision.frames.processed",
		metric.WithDescription("Sampled frames run through the pose extractor"),
	)
	degraded, _ := meter.Int64Counter("jointvision.frames.degraded",
		metric.WithDescription("Frames reported without angles after a per-frame failure"),
	)
	truncated, _ := meter.Int64Counter("jointvision.runs.truncated",
		metric.WithDescription("Runs stopped by the frame cap"),
	)
	duration, _ := meter.Float64Histogram("jointvision.frame.duration",
		metric.WithDescription("Time to extract and measure one frame (ms)"),
		metric.WithUnit("ms"),
	)

	return &Processor{
		newExtractor:    newExtractor,
		logger:          logger,
		tracer:          telemetry.Tracer("jointvision/analyzer"),
		framesProcessed: processed,
		framesDegraded:  degraded,
		runsTruncated:   truncated,
		frameDuration:   duration,
	}
}

// Analyze runs to completion and returns every measurement at once. No
// partial result is returned on failure.
func (p *Processor) Analyze(ctx context.Context, open extractor.Opener, opts Options) (models.Result, error) {
	var result models.Result
	collect := events.Func(func(_ context.Context, e events.Event) error {
		if done, ok := e.(events.Done); ok {
			result = models.Result{
				Measurements: done.Measurements,
				TotalFrames:  done.TotalFrames,
				Truncated:    done.Truncated,
			}
		}
		return nil
	})

	if err := p.run(ctx, open, opts, collect); err != nil {
		return models.Result{}, err
	}
	return result, nil
}

// Stream runs the analysis and reports it to sink: one Start, a Progress per
// processed frame, then exactly one Done or Error. The returned error matches
// the Error event, or is the sink's own failure.
func (p *Processor) Stream(ctx context.Context, open extractor.Opener, opts Options, sink events.Sink) error {
	return p.run(ctx, open, opts, sink)
}

func (p *Processor) run(ctx context.Context, open extractor.Opener, opts Options, sink events.Sink) (err error) {
	run := &models.AnalysisRun{
		ID:        uuid.New(),
		FrameSkip: opts.FrameSkip,
		MaxDim:    opts.MaxDim,
		MaxFrames: opts.MaxFrames,
	}
	logger := p.logger.With("run", run.ID)

	ctx, span := p.tracer.Start(ctx, "analyzer.run")
	defer func() {
		span.SetAttributes(
			attribute.Int("jointvision.frames_seen", run.TotalFramesSeen),
			attribute.Int("jointvision.frames_sampled", run.Sampled),
			attribute.Bool("jointvision.truncated", run.Truncated),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	src, err := open(ctx)
	if err != nil {
		return p.fail(ctx, sink, logger, 0, true, fmt.Errorf("%w: %w", ErrUnreadableVideo, err))
	}
	defer src.Close()

	gov := governor.New(src, run, logger)
	planned := gov.Planned()
	span.SetAttributes(
		attribute.String("jointvision.run_id", run.ID.String()),
		attribute.Int("jointvision.frame_skip", run.FrameSkip),
		attribute.Int("jointvision.max_frames", run.MaxFrames),
		attribute.Int("jointvision.max_dim", run.MaxDim),
		attribute.Int("jointvision.planned_frames", planned),
	)
	logger.Info("analysis started",
		"frame_skip", run.FrameSkip,
		"max_frames", run.MaxFrames,
		"max_dim", run.MaxDim,
		"planned_frames", planned,
	)

	ext, err := p.newExtractor(ctx)
	if err != nil {
		return p.fail(ctx, sink, logger, planned, true, fmt.Errorf("%w: %w", ErrExtractorUnavailable, err))
	}
	defer func() {
		if cerr := ext.Close(); cerr != nil {
			logger.Warn("failed to close pose extractor", "error", cerr)
		}
	}()

	if err := sink.Emit(ctx, events.Start{TotalFrames: planned}); err != nil {
		return p.emitFailed(ctx, sink, logger, planned, false, "start", err)
	}

	var measurements []models.AngleMeasurement
	for {
		if ctx.Err() != nil {
			return p.fail(ctx, sink, logger, planned, false, ctx.Err())
		}

		frame, err := gov.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return p.fail(ctx, sink, logger, planned, false, ctx.Err())
			}
			return p.fail(ctx, sink, logger, planned, false, fmt.Errorf("%w: %w", ErrUnreadableVideo, err))
		}

		m, err := p.measure(ctx, ext, frame, opts.IncludeLandmarks, logger)
		if err != nil {
			if ctx.Err() != nil {
				return p.fail(ctx, sink, logger, planned, false, ctx.Err())
			}
			return p.fail(ctx, sink, logger, planned, false, fmt.Errorf("%w: %w", ErrExtractorUnavailable, err))
		}
		measurements = append(measurements, m)

		if err := sink.Emit(ctx, events.Progress{FrameIndex: m.FrameIndex, TotalFrames: planned}); err != nil {
			return p.emitFailed(ctx, sink, logger, planned, true, "progress", err)
		}
	}

	if run.Truncated {
		p.runsTruncated.Add(ctx, 1)
	}
	logger.Info("analysis finished",
		"frames", len(measurements),
		"frames_seen", run.TotalFramesSeen,
		"truncated", run.Truncated,
		"state", gov.State(),
	)

	done := events.Done{
		Measurements: measurements,
		TotalFrames:  len(measurements),
		Truncated:    run.Truncated,
	}
	if err := sink.Emit(ctx, done); err != nil {
		return p.emitFailed(ctx, sink, logger, planned, true, "done", err)
	}
	return nil
}

// measure extracts one frame. Only errors that end the run are returned;
// anything limited to the frame yields a measurement without angles.
func (p *Processor) measure(ctx context.Context, ext pose.Extractor, frame models.Frame, withLandmarks bool, logger *slog.Logger) (models.AngleMeasurement, error) {
	start := time.Now()
	m := models.AngleMeasurement{
		FrameIndex: frame.Index,
		TimeMS:     frame.TimeMS(),
		TimeS:      geometry.RoundTo(frame.Timestamp, 3),
	}

	defer func() {
		p.framesProcessed.Add(ctx, 1)
		p.frameDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}()

	if frame.Err != nil {
		p.degraded(ctx, logger, frame, frame.Err)
		return m, nil
	}

	det, err := ext.Extract(ctx, frame)
	if err != nil {
		if errors.Is(err, pose.ErrUnavailable) || ctx.Err() != nil {
			return m, err
		}
		p.degraded(ctx, logger, frame, err)
		return m, nil
	}

	geom, img := landmarks.Adapt(det)
	landmarks.Measure(geom).Apply(&m)
	if withLandmarks {
		m.Landmarks = landmarks.ImagePoints(img)
	}
	return m, nil
}

func (p *Processor) degraded(ctx context.Context, logger *slog.Logger, frame models.Frame, err error) {
	p.framesDegraded.Add(ctx, 1)
	logger.Warn("frame degraded to no pose", "frame_index", frame.Index, "error", err)
}

// fail reports a fatal error. A Start is emitted first when the run failed
// before producing one, so every stream still has exactly one.
func (p *Processor) fail(ctx context.Context, sink events.Sink, logger *slog.Logger, planned int, needStart bool, err error) error {
	emitCtx := ctx
	if cerr := ctx.Err(); cerr != nil {
		var cancel context.CancelFunc
		emitCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
		defer cancel()
		if !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
		err = fmt.Errorf("analyzer: %w", err)
		logger.Info("analysis cancelled")
	} else {
		logger.Error("analysis failed", "error", err)
	}

	if needStart {
		if serr := sink.Emit(emitCtx, events.Start{TotalFrames: planned}); serr != nil {
			return errors.Join(err, serr)
		}
	}
	if serr := sink.Emit(emitCtx, events.Error{Message: Message(err)}); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

// emitFailed handles a sink that refused an event. A refusal caused by
// cancellation still gets the terminal event; any other means the consumer
// is gone and nothing more is sent.
func (p *Processor) emitFailed(ctx context.Context, sink events.Sink, logger *slog.Logger, planned int, started bool, name string, err error) error {
	if ctx.Err() != nil {
		return p.fail(ctx, sink, logger, planned, !started, ctx.Err())
	}
	logger.Warn("event consumer failed", "event", name, "error", err)
	return fmt.Errorf("analyzer: emit %s: %w", name, err)
}

// Message is the human-readable text for a run failure.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return cancelledMessage
	case errors.Is(err, extractor.ErrUnreadable), errors.Is(err, ErrUnreadableVideo) && !errors.Is(err, extractor.ErrDecode):
		return "Could not read this video. MP4 (H.264) works best. Try converting it with QuickTime (File > Export) or HandBrake."
	case errors.Is(err, ErrUnreadableVideo):
		return "The video stopped decoding part way through. Try converting it to MP4 (H.264)."
	case errors.Is(err, ErrExtractorUnavailable):
		return "The pose model is not available. Check the pose worker command and model path."
	default:
		return err.Error()
	}
}
