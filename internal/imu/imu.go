// Package imu turns two quaternion streams from inertial sensors into the
// relative rotation angle between them.
package imu

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/bdougie/jointvision/internal/geometry"
	"github.com/bdougie/jointvision/internal/models"
)

const (
	// DefaultSkipRows is the number of header rows sensor exports carry
	DefaultSkipRows = 3

	// DefaultTolerance is the timestamp distance, in the export's own unit,
	// within which two samples are paired
	DefaultTolerance = 0.05

	minColumns = 5
)

var (
	// ErrNoSamples means a stream had no usable rows
	ErrNoSamples = errors.New("no quaternion samples")

	// ErrRead means a stream could not be read
	ErrRead = errors.New("quaternion stream unreadable")
)

// Alignment selects how samples of the two streams are paired
type Alignment string

const (
	// AlignOrdinal pairs the i-th valid row of each stream
	AlignOrdinal Alignment = "ordinal"
	// AlignTimestamp pairs the nearest samples by numeric timestamp
	AlignTimestamp Alignment = "timestamp"
)

// ParseAlignment accepts "ordinal" (or empty) and "timestamp".
func ParseAlignment(s string) (Alignment, error) {
	switch Alignment(strings.ToLower(strings.TrimSpace(s))) {
	case "", AlignOrdinal:
		return AlignOrdinal, nil
	case AlignTimestamp:
		return AlignTimestamp, nil
	default:
		return "", fmt.Errorf("imu: unknown alignment %q", s)
	}
}

// Options controls parsing and alignment.
type Options struct {
	SkipRows  int
	Alignment Alignment
	Tolerance float64
	Logger    *slog.Logger
}

// DefaultOptions matches the layout of the sensor exports.
func DefaultOptions() Options {
	return Options{
		SkipRows:  DefaultSkipRows,
		Alignment: AlignOrdinal,
		Tolerance: DefaultTolerance,
	}
}

// ParseSamples reads a tab-delimited export with columns timestamp, w, x, y,
// z. The first skipRows physical lines are dropped, blank ones included.
// Blank, short, non-numeric or zero-length rows after that are skipped and
// counted.
func ParseSamples(r io.Reader, skipRows int) (samples []models.QuaternionSample, skipped int, err error) {
	br := bufio.NewReader(r)
	for row := 1; ; row++ {
		line, rerr := br.ReadString('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return nil, 0, fmt.Errorf("imu: read row %d: %v: %w", row, rerr, ErrRead)
		}
		if line == "" && rerr != nil {
			break
		}

		if row > skipRows {
			if sample, ok := parseLine(line); ok {
				samples = append(samples, sample)
			} else {
				skipped++
			}
		}
		if rerr != nil {
			break
		}
	}
	return samples, skipped, nil
}

// parseLine splits one physical line into fields. Rows never span lines in
// sensor exports, so each line is read on its own.
func parseLine(line string) (models.QuaternionSample, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return models.QuaternionSample{}, false
	}

	reader := csv.NewReader(strings.NewReader(line))
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	record, err := reader.Read()
	if err != nil {
		return models.QuaternionSample{}, false
	}
	return parseRow(record)
}

func parseRow(record []string) (models.QuaternionSample, bool) {
	if len(record) < minColumns {
		return models.QuaternionSample{}, false
	}

	var q [4]float64
	for i := range q {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return models.QuaternionSample{}, false
		}
		q[i] = v
	}
	if q[0] == 0 && q[1] == 0 && q[2] == 0 && q[3] == 0 {
		return models.QuaternionSample{}, false
	}

	s := models.QuaternionSample{
		Timestamp: strings.TrimSpace(record[0]),
		W:         q[0],
		X:         q[1],
		Y:         q[2],
		Z:         q[3],
	}
	if secs, err := strconv.ParseFloat(s.Timestamp, 64); err == nil && !math.IsNaN(secs) && !math.IsInf(secs, 0) {
		s.Seconds = secs
		s.HasSeconds = true
	}
	return s, true
}

// Pair is one reference sample matched with one segment sample
type Pair struct {
	Ref models.QuaternionSample
	Seg models.QuaternionSample
}

// Align pairs the two streams. Timestamp alignment needs numeric timestamps
// on every sample; without them it falls back to ordinal. The mode actually
// used is returned with the number of samples left without a partner.
func Align(ref, seg []models.QuaternionSample, mode Alignment, tolerance float64) ([]Pair, int, Alignment) {
	if mode == AlignTimestamp && numeric(ref) && numeric(seg) {
		pairs, unpaired := alignTimestamp(ref, seg, tolerance)
		return pairs, unpaired, AlignTimestamp
	}

	n := min(len(ref), len(seg))
	pairs := make([]Pair, n)
	for i := range n {
		pairs[i] = Pair{Ref: ref[i], Seg: seg[i]}
	}
	return pairs, len(ref) + len(seg) - 2*n, AlignOrdinal
}

// alignTimestamp merge-walks two time-ordered streams, pairing each sample
// with its nearest partner when they are within tolerance.
func alignTimestamp(ref, seg []models.QuaternionSample, tolerance float64) ([]Pair, int) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var pairs []Pair
	unpaired := 0
	i, j := 0, 0
	for i < len(ref) && j < len(seg) {
		d := seg[j].Seconds - ref[i].Seconds
		switch {
		case d < -tolerance:
			j++
			unpaired++
		case d > tolerance:
			i++
			unpaired++
		case j+1 < len(seg) && math.Abs(seg[j+1].Seconds-ref[i].Seconds) < math.Abs(d):
			j++
			unpaired++
		case i+1 < len(ref) && math.Abs(seg[j].Seconds-ref[i+1].Seconds) < math.Abs(d):
			i++
			unpaired++
		default:
			pairs = append(pairs, Pair{Ref: ref[i], Seg: seg[j]})
			i++
			j++
		}
	}
	unpaired += len(ref) - i + len(seg) - j
	return pairs, unpaired
}

func numeric(samples []models.QuaternionSample) bool {
	for _, s := range samples {
		if !s.HasSeconds {
			return false
		}
	}
	return true
}

// Analyze parses both streams and returns the angle series. Timestamps are
// taken from the reference stream.
func Analyze(ref, seg io.Reader, opts Options) (models.IMUResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Alignment == "" {
		opts.Alignment = AlignOrdinal
	}

	refSamples, refSkipped, err := ParseSamples(ref, opts.SkipRows)
	if err != nil {
		return models.IMUResult{}, fmt.Errorf("reference stream: %w", err)
	}
	segSamples, segSkipped, err := ParseSamples(seg, opts.SkipRows)
	if err != nil {
		return models.IMUResult{}, fmt.Errorf("segment stream: %w", err)
	}
	if len(refSamples) == 0 {
		return models.IMUResult{}, fmt.Errorf("reference stream: %w", ErrNoSamples)
	}
	if len(segSamples) == 0 {
		return models.IMUResult{}, fmt.Errorf("segment stream: %w", ErrNoSamples)
	}

	pairs, unpaired, used := Align(refSamples, segSamples, opts.Alignment, opts.Tolerance)
	if used != opts.Alignment {
		logger.Warn("timestamps are not numeric, pairing samples by position",
			"requested", opts.Alignment,
		)
	}

	result := models.IMUResult{
		Angles:           make([]models.AngleSample, 0, len(pairs)),
		SkippedReference: refSkipped,
		SkippedSegment:   segSkipped,
		Skipped:          refSkipped + segSkipped,
		Unpaired:         unpaired,
		Alignment:        string(used),
	}
	for _, p := range pairs {
		deg, ok := geometry.RelativeRotationAngle(quat(p.Ref), quat(p.Seg))
		if !ok {
			continue
		}
		result.Angles = append(result.Angles, models.AngleSample{
			Timestamp: p.Ref.Timestamp,
			AngleDeg:  deg,
		})
	}

	logger.Info("imu analysis finished",
		"angles", len(result.Angles),
		"skipped_rows", result.Skipped,
		"unpaired", result.Unpaired,
		"alignment", result.Alignment,
	)
	return result, nil
}

func quat(s models.QuaternionSample) mgl64.Quat {
	return mgl64.Quat{W: s.W, V: mgl64.Vec3{s.X, s.Y, s.Z}}
}
