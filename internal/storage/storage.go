package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/bdougie/jointvision/internal/models"
)

const (
	batchSize = 10 // Number of summaries to batch write

	summaryFile      = "analysis_results.json"
	resultFile       = "joint_angles.json"
	resultCSVFile    = "joint_angles.csv"
	imuResultFile    = "imu_angles.json"
	imuResultCSVFile = "imu_angles.csv"
)

// Storage collects the summaries of a batch of runs
type Storage interface {
	// AddResult adds a single run summary
	AddResult(ctx context.Context, result models.RunSummary) error

	// Flush ensures all pending summaries are saved
	Flush() error
}

// storageImpl appends summaries to a JSON file in the output directory
type storageImpl struct {
	results   []models.RunSummary
	mu        sync.Mutex
	outputDir string
}

var _ Storage = (*storageImpl)(nil)

// NewStorage creates a new storage manager
func NewStorage(outputDir string) *storageImpl {
	return &storageImpl{
		results:   []models.RunSummary{},
		outputDir: outputDir,
	}
}

// AddResult adds a summary to the batch and flushes if the batch is full
func (s *storageImpl) AddResult(ctx context.Context, result models.RunSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)

	// Write to disk when batch is full
	if len(s.results) >= batchSize {
		if err := s.flush(); err != nil {
			return fmt.Errorf("storage: flush results: %w", err)
		}
	}
	return nil
}

// Flush writes all pending summaries to disk
func (s *storageImpl) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// Path is where the summaries are written.
func (s *storageImpl) Path() string {
	return filepath.Join(s.outputDir, summaryFile)
}

// Internal flush implementation
func (s *storageImpl) flush() error {
	if len(s.results) == 0 {
		return nil
	}

	path := s.Path()

	var existing []models.RunSummary
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("failed to unmarshal existing results: %w", err)
		}
	}

	all := append(existing, s.results...)
	if err := writeJSON(path, all); err != nil {
		return err
	}

	s.results = nil // Clear the batch
	return nil
}

// ResultDir is the per-video directory under outputDir.
func ResultDir(outputDir, name string) string {
	return filepath.Join(outputDir, name)
}

// SaveResult writes a video analysis as JSON and CSV and returns the JSON path.
func SaveResult(outputDir, name string, result models.Result) (string, error) {
	dir := ResultDir(outputDir, name)
	jsonPath := filepath.Join(dir, resultFile)
	if err := writeJSON(jsonPath, result); err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(dir, resultCSVFile), func(w io.Writer) error {
		return WriteMeasurementsCSV(w, result.Measurements)
	}); err != nil {
		return "", err
	}
	return jsonPath, nil
}

// SaveIMUResult writes a quaternion analysis as JSON and CSV and returns the JSON path.
func SaveIMUResult(outputDir, name string, result models.IMUResult) (string, error) {
	dir := ResultDir(outputDir, name)
	jsonPath := filepath.Join(dir, imuResultFile)
	if err := writeJSON(jsonPath, result); err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(dir, imuResultCSVFile), func(w io.Writer) error {
		return WriteAnglesCSV(w, result.Angles)
	}); err != nil {
		return "", err
	}
	return jsonPath, nil
}

// WriteMeasurementsCSV writes one row per frame. Absent angles are empty cells.
func WriteMeasurementsCSV(w io.Writer, measurements []models.AngleMeasurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"frame_index", "time_s",
		"left_elbow_deg", "right_elbow_deg",
		"left_hip_deg", "right_hip_deg",
		"left_knee_deg", "right_knee_deg",
	}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, m := range measurements {
		row := []string{
			strconv.FormatUint(m.FrameIndex, 10),
			formatFloat(m.TimeS),
			formatAngle(m.LeftElbow),
			formatAngle(m.RightElbow),
			formatAngle(m.LeftHip),
			formatAngle(m.RightHip),
			formatAngle(m.LeftKnee),
			formatAngle(m.RightKnee),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAnglesCSV writes a quaternion angle series.
func WriteAnglesCSV(w io.Writer, angles []models.AngleSample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "angle_deg"}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, a := range angles {
		if err := cw.Write([]string{a.Timestamp, formatFloat(a.AngleDeg)}); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatAngle(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeJSON(path string, v any) error {
	return writeFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		return nil
	})
}

// writeFile creates the directory if needed and replaces path atomically.
func writeFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for results: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close results file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}
	return nil
}
