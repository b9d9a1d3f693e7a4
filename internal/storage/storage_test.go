package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/jointvision/internal/models"
)

func ptr(v float64) *float64 { return &v }

func readSummaries(t *testing.T, path string) []models.RunSummary {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []models.RunSummary
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestStorageBatchesAndAppends(t *testing.T) {
	dir := t.TempDir()
	s := NewStorage(dir)
	ctx := context.Background()

	for i := 0; i < batchSize-1; i++ {
		require.NoError(t, s.AddResult(ctx, models.RunSummary{Video: fmt.Sprintf("v%d.mp4", i)}))
	}
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "nothing is written before the batch fills")

	require.NoError(t, s.AddResult(ctx, models.RunSummary{Video: "last.mp4", Frames: 3}))
	assert.Len(t, readSummaries(t, s.Path()), batchSize)

	require.NoError(t, s.AddResult(ctx, models.RunSummary{Video: "extra.mp4", Error: "boom"}))
	require.NoError(t, s.Flush())
	got := readSummaries(t, s.Path())
	require.Len(t, got, batchSize+1)
	assert.Equal(t, "boom", got[batchSize].Error)

	// a second storage appends to the same file
	s2 := NewStorage(dir)
	require.NoError(t, s2.AddResult(ctx, models.RunSummary{Video: "again.mp4"}))
	require.NoError(t, s2.Flush())
	assert.Len(t, readSummaries(t, s.Path()), batchSize+2)
}

func TestStorageConcurrentAdds(t *testing.T) {
	s := NewStorage(t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.AddResult(context.Background(), models.RunSummary{Video: fmt.Sprint(i)}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Flush())
	assert.Len(t, readSummaries(t, s.Path()), 25)
}

func TestStorageFlushEmpty(t *testing.T) {
	s := NewStorage(t.TempDir())
	require.NoError(t, s.Flush())
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestStorageCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewStorage(t.TempDir()).AddResult(ctx, models.RunSummary{}), context.Canceled)
}

func TestSaveResult(t *testing.T) {
	dir := t.TempDir()
	result := models.Result{
		Measurements: []models.AngleMeasurement{
			{FrameIndex: 0, TimeS: 0, LeftElbow: ptr(92.5), RightKnee: ptr(180)},
			{FrameIndex: 2, TimeMS: 67, TimeS: 0.067},
		},
		TotalFrames: 2,
		Truncated:   true,
	}

	path, err := SaveResult(dir, "climb", result)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "climb", "joint_angles.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got models.Result
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, result, got)

	csvData, err := os.ReadFile(filepath.Join(dir, "climb", "joint_angles.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "frame_index,time_s,left_elbow_deg,right_elbow_deg,left_hip_deg,right_hip_deg,left_knee_deg,right_knee_deg", lines[0])
	assert.Equal(t, "0,0,92.5,,,,,180", lines[1])
	assert.Equal(t, "2,0.067,,,,,,", lines[2])
}

func TestSaveIMUResult(t *testing.T) {
	dir := t.TempDir()
	path, err := SaveIMUResult(dir, "session", models.IMUResult{
		Angles:    []models.AngleSample{{Timestamp: "0.01", AngleDeg: 12.34}},
		Skipped:   1,
		Alignment: "ordinal",
	})
	require.NoError(t, err)
	assert.FileExists(t, path)

	csvData, err := os.ReadFile(filepath.Join(dir, "session", "imu_angles.csv"))
	require.NoError(t, err)
	assert.Equal(t, "timestamp,angle_deg\n0.01,12.34\n", string(csvData))
}

func TestWriteMeasurementsCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMeasurementsCSV(&buf, nil))
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}
