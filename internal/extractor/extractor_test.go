package extractor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "frame_0002.jpg"), 8, 6)
	writeJPEG(t, filepath.Join(dir, "frame_0001.jpg"), 8, 6)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame_0003.jpg"), []byte("not a jpeg"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	src, err := OpenDirectory(dir, 10)
	require.NoError(t, err)
	defer src.Close()

	total, ok := src.Total()
	assert.True(t, ok)
	assert.Equal(t, 3, total)

	ctx := context.Background()
	f0, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f0.Index)
	assert.Equal(t, 0.0, f0.Timestamp)
	require.NotNil(t, f0.Image)
	assert.Equal(t, 8, f0.Image.Bounds().Dx())

	f1, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.Index)
	assert.InDelta(t, 0.1, f1.Timestamp, 1e-9)

	f2, err := src.Next(ctx)
	require.NoError(t, err, "a corrupt frame is not fatal")
	assert.Equal(t, uint64(2), f2.Index)
	assert.Error(t, f2.Err)
	assert.Nil(t, f2.Image)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenDirectoryErrors(t *testing.T) {
	_, err := OpenDirectory(filepath.Join(t.TempDir(), "missing"), 30)
	assert.ErrorIs(t, err, ErrUnreadable)

	_, err = OpenDirectory(t.TempDir(), 30)
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestDirectorySourceCancelled(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "frame_0001.jpg"), 4, 4)
	src, err := OpenDirectory(dir, 30)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseProbe(t *testing.T) {
	info, err := ParseProbe([]byte(`{
		"streams": [{"width": 1920, "height": 1080, "r_frame_rate": "30/1",
			"avg_frame_rate": "30000/1001", "nb_frames": "450"}],
		"format": {"duration": "15.015"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.InDelta(t, 29.97, info.FPS, 0.01)
	assert.Equal(t, 450, info.Frames)
}

func TestParseProbeRotatedAndEstimated(t *testing.T) {
	info, err := ParseProbe([]byte(`{
		"streams": [{"width": 1920, "height": 1080, "r_frame_rate": "25/1",
			"avg_frame_rate": "0/0", "nb_frames": "N/A",
			"side_data_list": [{"rotation": -90}]}],
		"format": {"duration": "2.0"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 1080, info.Width)
	assert.Equal(t, 1920, info.Height)
	assert.Equal(t, 25.0, info.FPS)
	assert.Equal(t, 50, info.Frames)
}

func TestParseProbeErrors(t *testing.T) {
	for name, data := range map[string]string{
		"garbage":    `not json`,
		"no streams": `{"streams": []}`,
		"no size":    `{"streams": [{"width": 0, "height": 0}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProbe([]byte(data))
			assert.ErrorIs(t, err, ErrUnreadable)
		})
	}
}

func TestParseRate(t *testing.T) {
	assert.Equal(t, 30.0, ParseRate("30/1"))
	assert.InDelta(t, 29.97, ParseRate("30000/1001"), 0.001)
	assert.Equal(t, 24.0, ParseRate("24"))
	assert.Equal(t, 0.0, ParseRate("0/0"))
	assert.Equal(t, 0.0, ParseRate(""))
}

func TestParseTimestamps(t *testing.T) {
	// decode order of an IPBB stream, with a stray N/A
	data := []byte("1.033367\n1.100100\n1.066733\nN/A\n1.200200,\n1.133467\n\n")
	pts := ParseTimestamps(data)
	require.Len(t, pts, 5)
	assert.Equal(t, 0.0, pts[0])
	assert.InDelta(t, 0.033366, pts[1], 1e-6)
	assert.InDelta(t, 0.066733, pts[2], 1e-6)
	assert.InDelta(t, 0.1001, pts[3], 1e-6)
	assert.InDelta(t, 0.166833, pts[4], 1e-6)

	assert.Nil(t, ParseTimestamps([]byte("N/A\n")))
}

func TestTimestampAtVariableFrameRate(t *testing.T) {
	src := &VideoSource{
		info: VideoInfo{FPS: 30},
		pts:  []float64{0, 0.02, 0.07, 0.1},
	}
	assert.Equal(t, 0.07, src.timestampAt(2))
	assert.Equal(t, 0.1, src.timestampAt(3))
	assert.InDelta(t, 0.1+1.0/30, src.timestampAt(4), 1e-9, "past the probed times")

	cfr := &VideoSource{info: VideoInfo{FPS: 25}}
	assert.Equal(t, 0.4, cfr.timestampAt(10))
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 5}
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world"))
	assert.Equal(t, "world", tb.String())
}

func TestOpenVideoMissingFile(t *testing.T) {
	_, err := OpenVideo(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), VideoOptions{})
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestOpenVideoWithFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	video := filepath.Join(t.TempDir(), "clip.mp4")
	out, err := exec.Command("ffmpeg", "-v", "error", "-f", "lavfi",
		"-i", "testsrc=size=64x48:rate=10:duration=1", "-pix_fmt", "yuv420p", video).CombinedOutput()
	require.NoError(t, err, string(out))

	src, err := OpenVideo(context.Background(), video, VideoOptions{})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 64, src.Info().Width)
	assert.Equal(t, 48, src.Info().Height)

	var n uint64
	for {
		f, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, n, f.Index)
		assert.InDelta(t, float64(n)/10, f.Timestamp, 1e-3)
		n++
	}
	assert.Equal(t, uint64(10), n)
}

func TestOpenVideoNotAVideo(t *testing.T) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
	path := filepath.Join(t.TempDir(), "fake.mp4")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a video"), 0644))

	_, err := OpenVideo(context.Background(), path, VideoOptions{})
	assert.ErrorIs(t, err, ErrUnreadable)
}
