package extractor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdougie/jointvision/internal/models"
)

var (
	// ErrUnreadable means the video could not be opened or probed at all
	ErrUnreadable = errors.New("video is unreadable")

	// ErrDecode means the decoder failed part way through the video
	ErrDecode = errors.New("video decoding failed")
)

// FrameSource is an ordered, finite, pull-based sequence of frames.
type FrameSource interface {
	// Next returns the next frame in native order, or io.EOF at the end.
	// A frame that failed to decode is returned with Err set.
	Next(ctx context.Context) (models.Frame, error)

	// Total reports the number of frames, when the source knows it.
	Total() (int, bool)

	// Close releases the decoder.
	Close() error
}

// DirectorySource reads JPEG frames previously written by ExtractFrames.
type DirectorySource struct {
	paths []string
	fps   float64
	next  int
}

// OpenDirectory lists the JPEG frames in dir. fps is used to derive timestamps.
func OpenDirectory(dir string, fps float64) (*DirectorySource, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory '%s': %v: %w", dir, err, ErrUnreadable)
	}

	var frames []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(strings.ToLower(file.Name()), ".jpg") {
			frames = append(frames, filepath.Join(dir, file.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no JPEG frames found in directory '%s': %w", dir, ErrUnreadable)
	}
	sort.Strings(frames)

	if fps <= 0 {
		fps = 30
	}
	return &DirectorySource{paths: frames, fps: fps}, nil
}

// Next decodes the next JPEG.
func (s *DirectorySource) Next(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if s.next >= len(s.paths) {
		return models.Frame{}, io.EOF
	}

	idx := s.next
	s.next++
	frame := models.Frame{
		Index:     uint64(idx),
		Timestamp: float64(idx) / s.fps,
	}

	img, err := decodeJPEG(s.paths[idx])
	if err != nil {
		frame.Err = err
		return frame, nil
	}
	frame.Image = img
	return frame, nil
}

// Total is the number of JPEG files found.
func (s *DirectorySource) Total() (int, bool) {
	return len(s.paths), true
}

// Close is a no-op; files are opened per frame.
func (s *DirectorySource) Close() error {
	return nil
}

func decodeJPEG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Opener opens the frame source of one run.
type Opener func(ctx context.Context) (FrameSource, error)

// VideoOpener opens videoPath with ffmpeg.
func VideoOpener(videoPath string, opts VideoOptions) Opener {
	return func(ctx context.Context) (FrameSource, error) {
		return OpenVideo(ctx, videoPath, opts)
	}
}

// DirectoryOpener opens a directory of extracted JPEG frames.
func DirectoryOpener(dir string, fps float64) Opener {
	return func(ctx context.Context) (FrameSource, error) {
		return OpenDirectory(dir, fps)
	}
}
