// Package pose defines the pose-landmark extraction capability and a worker
// that runs an external landmark model as a subprocess.
package pose

import (
	"context"
	"errors"

	"github.com/bdougie/jointvision/internal/models"
)

// ErrUnavailable means the extractor can no longer serve requests for this
// run (failed to start, exited, or broke its pipe).
var ErrUnavailable = errors.New("pose extractor unavailable")

// Point is a raw landmark as reported by the model
type Point struct {
	X          float64 `msgpack:"x"`
	Y          float64 `msgpack:"y"`
	Z          float64 `msgpack:"z"`
	Visibility float64 `msgpack:"visibility"`
}

// Detection is the raw result for one frame. Landmarks are normalized to the
// frame size; WorldLandmarks, when present, are metric and hip-centred.
type Detection struct {
	Landmarks      []Point
	WorldLandmarks []Point
}

// Extractor turns one frame into zero or one detection. Implementations are
// stateful and must be called sequentially, in frame order.
type Extractor interface {
	// Extract returns nil when no pose was found in the frame.
	Extract(ctx context.Context, frame models.Frame) (*Detection, error)

	// Close releases the model and any process behind it.
	Close() error
}

// Factory creates a fresh extractor for a single run
type Factory func(ctx context.Context) (Extractor, error)
