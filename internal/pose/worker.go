package pose

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/bdougie/jointvision/internal/models"
)

const (
	// maxMessageSize bounds a single response from the worker process
	maxMessageSize = 16 << 20
	stopTimeout    = 2 * time.Second
)

// WorkerConfig configures the landmark worker subprocess
type WorkerConfig struct {
	WorkerID  string
	Command   string
	Args      []string
	ModelPath string
	Logger    *slog.Logger
}

// request is written to the worker's stdin, one per frame
type request struct {
	Seq         uint64 `msgpack:"seq"`
	TimestampMS int64  `msgpack:"timestamp_ms"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	Format      string `msgpack:"format"`
	FrameData   []byte `msgpack:"frame_data"`
}

// response is read from the worker's stdout, one per request
type response struct {
	Seq            uint64  `msgpack:"seq"`
	Landmarks      []Point `msgpack:"landmarks"`
	WorldLandmarks []Point `msgpack:"world_landmarks"`
	Error          string  `msgpack:"error"`
}

// Worker runs a landmark model in a child process. Frames go to stdin and
// detections come back on stdout, both as length-prefixed msgpack messages.
type Worker struct {
	id     string
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	// stdoutR is owned by the worker, not by cmd, so Wait never closes it
	// under a pending read
	stdoutR *os.File

	seq    uint64
	exited chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	broken atomic.Bool
}

// NewWorker spawns the worker process. The process is killed when ctx is done.
func NewWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pose: worker command is required: %w", ErrUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := append([]string{}, cfg.Args...)
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}

	w := &Worker{
		id:     cfg.WorkerID,
		logger: logger,
		cmd:    exec.CommandContext(ctx, cfg.Command, args...),
		exited: make(chan struct{}),
	}

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pose: create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pose: create stdout pipe: %w", err)
	}
	w.cmd.Stdout = stdoutW
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("pose: create stderr pipe: %w", err)
	}
	w.stdin = stdin
	w.stdoutR = stdoutR
	w.stdout = bufio.NewReader(stdoutR)

	err = w.cmd.Start()
	// the child holds its own copy of the write end
	stdoutW.Close()
	if err != nil {
		stdoutR.Close()
		return nil, fmt.Errorf("pose: start %s: %v: %w", cfg.Command, err, ErrUnavailable)
	}

	logger.Debug("pose worker spawned", "worker_id", w.id, "pid", w.cmd.Process.Pid)

	w.wg.Add(1)
	go w.logStderr(stderr)

	go w.waitProcess()

	return w, nil
}

// WorkerFactory starts a fresh worker for every run.
func WorkerFactory(cfg WorkerConfig) Factory {
	return func(ctx context.Context) (Extractor, error) {
		w, err := NewWorker(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// Extract sends one frame to the worker and waits for its detection.
func (w *Worker) Extract(ctx context.Context, frame models.Frame) (*Detection, error) {
	if w.closed.Load() || w.broken.Load() {
		return nil, fmt.Errorf("pose: worker closed: %w", ErrUnavailable)
	}
	if frame.Image == nil {
		return nil, fmt.Errorf("pose: frame %d has no image", frame.Index)
	}

	w.seq++
	b := frame.Image.Bounds()
	req := request{
		Seq:         w.seq,
		TimestampMS: frame.TimeMS(),
		Width:       b.Dx(),
		Height:      b.Dy(),
		Format:      "rgb24",
		FrameData:   RGB24(frame.Image),
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := WriteMessage(w.stdin, req); err != nil {
			done <- result{err: err}
			return
		}
		var resp response
		err := ReadMessage(w.stdout, &resp)
		done <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// The exchange may be half done; the stream can't be reused.
		w.kill()
		return nil, ctx.Err()
	case <-w.exited:
		// a response written before exit is still in the pipe
		select {
		case res = <-done:
		case <-time.After(stopTimeout):
			return nil, fmt.Errorf("pose: worker exited: %w", ErrUnavailable)
		}
	}

	if res.err != nil {
		w.kill()
		return nil, fmt.Errorf("pose: exchange frame %d: %v: %w", frame.Index, res.err, ErrUnavailable)
	}
	if res.resp.Seq != req.Seq {
		w.kill()
		return nil, fmt.Errorf("pose: response seq %d for request %d: %w", res.resp.Seq, req.Seq, ErrUnavailable)
	}
	if res.resp.Error != "" {
		return nil, fmt.Errorf("pose: frame %d: %s", frame.Index, res.resp.Error)
	}
	if len(res.resp.Landmarks) == 0 {
		return nil, nil
	}

	return &Detection{
		Landmarks:      res.resp.Landmarks,
		WorldLandmarks: res.resp.WorldLandmarks,
	}, nil
}

// Close stops the worker. Closing stdin lets the process exit on its own.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.stdin.Close()
	if w.broken.Load() {
		err = nil
	}
	select {
	case <-w.exited:
	case <-time.After(stopTimeout):
		w.logger.Warn("pose worker did not exit, killing", "worker_id", w.id)
		_ = w.cmd.Process.Kill()
		<-w.exited
	}
	w.stdoutR.Close()
	if err != nil {
		return fmt.Errorf("pose: close stdin: %w", err)
	}
	return nil
}

func (w *Worker) kill() {
	w.broken.Store(true)
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// waitProcess reaps the process so it never lingers as a zombie. Wait closes
// the stderr pipe, so the log reader has to reach EOF first.
func (w *Worker) waitProcess() {
	w.wg.Wait()
	err := w.cmd.Wait()
	if err != nil && !w.closed.Load() && !w.broken.Load() {
		w.logger.Error("pose worker exited unexpectedly", "worker_id", w.id, "error", err)
	} else {
		w.logger.Debug("pose worker exited", "worker_id", w.id)
	}
	close(w.exited)
}

// logStderr maps the worker's log lines onto slog levels
func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			w.logger.Error("pose worker error", "worker_id", w.id, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			w.logger.Warn("pose worker warning", "worker_id", w.id, "log", line)
		default:
			w.logger.Debug("pose worker log", "worker_id", w.id, "log", line)
		}
	}
}

// WriteMessage writes v as a 4-byte big-endian length followed by msgpack.
func WriteMessage(wr io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := wr.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := wr.Write(data); err != nil {
		return fmt.Errorf("write msgpack data: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}

// RGB24 packs an image into tightly packed 8-bit RGB rows.
func RGB24(img image.Image) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):rgba.PixOffset(b.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				out = append(out, row[i], row[i+1], row[i+2])
			}
		}
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}
	return out
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
