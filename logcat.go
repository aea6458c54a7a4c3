package drover

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// logcatCaptureCmd streams the device log continuously; the transport call
// only returns on failure or cancellation.
const logcatCaptureCmd = "logcat -v threadtime"

// LogcatReceiver is a bounded capture session for a device's log stream. A
// background drain appends into a two-segment rotation: `current` receives
// new data, and when an append would push `current` past the per-segment
// cap, `current` is demoted to `backup` (discarding the previous backup) and
// a fresh `current` begins. The readable snapshot is backup followed by
// current, so at most the oldest of three cap-sized windows is ever lost -
// bounded memory bought with bounded loss.
//
// Appends and snapshot reads may run concurrently; a snapshot observes some
// consistent rotation state, not necessarily the very latest byte.
type LogcatReceiver struct {
	id       string
	serial   string
	maxSize  int
	capture  func(ctx context.Context, receiver ShellOutputReceiver) error
	interval time.Duration

	mu      sync.Mutex
	current *bytes.Buffer
	backup  *bytes.Buffer

	startOnce  sync.Once
	cancelOnce sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewLogcatReceiver creates a capture session for this device. The session
// does nothing until Start; Cancel is safe at any point, including before
// Start or twice.
func (d *Device) NewLogcatReceiver() *LogcatReceiver {
	r := &LogcatReceiver{
		id:      uuid.New().String(),
		serial:  d.serial,
		maxSize: d.logcatSegSize,
		capture: func(ctx context.Context, receiver ShellOutputReceiver) error {
			// Zero timeout: the stream runs until the transport fails or
			// the device drops; cancellation is observed between streams.
			return d.transport.ExecuteShellCommand(logcatCaptureCmd, receiver, 0)
		},
		interval: 2 * time.Second,
		current:  &bytes.Buffer{},
		backup:   &bytes.Buffer{},
		done:     make(chan struct{}),
	}
	return r
}

// ID identifies this capture session.
func (r *LogcatReceiver) ID() string { return r.id }

// Start launches the background drain. Subsequent calls are no-ops.
func (r *LogcatReceiver) Start() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		go r.run(ctx)
	})
}

// run keeps the capture stream alive until cancellation, restarting it after
// transport failures. The device may legitimately disappear mid-capture
// (reboot, recovery), so a failed stream is a pause, not an end.
func (r *LogcatReceiver) run(ctx context.Context) {
	defer close(r.done)
	LogcatLog().Str("serial", r.serial).Str("session", r.id).Msg("Logcat capture started")
	for {
		err := r.capture(ctx, r)
		select {
		case <-ctx.Done():
			LogcatLog().Str("serial", r.serial).Str("session", r.id).Msg("Logcat capture stopped")
			return
		default:
		}
		LogWarn("logcat").Str("serial", r.serial).Str("session", r.id).Err(err).
			Msg("Logcat stream interrupted, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// AddOutput appends a chunk, rotating segments when the chunk would push the
// current segment past its cap.
func (r *LogcatReceiver) AddOutput(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		// Cancelled; segments released.
		return
	}
	if r.current.Len()+len(p) > r.maxSize {
		r.backup = r.current
		r.current = &bytes.Buffer{}
	}
	r.current.Write(p)
}

// Flush implements ShellOutputReceiver.
func (r *LogcatReceiver) Flush() {}

// Snapshot returns the retained log window, backup segment first, as one
// byte stream. Safe to call while the capture is appending.
func (r *LogcatReceiver) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	out := make([]byte, 0, r.backup.Len()+r.current.Len())
	out = append(out, r.backup.Bytes()...)
	out = append(out, r.current.Bytes()...)
	return out
}

// Size returns the number of retained bytes across both segments.
func (r *LogcatReceiver) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0
	}
	return r.backup.Len() + r.current.Len()
}

// Cancel stops the background drain and releases both segments. Idempotent,
// and safe on a session that never started. Cancel does not wait for an
// in-flight stream read to unwind; appends arriving after cancellation are
// dropped.
func (r *LogcatReceiver) Cancel() {
	r.cancelOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Lock()
		r.current = nil
		r.backup = nil
		r.mu.Unlock()
	})
}

// Done is closed once the background drain has fully exited. Exposed for
// callers that need to synchronize shutdown.
func (r *LogcatReceiver) Done() <-chan struct{} { return r.done }
