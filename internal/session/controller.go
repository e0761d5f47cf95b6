package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"image-compressor-go/internal/blob"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/statistics"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoImage is returned when compression starts without a selected image.
	ErrNoImage = errors.New("no image selected")
	// ErrBusy is returned when compression starts while one is in flight.
	ErrBusy = errors.New("compression already in progress")
	// ErrClosed is returned by a controller after Close.
	ErrClosed = errors.New("session closed")
)

// Runner executes compressions away from the caller's goroutine.
type Runner interface {
	Submit(ctx context.Context, in *compressor.InputImage, cons compressor.Constraints) <-chan compressor.Message
}

// Limits are the constraints applied to every compression of a session.
type Limits struct {
	MaxBytes     int64
	MaxDimension int
}

// DefaultLimits returns 1 MB and 800px.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:     1024 * 1024,
		MaxDimension: 800,
	}
}

// invocation is one submitted compression, identified by its token.
type invocation struct {
	token  uint64
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (i *invocation) finish() {
	i.once.Do(func() {
		i.cancel()
		close(i.done)
	})
}

// Controller drives one compression session. State is mutated only while
// holding mu, and only callbacks carrying the active invocation token are
// applied; callbacks of superseded invocations are dropped.
type Controller struct {
	runner Runner
	store  *blob.Store
	limits Limits
	stats  *statistics.Statistics
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	events *eventQueue

	mu        sync.Mutex
	state     State
	input     *compressor.InputImage
	progress  int
	result    *compressor.Result
	handle    string
	lastErr   error
	token     uint64
	nextToken uint64
	active    *invocation
	closed    bool
}

// Options configures a Controller. Runner is required.
type Options struct {
	Runner Runner
	Store  *blob.Store
	Sink   EventSink
	Limits Limits
	Stats  *statistics.Statistics
	Log    *logrus.Entry
}

// New returns an idle Controller.
func New(opts Options) *Controller {
	if opts.Store == nil {
		opts.Store = blob.NewStore()
	}
	if opts.Sink == nil {
		opts.Sink = SinkFunc(func(Event) {})
	}
	if opts.Limits.MaxBytes <= 0 || opts.Limits.MaxDimension <= 0 {
		opts.Limits = DefaultLimits()
	}
	if opts.Stats == nil {
		opts.Stats = statistics.NewStatistics()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		runner: opts.Runner,
		store:  opts.Store,
		events: newEventQueue(opts.Sink),
		limits: opts.Limits,
		stats:  opts.Stats,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
}

// SelectFile validates a declared MIME type and selects the image. Inputs
// outside the supported set are rejected and the state is left unchanged.
func (c *Controller) SelectFile(name, declaredMime string, data []byte) error {
	in, err := compressor.NewInputImage(name, declaredMime, data)
	if err != nil {
		c.stats.IncrementInputsRejected()
		c.log.WithFields(logrus.Fields{"file": name, "mime": declaredMime}).Warn("Rejected input")
		return err
	}
	return c.SelectImage(in)
}

// SelectImage makes in the current input. Any in-flight compression is
// superseded and any previous result is released.
func (c *Controller) SelectImage(in *compressor.InputImage) error {
	if in == nil {
		return fmt.Errorf("select image: %w", ErrNoImage)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.supersedeLocked()
	c.releaseLocked()
	c.input = in
	c.token = 0
	c.state = StateImageSelected
	c.progress = 0
	c.lastErr = nil

	c.log.WithFields(logrus.Fields{
		"file": in.Name,
		"mime": in.MimeType.String(),
		"size": in.Size,
	}).Info("Image selected")

	c.emitLocked(Event{Type: EventImageSelected, Snapshot: c.snapshotLocked()}, nil)
	c.mu.Unlock()
	return nil
}

// StartCompression submits the current input with the session limits and
// the input's own MIME type as target. It returns the invocation token.
func (c *Controller) StartCompression() (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return 0, ErrNoImage
	case StateCompressing:
		c.mu.Unlock()
		return 0, ErrBusy
	case StateComplete:
		c.releaseLocked()
	}

	in := c.input
	cons := compressor.Constraints{
		MaxBytes:       c.limits.MaxBytes,
		MaxDimension:   c.limits.MaxDimension,
		TargetMimeType: in.MimeType,
	}

	c.nextToken++
	ctx, cancel := context.WithCancel(c.ctx)
	inv := &invocation{token: c.nextToken, cancel: cancel, done: make(chan struct{})}
	c.active = inv
	c.token = inv.token
	c.state = StateCompressing
	c.progress = 0
	c.lastErr = nil

	c.stats.IncrementStarted()
	c.stats.IncrementMimeType(in.MimeType.String())
	c.log.WithFields(logrus.Fields{
		"invocation":    inv.token,
		"file":          in.Name,
		"max_bytes":     cons.MaxBytes,
		"max_dimension": cons.MaxDimension,
	}).Info("Compression started")

	c.emitLocked(Event{Type: EventStarted, Snapshot: c.snapshotLocked()}, nil)
	c.mu.Unlock()

	go c.consume(ctx, inv.token, in, cons)
	return inv.token, nil
}

// consume forwards worker messages for one invocation into the controller.
func (c *Controller) consume(ctx context.Context, token uint64, in *compressor.InputImage, cons compressor.Constraints) {
	terminal := false
	for msg := range c.runner.Submit(ctx, in, cons) {
		switch {
		case msg.Err != nil:
			terminal = true
			c.handleFailure(token, msg.Err)
		case msg.Result != nil:
			terminal = true
			c.handleSuccess(token, msg.Result)
		default:
			c.handleProgress(token, msg.Progress)
		}
	}
	if !terminal {
		c.handleFailure(token, fmt.Errorf("%w: result channel closed", compressor.ErrWorkerFailure))
	}
}

// isActiveLocked reports whether token belongs to the active invocation.
func (c *Controller) isActiveLocked(token uint64) bool {
	return c.active != nil && c.active.token == token && c.state == StateCompressing
}

func (c *Controller) handleProgress(token uint64, percent int) {
	c.mu.Lock()
	if !c.isActiveLocked(token) {
		c.mu.Unlock()
		c.log.WithField("invocation", token).Debug("Dropped stale progress")
		return
	}
	if percent <= c.progress {
		c.mu.Unlock()
		return
	}
	c.progress = min(percent, 100)
	c.emitLocked(Event{Type: EventProgress, Snapshot: c.snapshotLocked()}, nil)
	c.mu.Unlock()
}

func (c *Controller) handleSuccess(token uint64, res *compressor.Result) {
	c.mu.Lock()
	if !c.isActiveLocked(token) {
		c.mu.Unlock()
		c.log.WithField("invocation", token).Debug("Dropped stale result")
		return
	}

	c.result = res
	c.handle = c.store.Put(res.Data, res.MimeType.String())
	c.state = StateComplete
	c.progress = 100
	inv := c.active
	c.active = nil

	c.stats.IncrementSucceeded()
	c.stats.AddBytesIn(c.input.Size)
	c.stats.AddBytesOut(res.Size)
	if !res.MetTarget {
		c.stats.IncrementTargetsMissed()
	}

	snap := c.snapshotLocked()
	c.log.WithFields(logrus.Fields{
		"invocation":      token,
		"original_size":   c.input.Size,
		"compressed_size": res.Size,
		"width":           res.Width,
		"height":          res.Height,
		"rate":            snap.Rate,
		"met_target":      res.MetTarget,
	}).Info("Compression completed")

	c.emitLocked(Event{Type: EventCompleted, Snapshot: snap}, inv.finish)
	c.mu.Unlock()
}

func (c *Controller) handleFailure(token uint64, err error) {
	c.mu.Lock()
	if !c.isActiveLocked(token) {
		c.mu.Unlock()
		c.log.WithField("invocation", token).Debug("Dropped stale failure")
		return
	}

	c.state = StateImageSelected
	c.progress = 0
	c.lastErr = err
	inv := c.active
	c.active = nil

	c.stats.IncrementFailed()
	c.stats.AddError(c.input.Name, "compress", err.Error())
	c.log.WithField("invocation", token).WithError(err).Error("Compression failed")

	c.emitLocked(Event{Type: EventFailed, Snapshot: c.snapshotLocked(), Err: err}, inv.finish)
	c.mu.Unlock()
}

// Wait blocks until the active invocation, if any, completes, fails or is
// superseded, and returns the resulting snapshot. Events emitted before Wait
// returns have been delivered to the sink.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	inv := c.active
	c.mu.Unlock()

	if inv != nil {
		select {
		case <-inv.done:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	if err := c.events.flush(ctx); err != nil {
		return c.Snapshot(), err
	}
	return c.Snapshot(), nil
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close supersedes any in-flight compression and releases the result handle.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.supersedeLocked()
	c.releaseLocked()
	c.input = nil
	c.state = StateIdle
	c.progress = 0
	c.closed = true
	c.cancel()
	c.events.close()
}

// supersedeLocked discards the active invocation; its callbacks become stale.
func (c *Controller) supersedeLocked() {
	if c.active == nil {
		return
	}
	c.log.WithField("invocation", c.active.token).Info("Compression superseded")
	c.stats.IncrementSuperseded()
	c.active.finish()
	c.active = nil
}

// releaseLocked drops the current result and its transient handle.
func (c *Controller) releaseLocked() {
	if c.handle != "" {
		c.store.Release(c.handle)
	}
	c.handle = ""
	c.result = nil
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:    c.state,
		Progress: c.progress,
		Result:   c.result,
		Handle:   c.handle,
		Token:    c.token,
		Err:      c.lastErr,
	}
	if c.input != nil {
		s.FileName = c.input.Name
		s.OriginalSize = c.input.Size
		s.MimeType = c.input.MimeType
		if c.result != nil {
			s.DownloadName = DeriveName(c.input.Name)
			s.Rate, s.HasRate = CompressionRate(c.input.Size, c.result.Size)
		}
	}
	return s
}

// emitLocked queues ev for the sink. Queuing under mu keeps deliveries in
// the order the state changes were made; after runs once ev is delivered.
func (c *Controller) emitLocked(ev Event, after func()) {
	c.events.push(queuedEvent{ev: ev, after: after})
}
