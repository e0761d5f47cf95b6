package compressor

import (
	"context"
	"fmt"
	"sync"

	"image-compressor-go/internal/logger"

	"github.com/sirupsen/logrus"
)

// Message is one notification from the worker about a submitted job.
// Progress messages carry only Progress; the terminal message carries
// either Result or Err and is always the last one before the channel closes.
type Message struct {
	Progress int
	Result   *Result
	Err      error
}

// Done reports whether m is the terminal message of a job.
func (m Message) Done() bool {
	return m.Result != nil || m.Err != nil
}

type job struct {
	ctx  context.Context
	in   *InputImage
	cons Constraints
	out  chan Message
}

// Worker runs an Engine on a dedicated goroutine, one job at a time, and
// reports back through per-job message channels.
type Worker struct {
	engine Engine
	log    *logrus.Logger

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewWorker returns a stopped Worker for engine.
func NewWorker(engine Engine, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		engine: engine,
		log:    log,
		jobs:   make(chan job, 8),
		quit:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
}

// Stop terminates the worker. Queued jobs fail with ErrWorkerFailure.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.quit)
	w.mu.Unlock()

	w.wg.Wait()
}

// Submit queues a compression and returns the channel its messages arrive on.
// The channel is closed after the terminal message.
func (w *Worker) Submit(ctx context.Context, in *InputImage, cons Constraints) <-chan Message {
	out := make(chan Message, 16)

	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.running {
		out <- Message{Err: fmt.Errorf("%w: worker is not running", ErrWorkerFailure)}
		close(out)
		return out
	}

	select {
	case w.jobs <- job{ctx: ctx, in: in, cons: cons, out: out}:
	case <-ctx.Done():
		out <- Message{Err: ctx.Err()}
		close(out)
	}
	return out
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		// Stop wins over queued jobs.
		select {
		case <-w.quit:
			w.drain()
			return
		default:
		}

		select {
		case j := <-w.jobs:
			w.run(j)
		case <-w.quit:
			w.drain()
			return
		}
	}
}

// drain fails jobs still queued when the worker stops.
func (w *Worker) drain() {
	for {
		select {
		case j := <-w.jobs:
			j.out <- Message{Err: fmt.Errorf("%w: worker stopped", ErrWorkerFailure)}
			close(j.out)
		default:
			return
		}
	}
}

func (w *Worker) run(j job) {
	defer close(j.out)
	defer func() {
		if r := recover(); r != nil {
			name := ""
			if j.in != nil {
				name = j.in.Name
			}
			logger.WithFile(w.log, name).Errorf("Engine panic: %v", r)
			j.out <- Message{Err: fmt.Errorf("%w: %v", ErrWorkerFailure, r)}
		}
	}()

	onProgress := func(p int) {
		select {
		case <-j.ctx.Done():
		default:
			select {
			case j.out <- Message{Progress: p}:
			case <-j.ctx.Done():
			}
		}
	}

	// Jobs cancelled while queued never reach the engine.
	if err := j.ctx.Err(); err != nil {
		j.out <- Message{Err: err}
		return
	}

	res, err := w.engine.Compress(j.ctx, j.in, j.cons, onProgress)
	if err != nil {
		j.out <- Message{Err: err}
		return
	}
	if res == nil {
		j.out <- Message{Err: fmt.Errorf("%w: engine returned no result", ErrWorkerFailure)}
		return
	}
	j.out <- Message{Result: res}
}
