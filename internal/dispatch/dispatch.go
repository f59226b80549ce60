// Package dispatch mediates all access to the shared inference engine. A
// bounded worker pool consumes a bounded queue; with one worker the pool
// degenerates to strict FIFO serialization.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/whisper"
)

var (
	ErrQueueFull        = errors.New("inference queue is full")
	ErrInferenceTimeout = errors.New("inference timed out")
	ErrInferenceFailed  = errors.New("inference failed")
	ErrClosed           = errors.New("dispatcher is closed")
)

type Options struct {
	Workers    int
	QueueDepth int
	Timeout    time.Duration
}

type task struct {
	ctx       context.Context
	audioPath string
	out       chan outcome
}

type outcome struct {
	result whisper.Result
	err    error
}

type Dispatcher struct {
	engine  whisper.Engine
	queue   chan *task
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(engine whisper.Engine, opts Options, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}

	d := &Dispatcher{
		engine:  engine,
		queue:   make(chan *task, opts.QueueDepth),
		timeout: opts.Timeout,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}

	d.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go d.worker(i)
	}

	return d
}

// Submit queues one inference call and waits for its result or the
// deadline, whichever comes first. A full queue rejects immediately so
// memory cannot grow without bound under load.
func (d *Dispatcher) Submit(ctx context.Context, audioPath string) (whisper.Result, error) {
	select {
	case <-d.done:
		return whisper.Result{}, ErrClosed
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	t := &task{ctx: ctx, audioPath: audioPath, out: make(chan outcome, 1)}

	select {
	case d.queue <- t:
		d.metrics.SetQueueDepth(len(d.queue))
	default:
		d.metrics.QueueRejected()
		return whisper.Result{}, ErrQueueFull
	}

	select {
	case out := <-t.out:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return whisper.Result{}, fmt.Errorf("%w after %s", ErrInferenceTimeout, d.timeout)
			}
			return whisper.Result{}, fmt.Errorf("%w: %w", ErrInferenceFailed, out.err)
		}
		return out.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return whisper.Result{}, fmt.Errorf("%w after %s", ErrInferenceTimeout, d.timeout)
		}
		return whisper.Result{}, ctx.Err()
	case <-d.done:
		return whisper.Result{}, ErrClosed
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case t := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))

			// the submitter gave up while this task sat in the queue
			if t.ctx.Err() != nil {
				d.logger.Debug("skipping abandoned inference task", zap.Int("worker", id))
				continue
			}

			d.metrics.InferenceStarted()
			result, err := d.engine.Transcribe(t.ctx, t.audioPath)
			d.metrics.InferenceFinished()

			t.out <- outcome{result: result, err: err}
		}
	}
}

// Close stops accepting submissions and waits for the workers to exit.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

// JoinSegments flattens engine segments into one transcript: texts joined
// with single spaces in emission order, whitespace-normalized, trimmed.
func JoinSegments(segments []whisper.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		fields := strings.Fields(segment.Text)
		if len(fields) == 0 {
			continue
		}
		parts = append(parts, strings.Join(fields, " "))
	}
	return strings.Join(parts, " ")
}
