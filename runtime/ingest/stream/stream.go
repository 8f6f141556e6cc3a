// Package stream runs a source adapter's generator on its own goroutine
// and exposes the output as a pull iterator over a bounded queue. The
// queue bound is what gives the pipeline backpressure: a slow consumer
// blocks the producer instead of buffering the whole source in memory.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/source"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// ErrDone is returned by Next once the source is exhausted and every
// queued entity has been delivered.
var ErrDone = errors.New("stream: done")

// ErrStopTimeout is returned by Stop when the producer is still inside
// the adapter after the stop grace period. The producer goroutine is
// abandoned with its context cancelled.
var ErrStopTimeout = errors.New("stream: producer did not stop within grace period")

const (
	// DefaultCapacity bounds the queue between producer and consumer.
	DefaultCapacity = 1000
	// DefaultLogEvery is the producer progress logging interval.
	DefaultLogEvery = 100
	// DefaultStopGrace is how long Stop waits for the producer to exit.
	DefaultStopGrace = 5 * time.Second
)

// Options tune a stream. Zero values select the defaults above.
type Options struct {
	Capacity  int
	LogEvery  int
	StopGrace time.Duration
	Logger    telemetry.Logger
}

// Stream is the consumer handle. Not safe for concurrent Next calls; the
// orchestrator is the single consumer.
type Stream struct {
	queue     chan entity.Record
	cancel    context.CancelFunc
	done      chan struct{}
	stopGrace time.Duration
	logger    telemetry.Logger

	// genErr is written by the producer before the queue is closed and
	// read by the consumer only after observing the close.
	genErr error
}

// New starts the producer goroutine for src and returns the consumer
// handle. ctx governs the producer: cancelling it stops generation the
// same way Stop does, without the drain.
func New(ctx context.Context, src source.Source, opts Options) *Stream {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = DefaultLogEvery
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}

	prodCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		queue:     make(chan entity.Record, opts.Capacity),
		cancel:    cancel,
		done:      make(chan struct{}),
		stopGrace: opts.StopGrace,
		logger:    opts.Logger,
	}

	go s.produce(prodCtx, src, opts.LogEvery)
	return s
}

func (s *Stream) produce(ctx context.Context, src source.Source, logEvery int) {
	defer close(s.done)

	produced := 0
	emit := func(rec entity.Record) error {
		select {
		case s.queue <- rec:
			produced++
			if produced%logEvery == 0 {
				s.logger.Info(ctx, "source stream progress", "source", src.Name(), "produced", produced)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := src.Generate(ctx, emit)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn(ctx, "source generation failed", "source", src.Name(), "produced", produced, "err", err)
	}
	s.genErr = err
	close(s.queue)
}

// Next returns the next entity in production order. After the source is
// exhausted it returns the producer's error if generation failed, ErrDone
// otherwise. Queued entities are always delivered before either.
func (s *Stream) Next(ctx context.Context) (entity.Record, error) {
	select {
	case rec, ok := <-s.queue:
		if !ok {
			if s.genErr != nil {
				return nil, s.genErr
			}
			return nil, ErrDone
		}
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop halts the producer and discards whatever it already queued. It
// cancels the producer context, waits up to the stop grace for the
// generator to return, then drains the queue. A producer stuck inside
// adapter code past the grace is abandoned and ErrStopTimeout returned.
func (s *Stream) Stop(ctx context.Context) error {
	s.cancel()

	timer := time.NewTimer(s.stopGrace)
	defer timer.Stop()

	select {
	case <-s.done:
		drained := 0
		for range s.queue {
			drained++
		}
		if drained > 0 {
			s.logger.Debug(ctx, "stream stopped", "drained", drained)
		}
		return nil
	case <-timer.C:
		drained := 0
		for {
			select {
			case _, ok := <-s.queue:
				if !ok {
					return ErrStopTimeout
				}
				drained++
			default:
				s.logger.Warn(ctx, "abandoning stuck source producer", "drained", drained)
				return ErrStopTimeout
			}
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
