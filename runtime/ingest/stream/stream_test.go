package stream

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/source"
	"github.com/weftworks/loom/runtime/ingest/source/sourcetest"
)

func TestStreamPreservesProductionOrder(t *testing.T) {
	src := sourcetest.New(sourcetest.Script{Entities: sourcetest.Records("Note", 100)})
	s := New(context.Background(), src, Options{Capacity: 10})

	var got []string
	for {
		rec, err := s.Next(context.Background())
		if errors.Is(err, ErrDone) {
			break
		}
		require.NoError(t, err)
		got = append(got, rec.Core().EntityID)
	}

	require.Len(t, got, 100)
	for i, id := range got {
		require.Equal(t, "seq-"+strconv.Itoa(i), id)
	}

	// Exhausted streams keep reporting done.
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, ErrDone)
}

func TestStreamBackpressure(t *testing.T) {
	const capacity = 5
	src := sourcetest.New(sourcetest.Script{Entities: sourcetest.Records("Note", 50)})
	s := New(context.Background(), src, Options{Capacity: capacity})

	// Producer fills the queue and blocks in emit; emitted counts only
	// completed sends, so it stays within the queue bound.
	require.Eventually(t, func() bool {
		return src.Emitted() >= capacity
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.LessOrEqual(t, src.Emitted(), capacity+1)

	consumed := 0
	for i := 0; i < 10; i++ {
		_, err := s.Next(context.Background())
		require.NoError(t, err)
		consumed++
	}

	require.Eventually(t, func() bool {
		return src.Emitted() >= capacity+consumed
	}, time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, src.Emitted(), capacity+consumed+1)

	require.NoError(t, s.Stop(context.Background()))
}

func TestStreamDrainsBeforeError(t *testing.T) {
	boom := errors.New("upstream exploded")
	src := sourcetest.New(sourcetest.Script{
		Entities:  sourcetest.Records("Note", 10),
		FailAfter: 4,
		FailErr:   boom,
	})
	s := New(context.Background(), src, Options{Capacity: 100})

	for i := 0; i < 4; i++ {
		rec, err := s.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, "seq-"+strconv.Itoa(i), rec.Core().EntityID)
	}

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestStreamStopHaltsProducer(t *testing.T) {
	src := sourcetest.New(sourcetest.Script{
		Entities:     sourcetest.Records("Note", 1000),
		PerItemDelay: time.Millisecond,
	})
	s := New(context.Background(), src, Options{Capacity: 10})

	_, err := s.Next(context.Background())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	require.Less(t, time.Since(start), DefaultStopGrace)
	require.Less(t, src.Emitted(), 1000)
}

func TestStreamStopTimesOutOnStuckProducer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := New(context.Background(), &stubbornSource{release: release}, Options{
		Capacity:  4,
		StopGrace: 50 * time.Millisecond,
	})

	// First entity proves the producer is running.
	_, err := s.Next(context.Background())
	require.NoError(t, err)

	err = s.Stop(context.Background())
	require.ErrorIs(t, err, ErrStopTimeout)
}

func TestStreamNextHonorsContext(t *testing.T) {
	// A source that emits nothing and never finishes.
	release := make(chan struct{})
	defer close(release)
	s := New(context.Background(), &silentSource{release: release}, Options{StopGrace: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// stubbornSource emits one entity then ignores cancellation until released.
type stubbornSource struct{ release chan struct{} }

func (s *stubbornSource) Name() string { return "stubborn" }

func (s *stubbornSource) Generate(_ context.Context, emit source.Emit) error {
	if err := emit(&entity.Entity{EntityID: "only", Type: "Note"}); err != nil {
		return err
	}
	<-s.release
	return nil
}

// silentSource emits nothing until released.
type silentSource struct{ release chan struct{} }

func (s *silentSource) Name() string { return "silent" }

func (s *silentSource) Generate(ctx context.Context, _ source.Emit) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
