package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/vpn-node-balancer/internal/logger"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	released int
}

func (f *fakeLocker) TryLock(context.Context, string) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.held = false
		f.released++
	}, true, nil
}

func TestJobRunsRepeatedly(t *testing.T) {
	s := New(logger.Discard())
	var runs atomic.Int32
	s.Add(Job{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()

	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestFailedRunWaitsBackoff(t *testing.T) {
	s := New(logger.Discard())
	var runs atomic.Int32
	s.Add(Job{
		Name:     "flaky",
		Interval: time.Hour,
		Backoff:  5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("store unavailable")
		},
	})

	s.Start(context.Background())
	defer s.Stop()

	// a successful job would wait an hour after its first run
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(logger.Discard())

	err := s.RunOnce(context.Background(), Job{
		Name: "boom",
		Run:  func(context.Context) error { panic("nil map") },
	})
	assert.EqualError(t, err, "job panicked: nil map")
}

func TestRunOnceHonoursLock(t *testing.T) {
	locker := &fakeLocker{}
	s := New(logger.Discard(), WithLocker(locker))
	var runs int
	job := Job{Name: "rebalance", Run: func(context.Context) error {
		runs++
		return nil
	}}
	ctx := context.Background()

	require.NoError(t, s.RunOnce(ctx, job))
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, locker.released)

	locker.held = true
	require.NoError(t, s.RunOnce(ctx, job))
	assert.Equal(t, 1, runs)

	locker.held = false
	locker.err = errors.New("etcd unavailable")
	assert.ErrorContains(t, s.RunOnce(ctx, job), "failed to acquire lock")
	assert.Equal(t, 1, runs)
}

func TestDisabledJobIsSkipped(t *testing.T) {
	s := New(logger.Discard())
	s.Add(Job{Name: "off", Run: func(context.Context) error { return nil }})
	assert.Empty(t, s.jobs)

	// stopping a scheduler that never started is a no-op
	s.Stop()
}

func TestStopCancelsRunningJob(t *testing.T) {
	s := New(logger.Discard())
	started := make(chan struct{})
	s.Add(Job{
		Name:     "long",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	s.Start(context.Background())
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
