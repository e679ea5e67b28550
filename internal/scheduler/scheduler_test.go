package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriggerRunsTask(t *testing.T) {
	var runs atomic.Int64

	s := New(func(context.Context) { runs.Add(1) }, time.Hour, nil)

	require.True(t, s.Trigger(context.Background()))
	require.True(t, s.Trigger(context.Background()))
	require.Equal(t, int64(2), runs.Load())
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	s := New(func(context.Context) {
		close(started)
		<-release
	}, time.Hour, nil)

	go s.Trigger(context.Background())

	<-started

	// the first run still holds the task lock
	require.False(t, s.Trigger(context.Background()))

	close(release)
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(func(context.Context) {}, time.Hour, nil)

	require.False(t, s.Running())

	s.Start()
	s.Start()
	require.True(t, s.Running())

	s.Stop()
	s.Stop()
	require.False(t, s.Running())
}

func TestStopCancelsBeforeFirstRun(t *testing.T) {
	var runs atomic.Int64

	s := New(func(context.Context) { runs.Add(1) }, time.Millisecond, nil)

	// the initial delay is long enough that an immediate stop always
	// wins the race
	s.Start()
	s.Stop()

	require.Equal(t, int64(0), runs.Load())
}
