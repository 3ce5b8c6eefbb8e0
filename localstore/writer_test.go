package localstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriter_RunsJobsOneAtATime(t *testing.T) {
	w := NewWriter()
	defer w.Close()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Do(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxActive)
}

func TestWriter_ReturnsJobErrorAndRecoversPanics(t *testing.T) {
	w := NewWriter()
	defer w.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, w.Do(context.Background(), func(context.Context) error { return boom }), boom)

	err := w.Do(context.Background(), func(context.Context) error { panic("bad job") })
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")

	// Still serving after a panic.
	require.NoError(t, w.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestWriter_ClosedAndCancelled(t *testing.T) {
	w := NewWriter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Do(ctx, func(context.Context) error { return nil }), context.Canceled)

	w.Close()
	w.Close()
	require.ErrorIs(t, w.Do(context.Background(), func(context.Context) error { return nil }), ErrWriterClosed)
}
