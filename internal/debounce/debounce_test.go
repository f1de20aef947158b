package debounce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exportKey = Key{EntityType: "product", Destination: "export"}

func recv(t *testing.T, ch <-chan Result, within time.Duration) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(within):
		t.Fatalf("no result within %v", within)
		return Result{}
	}
}

func TestSchedule_BurstSharesOneFlush(t *testing.T) {
	d := New()
	defer d.Stop()

	var flushes atomic.Int32
	flush := func(context.Context) error {
		flushes.Add(1)
		return nil
	}

	const quiet = 80 * time.Millisecond
	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		chans = append(chans, d.Schedule(exportKey, quiet, flush))
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 5, d.Waiters(exportKey))
	last := time.Now()

	var results []Result
	for _, ch := range chans {
		results = append(results, recv(t, ch, time.Second))
	}
	elapsed := time.Since(last)

	assert.Equal(t, int32(1), flushes.Load())
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, results[0].BatchID, r.BatchID)
	}
	assert.Less(t, elapsed, quiet+500*time.Millisecond)
	assert.Equal(t, 0, d.Pending())
}

func TestSchedule_ErrorReachesEveryWaiter(t *testing.T) {
	d := New()
	defer d.Stop()

	boom := errors.New("sheet quota exceeded")
	flush := func(context.Context) error { return boom }

	a := d.Schedule(exportKey, 20*time.Millisecond, flush)
	b := d.Schedule(exportKey, 20*time.Millisecond, flush)

	ra := recv(t, a, time.Second)
	rb := recv(t, b, time.Second)
	assert.ErrorIs(t, ra.Err, boom)
	assert.ErrorIs(t, rb.Err, boom)
	assert.Equal(t, ra.BatchID, rb.BatchID)
}

func TestSchedule_KeysAreIndependent(t *testing.T) {
	d := New()
	defer d.Stop()

	var flushes atomic.Int32
	flush := func(context.Context) error {
		flushes.Add(1)
		return nil
	}

	a := d.Schedule(exportKey, 20*time.Millisecond, flush)
	b := d.Schedule(Key{EntityType: "sale", Destination: "export"}, 20*time.Millisecond, flush)

	ra := recv(t, a, time.Second)
	rb := recv(t, b, time.Second)
	assert.NotEqual(t, ra.BatchID, rb.BatchID)
	assert.Equal(t, int32(2), flushes.Load())
}

func TestSchedule_CallDuringFlushStartsNewBatch(t *testing.T) {
	d := New()
	defer d.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	var flushes atomic.Int32
	var once sync.Once
	flush := func(context.Context) error {
		if flushes.Add(1) == 1 {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	}

	first := d.Schedule(exportKey, 10*time.Millisecond, flush)
	<-started

	// the in-flight batch has already been swapped out
	assert.Equal(t, 0, d.Waiters(exportKey))
	second := d.Schedule(exportKey, 10*time.Millisecond, flush)
	assert.Equal(t, 1, d.Waiters(exportKey))

	close(release)
	r1 := recv(t, first, time.Second)
	r2 := recv(t, second, time.Second)

	assert.NotEqual(t, r1.BatchID, r2.BatchID)
	assert.Equal(t, int32(2), flushes.Load())
}

func TestSchedule_LatestFlushWins(t *testing.T) {
	d := New()
	defer d.Stop()

	var ran []string
	var mu sync.Mutex
	named := func(name string) FlushFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, name)
			return nil
		}
	}

	a := d.Schedule(exportKey, 20*time.Millisecond, named("first"))
	b := d.Schedule(exportKey, 20*time.Millisecond, named("second"))
	recv(t, a, time.Second)
	recv(t, b, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, ran)
}

func TestFlushAll_FiresImmediately(t *testing.T) {
	d := New()
	defer d.Stop()

	ch := d.Schedule(exportKey, time.Hour, func(context.Context) error { return nil })
	d.FlushAll()

	r := recv(t, ch, 100*time.Millisecond)
	assert.NoError(t, r.Err)
	assert.Equal(t, 0, d.Pending())
}

func TestFlush_PanicBecomesError(t *testing.T) {
	d := New()
	defer d.Stop()

	ch := d.Schedule(exportKey, time.Millisecond, func(context.Context) error {
		panic("bad row")
	})
	r := recv(t, ch, time.Second)
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "bad row")
}

func TestStop(t *testing.T) {
	d := New()

	ch := d.Schedule(exportKey, time.Hour, func(context.Context) error { return nil })
	d.Stop()

	r := recv(t, ch, 100*time.Millisecond)
	assert.ErrorIs(t, r.Err, ErrStopped)

	after := d.Schedule(exportKey, time.Millisecond, func(context.Context) error { return nil })
	r = recv(t, after, 100*time.Millisecond)
	assert.ErrorIs(t, r.Err, ErrStopped)

	// idempotent
	d.Stop()
}

func TestStop_CancelsInFlightFlush(t *testing.T) {
	d := New()

	started := make(chan struct{})
	ch := d.Schedule(exportKey, time.Millisecond, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	d.Stop()

	r := recv(t, ch, time.Second)
	assert.ErrorIs(t, r.Err, context.Canceled)
}
