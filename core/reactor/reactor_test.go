package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStarted(t *testing.T) *Reactor {
	t.Helper()
	r := New(nil)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

func TestPostRunsInOrder(t *testing.T) {
	r := newStarted(t)

	const n = 500
	var got []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		r.Post(func() {
			got = append(got, i) // single dispatch goroutine, no race
			if i == n-1 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks did not run")
	}
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestAfterFires(t *testing.T) {
	r := newStarted(t)

	fired := make(chan struct{})
	r.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerCancel(t *testing.T) {
	r := newStarted(t)

	fired := make(chan struct{})
	tm := r.After(50*time.Millisecond, func() { close(fired) })
	assert.True(t, tm.Cancel())

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestPostAfterStopIsDropped(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Start())
	r.Stop()

	r.Post(func() { t.Error("ran after stop") })
	_, dropped := r.Stats()
	assert.NotZero(t, dropped)

	// Stop is idempotent.
	r.Stop()
}

func TestStartTwice(t *testing.T) {
	r := newStarted(t)
	assert.Error(t, r.Start())
}
