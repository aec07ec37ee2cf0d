package sched

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStarted(t *testing.T) *Scheduler {
	t.Helper()
	s := New(nil, nil)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func TestSpawnRunsToCompletion(t *testing.T) {
	s := newStarted(t)

	done := make(chan struct{})
	_, err := s.Spawn(func(co *Coro) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coroutine never ran")
	}
	s.Join()
	assert.Equal(t, 0, s.Count())
}

func TestMailboxFIFO(t *testing.T) {
	s := newStarted(t)

	const n = 100
	got := make(chan int, n)
	id, err := s.Spawn(func(co *Coro) error {
		for i := 0; i < n; i++ {
			m, err := co.Receive(0)
			if err != nil {
				return err
			}
			got <- m.Payload.(int)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, s.Send(id, i))
	}

	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			require.Equal(t, i, v, "messages reordered")
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d messages arrived", i, n)
		}
	}
}

func TestCoroutineToCoroutineSendOrder(t *testing.T) {
	s := newStarted(t)

	const n = 50
	got := make(chan uint64, n)
	rid, err := s.Spawn(func(co *Coro) error {
		for i := 0; i < n; i++ {
			m, err := co.Receive(0)
			if err != nil {
				return err
			}
			got <- m.Seq
		}
		return nil
	})
	require.NoError(t, err)

	_, err = s.Spawn(func(co *Coro) error {
		for i := 0; i < n; i++ {
			if err := co.Send(rid, i); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var last uint64
	for i := 0; i < n; i++ {
		select {
		case seq := <-got:
			require.Greater(t, seq, last, "sender sequence not increasing")
			last = seq
		case <-time.After(time.Second):
			t.Fatal("messages missing")
		}
	}
}

func TestReceiveTimeout(t *testing.T) {
	s := newStarted(t)

	errCh := make(chan error, 1)
	_, err := s.Spawn(func(co *Coro) error {
		_, err := co.Receive(20 * time.Millisecond)
		errCh <- err
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrReceiveTimeout)
	case <-time.After(time.Second):
		t.Fatal("receive never timed out")
	}
}

func TestReceiveTimeoutNotFiredOnDelivery(t *testing.T) {
	s := newStarted(t)

	got := make(chan any, 1)
	id, err := s.Spawn(func(co *Coro) error {
		m, err := co.Receive(500 * time.Millisecond)
		if err != nil {
			got <- err
			return nil
		}
		got <- m.Payload
		// Stay suspended past the original deadline; a stale timer wake
		// here would be a bug.
		_, err = co.Receive(200 * time.Millisecond)
		got <- err
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Send(id, "hello"))
	assert.Equal(t, "hello", <-got)
	assert.ErrorIs(t, (<-got).(error), ErrReceiveTimeout)
}

func TestSleepElapses(t *testing.T) {
	s := newStarted(t)

	done := make(chan time.Duration, 1)
	start := time.Now()
	_, err := s.Spawn(func(co *Coro) error {
		if err := co.Sleep(30 * time.Millisecond); err != nil {
			return err
		}
		done <- time.Since(start)
		return nil
	})
	require.NoError(t, err)

	select {
	case elapsed := <-done:
		assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("sleep never returned")
	}
}

func TestYieldInterleaves(t *testing.T) {
	s := newStarted(t)

	var trace []string
	record := make(chan string, 4)
	release := make(chan struct{})
	spawnPair := func(name string) {
		_, err := s.Spawn(func(co *Coro) error {
			<-release // hold both bodies until spawn order is settled
			record <- name + "1"
			if err := co.Yield(); err != nil {
				return err
			}
			record <- name + "2"
			return nil
		})
		require.NoError(t, err)
	}
	spawnPair("a")
	spawnPair("b")
	close(release)
	s.Join()
	close(record)
	for v := range record {
		trace = append(trace, v)
	}
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, trace)
}

func TestTerminateUnblocksReceive(t *testing.T) {
	s := newStarted(t)

	errCh := make(chan error, 1)
	id, err := s.Spawn(func(co *Coro) error {
		_, err := co.Receive(0)
		errCh <- err
		return err
	})
	require.NoError(t, err)

	require.NoError(t, s.Terminate(id))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("terminate did not unblock receive")
	}
}

func TestMonitorObservesTermination(t *testing.T) {
	s := newStarted(t)

	target, err := s.Spawn(func(co *Coro) error {
		_, err := co.Receive(0)
		return err
	})
	require.NoError(t, err)

	events := make(chan MonitorEvent, 1)
	_, err = s.Spawn(func(co *Coro) error {
		if err := co.Monitor(target); err != nil {
			return err
		}
		m, err := co.Receive(0)
		if err != nil {
			return err
		}
		events <- m.Payload.(MonitorEvent)
		return nil
	})
	require.NoError(t, err)

	// Give the watcher a moment to register before killing the target.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Terminate(target))

	select {
	case ev := <-events:
		assert.Equal(t, target, ev.ID)
		assert.ErrorIs(t, ev.Err, ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("monitor event never arrived")
	}
}

func TestMonitorCleanExitReportsNilError(t *testing.T) {
	s := newStarted(t)

	target, err := s.Spawn(func(co *Coro) error {
		_, err := co.Receive(0)
		if errors.Is(err, ErrReceiveTimeout) {
			return nil
		}
		return err
	})
	require.NoError(t, err)

	events := make(chan MonitorEvent, 1)
	_, err = s.Spawn(func(co *Coro) error {
		if err := co.Monitor(target); err != nil {
			return err
		}
		m, err := co.Receive(0)
		if err != nil {
			return err
		}
		events <- m.Payload.(MonitorEvent)
		return nil
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Send(target, "wake"))

	select {
	case ev := <-events:
		assert.NoError(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("monitor event never arrived")
	}
}

func TestMonitorUnknownTarget(t *testing.T) {
	s := newStarted(t)

	events := make(chan MonitorEvent, 1)
	_, err := s.Spawn(func(co *Coro) error {
		if err := co.Monitor(ID(99999)); err != nil {
			return err
		}
		m, err := co.Receive(0)
		if err != nil {
			return err
		}
		events <- m.Payload.(MonitorEvent)
		return nil
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.ErrorIs(t, ev.Err, ErrUnknownCoroutine)
	case <-time.After(time.Second):
		t.Fatal("monitor event never arrived")
	}
}

func TestFaultIsIsolated(t *testing.T) {
	s := newStarted(t)

	target, err := s.Spawn(func(co *Coro) error {
		if err := co.Sleep(10 * time.Millisecond); err != nil {
			return err
		}
		panic("boom")
	})
	require.NoError(t, err)

	events := make(chan MonitorEvent, 1)
	_, err = s.Spawn(func(co *Coro) error {
		if err := co.Monitor(target); err != nil {
			return err
		}
		m, err := co.Receive(0)
		if err != nil {
			return err
		}
		events <- m.Payload.(MonitorEvent)
		return nil
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		var fault *FaultError
		require.ErrorAs(t, ev.Err, &fault)
		assert.Equal(t, target, fault.ID)
		assert.Equal(t, "boom", fault.Recovered)
	case <-time.After(time.Second):
		t.Fatal("fault never reported")
	}

	// The scheduler survives the fault.
	done := make(chan struct{})
	_, err = s.Spawn(func(co *Coro) error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	<-done
}

func TestSwapReplacesBehavior(t *testing.T) {
	s := newStarted(t)

	phase := make(chan string, 2)
	id, err := s.Spawn(func(co *Coro) error {
		phase <- "old"
		for {
			if _, err := co.Receive(0); err != nil {
				return err
			}
		}
	})
	require.NoError(t, err)
	require.Equal(t, "old", <-phase)

	require.NoError(t, s.Swap(id, func(co *Coro) error {
		phase <- "new"
		return nil
	}))

	select {
	case v := <-phase:
		assert.Equal(t, "new", v)
	case <-time.After(time.Second):
		t.Fatal("swapped behavior never ran")
	}
	s.Join()
}

func TestDaemonDoesNotBlockJoin(t *testing.T) {
	s := newStarted(t)

	started := make(chan struct{})
	_, err := s.Spawn(func(co *Coro) error {
		co.SetDaemon()
		close(started)
		for {
			if _, err := co.Receive(0); err != nil {
				return err
			}
		}
	})
	require.NoError(t, err)
	<-started

	done := make(chan struct{})
	_, err = s.Spawn(func(co *Coro) error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	<-done

	joined := make(chan struct{})
	go func() {
		s.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("join blocked on a daemon coroutine")
	}
	assert.Equal(t, 1, s.Count())
}

func TestRegisterAndDeliverNamed(t *testing.T) {
	s := newStarted(t)

	got := make(chan any, 2)
	id, err := s.Spawn(func(co *Coro) error {
		for i := 0; i < 2; i++ {
			m, err := co.Receive(0)
			if err != nil {
				return err
			}
			got <- m.Payload
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Register("worker", id))
	target, ok := s.ResolveLocal("worker")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("coro:%d", id), target)

	msg := Message{Sender: "test", Seq: 1, SentAt: time.Now(), Payload: "by-name"}
	require.NoError(t, s.DeliverNamed("worker", msg))
	assert.Equal(t, "by-name", <-got)

	// Location suffixes are accepted and stripped.
	msg.Payload = "by-ref"
	require.NoError(t, s.DeliverNamed(fmt.Sprintf("coro:%d@10.0.0.9:7450", id), msg))
	assert.Equal(t, "by-ref", <-got)

	assert.Error(t, s.Register("worker", id), "duplicate names must be rejected")
}

func TestConcurrentSendersLoseNothing(t *testing.T) {
	s := newStarted(t)

	const (
		senders   = 10
		perSender = 100
	)
	total := senders * perSender
	id, out := spawnCollector(t, s, total)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for k := 0; k < perSender; k++ {
				if err := s.Send(id, base+k); err != nil {
					t.Error(err)
					return
				}
			}
		}(i * perSender)
	}
	wg.Wait()

	// Every value arrives exactly once: total count matches and no value
	// repeats.
	seen := make(map[int]struct{}, total)
	for i := 0; i < total; i++ {
		select {
		case v := <-out:
			seen[v.(int)] = struct{}{}
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d messages", i, total)
		}
	}
	require.Len(t, seen, total, "duplicate deliveries")
	select {
	case v := <-out:
		t.Fatalf("extra message %v delivered", v)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, s.Terminate(id))
}

func TestRegisterFinishedCoroutineLeavesNoBinding(t *testing.T) {
	s := newStarted(t)

	id, err := s.Spawn(func(co *Coro) error { return nil })
	require.NoError(t, err)
	s.Join()

	require.NoError(t, s.Register("ghost", id))
	require.Eventually(t, func() bool {
		_, ok := s.ResolveLocal("ghost")
		return !ok
	}, time.Second, 5*time.Millisecond, "name stayed bound to a finished coroutine")

	// The name is free again for a live coroutine.
	live, err := s.Spawn(func(co *Coro) error {
		_, err := co.Receive(0)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Register("ghost", live))
	target, ok := s.ResolveLocal("ghost")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("coro:%d", live), target)
}

func TestDeliverNamedUnknownTarget(t *testing.T) {
	s := newStarted(t)
	msg := Message{Sender: "test", Payload: "x"}
	assert.Error(t, s.DeliverNamed("nobody", msg))
	assert.Error(t, s.DeliverNamed("coro:notanumber", msg))
}

func TestNameReleasedOnFinish(t *testing.T) {
	s := newStarted(t)

	id, err := s.Spawn(func(co *Coro) error {
		_, err := co.Receive(0)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Register("transient", id))

	require.NoError(t, s.Terminate(id))
	require.Eventually(t, func() bool {
		_, ok := s.ResolveLocal("transient")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestStopTerminatesEverything(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Start())

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		_, err := s.Spawn(func(co *Coro) error {
			_, err := co.Receive(0)
			errs <- err
			return err
		})
		require.NoError(t, err)
	}

	s.Stop()
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, ErrTerminated)
	}

	_, err := s.Spawn(func(co *Coro) error { return nil })
	assert.ErrorIs(t, err, ErrSchedulerClosed)

	s.Stop() // idempotent
}
