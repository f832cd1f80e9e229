package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorReconnectsAfterFailure(t *testing.T) {
	var attempts atomic.Int32
	connected := make(chan struct{}, 8)

	s := New("test", Constant, func(ctx context.Context) error {
		attempts.Add(1)
		connected <- struct{}{}
		return errors.New("connection refused")
	})

	// Constant policy waits 3s between attempts; the first attempt runs
	// immediately, which is all this test needs.
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("first connect attempt never ran")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(1))
}

func TestSupervisorImmediateRetryOnCleanClose(t *testing.T) {
	var attempts atomic.Int32
	done := make(chan struct{})

	s := New("test", Exponential, func(ctx context.Context) error {
		if attempts.Add(1) == 3 {
			close(done)
			<-ctx.Done()
		}
		return nil // clean close: reconnect immediately, policy reset
	})

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("clean closes should reconnect without delay")
	}
}

func TestSupervisorStopPreventsFurtherAttempts(t *testing.T) {
	var attempts atomic.Int32
	started := make(chan struct{})

	s := New("test", Constant, func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			close(started)
		}
		return errors.New("boom")
	})

	s.Start(context.Background())
	<-started
	s.Stop()

	after := attempts.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, attempts.Load(), "no attempts after Stop")
}

func TestSupervisorStopWaitsForLoopExit(t *testing.T) {
	inConnect := make(chan struct{})
	s := New("test", Constant, func(ctx context.Context) error {
		close(inConnect)
		<-ctx.Done()
		return ctx.Err()
	})

	s.Start(context.Background())
	<-inConnect

	finished := make(chan struct{})
	go func() {
		s.Stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after loop exit")
	}

	// Stop twice is safe.
	s.Stop()
}

func TestExponentialPolicyShape(t *testing.T) {
	s := New("test", Exponential, nil)
	b := s.newBackOff()

	first := b.NextBackOff()
	second := b.NextBackOff()
	require.Equal(t, InitialInterval, first)
	require.Equal(t, 2*InitialInterval, second)

	// The delay never exceeds the cap.
	for i := 0; i < 16; i++ {
		assert.LessOrEqual(t, b.NextBackOff(), MaxInterval)
	}

	// Reset after a successful open returns to the initial interval.
	b.Reset()
	assert.Equal(t, InitialInterval, b.NextBackOff())
}

func TestPolicyFromName(t *testing.T) {
	assert.Equal(t, Constant, PolicyFromName("constant"))
	assert.Equal(t, Constant, PolicyFromName("Constant"))
	assert.Equal(t, Exponential, PolicyFromName("exponential"))
	assert.Equal(t, Exponential, PolicyFromName(""))
	assert.Equal(t, Exponential, PolicyFromName("bogus"))
}
