package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok)
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	var zero T
	return zero
}

func TestFanOut(t *testing.T) {
	src := make(chan int)
	b := NewBroadcastServer[int]("test", src)
	defer b.Close()

	a := b.Subscribe()
	c := b.Subscribe()
	src <- 1
	assert.Equal(t, 1, recv(t, a))
	assert.Equal(t, 1, recv(t, c))
}

func TestCancelSubscription(t *testing.T) {
	src := make(chan int)
	b := NewBroadcastServer[int]("test", src)
	defer b.Close()

	a := b.Subscribe()
	b.CancelSubscription(a)
	_, ok := <-a
	assert.False(t, ok)
}

func TestCloseClosesListeners(t *testing.T) {
	src := make(chan int)
	b := NewBroadcastServer[int]("test", src)
	a := b.Subscribe()
	b.Close()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-a:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	late := b.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
	b.CancelSubscription(late)
}

func TestSlowListenerSkipped(t *testing.T) {
	src := make(chan int)
	b := NewBroadcastServer[int]("test", src, WithSendTimeout[int](time.Millisecond))
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()
	src <- 1
	assert.Equal(t, 1, recv(t, fast))
	src <- 2
	assert.Equal(t, 2, recv(t, fast))
	// slow listener got the first value buffered, the second was skipped
	assert.Equal(t, 1, recv(t, slow))
}

func TestSourceClosed(t *testing.T) {
	src := make(chan int)
	b := NewBroadcastServer[int]("test", src)
	defer b.Close()
	a := b.Subscribe()
	close(src)
	_, ok := <-a
	assert.False(t, ok)
}
