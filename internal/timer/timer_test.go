package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAfterFuncFires(t *testing.T) {
	tm := New()
	defer tm.Close()

	fired := make(chan struct{})
	tm.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}

	assert.Eventually(t, func() bool { return tm.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandleStop(t *testing.T) {
	tm := New()
	defer tm.Close()

	var count atomic.Int32
	h := tm.AfterFunc(50*time.Millisecond, func() { count.Add(1) })

	assert.Equal(t, 1, tm.Pending())
	assert.True(t, h.Stop())
	assert.False(t, h.Stop(), "second stop is a no-op")
	assert.Equal(t, 0, tm.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestCloseCancelsEverything(t *testing.T) {
	tm := New()

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		tm.AfterFunc(30*time.Millisecond, func() { count.Add(1) })
	}
	assert.Equal(t, 5, tm.Pending())

	tm.Close()
	assert.True(t, tm.Closed())
	assert.Equal(t, 0, tm.Pending())

	h := tm.AfterFunc(time.Millisecond, func() { count.Add(1) })
	assert.False(t, h.Stop())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestNilHandleStop(t *testing.T) {
	var h *Handle
	assert.False(t, h.Stop())
}
