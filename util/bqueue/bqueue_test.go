package bqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	q := New[int](10, false)
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())
	for i := 0; i < 5; i++ {
		v, ok := q.Pop(0)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.True(t, q.Empty())
}

func TestPushFailsWhenFull(t *testing.T) {
	q := New[int](2, false)
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	assert.False(t, q.Push(3))
}

func TestFinishRejectsPushButDrains(t *testing.T) {
	q := New[int](10, false)
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	q.Finish()

	assert.False(t, q.Push(3))

	v, ok := q.Pop(0)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Pop(0)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = q.Pop(time.Second)
	assert.False(t, ok, "pop on finished+empty must return immediately")
}

func TestPopTimeout(t *testing.T) {
	q := New[int](1, false)
	start := time.Now()
	_, ok := q.Pop(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPopUnblocksOnPush(t *testing.T) {
	q := New[int](1, false)
	done := make(chan int)
	go func() {
		v, _ := q.Pop(5 * time.Second)
		done <- v
	}()
	time.Sleep(10 * time.Millisecond)
	require.True(t, q.Push(42))
	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock")
	}
}

func TestBlockingPushWaitsForRoom(t *testing.T) {
	q := New[int](1, true)
	require.True(t, q.Push(1))

	pushed := make(chan bool)
	go func() {
		pushed <- q.Push(2)
	}()

	select {
	case <-pushed:
		t.Fatal("push should have blocked on full queue")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.Pop(0)
	require.True(t, ok)
	select {
	case ok := <-pushed:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("push did not unblock")
	}
}

func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 100
	q := New[int](producers*perProducer, true)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.True(t, q.Push(i))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, q.Len())
}
