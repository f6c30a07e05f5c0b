package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueuePeekDoesNotConsume(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")

	v, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 2, q.Len())

	v, _ = q.Pop()
	assert.Equal(t, "a", v)
}

func TestQueueRequeuePutsAtHead(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Requeue(0)

	v, _ := q.Pop()
	assert.Equal(t, 0, v)
	v, _ = q.Pop()
	assert.Equal(t, 1, v)
}

func TestQueueDrain(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	items := q.Drain()
	assert.Equal(t, []int{1, 2, 3}, items)
	assert.Equal(t, 0, q.Len())
}

func TestQueueConcurrentPushPop(t *testing.T) {
	q := New[int]()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()

	seen := 0
	go func() {
		defer wg.Done()
		for seen < n {
			if _, ok := q.Pop(); ok {
				seen++
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, n, seen)
	assert.Equal(t, 0, q.Len())
}
