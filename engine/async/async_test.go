package async

import (
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/gopresents/engine/post"
)

func tickUntil(q *post.Queue, done func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !done() && time.Now().Before(deadline) {
		q.Tick()
		time.Sleep(time.Millisecond)
	}
}

func TestNewAsyncJob(t *testing.T) {
	q := post.NewQueue()
	pool := NewPool(q)
	defer pool.Shutdown()

	var wait sync.WaitGroup
	wait.Add(1)
	var result interface{}
	called := false
	pool.AppendAsyncJob("1", func() (res interface{}, err error) {
		wait.Done()
		return 1, nil
	}, func(res interface{}, err error) {
		result = res
		called = true
	})
	wait.Wait()
	tickUntil(q, func() bool { return called })
	assert.T(t, called, "callback not called")
	assert.Equal(t, 1, result.(int))
}

func TestAsyncJobOrder(t *testing.T) {
	q := post.NewQueue()
	pool := NewPool(q)
	defer pool.Shutdown()

	var order []int
	for i := 0; i < 20; i++ {
		i := i
		pool.AppendAsyncJob("ordered", func() (interface{}, error) {
			return i, nil
		}, func(res interface{}, err error) {
			order = append(order, res.(int))
		})
	}
	tickUntil(q, func() bool { return len(order) == 20 })
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestAsyncJobPanic(t *testing.T) {
	q := post.NewQueue()
	pool := NewPool(q)
	defer pool.Shutdown()

	var gotErr error
	called := false
	pool.AppendAsyncJob("panic", func() (interface{}, error) {
		panic("boom")
	}, func(res interface{}, err error) {
		gotErr = err
		called = true
	})
	tickUntil(q, func() bool { return called })
	assert.T(t, gotErr != nil, "panic not reported as error")
}

func TestAppendAfterShutdown(t *testing.T) {
	q := post.NewQueue()
	pool := NewPool(q)
	pool.Shutdown()

	var gotErr error
	pool.AppendAsyncJob("late", func() (interface{}, error) {
		return nil, nil
	}, func(res interface{}, err error) {
		gotErr = err
	})
	q.Tick()
	assert.Equal(t, ErrShutdown, gotErr)
}
