package post

import (
	"sync"
	"testing"
)

func TestPost(t *testing.T) {
	q := NewQueue()
	var a int
	q.Post(func() {
		a = 1
	})
	if q.Len() != 1 {
		t.Errorf("queue should hold 1 callback")
	}
	q.Tick()
	if a != 1 {
		t.Errorf("t should be 1")
	}
}

func TestPostDuringTick(t *testing.T) {
	q := NewQueue()
	var order []int
	q.Post(func() {
		order = append(order, 1)
		q.Post(func() {
			order = append(order, 3)
		})
	})
	q.Post(func() {
		order = append(order, 2)
		panic("ignored")
	})
	q.Tick()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("wrong order: %v", order)
	}
}

func TestPostConcurrently(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Post(func() {})
			}
		}()
	}
	wg.Wait()
	<-q.C()
	if q.Len() != 1000 {
		t.Errorf("expected 1000 callbacks, got %d", q.Len())
	}
	q.Tick()
	if q.Len() != 0 {
		t.Errorf("queue not drained")
	}
}
