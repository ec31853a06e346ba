package post

import (
	"sync"

	"github.com/xiaonanln/gopresents/engine/gwutils"
)

// PostCallback is the type of functions to be posted
type PostCallback func()

// Poster runs posted callbacks on its owning goroutine
type Poster interface {
	Post(f PostCallback)
}

// Queue collects callbacks posted from any goroutine until the owner calls Tick
type Queue struct {
	lock      sync.Mutex
	callbacks []PostCallback
	notify    chan struct{}
}

// NewQueue creates an empty post queue
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Post a callback which will be executed when other things are done in the owner routine
//
// Post might be called from other goroutine, so we use a lock to protect the data
func (q *Queue) Post(f PostCallback) {
	q.lock.Lock()
	q.callbacks = append(q.callbacks, f)
	q.lock.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// C is signaled after callbacks are posted, so that the owner can select on it
func (q *Queue) C() <-chan struct{} {
	return q.notify
}

// Len returns the number of callbacks waiting to run
func (q *Queue) Len() int {
	q.lock.Lock()
	n := len(q.callbacks)
	q.lock.Unlock()
	return n
}

// Tick is called by the owner routine to run all posted functions
func (q *Queue) Tick() {
	for { // loop until there is no callbacks posted anymore
		q.lock.Lock() // lock to check number of callbacks
		if len(q.callbacks) == 0 {
			q.lock.Unlock()
			break // all callbacked executed, quit
		}
		// switch callbacks in locked section
		callbacksCopy := q.callbacks
		q.callbacks = make([]PostCallback, 0, len(q.callbacks))
		q.lock.Unlock()

		for _, f := range callbacksCopy {
			gwutils.RunPanicless(f)
		}
	}
}
