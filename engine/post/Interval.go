package post

import (
	"sync"
	"time"

	"github.com/xiaonanln/goTimer"
)

// Interval runs a function on the goroutine of a Poster after a delay, once or repeatedly
type Interval struct {
	poster Poster
	f      func()
	lock   sync.Mutex
	gen    uint64

	t *timer.Timer // only touched by the ticking goroutine
}

// NewInterval creates an unscheduled interval running f through poster
func NewInterval(poster Poster, f func()) *Interval {
	return &Interval{poster: poster, f: f}
}

// Schedule (re)schedules the interval; a previous schedule is cancelled
func (iv *Interval) Schedule(delay time.Duration, repeat bool) {
	iv.lock.Lock()
	iv.gen++
	gen := iv.gen
	iv.lock.Unlock()

	runOnTicker(func() {
		iv.cancelTimer()
		expired := func() {
			iv.poster.Post(func() {
				iv.fire(gen)
			})
		}
		if repeat {
			iv.t = timer.AddTimer(delay, expired)
		} else {
			iv.t = timer.AddCallback(delay, expired)
		}
	})
}

// Cancel stops the interval. An expiry already posted does not run.
func (iv *Interval) Cancel() {
	iv.lock.Lock()
	iv.gen++
	iv.lock.Unlock()

	runOnTicker(iv.cancelTimer)
}

func (iv *Interval) cancelTimer() {
	if iv.t != nil {
		iv.t.Cancel()
		iv.t = nil
	}
}

func (iv *Interval) fire(gen uint64) {
	iv.lock.Lock()
	current := iv.gen == gen
	iv.lock.Unlock()

	if current {
		iv.f()
	}
}
