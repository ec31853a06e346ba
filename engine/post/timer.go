package post

import (
	"sync"
	"time"

	"github.com/xiaonanln/goTimer"
	"github.com/xiaonanln/gopresents/engine/consts"
)

// The timer heap is global, so every timer operation runs on the one goroutine that ticks it.
// Expiries only post to their owners.
var (
	timerLock       sync.Mutex
	timerOps        []func()
	startTickerOnce sync.Once
)

// runOnTicker queues op for the ticking goroutine, starting it on first use
func runOnTicker(op func()) {
	startTickerOnce.Do(func() {
		go tickRoutine(consts.TIMER_TICK_INTERVAL)
	})
	timerLock.Lock()
	timerOps = append(timerOps, op)
	timerLock.Unlock()
}

func tickRoutine(tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		timerLock.Lock()
		ops := timerOps
		timerOps = nil
		timerLock.Unlock()

		for _, op := range ops {
			op()
		}
		timer.Tick()
	}
}
