package gwutils

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/gwlog"
)

// RunPanicless calls a function panic-freely
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("%p panic: %s", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// CatchPanic calls f and converts a panic into an error
func CatchPanic(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			gwlog.TraceError("%p panic: %v", f, r)
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "panic")
			} else {
				err = errors.New(fmt.Sprint(r))
			}
		}
	}()

	return f()
}
