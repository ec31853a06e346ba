//go:build !windows
// +build !windows

package process

import (
	"syscall"
)

// Stop asks the process to shut down gracefully
func (p process) Stop() error {
	return p.Process.SendSignal(syscall.SIGTERM)
}
