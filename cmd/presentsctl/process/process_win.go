//go:build windows
// +build windows

package process

// Stop terminates the process, windows has no graceful signal
func (p process) Stop() error {
	return p.Process.Terminate()
}
