package main

import (
	"time"

	"github.com/xiaonanln/gopresents/cmd/presentsctl/process"
)

const stopTimeout = 30 * time.Second

func stop() {
	ss := detectServerStatus()
	showServerStatus(ss)
	if !ss.IsRunning() {
		showMsgAndQuit("no server is running currently")
	}

	for _, proc := range ss.Procs {
		stopProc(proc)
	}
}

func stopProc(proc process.Process) {
	showMsg("stop process %s pid=%d", proc.Executable(), proc.Pid())
	checkErrorOrQuit(proc.Stop(), "stop process failed")

	deadline := time.Now().Add(stopTimeout)
	for proc.IsRunning() {
		if time.Now().After(deadline) {
			showMsgAndQuit("process %d did not stop in %s", proc.Pid(), stopTimeout)
		}
		time.Sleep(time.Millisecond * 100)
	}
}
