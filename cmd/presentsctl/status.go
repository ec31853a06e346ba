package main

import (
	"fmt"
	"strings"

	"github.com/xiaonanln/gopresents/cmd/presentsctl/process"
)

const serverExecutable = "presentsd"

// ServerStatus lists the presentsd processes of the local machine
type ServerStatus struct {
	Procs []process.Process
}

// IsRunning returns if a server is running
func (ss *ServerStatus) IsRunning() bool {
	return len(ss.Procs) > 0
}

func detectServerStatus() *ServerStatus {
	procs, err := process.Find(serverExecutable + BinaryExtension)
	checkErrorOrQuit(err, "list processes failed")
	return &ServerStatus{Procs: procs}
}

func status() {
	showServerStatus(detectServerStatus())
}

func showServerStatus(ss *ServerStatus) {
	showMsg("%d %s running", len(ss.Procs), serverExecutable)
	for _, proc := range ss.Procs {
		cmdlineSlice, err := proc.CmdlineSlice()
		var cmdline string
		if err == nil {
			cmdline = strings.Join(cmdlineSlice, " ")
		} else {
			cmdline = fmt.Sprintf("get cmdline failed: %v", err)
		}

		showMsg("\t%-10d%-16s%s", proc.Pid(), proc.Executable(), cmdline)
	}
}
