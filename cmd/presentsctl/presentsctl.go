package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/xiaonanln/gopresents/engine/config"
	"github.com/xiaonanln/gopresents/engine/gwlog"
)

var args struct {
	configFile string
	verbose    bool
}

func parseArgs() {
	flag.StringVar(&args.configFile, "configfile", "", "set config file path")
	flag.BoolVar(&args.verbose, "v", false, "show engine logs")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: presentsctl [flags] status|stop|logon <user> [password]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
}

func main() {
	parseArgs()
	cmdArgs := flag.Args()
	showMsg("arguments: %s", strings.Join(cmdArgs, " "))

	if args.configFile != "" {
		config.SetConfigFile(args.configFile)
	}
	if !args.verbose {
		gwlog.SetLevel(gwlog.WarnLevel)
	}

	if len(cmdArgs) == 0 {
		showMsg("no command to execute")
		flag.Usage()
		os.Exit(1)
	}

	switch cmd := cmdArgs[0]; cmd {
	case "status":
		status()
	case "stop":
		stop()
	case "logon":
		if len(cmdArgs) != 2 && len(cmdArgs) != 3 {
			showMsgAndQuit("should specify user and optional password")
		}
		password := ""
		if len(cmdArgs) == 3 {
			password = cmdArgs[2]
		}
		logon(cmdArgs[1], password)
	default:
		showMsgAndQuit("unknown command: %s", cmd)
	}
}
