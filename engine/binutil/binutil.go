package binutil

import (
	_ "expvar"
	"net/http"
	_ "net/http/pprof"

	"github.com/xiaonanln/gopresents/engine/gwlog"
)

// SetupHTTPServer starts the HTTP server for go tool pprof and, if wsHandler is not nil, the websocket endpoint at /ws
func SetupHTTPServer(addr string, wsHandler http.Handler) {
	setupHTTPServer(addr, wsHandler, "", "")
}

// SetupHTTPServerTLS starts the HTTPs server for go tool pprof and websockets
func SetupHTTPServerTLS(addr string, wsHandler http.Handler, certFile string, keyFile string) {
	setupHTTPServer(addr, wsHandler, certFile, keyFile)
}

func setupHTTPServer(addr string, wsHandler http.Handler, certFile string, keyFile string) {
	if addr == "" {
		gwlog.Infof("http server not enabled")
		return
	}

	gwlog.Infof("http server listening on %s", addr)
	gwlog.Infof("pprof http://%s/debug/pprof/ ... available commands: ", addr)
	gwlog.Infof("    go tool pprof http://%s/debug/pprof/heap", addr)
	gwlog.Infof("    go tool pprof http://%s/debug/pprof/profile", addr)
	gwlog.Infof("counters http://%s/debug/vars", addr)
	if keyFile != "" || certFile != "" {
		gwlog.Infof("TLS is enabled on http: key=%s, cert=%s", keyFile, certFile)
	}

	if wsHandler != nil {
		http.Handle("/ws", wsHandler)
	}

	go func() {
		var err error
		if keyFile == "" && certFile == "" {
			err = http.ListenAndServe(addr, nil)
		} else {
			err = http.ListenAndServeTLS(addr, certFile, keyFile, nil)
		}
		gwlog.Errorf("http server on %s stopped: %v", addr, err)
	}()
}

// SetupGWLog sets up the log source, level and outputs of a presents process
func SetupGWLog(component string, logLevel string, logFile string, logStderr bool) {
	gwlog.SetSource(component)
	gwlog.SetupFileOutput(logFile, logStderr)
	gwlog.Infof("Set log level to %s", logLevel)
	gwlog.SetLevel(gwlog.ParseLevel(logLevel))
}
