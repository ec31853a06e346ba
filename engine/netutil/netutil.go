package netutil

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xtaci/kcp-go"
)

// Transports supported by Dial
const (
	TransportTCP       = "tcp"
	TransportKCP       = "kcp"
	TransportWebSocket = "websocket"
)

// IsConnectionError check if the error is a connection error (close)
func IsConnectionError(_err interface{}) bool {
	err, ok := _err.(error)
	if !ok {
		return false
	}

	err = errors.Cause(err)
	if err == io.EOF || err == io.ErrUnexpectedEOF || err == net.ErrClosed {
		return true
	}

	neterr, ok := err.(net.Error)
	if !ok {
		return false
	}
	if neterr.Timeout() {
		return false
	}

	return true
}

// IsTimeoutError check if the error is a network timeout
func IsTimeoutError(err error) bool {
	neterr, ok := errors.Cause(err).(net.Error)
	return ok && neterr.Timeout()
}

// ConnectTCP connects to host:port in TCP
func ConnectTCP(host string, port int) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, consts.DIAL_TIMEOUT)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(consts.CONNECTION_SET_TCP_NO_DELAY)
	}
	return conn, nil
}

// ConnectKCP connects to host:port in KCP
func ConnectKCP(host string, port int) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := kcp.DialWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, err
	}
	setupKCPSession(conn)
	return conn, nil
}

// Dial connects to host:port using the named transport
func Dial(transport string, host string, port int) (net.Conn, error) {
	switch strings.ToLower(transport) {
	case "", TransportTCP:
		return ConnectTCP(host, port)
	case TransportKCP:
		return ConnectKCP(host, port)
	case TransportWebSocket:
		return ConnectWebSocket(fmt.Sprintf("ws://%s:%d%s", host, port, WebSocketPath))
	}
	return nil, errors.Errorf("unknown transport: %s", transport)
}

// ServeForever runs the function forever
//
// ServeForever will restart the function call if function panics,
func ServeForever(f func()) {
	for {
		if !gwutils.RunPanicless(f) {
			gwlog.Debugf("ServeForever: func %p returns", f)
			return
		}
		if consts.DEBUG_MODE { // we just quit in debug mode
			os.Exit(2)
		}
	}
}
