package netutil

import (
	"net"
	"time"

	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xtaci/kcp-go"
	xnetutil "golang.org/x/net/netutil"
)

const (
	_RESTART_TCP_SERVER_INTERVAL = 3 * time.Second
)

// ServerDelegate is the implementations that a server should provide
type ServerDelegate interface {
	ServeConnection(net.Conn)
}

// ServeTCPForever serves on specified address as TCP server, for ever ...
func ServeTCPForever(listenAddr string, maxConns int, delegate ServerDelegate) {
	for {
		err := serveTCPForeverOnce(listenAddr, maxConns, delegate)
		gwlog.Errorf("server@%s failed with error: %v, will restart after %s", listenAddr, err, _RESTART_TCP_SERVER_INTERVAL)
		time.Sleep(_RESTART_TCP_SERVER_INTERVAL)
	}
}

func serveTCPForeverOnce(listenAddr string, maxConns int, delegate ServerDelegate) (err error) {
	defer func() {
		if e := recover(); e != nil {
			gwlog.TraceError("serveTCPImpl: paniced with error %s", e)
		}
	}()

	ln, err := ListenTCP(listenAddr, maxConns)
	if err != nil {
		return err
	}
	return Serve(ln, delegate)
}

// ListenTCP listens on listenAddr, accepting at most maxConns concurrent connections if maxConns > 0
func ListenTCP(listenAddr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	gwlog.Infof("Listening on TCP: %s ...", ln.Addr())
	if maxConns > 0 {
		ln = xnetutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// Serve accepts connections from ln until it is closed
func Serve(ln net.Listener, delegate ServerDelegate) error {
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if IsTimeoutError(err) {
				continue
			} else {
				return err
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(consts.CONNECTION_SET_TCP_NO_DELAY)
		}
		gwlog.Infof("Connection from: %s", conn.RemoteAddr())
		go delegate.ServeConnection(conn)
	}
}

// ListenKCP listens on listenAddr in KCP
func ListenKCP(listenAddr string) (*kcp.Listener, error) {
	ln, err := kcp.ListenWithOptions(listenAddr, nil, 10, 3)
	if err != nil {
		return nil, err
	}
	gwlog.Infof("Listening on KCP: %s ...", ln.Addr())
	return ln, nil
}

// ServeKCP accepts KCP sessions from ln until it is closed
func ServeKCP(ln *kcp.Listener, delegate ServerDelegate) error {
	defer ln.Close()

	for {
		conn, err := ln.AcceptKCP()
		if err != nil {
			return err
		}
		gwlog.Infof("KCP connection from %s", conn.RemoteAddr())
		setupKCPSession(conn)
		go delegate.ServeConnection(conn)
	}
}

func setupKCPSession(conn *kcp.UDPSession) {
	conn.SetReadBuffer(consts.BUFFERED_READ_BUFFSIZE)
	conn.SetWriteBuffer(consts.BUFFERED_WRITE_BUFFSIZE)
	// turn on turbo mode according to https://github.com/skywind3000/kcp/blob/master/README.en.md#protocol-configuration
	conn.SetStreamMode(true)
	conn.SetWriteDelay(true)
	conn.SetNoDelay(1, 10, 2, 1)
}
