package netutil

import (
	"net"

	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/netconnutil"
)

// Connection is a net.Conn whose writes are buffered until Flush
type Connection interface {
	netconnutil.FlushableConn
	// Abort closes the transport without flushing, failing a write blocked on the peer
	Abort() error
}

type bufferedConnection struct {
	netconnutil.FlushableConn
	raw net.Conn
}

func (bc bufferedConnection) Abort() error {
	return bc.raw.Close()
}

// NewBufferedConnection wraps conn with read & write buffers and hides temporary errors
func NewBufferedConnection(conn net.Conn) Connection {
	return bufferedConnection{
		FlushableConn: netconnutil.NewBufferedConn(netconnutil.NewNoTempErrorConn(conn), consts.BUFFERED_READ_BUFFSIZE, consts.BUFFERED_WRITE_BUFFSIZE),
		raw:           conn,
	}
}

// WrapConnection returns conn itself if it already buffers writes, otherwise a buffered wrapper
func WrapConnection(conn net.Conn) Connection {
	if c, ok := conn.(Connection); ok {
		return c
	}
	return NewBufferedConnection(conn)
}
