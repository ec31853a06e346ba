package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/netutil"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

type closeAfterFlush struct{}

// Connection is the server side of one client socket.
//
// A reader goroutine decodes incoming messages and a writer goroutine drains the outgoing queue.
type Connection struct {
	*proto.MessageConnection
	id   int32
	cmgr *ConnectionManager

	outgoing   *xnsyncutil.SyncQueue
	writerDone chan struct{}
	lastRecv   atomic.Int64
	closeOnce  sync.Once

	lock           sync.Mutex
	datagramSecret []byte
	session        *ClientSession // loop only
}

func newConnection(id int32, conn netutil.Connection, reg *streaming.Registry, cmgr *ConnectionManager) *Connection {
	c := &Connection{
		MessageConnection: proto.NewMessageConnection(conn, reg, cmgr.opts.MaxFrameSize),
		id:                id,
		cmgr:              cmgr,
		outgoing:          xnsyncutil.NewSyncQueue(),
		writerDone:        make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection<%d@%s>", c.id, c.RemoteAddr())
}

// ID returns the connection id, unique within the server process
func (c *Connection) ID() int32 {
	return c.id
}

// Session returns the session of the connection once authenticated. Loop only.
func (c *Connection) Session() *ClientSession {
	return c.session
}

// DatagramSecret returns the key authenticating datagrams of this connection
func (c *Connection) DatagramSecret() []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.datagramSecret
}

func (c *Connection) setDatagramSecret(secret []byte) {
	c.lock.Lock()
	c.datagramSecret = secret
	c.lock.Unlock()
}

func (c *Connection) touch() {
	c.lastRecv.Store(time.Now().UnixNano())
}

// IdleTime returns how long nothing was received on the connection
func (c *Connection) IdleTime(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastRecv.Load()))
}

// Post queues msg for the writer goroutine
func (c *Connection) Post(msg proto.Message) {
	c.outgoing.Push(msg)
	if qlen := c.outgoing.Len(); qlen > consts.OUTGOING_QUEUE_WARN_LEN && qlen%consts.OUTGOING_QUEUE_WARN_LEN == 1 {
		gwlog.Warnf("%s: outgoing queue length = %d", c, qlen)
	}
}

// CloseAfterFlush closes the connection once the messages queued before are written
func (c *Connection) CloseAfterFlush() {
	c.outgoing.Push(closeAfterFlush{})
}

// Close closes the socket and stops both goroutines
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.outgoing.Close()
		err = c.MessageConnection.Close()
	})
	return err
}

func (c *Connection) writeRoutine() {
	defer func() {
		c.Close()
		close(c.writerDone)
	}()
	for {
		item := c.outgoing.Pop()
		if item == nil { // closed
			return
		}
		if _, ok := item.(closeAfterFlush); ok {
			_ = c.Flush("close")
			return
		}
		if err := c.SendMessage(item.(proto.Message)); err != nil {
			if errors.Cause(err) != netutil.ErrFrameTooLarge {
				c.logError("send", err)
				return
			}
			gwlog.Errorf("%s: message dropped: %v", c, err)
		}
		if c.outgoing.Len() == 0 {
			if err := c.Flush("idle"); err != nil {
				c.logError("flush", err)
				return
			}
		}
	}
}

func (c *Connection) readRoutine() {
	defer func() {
		c.Close()
		c.cmgr.connectionClosed(c)
	}()

	_ = c.SetRecvDeadline(time.Now().Add(c.cmgr.opts.IdleTimeout()))
	msg, err := c.Recv()
	if err != nil {
		c.logError("recv auth request", err)
		return
	}
	c.touch()
	_ = c.SetRecvDeadline(time.Time{})

	req, ok := msg.(*proto.AuthRequest)
	if !ok {
		gwlog.Warnf("%s: expected auth request, received %T", c, msg)
		return
	}
	if !c.cmgr.authenticate(c, req) {
		// let the writer flush the refusal
		select {
		case <-c.writerDone:
		case <-time.After(c.cmgr.opts.IdleTimeout()):
		}
		return
	}

	for {
		msg, err := c.Recv()
		if err != nil {
			c.logError("recv", err)
			return
		}
		c.touch()

		if ping, ok := msg.(*proto.PingRequest); ok {
			c.Post(&proto.PongResponse{ClientStamp: ping.ClientStamp, ServerStamp: time.Now().UnixNano()})
			continue
		}
		c.cmgr.dispatchMessage(c, msg)
		if _, ok := msg.(*proto.LogoffRequest); ok {
			return
		}
	}
}

func (c *Connection) logError(what string, err error) {
	switch {
	case netutil.IsProtocolError(err) || streaming.IsProtocolError(err):
		gwlog.Warnf("%s: protocol error during %s, closing: %v", c, what, err)
	case netutil.IsConnectionError(err) || c.IsClosed():
		if consts.DEBUG_CLIENTS {
			gwlog.Debugf("%s: %s: %v", c, what, err)
		}
	default:
		gwlog.Warnf("%s: %s failed: %v", c, what, err)
	}
}
