package client

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

// Communicator moves messages between a Client and its server.
//
// The reader goroutine connects, authenticates and then reads; the writer goroutine drains the
// outgoing queue. Both report to the Client through its run queue.
type Communicator struct {
	client *Client
	reg    *streaming.Registry
	cfg    Config

	lock     sync.Mutex
	conn     *proto.MessageConnection
	outgoing *xnsyncutil.SyncQueue

	lastWrite  atomic.Int64
	loggingOff xnsyncutil.AtomicBool
	closed     xnsyncutil.AtomicBool
	closeOnce  sync.Once
}

func newCommunicator(client *Client, reg *streaming.Registry, cfg Config) *Communicator {
	comm := &Communicator{
		client:   client,
		reg:      reg,
		cfg:      cfg,
		outgoing: xnsyncutil.NewSyncQueue(),
	}
	comm.lastWrite.Store(time.Now().UnixNano())
	return comm
}

func (comm *Communicator) String() string {
	return fmt.Sprintf("Communicator<%s:%d/%s>", comm.cfg.Host, comm.cfg.Port, comm.cfg.Transport)
}

func (comm *Communicator) start(req *proto.AuthRequest) {
	go comm.readRoutine(req)
}

// PostMessage queues msg for the server
func (comm *Communicator) PostMessage(msg proto.Message) {
	comm.outgoing.Push(msg)
}

// LastWrite returns when a message was last written
func (comm *Communicator) LastWrite() time.Time {
	return time.Unix(0, comm.lastWrite.Load())
}

// logoff sends a LogoffRequest after the queued messages and closes the connection
func (comm *Communicator) logoff() {
	comm.loggingOff.Store(true)
	comm.outgoing.Push(&proto.LogoffRequest{})
	comm.outgoing.Push(closeAfterFlush{})
}

func (comm *Communicator) close() {
	comm.closeOnce.Do(func() {
		comm.lock.Lock()
		comm.closed.Store(true)
		conn := comm.conn
		comm.lock.Unlock()
		comm.outgoing.Close()
		if conn != nil {
			conn.Close()
		}
	})
}

func (comm *Communicator) connect() (*proto.MessageConnection, error) {
	netConn, err := netutil.Dial(comm.cfg.Transport, comm.cfg.Host, comm.cfg.Port)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s:%d", comm.cfg.Host, comm.cfg.Port)
	}
	conn := proto.NewMessageConnection(netutil.WrapConnection(netConn), comm.reg, comm.cfg.MaxFrameSize)

	comm.lock.Lock()
	defer comm.lock.Unlock()
	if comm.closed.Load() {
		conn.Close()
		return nil, errors.New("communicator closed while connecting")
	}
	comm.conn = conn
	return conn, nil
}

func (comm *Communicator) readRoutine(req *proto.AuthRequest) {
	conn, err := comm.connect()
	if err != nil {
		comm.client.postCommFailed(comm, err)
		return
	}
	gwlog.Infof("%s: connected to %s", comm, conn.RemoteAddr())

	// the auth request goes out before anything queued in the meantime
	if err := conn.SendAndFlush(req); err != nil {
		comm.close()
		comm.client.postCommFailed(comm, err)
		return
	}
	comm.lastWrite.Store(time.Now().UnixNano())
	go comm.writeRoutine(conn)

	conn.SetRecvDeadline(time.Now().Add(consts.DIAL_TIMEOUT))
	msg, err := conn.Recv()
	if err != nil {
		comm.close()
		comm.client.postCommFailed(comm, errors.Wrap(err, "receive auth response"))
		return
	}
	conn.SetRecvDeadline(time.Time{})
	rsp, ok := msg.(*proto.AuthResponse)
	if !ok {
		comm.close()
		comm.client.postCommFailed(comm, errors.Errorf("expected auth response, received %T", msg))
		return
	}
	comm.client.postAuthResponse(comm, rsp)
	if rsp.Status != proto.AuthSuccess {
		comm.close()
		return
	}

	for {
		msg, err := conn.Recv()
		if err != nil {
			comm.close()
			if comm.loggingOff.Load() {
				comm.client.postCommClosed(comm)
			} else {
				comm.client.postCommFailed(comm, err)
			}
			return
		}
		comm.client.postMessage(comm, msg)
	}
}

func (comm *Communicator) writeRoutine(conn *proto.MessageConnection) {
	defer comm.close()
	for {
		item := comm.outgoing.Pop()
		if item == nil {
			return
		}
		if _, ok := item.(closeAfterFlush); ok {
			conn.Flush("logoff")
			return
		}
		if err := conn.SendMessage(item.(proto.Message)); err != nil {
			if errors.Cause(err) != netutil.ErrFrameTooLarge {
				if !netutil.IsConnectionError(err) {
					gwlog.Errorf("%s: send %T failed: %v", comm, item, err)
				}
				return
			}
			gwlog.Errorf("%s: message dropped: %v", comm, err)
		}
		comm.lastWrite.Store(time.Now().UnixNano())
		if comm.outgoing.Len() == 0 {
			if err := conn.Flush("idle"); err != nil {
				return
			}
		}
	}
}
