package proto

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/netutil"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// MessageConnection sends and receives framed messages over one connection.
//
// Each direction has its own class table. Sends may come from any goroutine; Recv must only be
// called by one reader.
type MessageConnection struct {
	conn   netutil.Connection
	reader *netutil.FrameReader
	in     *streaming.ObjectInputStream

	sendLock     sync.Mutex
	out          *streaming.ObjectOutputStream
	frame        []byte
	maxFrameSize int

	closed xnsyncutil.AtomicBool
}

// NewMessageConnection creates a MessageConnection over conn
func NewMessageConnection(conn netutil.Connection, reg *streaming.Registry, maxFrameSize int) *MessageConnection {
	if maxFrameSize <= 0 {
		maxFrameSize = consts.MAX_FRAME_SIZE
	}
	return &MessageConnection{
		conn:   conn,
		reader: netutil.NewFrameReader(conn, maxFrameSize),
		in:     streaming.NewObjectInputStream(reg),
		out:    streaming.NewObjectOutputStream(reg),

		maxFrameSize: maxFrameSize,
	}
}

// SendMessage encodes msg into the write buffer; it reaches the peer on Flush.
//
// A failed encoding may leave the class table ahead of the peer, so the connection is closed.
// A message too large for one frame is dropped and the connection stays usable.
func (mc *MessageConnection) SendMessage(msg Message) error {
	mc.sendLock.Lock()
	defer mc.sendLock.Unlock()

	mc.out.Reset()
	mark := mc.out.Mark()
	if err := mc.out.WriteObject(msg); err != nil {
		mc.closeLocked()
		return errors.Wrapf(err, "encode %T", msg)
	}
	if mc.out.Len() > mc.maxFrameSize {
		mc.out.Rollback(mark)
		return errors.Wrapf(netutil.ErrFrameTooLarge, "send %T: %d > %d", msg, mc.out.Len(), mc.maxFrameSize)
	}
	mc.frame = netutil.AppendFrame(mc.frame[:0], mc.out.Bytes())
	if _, err := mc.conn.Write(mc.frame); err != nil {
		return err
	}
	if consts.DEBUG_MESSAGES {
		gwlog.Debugf("%s: send %T, %d bytes", mc, msg, len(mc.frame))
	}
	return nil
}

// Flush connection writes
func (mc *MessageConnection) Flush(reason string) error {
	mc.sendLock.Lock()
	err := mc.conn.Flush()
	mc.sendLock.Unlock()
	if err != nil && consts.DEBUG_MESSAGES {
		gwlog.Debugf("%s: flush (%s) failed: %v", mc, reason, err)
	}
	return err
}

// SendAndFlush sends msg and flushes
func (mc *MessageConnection) SendAndFlush(msg Message) error {
	if err := mc.SendMessage(msg); err != nil {
		return err
	}
	return mc.Flush("SendAndFlush")
}

// Recv receives the next message
func (mc *MessageConnection) Recv() (Message, error) {
	payload, err := mc.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	mc.in.SetData(payload)
	v, err := mc.in.ReadObject()
	if err != nil {
		return nil, err
	}
	if mc.in.Remaining() != 0 {
		return nil, errors.Errorf("%d trailing bytes in frame", mc.in.Remaining())
	}
	msg, ok := v.(Message)
	if !ok {
		return nil, errors.Errorf("received %T which is not a message", v)
	}
	if consts.DEBUG_MESSAGES {
		gwlog.Debugf("%s: recv %T, %d bytes", mc, msg, len(payload))
	}
	return msg, nil
}

// SetRecvDeadline set receive deadline
func (mc *MessageConnection) SetRecvDeadline(deadline time.Time) error {
	return mc.conn.SetReadDeadline(deadline)
}

// Close flushes and closes this connection.
//
// A send in progress on another goroutine may be blocked on the peer, so the transport is aborted
// first and the buffered bytes are dropped.
func (mc *MessageConnection) Close() error {
	if mc.closed.Load() {
		return nil
	}
	if !mc.sendLock.TryLock() {
		mc.closed.Store(true)
		mc.conn.Abort()
		mc.sendLock.Lock()
	}
	defer mc.sendLock.Unlock()
	return mc.closeLocked()
}

func (mc *MessageConnection) closeLocked() error {
	mc.closed.Store(true)
	return mc.conn.Close()
}

// IsClosed returns if the connection is closed
func (mc *MessageConnection) IsClosed() bool {
	return mc.closed.Load()
}

// RemoteAddr returns the remote address
func (mc *MessageConnection) RemoteAddr() net.Addr {
	return mc.conn.RemoteAddr()
}

// LocalAddr returns the local address
func (mc *MessageConnection) LocalAddr() net.Addr {
	return mc.conn.LocalAddr()
}

func (mc *MessageConnection) String() string {
	return fmt.Sprintf("MessageConnection<%s>", mc.RemoteAddr())
}
