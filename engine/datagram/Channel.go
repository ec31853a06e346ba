package datagram

import (
	"bytes"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

const maxDatagramSize = 65507

// Handler owns the connections datagrams belong to
type Handler interface {
	// DatagramSecret returns the key of the connection, or nil if it is unknown
	DatagramSecret(connID uint32) []byte
	// HandleDatagram receives the verified message
	HandleDatagram(connID uint32, msg proto.Message)
}

// Channel receives datagrams on a UDP socket and hands verified messages to a Handler.
//
// Every datagram is decoded with fresh class tables since datagrams may be lost.
type Channel struct {
	handler Handler
	reg     *streaming.Registry

	conn   *net.UDPConn
	closed xnsyncutil.AtomicBool

	lock       sync.Mutex
	sequencers map[uint32]*Sequencer
	dropped    int
}

// NewChannel creates a channel delivering to handler
func NewChannel(handler Handler, reg *streaming.Registry) *Channel {
	return &Channel{
		handler:    handler,
		reg:        reg,
		sequencers: map[uint32]*Sequencer{},
	}
}

// Listen binds the UDP socket and starts receiving
func (ch *Channel) Listen(addr string) (net.Addr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	ch.conn = conn
	gwlog.Infof("Listening on UDP datagrams: %s ...", conn.LocalAddr())
	go ch.readRoutine()
	return conn.LocalAddr(), nil
}

// Close stops receiving
func (ch *Channel) Close() error {
	ch.closed.Store(true)
	if ch.conn == nil {
		return nil
	}
	return ch.conn.Close()
}

// DroppedCount returns the number of rejected datagrams
func (ch *Channel) DroppedCount() int {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.dropped
}

func (ch *Channel) readRoutine() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := ch.conn.ReadFromUDP(buf)
		if err != nil {
			if !ch.closed.Load() {
				gwlog.Errorf("datagram channel stopped: %v", err)
			}
			return
		}
		packet := append([]byte(nil), buf[:n]...)
		if err := ch.handlePacket(packet); err != nil {
			ch.lock.Lock()
			ch.dropped++
			ch.lock.Unlock()
			if consts.DEBUG_MESSAGES || errors.Cause(err) != ErrOutOfOrder {
				gwlog.Warnf("datagram from %s dropped: %v", from, err)
			}
		}
	}
}

func (ch *Channel) handlePacket(packet []byte) error {
	connID, err := ConnectionID(packet)
	if err != nil {
		return err
	}
	secret := ch.handler.DatagramSecret(connID)
	if secret == nil {
		return errors.Errorf("unknown connection %d", connID)
	}

	ch.lock.Lock()
	seq := ch.sequencers[connID]
	if seq == nil || !bytes.Equal(seq.Secret(), secret) {
		// connection ids are reused by new sessions with new secrets
		seq = NewSequencer(connID, secret)
		ch.sequencers[connID] = seq
	}
	payload, err := seq.Open(packet)
	ch.lock.Unlock()
	if err != nil {
		return err
	}

	v, err := streaming.Unmarshal(ch.reg, payload)
	if err != nil {
		return err
	}
	msg, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("datagram holds %T which is not a message", v)
	}
	ch.handler.HandleDatagram(connID, msg)
	return nil
}

// Forget drops the sequencer state of a closed connection
func (ch *Channel) Forget(connID uint32) {
	ch.lock.Lock()
	delete(ch.sequencers, connID)
	ch.lock.Unlock()
}

// Sender seals and sends the datagrams of one connection
type Sender struct {
	connID uint32
	secret []byte
	reg    *streaming.Registry

	lock sync.Mutex
	seq  uint32
	conn *net.UDPConn
}

// NewSender dials the datagram channel at addr
func NewSender(addr string, connID uint32, secret []byte, reg *streaming.Registry) (*Sender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	return &Sender{connID: connID, secret: secret, reg: reg, conn: conn}, nil
}

// Send encodes msg with fresh class tables and sends it
func (s *Sender) Send(msg proto.Message) error {
	payload, err := streaming.Marshal(s.reg, msg)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.seq++
	packet := Seal(s.connID, s.seq, payload, s.secret)
	if len(packet) > maxDatagramSize {
		return errors.Errorf("datagram of %d bytes is too large", len(packet))
	}
	_, err = s.conn.Write(packet)
	return err
}

// Close closes the socket
func (s *Sender) Close() error {
	return s.conn.Close()
}
