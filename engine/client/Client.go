package client

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/datagram"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/netutil"
	"github.com/xiaonanln/gopresents/engine/post"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// State of a client session
type State int32

const (
	// Disconnected is the state before the first logon
	Disconnected State = iota
	// Connecting covers dialing and waiting for the auth response
	Connecting
	// Authenticated is reached when the auth response succeeded
	Authenticated
	// Active is reached once the client object arrived
	Active
	// Closing follows a logoff until the connection closed
	Closing
	// Closed is the final state; Logon may start a new session
	Closed
)

var stateNames = [...]string{"Disconnected", "Connecting", "Authenticated", "Active", "Closing", "Closed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// SessionClosed is the reason given to pending invocations when the session ends
const SessionClosed = "m.session_closed"

// LogonError is reported when the server refuses the credentials
type LogonError struct {
	Code   proto.AuthCode
	Reason string
}

func (e *LogonError) Error() string {
	return fmt.Sprintf("logon refused: %s", e.Reason)
}

// Config of a client
type Config struct {
	Host      string
	Port      int
	Transport string
	// DatagramAddr is the host:port of the datagram channel of the server, if any
	DatagramAddr string

	Version    string
	Creds      proto.Credentials
	BootGroups []string

	PingInterval time.Duration
	TickInterval time.Duration
	MaxFrameSize int
}

// Client is one session with a server.
//
// State changes and observer callbacks happen on the run queue given to New. All methods except
// State, FromServerTime and ToServerTime must be called there.
type Client struct {
	cfg    Config
	reg    *streaming.Registry
	poster post.Poster

	state       atomic.Int32
	serverDelta atomic.Int64

	observers []SessionObserver
	comm      *Communicator
	omgr      *ObjectManager
	director  *invocation.Director
	bootstrap *proto.BootstrapData
	clobj     *dobj.DObject
	tick      *post.Interval
	dcalc     *DeltaCalculator
	lastSync  time.Time

	datagramLock sync.Mutex
	datagrams    *datagram.Sender
}

// New creates a client whose callbacks run through poster
func New(cfg Config, reg *streaming.Registry, poster post.Poster) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = consts.PING_INTERVAL
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = consts.CLIENT_TICK_INTERVAL
		if quarter := cfg.PingInterval / 4; quarter < cfg.TickInterval {
			cfg.TickInterval = quarter
		}
	}
	if cfg.Transport == "" {
		cfg.Transport = netutil.TransportTCP
	}
	c := &Client{
		cfg:    cfg,
		reg:    reg,
		poster: poster,
	}
	c.tick = post.NewInterval(poster, c.onTick)
	return c
}

func (c *Client) String() string {
	username := ""
	if c.cfg.Creds != nil {
		username = c.cfg.Creds.Username()
	}
	return fmt.Sprintf("Client<%s@%s:%d>", username, c.cfg.Host, c.cfg.Port)
}

// Config returns the configuration of the client
func (c *Client) Config() Config {
	return c.cfg
}

// State returns the current state. Safe to call from any goroutine.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if consts.DEBUG_CLIENTS {
		gwlog.Debugf("%s: %s -> %s", c, old, s)
	}
}

// IsLoggedOn returns true once the client object arrived
func (c *Client) IsLoggedOn() bool {
	return c.State() == Active
}

// AddSessionObserver registers ob
func (c *Client) AddSessionObserver(ob SessionObserver) {
	c.observers = append(c.observers, ob)
}

// RemoveSessionObserver unregisters ob
func (c *Client) RemoveSessionObserver(ob SessionObserver) {
	for i, o := range c.observers {
		if o == ob {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *Client) notify(f func(ob SessionObserver)) {
	observers := append([]SessionObserver(nil), c.observers...)
	for _, ob := range observers {
		gwutils.RunPanicless(func() {
			f(ob)
		})
	}
}

// Bootstrap returns the bootstrap data of the session
func (c *Client) Bootstrap() *proto.BootstrapData {
	return c.bootstrap
}

// ClientOid returns the oid of the client object, 0 before authentication
func (c *Client) ClientOid() dobj.Oid {
	if c.bootstrap == nil {
		return 0
	}
	return c.bootstrap.ClientOid
}

// ConnectionID returns the id the server assigned to the connection
func (c *Client) ConnectionID() int32 {
	if c.bootstrap == nil {
		return 0
	}
	return c.bootstrap.ConnectionID
}

// ClientObject returns the client object once active
func (c *Client) ClientObject() *dobj.DObject {
	return c.clobj
}

// ObjectManager returns the proxy object manager of the session
func (c *Client) ObjectManager() *ObjectManager {
	return c.omgr
}

// Director returns the invocation director of the session once active
func (c *Client) Director() *invocation.Director {
	return c.director
}

// Service returns the marshaller of a bootstrap service, or nil
func (c *Client) Service(name string) *invocation.Marshaller {
	if c.bootstrap == nil {
		return nil
	}
	return c.bootstrap.Services[name]
}

// FromServerTime converts a server time to the client clock
func (c *Client) FromServerTime(t time.Time) time.Time {
	return t.Add(time.Duration(c.serverDelta.Load()))
}

// ToServerTime converts a client time to the server clock
func (c *Client) ToServerTime(t time.Time) time.Time {
	return t.Add(-time.Duration(c.serverDelta.Load()))
}

// ServerTimeDelta returns client time minus server time as estimated so far
func (c *Client) ServerTimeDelta() time.Duration {
	return time.Duration(c.serverDelta.Load())
}

// Logon starts connecting. It returns false if a session is already in progress.
func (c *Client) Logon() bool {
	if s := c.State(); s != Disconnected && s != Closed {
		return false
	}
	if c.cfg.Creds == nil {
		gwlog.Errorf("%s: logon without credentials", c)
		return false
	}
	c.notify(func(ob SessionObserver) { ob.ClientWillLogon(c) })

	c.setState(Connecting)
	c.bootstrap = nil
	c.omgr = newObjectManager(c)
	c.comm = newCommunicator(c, c.reg, c.cfg)
	c.comm.start(&proto.AuthRequest{
		Creds:      c.cfg.Creds,
		Version:    c.cfg.Version,
		BootGroups: c.cfg.BootGroups,
	})
	c.tick.Schedule(c.cfg.TickInterval, true)
	return true
}

// Logoff ends the session after flushing a LogoffRequest. If abortable, any observer may veto
// it. It returns false if vetoed.
func (c *Client) Logoff(abortable bool) bool {
	if c.comm == nil {
		gwlog.Warnf("%s: ignoring logoff, not logged on", c)
		return true
	}
	if c.State() == Closing {
		return true
	}
	if abortable {
		veto := false
		c.notify(func(ob SessionObserver) {
			if !ob.ClientWillLogoff(c) {
				veto = true
			}
		})
		if veto {
			return false
		}
	}
	c.tick.Cancel()
	c.setState(Closing)
	c.comm.logoff()
	return true
}

func (c *Client) sendMessage(msg proto.Message) bool {
	if c.comm == nil || c.State() == Closing {
		return false
	}
	c.comm.PostMessage(msg)
	return true
}

// SendDatagram sends msg over the datagram channel, or over the connection if there is none
func (c *Client) SendDatagram(msg proto.Message) error {
	c.datagramLock.Lock()
	sender := c.datagrams
	c.datagramLock.Unlock()
	if sender == nil {
		if !c.sendMessage(msg) {
			return errors.New("not connected")
		}
		return nil
	}
	return sender.Send(msg)
}

// The post* methods are called by the communicator goroutines. Reports of a replaced
// communicator are ignored.

func (c *Client) postAuthResponse(comm *Communicator, rsp *proto.AuthResponse) {
	c.poster.Post(func() {
		if c.comm == comm {
			c.gotAuthResponse(rsp)
		}
	})
}

func (c *Client) postMessage(comm *Communicator, msg proto.Message) {
	c.poster.Post(func() {
		if c.comm == comm {
			c.handleMessage(msg)
		}
	})
}

func (c *Client) postCommFailed(comm *Communicator, err error) {
	c.poster.Post(func() {
		if c.comm == comm {
			c.commFailed(err)
		}
	})
}

func (c *Client) postCommClosed(comm *Communicator) {
	c.poster.Post(func() {
		if c.comm == comm {
			c.cleanup(nil)
		}
	})
}

func (c *Client) gotAuthResponse(rsp *proto.AuthResponse) {
	if rsp.Status != proto.AuthSuccess || rsp.Bootstrap == nil {
		err := &LogonError{Code: rsp.Status, Reason: rsp.Reason}
		gwlog.Warnf("%s: %v", c, err)
		c.logonFailed(err)
		return
	}
	c.setState(Authenticated)
	c.bootstrap = rsp.Bootstrap
	gwlog.Infof("%s: authenticated, client oid %d, connection %d", c, rsp.Bootstrap.ClientOid, rsp.Bootstrap.ConnectionID)

	if c.cfg.DatagramAddr != "" && len(rsp.Bootstrap.DatagramSecret) > 0 {
		sender, err := datagram.NewSender(c.cfg.DatagramAddr, uint32(rsp.Bootstrap.ConnectionID), rsp.Bootstrap.DatagramSecret, c.reg)
		if err != nil {
			gwlog.Warnf("%s: datagram channel unavailable: %v", c, err)
		} else {
			c.datagramLock.Lock()
			c.datagrams = sender
			c.datagramLock.Unlock()
		}
	}

	c.omgr.SubscribeToObject(rsp.Bootstrap.ClientOid, dobj.SubscriberFuncs(c.gotClientObject, func(oid dobj.Oid, err error) {
		gwlog.Errorf("%s: subscribe to client object %d failed: %v", c, oid, err)
		c.logonFailed(err)
	}))
}

func (c *Client) gotClientObject(obj *dobj.DObject) {
	if c.State() != Authenticated {
		return
	}
	c.clobj = obj
	c.director = invocation.NewDirector(c.omgr, obj)
	c.setState(Active)
	c.establishClockDelta(time.Now())
	c.notify(func(ob SessionObserver) { ob.ClientDidLogon(c) })
}

func (c *Client) logonFailed(err error) {
	comm := c.comm
	c.setState(Closed)
	comm.close()
	c.notify(func(ob SessionObserver) { ob.ClientFailedToLogon(c, err) })
	c.cleanup(nil)
}

func (c *Client) commFailed(err error) {
	switch c.State() {
	case Connecting, Authenticated:
		c.logonFailed(err)
	case Closing:
		c.cleanup(nil)
	default:
		gwlog.Warnf("%s: connection failed: %v", c, err)
		c.cleanup(err)
	}
}

// cleanup ends the session; err is the connection failure, if any
func (c *Client) cleanup(err error) {
	if c.comm == nil {
		return
	}
	wasLoggedOn := c.clobj != nil
	c.comm.close()
	c.comm = nil
	c.tick.Cancel()
	c.dcalc = nil
	c.setState(Closed)

	c.datagramLock.Lock()
	if c.datagrams != nil {
		c.datagrams.Close()
		c.datagrams = nil
	}
	c.datagramLock.Unlock()

	if err != nil {
		c.notify(func(ob SessionObserver) { ob.ClientConnectionFailed(c, err) })
	}
	if wasLoggedOn {
		c.notify(func(ob SessionObserver) { ob.ClientDidLogoff(c) })
	}
	if c.director != nil {
		c.director.Clear(SessionClosed)
		c.director = nil
	}
	if c.omgr != nil {
		c.omgr.clear()
	}
	c.clobj = nil
	c.notify(func(ob SessionObserver) { ob.ClientDidClear(c) })
}

func (c *Client) handleMessage(msg proto.Message) {
	switch m := msg.(type) {
	case *proto.PongResponse:
		c.gotPong(m)
	case *proto.AuthResponse:
		gwlog.Warnf("%s: unexpected auth response", c)
	default:
		c.omgr.handleMessage(msg)
	}
}

func (c *Client) onTick() {
	if c.comm == nil || c.State() != Active {
		return
	}
	now := time.Now()
	switch {
	case c.dcalc != nil:
		if c.dcalc.ShouldSendPing() {
			c.sendPing()
		}
	case now.Sub(c.comm.LastWrite()) > c.cfg.PingInterval/2:
		// keep the connection alive well within the idle timeout of the server
		c.sendPing()
	case now.Sub(c.lastSync) > consts.CLOCK_SYNC_INTERVAL:
		c.establishClockDelta(now)
	}
}

func (c *Client) establishClockDelta(now time.Time) {
	c.dcalc = NewDeltaCalculator(consts.CLOCK_SYNC_SAMPLES)
	c.lastSync = now
	c.sendPing()
}

func (c *Client) sendPing() {
	if c.dcalc != nil {
		c.dcalc.SentPing()
	}
	c.sendMessage(&proto.PingRequest{ClientStamp: time.Now().UnixNano()})
}

func (c *Client) gotPong(pong *proto.PongResponse) {
	if c.dcalc == nil {
		return
	}
	if c.dcalc.GotPong(pong, time.Now()) {
		c.serverDelta.Store(int64(c.dcalc.TimeDelta()))
	}
	if c.dcalc.IsDone() {
		if consts.DEBUG_CLIENTS {
			gwlog.Debugf("%s: time offset from server %s, rtt %s", c, c.dcalc.TimeDelta(), c.dcalc.RoundTripTime())
		}
		c.dcalc = nil
	} else if c.dcalc.ShouldSendPing() {
		c.sendPing()
	}
}

// ServerAddr returns the host:port the client connects to
func (c *Client) ServerAddr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}
