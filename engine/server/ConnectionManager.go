package server

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/async"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwvar"
	"github.com/xiaonanln/gopresents/engine/netutil"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

const authAsyncGroup = "auth"

// Options of the connection layer
type Options struct {
	// Version must equal the version of every AuthRequest, unless empty
	Version        string
	MaxFrameSize   int
	PingInterval   time.Duration
	MaxConnections int
}

// DefaultOptions returns the options built from consts
func DefaultOptions() Options {
	return Options{
		MaxFrameSize:   consts.MAX_FRAME_SIZE,
		PingInterval:   consts.PING_INTERVAL,
		MaxConnections: consts.DEFAULT_MAX_CONNECTIONS,
	}
}

// IdleTimeout is how long a connection may stay silent before it is closed
func (o Options) IdleTimeout() time.Duration {
	return time.Duration(float64(o.PingInterval) * consts.IDLE_TIMEOUT_FACTOR)
}

// ConnectionManager accepts client connections, authenticates them and hands the sessions to
// the ClientManager
type ConnectionManager struct {
	opts  Options
	reg   *streaming.Registry
	omgr  *dobj.Manager
	pool  *async.Pool
	clmgr *ClientManager

	lock           sync.Mutex
	authenticators []Authenticator
	conns          map[int32]*Connection
	listeners      []net.Listener
	closed         bool

	nextConnID int32
	done       chan struct{}
}

// NewConnectionManager creates a connection manager. Sessions run on the loop of omgr and
// authentication on pool.
func NewConnectionManager(opts Options, reg *streaming.Registry, omgr *dobj.Manager, pool *async.Pool, clmgr *ClientManager) *ConnectionManager {
	if opts.PingInterval <= 0 {
		opts.PingInterval = consts.PING_INTERVAL
	}
	cm := &ConnectionManager{
		opts:  opts,
		reg:   reg,
		omgr:  omgr,
		pool:  pool,
		clmgr: clmgr,
		conns: map[int32]*Connection{},
		done:  make(chan struct{}),
	}
	go cm.idleCheckRoutine()
	return cm
}

// Options returns the options of the manager
func (cm *ConnectionManager) Options() Options {
	return cm.opts
}

// AddAuthenticator appends auth to the chain; the first authenticator handling a request runs
func (cm *ConnectionManager) AddAuthenticator(auth Authenticator) {
	cm.lock.Lock()
	cm.authenticators = append(cm.authenticators, auth)
	cm.lock.Unlock()
}

func (cm *ConnectionManager) findAuthenticator(req *proto.AuthRequest) Authenticator {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	for _, auth := range cm.authenticators {
		if auth.Handles(req) {
			return auth
		}
	}
	if len(cm.authenticators) == 0 {
		if dummy := (DummyAuthenticator{}); dummy.Handles(req) {
			return dummy
		}
	}
	return nil
}

// ListenTCP serves TCP connections on addr and returns the bound address
func (cm *ConnectionManager) ListenTCP(addr string) (net.Addr, error) {
	ln, err := netutil.ListenTCP(addr, cm.opts.MaxConnections)
	if err != nil {
		return nil, err
	}
	if err := cm.addListener(ln); err != nil {
		return nil, err
	}
	go cm.serve("tcp", func() error { return netutil.Serve(ln, cm) })
	return ln.Addr(), nil
}

// ListenKCP serves KCP sessions on addr and returns the bound address
func (cm *ConnectionManager) ListenKCP(addr string) (net.Addr, error) {
	ln, err := netutil.ListenKCP(addr)
	if err != nil {
		return nil, err
	}
	if err := cm.addListener(ln); err != nil {
		return nil, err
	}
	go cm.serve("kcp", func() error { return netutil.ServeKCP(ln, cm) })
	return ln.Addr(), nil
}

// ListenWebSocket serves WebSocket connections on addr and returns the bound address
func (cm *ConnectionManager) ListenWebSocket(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := cm.addListener(ln); err != nil {
		return nil, err
	}
	go cm.serve("websocket", func() error { return netutil.ServeWebSocket(ln, cm) })
	return ln.Addr(), nil
}

// WebSocketHandler returns a handler for embedding the WebSocket endpoint in another server
func (cm *ConnectionManager) WebSocketHandler() http.Handler {
	return netutil.WebSocketHandler(cm)
}

func (cm *ConnectionManager) addListener(ln net.Listener) error {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	if cm.closed {
		ln.Close()
		return errors.New("connection manager is shut down")
	}
	cm.listeners = append(cm.listeners, ln)
	return nil
}

func (cm *ConnectionManager) serve(transport string, serve func() error) {
	err := serve()
	cm.lock.Lock()
	closed := cm.closed
	cm.lock.Unlock()
	if !closed {
		gwlog.Errorf("%s listener stopped: %v", transport, err)
	}
}

// ServeConnection runs the connection until it closes
func (cm *ConnectionManager) ServeConnection(netConn net.Conn) {
	id := atomic.AddInt32(&cm.nextConnID, 1)
	conn := newConnection(id, netutil.WrapConnection(netConn), cm.reg, cm)

	cm.lock.Lock()
	if cm.closed {
		cm.lock.Unlock()
		conn.Close()
		return
	}
	cm.conns[id] = conn
	cm.lock.Unlock()
	gwvar.Connections.Add(1)

	if consts.DEBUG_CLIENTS {
		gwlog.Debugf("%s: connected", conn)
	}
	go conn.writeRoutine()
	conn.readRoutine()
}

// Connection returns the open connection with id
func (cm *ConnectionManager) Connection(id int32) *Connection {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	return cm.conns[id]
}

// ConnectionCount returns the number of open connections
func (cm *ConnectionManager) ConnectionCount() int {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	return len(cm.conns)
}

func (cm *ConnectionManager) connectionClosed(c *Connection) {
	cm.lock.Lock()
	if cm.conns[c.id] == c {
		delete(cm.conns, c.id)
		gwvar.Connections.Add(-1)
	}
	cm.lock.Unlock()

	if consts.DEBUG_CLIENTS {
		gwlog.Debugf("%s: disconnected", c)
	}
	cm.omgr.Post(func() {
		if s := c.session; s != nil {
			s.end("disconnected")
		}
	})
}

// authenticate blocks the reader until the session of c is started or refused
func (cm *ConnectionManager) authenticate(c *Connection, req *proto.AuthRequest) bool {
	if cm.opts.Version != "" && req.Version != cm.opts.Version {
		gwlog.Warnf("%s: version mismatch: client %q, server %q", c, req.Version, cm.opts.Version)
		cm.refuse(c, proto.AuthInvalidVersion)
		return false
	}
	if req.Creds == nil {
		gwlog.Warnf("%s: auth request without credentials", c)
		cm.refuse(c, proto.AuthServerError)
		return false
	}
	auth := cm.findAuthenticator(req)
	if auth == nil {
		gwlog.Warnf("%s: no authenticator handles %T", c, req.Creds)
		cm.refuse(c, proto.AuthServerError)
		return false
	}

	result := make(chan bool, 1)
	cm.pool.AppendAsyncJob(authAsyncGroup, func() (interface{}, error) {
		return auth.Authenticate(req)
	}, func(res interface{}, err error) {
		var ar *AuthResult
		if err == nil {
			ar, _ = res.(*AuthResult)
		}
		switch {
		case err != nil || ar == nil:
			gwlog.Errorf("%s: authentication of %s failed: %v", c, req.Creds.Username(), err)
			cm.refuse(c, proto.AuthServerError)
			result <- false
		case ar.Code != proto.AuthSuccess:
			gwlog.Infof("%s: %s refused: %s", c, req.Creds.Username(), ar.Code)
			cm.refuse(c, ar.Code)
			result <- false
		default:
			result <- cm.clmgr.startSession(c, req, ar)
		}
	})

	select {
	case ok := <-result:
		return ok
	case <-cm.done:
		return false
	}
}

func (cm *ConnectionManager) refuse(c *Connection, code proto.AuthCode) {
	c.Post(&proto.AuthResponse{Status: code, Reason: code.String()})
	c.CloseAfterFlush()
}

// dispatchMessage hands a message of an authenticated connection to its session on the loop
func (cm *ConnectionManager) dispatchMessage(c *Connection, msg proto.Message) {
	cm.omgr.Post(func() {
		if s := c.session; s != nil {
			s.handleMessage(msg)
		}
	})
}

func (cm *ConnectionManager) idleCheckRoutine() {
	interval := consts.IDLE_CHECK_INTERVAL
	if timeout := cm.opts.IdleTimeout(); timeout/3 < interval {
		interval = timeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.done:
			return
		case now := <-ticker.C:
			cm.closeIdleConnections(now)
		}
	}
}

func (cm *ConnectionManager) closeIdleConnections(now time.Time) {
	timeout := cm.opts.IdleTimeout()
	var idle []*Connection
	cm.lock.Lock()
	for _, c := range cm.conns {
		if c.IdleTime(now) > timeout {
			idle = append(idle, c)
		}
	}
	cm.lock.Unlock()

	for _, c := range idle {
		gwlog.Warnf("%s: idle for %s, closing", c, c.IdleTime(now))
		c.Close()
	}
}

// Shutdown closes all listeners and connections
func (cm *ConnectionManager) Shutdown() {
	cm.lock.Lock()
	if cm.closed {
		cm.lock.Unlock()
		return
	}
	cm.closed = true
	close(cm.done)
	listeners := cm.listeners
	cm.listeners = nil
	conns := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		conns = append(conns, c)
	}
	cm.lock.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	gwlog.Infof("connection manager shut down, %d connections closed", len(conns))
}

// DatagramSecret returns the datagram key of the connection with id
func (cm *ConnectionManager) DatagramSecret(connID uint32) []byte {
	c := cm.Connection(int32(connID))
	if c == nil {
		return nil
	}
	return c.DatagramSecret()
}

// HandleDatagram dispatches a verified datagram message as if read from the connection
func (cm *ConnectionManager) HandleDatagram(connID uint32, msg proto.Message) {
	c := cm.Connection(int32(connID))
	if c == nil {
		return
	}
	switch msg.(type) {
	case *proto.ForwardEventRequest, *proto.SubscribeRequest, *proto.UnsubscribeRequest:
		c.touch()
		cm.dispatchMessage(c, msg)
	default:
		gwlog.Warnf("%s: %T is not allowed in datagrams", c, msg)
	}
}
