package server

import (
	"net"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/async"
	"github.com/xiaonanln/gopresents/engine/datagram"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwvar"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// Server bundles the managers of one server process
type Server struct {
	Registry    *streaming.Registry
	Objects     *dobj.Manager
	Pool        *async.Pool
	Invocation  *invocation.Manager
	Clients     *ClientManager
	Connections *ConnectionManager
	Reporter    *Reporter
	Datagrams   *datagram.Channel
}

// NewServer creates the managers. It must be called before Run.
func NewServer(opts Options, reg *streaming.Registry) (*Server, error) {
	omgr := dobj.NewManager()
	invmgr, err := invocation.NewManager(omgr)
	if err != nil {
		return nil, errors.Wrap(err, "create invocation manager")
	}
	pool := async.NewPool(omgr)
	clmgr := NewClientManager(omgr, invmgr)
	conmgr := NewConnectionManager(opts, reg, omgr, pool, clmgr)
	return &Server{
		Registry:    reg,
		Objects:     omgr,
		Pool:        pool,
		Invocation:  invmgr,
		Clients:     clmgr,
		Connections: conmgr,
		Reporter:    NewReporter(omgr, pool, conmgr, clmgr),
	}, nil
}

// ListenDatagrams receives the datagrams of authenticated connections on addr
func (s *Server) ListenDatagrams(addr string) (net.Addr, error) {
	ch := datagram.NewChannel(s.Connections, s.Registry)
	bound, err := ch.Listen(addr)
	if err != nil {
		return nil, err
	}
	s.Datagrams = ch
	return bound, nil
}

// Run processes the object manager loop on the calling goroutine until Shutdown
func (s *Server) Run() {
	gwlog.Infof("server running")
	s.Objects.Run()
}

// Shutdown stops accepting connections, closes sessions and stops the loop
func (s *Server) Shutdown() {
	gwvar.IsShuttingDown.Set(true)
	s.Reporter.Stop()
	s.Connections.Shutdown()
	if s.Datagrams != nil {
		s.Datagrams.Close()
	}
	s.Objects.Shutdown()
	s.Pool.Shutdown()
}

// WaitTerminated blocks until the loop stopped
func (s *Server) WaitTerminated() {
	s.Objects.WaitTerminated()
}
