package client

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/post"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/server"
)

const testTimeout = 5 * time.Second

func startServer(t *testing.T, opts server.Options, setup func(srv *server.Server)) (*server.Server, string, int) {
	srv, err := server.NewServer(opts, proto.NewRegistry())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if setup != nil {
		setup(srv)
	}
	addr, err := srv.Connections.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Run()
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitTerminated()
	})
	host, portStr, _ := net.SplitHostPort(addr.String())
	port, _ := strconv.Atoi(portStr)
	return srv, host, port
}

func onServer(srv *server.Server, f func()) {
	done := make(chan struct{})
	srv.Objects.Post(func() {
		f()
		close(done)
	})
	<-done
}

func startQueue(t *testing.T) *post.Queue {
	q := post.NewQueue()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-q.C():
				q.Tick()
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
	})
	return q
}

func onQueue(q *post.Queue, f func()) {
	done := make(chan struct{})
	q.Post(func() {
		f()
		close(done)
	})
	<-done
}

type recordingObserver struct {
	SessionAdapter
	events chan string
	veto   bool
	err    error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: make(chan string, 100)}
}

func (o *recordingObserver) ClientWillLogon(c *Client) { o.events <- "willLogon" }
func (o *recordingObserver) ClientDidLogon(c *Client)  { o.events <- "didLogon" }
func (o *recordingObserver) ClientFailedToLogon(c *Client, err error) {
	o.err = err
	o.events <- "failedToLogon"
}
func (o *recordingObserver) ClientConnectionFailed(c *Client, err error) {
	o.err = err
	o.events <- "connectionFailed"
}
func (o *recordingObserver) ClientWillLogoff(c *Client) bool {
	o.events <- "willLogoff"
	return !o.veto
}
func (o *recordingObserver) ClientDidLogoff(c *Client) { o.events <- "didLogoff" }
func (o *recordingObserver) ClientDidClear(c *Client)  { o.events <- "didClear" }

// expect waits for the next observer events to be exactly names
func (o *recordingObserver) expect(t *testing.T, names ...string) {
	for _, name := range names {
		select {
		case got := <-o.events:
			if got != name {
				t.Fatalf("expected %s, got %s", name, got)
			}
		case <-time.After(testTimeout):
			t.Fatalf("timeout waiting for %s", name)
		}
	}
}

func newClient(t *testing.T, q *post.Queue, host string, port int, user string, version string) (*Client, *recordingObserver) {
	c := New(Config{
		Host:    host,
		Port:    port,
		Version: version,
		Creds:   &proto.UsernamePasswordCreds{User: user, Password: "p"},
	}, proto.NewRegistry(), q)
	ob := newRecordingObserver()
	onQueue(q, func() {
		c.AddSessionObserver(ob)
	})
	t.Cleanup(func() {
		onQueue(q, func() {
			if c.comm != nil {
				c.Logoff(false)
			}
		})
	})
	return c, ob
}

func logon(t *testing.T, q *post.Queue, c *Client, ob *recordingObserver) {
	var started bool
	onQueue(q, func() {
		started = c.Logon()
	})
	assert.T(t, started)
	ob.expect(t, "willLogon", "didLogon")
}

type eventRecorder struct {
	events chan dobj.Event
}

func (r *eventRecorder) EventReceived(event dobj.Event) bool {
	r.events <- event
	return true
}

func (r *eventRecorder) next(t *testing.T) dobj.Event {
	select {
	case e := <-r.events:
		return e
	case <-time.After(testTimeout):
		t.Fatalf("no event received")
	}
	return nil
}

func TestScenario(t *testing.T) {
	opts := server.DefaultOptions()
	opts.Version = "1.0"
	_, host, port := startServer(t, opts, func(srv *server.Server) {
		for i := 0; i < 5; i++ {
			srv.Objects.RegisterObject(dobj.NewDObject("place", nil))
		}
	})
	q := startQueue(t)
	c, ob := newClient(t, q, host, port, "u", "1.0")
	logon(t, q, c, ob)

	rec := &eventRecorder{events: make(chan dobj.Event, 10)}
	onQueue(q, func() {
		assert.Equal(t, Active, c.State())
		assert.Equal(t, dobj.Oid(7), c.ClientOid())
		assert.Equal(t, int32(1), c.ConnectionID())
		assert.Equal(t, "u", c.ClientObject().GetString(proto.ClientUsername))

		c.ClientObject().AddListener(rec)
		c.ClientObject().PostMessage("hello", "world")
	})

	me, ok := rec.next(t).(*dobj.MessageEvent)
	assert.T(t, ok)
	assert.Equal(t, "hello", me.Name)
	assert.Equal(t, []interface{}{"world"}, me.Args)
	assert.Equal(t, dobj.Oid(7), me.TargetOid())
	assert.Equal(t, dobj.Oid(7), me.SourceOid())
}

func TestInvocation(t *testing.T) {
	_, host, port := startServer(t, server.DefaultOptions(), func(srv *server.Server) {
		srv.Invocation.RegisterDispatcher("echo", invocation.GlobalGroup, invocation.DispatcherFunc(
			func(caller *dobj.DObject, methodID int32, args []interface{}, rsp *invocation.Responder) error {
				switch methodID {
				case 1:
					rsp.Processed(args[0])
				case 2:
					return invocation.NewError("m.refused")
				}
				return nil
			}))
		srv.Invocation.RegisterDispatcher("admin", "admin", invocation.DispatcherFunc(
			func(caller *dobj.DObject, methodID int32, args []interface{}, rsp *invocation.Responder) error {
				return nil
			}))
	})
	q := startQueue(t)
	c, ob := newClient(t, q, host, port, "u", "")
	logon(t, q, c, ob)

	results := make(chan string, 2)
	listener := invocation.ListenerFuncs(func(result interface{}) {
		results <- "ok:" + result.(string)
	}, func(reason string) {
		results <- "failed:" + reason
	})
	onQueue(q, func() {
		assert.T(t, c.Service("admin") == nil)
		echo := c.Service("echo")
		assert.T(t, echo != nil)
		c.Director().Invoke(echo, 1, []interface{}{"hi"}, listener)
		c.Director().Invoke(echo, 2, nil, listener)
	})
	for _, expected := range []string{"ok:hi", "failed:m.refused"} {
		select {
		case got := <-results:
			assert.Equal(t, expected, got)
		case <-time.After(testTimeout):
			t.Fatalf("no response")
		}
	}
	onQueue(q, func() {
		assert.Equal(t, 0, c.Director().PendingCount())
	})
}

func TestLogonRefused(t *testing.T) {
	opts := server.DefaultOptions()
	opts.Version = "1.0"
	_, host, port := startServer(t, opts, nil)
	q := startQueue(t)
	c, ob := newClient(t, q, host, port, "u", "2.0")

	onQueue(q, func() {
		c.Logon()
	})
	ob.expect(t, "willLogon", "failedToLogon", "didClear")
	logonErr, ok := ob.err.(*LogonError)
	assert.T(t, ok)
	assert.Equal(t, proto.AuthInvalidVersion, logonErr.Code)
	assert.Equal(t, Closed, c.State())
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	q := startQueue(t)
	c, ob := newClient(t, q, "127.0.0.1", port, "u", "")
	onQueue(q, func() {
		c.Logon()
	})
	ob.expect(t, "willLogon", "failedToLogon", "didClear")
	assert.Equal(t, Closed, c.State())
}

func TestLogoff(t *testing.T) {
	srv, host, port := startServer(t, server.DefaultOptions(), nil)
	q := startQueue(t)
	c, ob := newClient(t, q, host, port, "u", "")
	logon(t, q, c, ob)

	ob.veto = true
	var ok bool
	onQueue(q, func() {
		ok = c.Logoff(true)
	})
	assert.T(t, !ok)
	ob.expect(t, "willLogoff")
	assert.Equal(t, Active, c.State())

	ob.veto = false
	onQueue(q, func() {
		ok = c.Logoff(true)
	})
	assert.T(t, ok)
	ob.expect(t, "willLogoff", "didLogoff", "didClear")
	assert.Equal(t, Closed, c.State())

	deadline := time.Now().Add(testTimeout)
	for {
		var sessions int
		onServer(srv, func() {
			sessions = srv.Clients.SessionCount()
		})
		if sessions == 0 || time.Now().After(deadline) {
			assert.Equal(t, 0, sessions)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a closed client may log on again
	logon(t, q, c, ob)
}

func TestConnectionFailed(t *testing.T) {
	srv, host, port := startServer(t, server.DefaultOptions(), nil)
	q := startQueue(t)
	c, ob := newClient(t, q, host, port, "u", "")
	logon(t, q, c, ob)

	srv.Connections.Shutdown()
	ob.expect(t, "connectionFailed", "didLogoff", "didClear")
	assert.T(t, ob.err != nil)
	assert.Equal(t, Closed, c.State())
}

func TestRemoteObjects(t *testing.T) {
	var board *dobj.DObject
	srv, host, port := startServer(t, server.DefaultOptions(), func(srv *server.Server) {
		board = dobj.NewDObject("board", map[string]interface{}{"score": int32(1)})
		srv.Objects.RegisterObject(board)
	})
	q := startQueue(t)
	c, ob := newClient(t, q, host, port, "u", "")
	logon(t, q, c, ob)

	rec := &eventRecorder{events: make(chan dobj.Event, 10)}
	proxies := make(chan *dobj.DObject, 2)
	failures := make(chan error, 1)
	sub := dobj.SubscriberFuncs(func(obj *dobj.DObject) {
		proxies <- obj
	}, func(oid dobj.Oid, err error) {
		failures <- err
	})

	onQueue(q, func() {
		c.ObjectManager().SubscribeToObject(board.Oid(), sub)
		c.ObjectManager().SubscribeToObject(999, sub)
	})
	proxy := <-proxies
	assert.Equal(t, board.Oid(), proxy.Oid())
	assert.Equal(t, int64(1), proxy.GetInt("score"))
	err := <-failures
	assert.Equal(t, dobj.NoSuchObject, err.(*dobj.AccessError).Reason)

	onQueue(q, func() {
		proxy.AddListener(rec)
	})
	onServer(srv, func() {
		board.SetAttribute("score", int32(2))
	})
	ac, ok := rec.next(t).(*dobj.AttributeChangedEvent)
	assert.T(t, ok)
	assert.Equal(t, "score", ac.Name)
	onQueue(q, func() {
		assert.Equal(t, int64(2), proxy.GetInt("score"))
	})

	// changes made through the proxy go through the server
	onQueue(q, func() {
		proxy.SetAttribute("score", int32(3))
	})
	rec.next(t)
	onServer(srv, func() {
		assert.Equal(t, int64(3), board.GetInt("score"))
	})

	// a second subscriber is served from the proxy
	onQueue(q, func() {
		c.ObjectManager().FetchObject(board.Oid(), sub)
	})
	assert.T(t, <-proxies == proxy)

	onQueue(q, func() {
		c.ObjectManager().UnsubscribeFromObject(board.Oid(), sub)
		assert.T(t, c.ObjectManager().Lookup(board.Oid()) == nil)
	})

	// destroyed objects leave the proxy manager
	onQueue(q, func() {
		c.ObjectManager().SubscribeToObject(board.Oid(), sub)
	})
	proxy = <-proxies
	onServer(srv, func() {
		board.Destroy()
	})
	deadline := time.Now().Add(testTimeout)
	for {
		var gone bool
		onQueue(q, func() {
			gone = c.ObjectManager().Lookup(board.Oid()) == nil
		})
		if gone || time.Now().After(deadline) {
			assert.T(t, gone)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.T(t, proxy.IsDestroyed())
}

func TestClockSync(t *testing.T) {
	_, host, port := startServer(t, server.DefaultOptions(), nil)
	q := startQueue(t)
	c, ob := newClient(t, q, host, port, "u", "")
	logon(t, q, c, ob)

	deadline := time.Now().Add(testTimeout)
	for {
		var done bool
		onQueue(q, func() {
			done = c.dcalc == nil
		})
		if done || time.Now().After(deadline) {
			assert.T(t, done)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// both clocks are the same here
	delta := c.ServerTimeDelta()
	assert.T(t, delta < time.Second && delta > -time.Second)
	now := time.Now()
	assert.T(t, now.Equal(c.FromServerTime(c.ToServerTime(now))))
}

func TestDeltaCalculator(t *testing.T) {
	dc := NewDeltaCalculator(2)
	assert.T(t, dc.ShouldSendPing())
	base := time.Unix(1000, 0)

	// 100ms round trip, server clock 1s behind
	dc.SentPing()
	assert.T(t, !dc.ShouldSendPing())
	assert.T(t, dc.GotPong(&proto.PongResponse{
		ClientStamp: base.UnixNano(),
		ServerStamp: base.Add(50*time.Millisecond - time.Second).UnixNano(),
	}, base.Add(100*time.Millisecond)))
	assert.Equal(t, time.Second, dc.TimeDelta())
	assert.T(t, !dc.IsDone())

	// slower sample does not replace the estimate
	dc.SentPing()
	assert.T(t, !dc.GotPong(&proto.PongResponse{
		ClientStamp: base.UnixNano(),
		ServerStamp: base.UnixNano(),
	}, base.Add(300*time.Millisecond)))
	assert.Equal(t, time.Second, dc.TimeDelta())
	assert.Equal(t, 100*time.Millisecond, dc.RoundTripTime())
	assert.T(t, dc.IsDone())
	assert.T(t, !dc.ShouldSendPing())
}

func TestSendDatagram(t *testing.T) {
	var udpAddr string
	_, host, port := startServer(t, server.DefaultOptions(), func(srv *server.Server) {
		addr, err := srv.ListenDatagrams("127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		udpAddr = addr.String()
	})
	q := startQueue(t)
	c := New(Config{
		Host:         host,
		Port:         port,
		DatagramAddr: udpAddr,
		Creds:        &proto.UsernamePasswordCreds{User: "u"},
	}, proto.NewRegistry(), q)
	ob := newRecordingObserver()
	onQueue(q, func() {
		c.AddSessionObserver(ob)
	})
	logon(t, q, c, ob)
	defer onQueue(q, func() {
		c.Logoff(false)
	})

	rec := &eventRecorder{events: make(chan dobj.Event, 10)}
	onQueue(q, func() {
		c.ClientObject().AddListener(rec)
	})
	err := c.SendDatagram(&proto.ForwardEventRequest{Event: &dobj.MessageEvent{
		EventBase: dobj.EventBase{Target: c.ClientOid()},
		Name:      "moved",
		Args:      []interface{}{int32(3), int32(4)},
	}})
	assert.Equal(t, nil, err)
	me, ok := rec.next(t).(*dobj.MessageEvent)
	assert.T(t, ok)
	assert.Equal(t, "moved", me.Name)
}
