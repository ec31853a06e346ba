package server

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/netutil"
	"github.com/xiaonanln/gopresents/engine/proto"
)

const testTimeout = 5 * time.Second

func startServer(t *testing.T, opts Options, setup func(srv *Server)) (*Server, string) {
	srv, err := NewServer(opts, proto.NewRegistry())
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
	return srv, addr.String()
}

func onLoop(srv *Server, f func()) {
	done := make(chan struct{})
	srv.Objects.Post(func() {
		f()
		close(done)
	})
	<-done
}

func dial(t *testing.T, addr string) *proto.MessageConnection {
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	mc := proto.NewMessageConnection(netutil.NewBufferedConnection(conn), proto.NewRegistry(), 0)
	t.Cleanup(func() {
		mc.Close()
	})
	return mc
}

func send(t *testing.T, mc *proto.MessageConnection, msgs ...proto.Message) {
	for _, msg := range msgs {
		if err := mc.SendMessage(msg); err != nil {
			t.Fatalf("send %T: %v", msg, err)
		}
	}
	if err := mc.Flush("test"); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func recv(t *testing.T, mc *proto.MessageConnection) proto.Message {
	mc.SetRecvDeadline(time.Now().Add(testTimeout))
	msg, err := mc.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

func logon(t *testing.T, mc *proto.MessageConnection, user, password, version string) *proto.AuthResponse {
	send(t, mc, &proto.AuthRequest{
		Creds:   &proto.UsernamePasswordCreds{User: user, Password: password},
		Version: version,
	})
	rsp, ok := recv(t, mc).(*proto.AuthResponse)
	if !ok {
		t.Fatalf("expected auth response")
	}
	return rsp
}

func expectClosed(t *testing.T, mc *proto.MessageConnection) {
	mc.SetRecvDeadline(time.Now().Add(testTimeout))
	for {
		msg, err := mc.Recv()
		if err != nil {
			if netutil.IsTimeoutError(err) {
				t.Fatalf("connection not closed")
			}
			return
		}
		t.Logf("skipped %T", msg)
	}
}

func TestAuthAndEcho(t *testing.T) {
	opts := DefaultOptions()
	opts.Version = "1.0"
	_, addr := startServer(t, opts, func(srv *Server) {
		// oids 2..6, the invocation object is 1
		for i := 0; i < 5; i++ {
			if _, err := srv.Objects.RegisterObject(dobj.NewDObject("place", nil)); err != nil {
				t.Fatal(err)
			}
		}
	})

	mc := dial(t, addr)
	rsp := logon(t, mc, "u", "p", "1.0")
	assert.Equal(t, proto.AuthSuccess, rsp.Status)
	assert.Equal(t, dobj.Oid(7), rsp.Bootstrap.ClientOid)
	assert.Equal(t, int32(1), rsp.Bootstrap.ConnectionID)
	assert.Equal(t, dobj.Oid(1), rsp.Bootstrap.InvOid)
	assert.Equal(t, datagramSecretLen, len(rsp.Bootstrap.DatagramSecret))

	send(t, mc, &proto.SubscribeRequest{Oid: 7})
	objRsp, ok := recv(t, mc).(*proto.ObjectResponse)
	assert.T(t, ok)
	assert.Equal(t, dobj.Oid(7), objRsp.Object.Oid())
	assert.Equal(t, "u", objRsp.Object.GetString(proto.ClientUsername))

	send(t, mc, &proto.ForwardEventRequest{Event: &dobj.MessageEvent{
		EventBase: dobj.EventBase{Target: 7},
		Name:      "hello",
		Args:      []interface{}{"world"},
	}})
	notif, ok := recv(t, mc).(*proto.EventNotification)
	assert.T(t, ok)
	me, ok := notif.Event.(*dobj.MessageEvent)
	assert.T(t, ok)
	assert.Equal(t, "hello", me.Name)
	assert.Equal(t, []interface{}{"world"}, me.Args)
	assert.Equal(t, dobj.Oid(7), me.SourceOid())
}

func TestVersionMismatch(t *testing.T) {
	opts := DefaultOptions()
	opts.Version = "1.0"
	_, addr := startServer(t, opts, nil)

	mc := dial(t, addr)
	rsp := logon(t, mc, "u", "p", "0.9")
	assert.Equal(t, proto.AuthInvalidVersion, rsp.Status)
	assert.Equal(t, "m.version_mismatch", rsp.Reason)
	assert.T(t, rsp.Bootstrap == nil)
	expectClosed(t, mc)
}

func TestStaticAuthenticator(t *testing.T) {
	users, err := ParseStaticUsers("alice:secret, bob:pw")
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]string{"alice": "secret", "bob": "pw"}, users)
	_, err = ParseStaticUsers("broken")
	assert.NotEqual(t, nil, err)

	_, addr := startServer(t, DefaultOptions(), func(srv *Server) {
		srv.Connections.AddAuthenticator(NewStaticAuthenticator(users))
	})

	mc := dial(t, addr)
	assert.Equal(t, proto.AuthInvalidPassword, logon(t, mc, "alice", "wrong", "").Status)
	expectClosed(t, mc)

	mc = dial(t, addr)
	assert.Equal(t, proto.AuthNoSuchUser, logon(t, mc, "carol", "secret", "").Status)

	mc = dial(t, addr)
	assert.Equal(t, proto.AuthSuccess, logon(t, mc, "alice", "secret", "").Status)
}

func TestPing(t *testing.T) {
	_, addr := startServer(t, DefaultOptions(), nil)
	mc := dial(t, addr)
	logon(t, mc, "u", "p", "")

	send(t, mc, &proto.PingRequest{ClientStamp: 12345})
	pong, ok := recv(t, mc).(*proto.PongResponse)
	assert.T(t, ok)
	assert.Equal(t, int64(12345), pong.ClientStamp)
	assert.T(t, pong.ServerStamp > 0)
}

func TestIdleTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.PingInterval = 200 * time.Millisecond
	assert.Equal(t, 300*time.Millisecond, opts.IdleTimeout())
	srv, addr := startServer(t, opts, nil)

	mc := dial(t, addr)
	logon(t, mc, "u", "p", "")
	start := time.Now()
	expectClosed(t, mc)
	assert.T(t, time.Since(start) >= 200*time.Millisecond)

	deadline := time.Now().Add(testTimeout)
	for srv.Connections.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, srv.Connections.ConnectionCount())
}

func TestClientObjectAccess(t *testing.T) {
	srv, addr := startServer(t, DefaultOptions(), nil)

	alice := dial(t, addr)
	aliceOid := logon(t, alice, "alice", "", "").Bootstrap.ClientOid
	bob := dial(t, addr)
	logon(t, bob, "bob", "", "")

	send(t, bob, &proto.SubscribeRequest{Oid: aliceOid})
	failure, ok := recv(t, bob).(*proto.FailureResponse)
	assert.T(t, ok)
	assert.Equal(t, aliceOid, failure.Oid)
	assert.Equal(t, dobj.AccessDenied, failure.Reason)

	send(t, bob, &proto.SubscribeRequest{Oid: 999})
	failure, ok = recv(t, bob).(*proto.FailureResponse)
	assert.T(t, ok)
	assert.Equal(t, dobj.NoSuchObject, failure.Reason)

	// events from bob on alice's object are refused
	send(t, alice, &proto.SubscribeRequest{Oid: aliceOid})
	_ = recv(t, alice).(*proto.ObjectResponse)
	send(t, bob, &proto.ForwardEventRequest{Event: &dobj.AttributeChangedEvent{
		EventBase: dobj.EventBase{Target: aliceOid},
		Name:      proto.ClientUsername,
		Value:     "mallory",
	}})
	send(t, alice, &proto.UnsubscribeRequest{Oid: aliceOid})
	unsub, ok := recv(t, alice).(*proto.UnsubscribeResponse)
	assert.T(t, ok)
	assert.Equal(t, aliceOid, unsub.Oid)

	onLoop(srv, func() {
		assert.Equal(t, "alice", srv.Objects.Lookup(aliceOid).GetString(proto.ClientUsername))
		assert.Equal(t, 2, srv.Clients.SessionCount())
	})
}

type sessionRecorder struct {
	started, ended []string
}

func (r *sessionRecorder) SessionDidStart(s *ClientSession) {
	r.started = append(r.started, s.Username())
}

func (r *sessionRecorder) SessionDidEnd(s *ClientSession) {
	r.ended = append(r.ended, s.Username())
}

func TestLogoff(t *testing.T) {
	rec := &sessionRecorder{}
	srv, addr := startServer(t, DefaultOptions(), func(srv *Server) {
		srv.Clients.AddSessionObserver(rec)
		srv.Clients.AddBootstrapPopulator(func(s *ClientSession, data *proto.BootstrapData) {
			data.Objects["home"] = 1
		})
	})

	mc := dial(t, addr)
	rsp := logon(t, mc, "u", "", "")
	assert.Equal(t, dobj.Oid(1), rsp.Bootstrap.Objects["home"])
	clientOid := rsp.Bootstrap.ClientOid
	send(t, mc, &proto.SubscribeRequest{Oid: clientOid})
	_ = recv(t, mc).(*proto.ObjectResponse)

	send(t, mc, &proto.LogoffRequest{})
	expectClosed(t, mc)

	deadline := time.Now().Add(testTimeout)
	for {
		var alive bool
		onLoop(srv, func() {
			alive = srv.Objects.Lookup(clientOid) != nil
		})
		if !alive || time.Now().After(deadline) {
			assert.T(t, !alive)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	onLoop(srv, func() {
		assert.Equal(t, []string{"u"}, rec.started)
		assert.Equal(t, []string{"u"}, rec.ended)
		assert.Equal(t, 0, srv.Clients.SessionCount())
	})
}

func TestSessionReplaced(t *testing.T) {
	srv, addr := startServer(t, DefaultOptions(), nil)

	first := dial(t, addr)
	logon(t, first, "u", "", "")
	second := dial(t, addr)
	rsp := logon(t, second, "u", "", "")
	assert.Equal(t, proto.AuthSuccess, rsp.Status)
	expectClosed(t, first)

	onLoop(srv, func() {
		s := srv.Clients.SessionByUsername("u")
		assert.T(t, s != nil)
		assert.Equal(t, rsp.Bootstrap.ConnectionID, s.ConnectionID())
	})
}

func TestReport(t *testing.T) {
	srv, addr := startServer(t, DefaultOptions(), nil)
	mc := dial(t, addr)
	logon(t, mc, "u", "", "")

	var report string
	onLoop(srv, func() {
		srv.Reporter.AddSource("Custom", func() string { return "ok" })
		report = srv.Reporter.GenerateReport(&ProcessStats{CPUPercent: 1.5, RSS: 2048, Goroutines: 3})
	})
	assert.T(t, strings.HasPrefix(report, "State of server report"))
	assert.T(t, strings.Contains(report, "- Sessions: 1"))
	assert.T(t, strings.Contains(report, "rss 2KB"))
	assert.T(t, strings.Contains(report, "- Custom: ok"))

	stats, err := srv.Reporter.collectProcessStats()
	assert.Equal(t, nil, err)
	assert.T(t, stats.(*ProcessStats).Goroutines > 0)
}
