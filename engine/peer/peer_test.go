package peer

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/client"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/nodedb"
	"github.com/xiaonanln/gopresents/engine/post"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/server"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

const (
	testTimeout = 5 * time.Second
	testVersion = "1.0"
	testSecret  = "s3cret"
)

var executedActions = make(chan string, 100)

type testAction struct {
	Target string
}

func (a *testAction) IsApplicable(n NodeObject) bool {
	return a.Target == "*" || n.NodeName() == a.Target
}

func (a *testAction) Execute(pm *PeerManager) {
	executedActions <- pm.NodeName()
}

func newTestRegistry() *streaming.Registry {
	reg := proto.NewRegistry()
	RegisterClasses(reg)
	reg.MustRegister("peer.testAction", &testAction{})
	return reg
}

type testNode struct {
	srv  *server.Server
	pm   *PeerManager
	host string
	port int
	once sync.Once
}

func newTestNode(t *testing.T, name string, backend nodedb.Backend, lockTimeout time.Duration) *testNode {
	opts := server.DefaultOptions()
	opts.Version = testVersion
	srv, err := server.NewServer(opts, newTestRegistry())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	srv.Connections.AddAuthenticator(server.DummyAuthenticator{})
	addr, err := srv.Connections.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(addr.String())
	port, _ := strconv.Atoi(portStr)

	pm, err := NewPeerManager(srv, nodedb.NewRepository("memory", backend), Config{
		NodeName:        name,
		SharedSecret:    testSecret,
		Host:            host,
		Port:            port,
		Version:         testVersion,
		LockTimeout:     lockTimeout,
		RefreshInterval: time.Hour,
		StartupDelay:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create peer manager: %v", err)
	}
	n := &testNode{srv: srv, pm: pm, host: host, port: port}
	go srv.Run()
	t.Cleanup(n.stop)
	return n
}

func (n *testNode) stop() {
	n.once.Do(func() {
		n.on(n.pm.Shutdown)
		n.srv.Shutdown()
		n.srv.WaitTerminated()
	})
}

// on runs f on the loop of the node and waits for it
func (n *testNode) on(f func()) {
	done := make(chan struct{})
	n.srv.Objects.Post(func() {
		f()
		close(done)
	})
	<-done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// startCluster starts nodes sharing one repository and waits until every node mirrors all others
func startCluster(t *testing.T, lockTimeout time.Duration, names ...string) []*testNode {
	backend := nodedb.NewMemoryBackend()
	var nodes []*testNode
	for _, name := range names {
		nodes = append(nodes, newTestNode(t, name, backend, lockTimeout))
	}
	for _, n := range nodes {
		n.pm.Start()
	}
	waitMesh(t, nodes...)
	return nodes
}

func waitMesh(t *testing.T, nodes ...*testNode) {
	waitFor(t, "peer mesh", func() bool {
		for _, n := range nodes {
			var ok bool
			n.on(func() {
				ok = len(n.pm.connectedPeers()) == len(nodes)-1 && len(n.pm.suboids) == len(nodes)-1
				if !ok {
					n.pm.RefreshPeers()
				}
			})
			if !ok {
				return false
			}
		}
		return true
	})
}

func lockOwner(n *testNode, lock Lock) (owner string) {
	n.on(func() {
		owner = n.pm.LockOwner(lock)
	})
	return
}

func waitOwner(t *testing.T, lock Lock, owner string, nodes ...*testNode) {
	waitFor(t, "owner "+owner, func() bool {
		for _, n := range nodes {
			if lockOwner(n, lock) != owner {
				return false
			}
		}
		return true
	})
}

func recvOwner(t *testing.T, ch <-chan string) string {
	select {
	case owner := <-ch:
		return owner
	case <-time.After(testTimeout):
		t.Fatalf("lock not resolved")
	}
	return ""
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

type logonObserver struct {
	client.SessionAdapter
	logons chan *client.Client
}

func (o *logonObserver) ClientDidLogon(c *client.Client) {
	o.logons <- c
}

// logonClient logs a client with creds onto n and returns it once logged on
func logonClient(t *testing.T, q *post.Queue, n *testNode, creds proto.Credentials, groups ...string) *client.Client {
	c := client.New(client.Config{
		Host:       n.host,
		Port:       n.port,
		Version:    testVersion,
		Creds:      creds,
		BootGroups: groups,
	}, newTestRegistry(), q)
	ob := &logonObserver{logons: make(chan *client.Client, 1)}
	onQueue(q, func() {
		c.AddSessionObserver(ob)
		c.Logon()
	})
	select {
	case <-ob.logons:
	case <-time.After(testTimeout):
		t.Fatalf("logon of %s timed out", creds.Username())
	}
	t.Cleanup(func() {
		onQueue(q, func() {
			if c.IsLoggedOn() {
				c.Logoff(false)
			}
		})
	})
	return c
}

// silentPeer logs onto n as a peer and subscribes to its node object without ever ratifying
func silentPeer(t *testing.T, q *post.Queue, n *testNode) *client.Client {
	creds, err := NewPeerCreds("silent", testSecret)
	assert.Equal(t, nil, err)
	c := logonClient(t, q, n, creds, PeerGroup)
	subscribed := make(chan *dobj.DObject, 1)
	onQueue(q, func() {
		oid := c.Bootstrap().Objects[nodeObjectBootstrapKey]
		c.ObjectManager().SubscribeToObject(oid, dobj.SubscriberFuncs(func(obj *dobj.DObject) {
			subscribed <- obj
		}, func(oid dobj.Oid, err error) {
			t.Errorf("subscribe to node object: %v", err)
		}))
	})
	select {
	case obj := <-subscribed:
		assert.Equal(t, n.pm.NodeName(), obj.GetString(NodeName))
	case <-time.After(testTimeout):
		t.Fatalf("node object not available")
	}
	waitFor(t, "silent peer subscription", func() bool {
		var count int
		n.on(func() {
			count = len(n.pm.suboids)
		})
		return count == 1
	})
	return c
}

func TestLockWithoutPeers(t *testing.T) {
	n := newTestNode(t, "a", nodedb.NewMemoryBackend(), 0)
	lock := Lock{Type: "place", ID: "1"}
	results := make(chan string, 2)
	n.on(func() {
		n.pm.AcquireLock(lock, func(owner string) {
			results <- owner
		})
	})
	assert.Equal(t, "a", recvOwner(t, results))
	assert.Equal(t, "a", lockOwner(n, lock))
	waitFor(t, "committed lock", func() bool {
		var has bool
		n.on(func() {
			has = n.pm.NodeObject().HasLock(lock)
		})
		return has
	})

	n.on(func() {
		n.pm.ReleaseLock(lock, func(owner string) {
			results <- owner
		})
	})
	assert.Equal(t, "", recvOwner(t, results))
	assert.Equal(t, "", lockOwner(n, lock))
}

func TestLockRace(t *testing.T) {
	nodes := startCluster(t, 0, "a", "b", "c")
	lock := Lock{Type: "place", ID: "42"}

	type result struct {
		node, owner string
	}
	results := make(chan result, len(nodes))
	for _, n := range nodes {
		n := n
		n.srv.Objects.Post(func() {
			n.pm.AcquireLock(lock, func(owner string) {
				results <- result{n.pm.NodeName(), owner}
			})
		})
	}

	winners := 0
	owners := map[string]bool{}
	for range nodes {
		select {
		case r := <-results:
			owners[r.owner] = true
			if r.node == r.owner {
				winners++
			}
		case <-time.After(testTimeout):
			t.Fatalf("lock race not resolved")
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, len(owners))
	var winner string
	for owner := range owners {
		winner = owner
	}
	waitOwner(t, lock, winner, nodes...)
}

func TestRatificationByPeers(t *testing.T) {
	nodes := startCluster(t, 10*time.Second, "a", "b")
	a, b := nodes[0], nodes[1]
	lock := Lock{Type: "place", ID: "1"}

	results := make(chan string, 1)
	start := time.Now()
	var pending int
	a.on(func() {
		a.pm.AcquireLock(lock, func(owner string) {
			results <- owner
		})
		pending = len(a.pm.locks)
	})
	assert.Equal(t, 1, pending)
	assert.Equal(t, "a", recvOwner(t, results))
	assert.T(t, time.Since(start) < 5*time.Second)
	waitOwner(t, lock, "a", a, b)

	// b can not take it
	b.on(func() {
		b.pm.AcquireLock(lock, func(owner string) {
			results <- owner
		})
	})
	assert.Equal(t, "a", recvOwner(t, results))

	a.on(func() {
		a.pm.ReleaseLock(lock, func(owner string) {
			results <- owner
		})
	})
	assert.Equal(t, "", recvOwner(t, results))
	waitOwner(t, lock, "", a, b)

	// the remote handlers are gone
	waitFor(t, "handlers of b", func() bool {
		var count int
		b.on(func() {
			count = len(b.pm.locks)
		})
		return count == 0
	})
}

func TestRatificationTimeout(t *testing.T) {
	n := newTestNode(t, "a", nodedb.NewMemoryBackend(), 300*time.Millisecond)
	q := startQueue(t)
	silentPeer(t, q, n)

	lock := Lock{Type: "place", ID: "1"}
	acquired := make(chan string, 1)
	queried := make(chan string, 1)
	start := time.Now()
	var owner string
	n.on(func() {
		n.pm.AcquireLock(lock, func(owner string) {
			acquired <- owner
		})
		// waits for the resolution
		n.pm.QueryLock(lock, func(owner string) {
			queried <- owner
		})
		owner = n.pm.LockOwner(lock)
	})
	assert.Equal(t, "", owner)
	assert.Equal(t, "a", recvOwner(t, acquired))
	assert.Equal(t, "a", recvOwner(t, queried))
	assert.T(t, time.Since(start) >= 300*time.Millisecond)
}

func TestRatificationByDisconnect(t *testing.T) {
	n := newTestNode(t, "a", nodedb.NewMemoryBackend(), 10*time.Second)
	q := startQueue(t)
	c := silentPeer(t, q, n)

	lock := Lock{Type: "place", ID: "1"}
	acquired := make(chan string, 1)
	start := time.Now()
	n.on(func() {
		n.pm.AcquireLock(lock, func(owner string) {
			acquired <- owner
		})
	})
	select {
	case <-acquired:
		t.Fatalf("lock resolved before the peer left")
	case <-time.After(100 * time.Millisecond):
	}
	onQueue(q, func() {
		c.Logoff(false)
	})
	assert.Equal(t, "a", recvOwner(t, acquired))
	assert.T(t, time.Since(start) < 5*time.Second)
}

func TestReacquireLock(t *testing.T) {
	nodes := startCluster(t, 10*time.Second, "a", "b")
	a, b := nodes[0], nodes[1]
	lock := Lock{Type: "place", ID: "1"}

	results := make(chan string, 2)
	a.on(func() {
		a.pm.AcquireLock(lock, func(owner string) {
			results <- owner
		})
	})
	assert.Equal(t, "a", recvOwner(t, results))
	waitOwner(t, lock, "a", a, b)

	var idle, releasing bool
	a.on(func() {
		idle = a.pm.ReacquireLock(lock)
		a.pm.ReleaseLock(lock, func(owner string) {
			results <- owner
		})
		releasing = a.pm.ReacquireLock(lock)
	})
	assert.T(t, !idle)
	assert.T(t, releasing)
	assert.Equal(t, "a", recvOwner(t, results))

	// b saw the update and keeps a as the owner
	time.Sleep(100 * time.Millisecond)
	waitFor(t, "handlers of b", func() bool {
		var count int
		b.on(func() {
			count = len(b.pm.locks)
		})
		return count == 0
	})
	assert.Equal(t, "a", lockOwner(a, lock))
	assert.Equal(t, "a", lockOwner(b, lock))
}

func TestPerformWithLock(t *testing.T) {
	nodes := startCluster(t, 0, "a", "b")
	a, b := nodes[0], nodes[1]
	lock := Lock{Type: "board", ID: "7"}

	ran := make(chan string, 1)
	b.on(func() {
		b.pm.AcquireLock(lock, func(owner string) {
			ran <- owner
		})
	})
	assert.Equal(t, "b", recvOwner(t, ran))
	waitOwner(t, lock, "b", a, b)

	a.on(func() {
		a.pm.PerformWithLock(lock, func() {
			ran <- "ran"
		}, func(owner string) {
			ran <- "failed:" + owner
		})
	})
	assert.Equal(t, "failed:b", recvOwner(t, ran))

	b.on(func() {
		b.pm.ReleaseLock(lock, nil)
	})
	waitOwner(t, lock, "", a, b)

	a.on(func() {
		a.pm.PerformWithLock(lock, func() {
			ran <- "ran"
		}, nil)
	})
	assert.Equal(t, "ran", recvOwner(t, ran))
	waitOwner(t, lock, "", a, b)
}

func TestDroppedLock(t *testing.T) {
	backend := nodedb.NewMemoryBackend()
	a := newTestNode(t, "a", backend, 0)
	b := newTestNode(t, "b", backend, 0)
	lock := Lock{Type: "place", ID: "1"}

	// both take the lock before they know each other
	results := make(chan string, 2)
	dropped := make(chan Lock, 1)
	for _, n := range []*testNode{a, b} {
		n := n
		n.on(func() {
			n.pm.AddDroppedLockObserver(func(lock Lock) {
				dropped <- lock
			})
			n.pm.AcquireLock(lock, func(owner string) {
				results <- owner
			})
		})
	}
	assert.Equal(t, "a", recvOwner(t, results))
	assert.Equal(t, "b", recvOwner(t, results))

	a.pm.Start()
	b.pm.Start()
	waitMesh(t, a, b)

	select {
	case l := <-dropped:
		assert.Equal(t, lock, l)
	case <-time.After(testTimeout):
		t.Fatalf("conflicting lock not dropped")
	}
	waitOwner(t, lock, "a", a, b)
	b.on(func() {
		assert.T(t, !b.pm.ownLocks[lock])
	})
	// the lower-named owner keeps the lock
	a.on(func() {
		assert.T(t, a.pm.ownLocks[lock])
	})
	select {
	case l := <-dropped:
		t.Fatalf("%v dropped by both owners", l)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerDisconnect(t *testing.T) {
	nodes := startCluster(t, 0, "a", "b")
	a, b := nodes[0], nodes[1]
	lock := Lock{Type: "place", ID: "1"}

	results := make(chan string, 1)
	b.on(func() {
		b.pm.AcquireLock(lock, func(owner string) {
			results <- owner
		})
	})
	assert.Equal(t, "b", recvOwner(t, results))
	waitOwner(t, lock, "b", a)

	b.stop()
	waitFor(t, "b to disconnect", func() bool {
		var connected, subscribed int
		a.on(func() {
			connected = len(a.pm.connectedPeers())
			subscribed = len(a.pm.suboids)
		})
		return connected == 0 && subscribed == 0
	})
	assert.Equal(t, "", lockOwner(a, lock))

	a.on(func() {
		a.pm.AcquireLock(lock, func(owner string) {
			results <- owner
		})
	})
	assert.Equal(t, "a", recvOwner(t, results))
}

func TestLocateClient(t *testing.T) {
	nodes := startCluster(t, 0, "a", "b")
	a, b := nodes[0], nodes[1]
	q := startQueue(t)

	c := logonClient(t, q, b, &proto.UsernamePasswordCreds{User: "alice", Password: "p"})
	locate := func(n *testNode, username string) (info *ClientInfo, node string) {
		n.on(func() {
			info, node = n.pm.LocateClient(username)
		})
		return
	}
	waitFor(t, "alice on a", func() bool {
		_, node := locate(a, "alice")
		return node == "b"
	})
	info, node := locate(b, "alice")
	assert.Equal(t, "b", node)
	assert.Equal(t, "alice", info.Username)

	// peers are not published
	info, _ = locate(a, peerUsername("b"))
	assert.T(t, info == nil)

	var datum interface{}
	a.on(func() {
		datum = a.pm.LookupNodeDatum(func(n NodeObject) interface{} {
			if n.Client("alice") != nil {
				return n.NodeName()
			}
			return nil
		})
	})
	assert.Equal(t, "b", datum)

	onQueue(q, func() {
		c.Logoff(false)
	})
	waitFor(t, "alice to leave", func() bool {
		info, _ := locate(a, "alice")
		return info == nil
	})
}

func TestNodeActions(t *testing.T) {
	nodes := startCluster(t, 0, "a", "b", "c")
	a := nodes[0]

	recvAction := func() string {
		select {
		case name := <-executedActions:
			return name
		case <-time.After(testTimeout):
			t.Fatalf("action not executed")
		}
		return ""
	}

	var err error
	a.on(func() {
		err = a.pm.InvokeNodeAction(&testAction{Target: "*"}, func() {
			t.Errorf("applicable action dropped")
		})
	})
	assert.Equal(t, nil, err)
	executed := map[string]bool{}
	for range nodes {
		executed[recvAction()] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, executed)

	a.on(func() {
		err = a.pm.InvokeNodeAction(&testAction{Target: "c"}, nil)
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "c", recvAction())

	dropped := make(chan bool, 1)
	a.on(func() {
		err = a.pm.InvokeNodeAction(&testAction{Target: "nobody"}, func() {
			dropped <- true
		})
	})
	assert.Equal(t, nil, err)
	select {
	case <-dropped:
	case <-time.After(testTimeout):
		t.Fatalf("inapplicable action not dropped")
	}

	a.on(func() {
		err = a.pm.InvokeNodeActionOn("b", &testAction{})
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "b", recvAction())

	a.on(func() {
		err = a.pm.InvokeNodeActionOn("zzz", &testAction{})
	})
	assert.Equal(t, ErrNoSuchNode, errors.Cause(err))
}

func TestStaleCacheData(t *testing.T) {
	nodes := startCluster(t, 0, "a", "b")
	a, b := nodes[0], nodes[1]

	stale := make(chan interface{}, 1)
	a.on(func() {
		a.pm.AddStaleCacheObserver("scores", func(cache string, data interface{}) {
			stale <- data
		})
	})
	b.on(func() {
		b.pm.BroadcastStaleCacheData("scores", "board1")
	})
	select {
	case data := <-stale:
		assert.Equal(t, "board1", data)
	case <-time.After(testTimeout):
		t.Fatalf("stale cache data not received")
	}
}

func TestPeerServiceRequiresPeer(t *testing.T) {
	n := newTestNode(t, "a", nodedb.NewMemoryBackend(), 0)
	q := startQueue(t)
	c := logonClient(t, q, n, &proto.UsernamePasswordCreds{User: "mallory", Password: "p"}, PeerGroup)

	failed := make(chan string, 2)
	var service *invocation.Marshaller
	onQueue(q, func() {
		service = c.Service(PeerServiceName)
	})
	assert.T(t, service != nil)
	onQueue(q, func() {
		c.Director().Invoke(service, methodRatifyLockAction, []interface{}{&Lock{Type: "place", ID: "1"}, true},
			invocation.ListenerFuncs(func(result interface{}) {
				failed <- "processed"
			}, func(reason string) {
				failed <- reason
			}))
		c.ObjectManager().SubscribeToObject(n.pm.NodeObject().Oid(), dobj.SubscriberFuncs(func(obj *dobj.DObject) {
			failed <- "subscribed"
		}, func(oid dobj.Oid, err error) {
			failed <- err.(*dobj.AccessError).Reason
		}))
	})
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case reason := <-failed:
			got[reason] = true
		case <-time.After(testTimeout):
			t.Fatalf("no failure")
		}
	}
	assert.Equal(t, map[string]bool{dobj.AccessDenied: true}, got)
}

func TestPeerCreds(t *testing.T) {
	creds, err := NewPeerCreds("b", testSecret)
	assert.Equal(t, nil, err)
	assert.Equal(t, "peer:b", creds.Username())
	assert.Equal(t, nil, verifyToken(creds.Token, "b", testSecret))
	assert.NotEqual(t, nil, verifyToken(creds.Token, "c", testSecret))
	assert.NotEqual(t, nil, verifyToken(creds.Token, "b", "other"))

	pa := NewPeerAuthenticator("a", testSecret)
	assert.T(t, pa.Handles(&proto.AuthRequest{Creds: creds}))
	assert.T(t, !pa.Handles(&proto.AuthRequest{Creds: &proto.UsernamePasswordCreds{User: "b"}}))

	res, err := pa.Authenticate(&proto.AuthRequest{Creds: creds})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.AuthSuccess, res.Code)
	assert.Equal(t, "peer:b", res.Username)
	assert.T(t, res.Peer)
	assert.Equal(t, "b", res.Data)

	forged, _ := NewPeerCreds("b", "other")
	res, _ = pa.Authenticate(&proto.AuthRequest{Creds: forged})
	assert.Equal(t, proto.AuthInvalidPassword, res.Code)

	self, _ := NewPeerCreds("a", testSecret)
	res, _ = pa.Authenticate(&proto.AuthRequest{Creds: self})
	assert.Equal(t, proto.AuthNoSuchUser, res.Code)
}

func TestLockKeys(t *testing.T) {
	set := dobj.NewDSet(&Lock{Type: "place", ID: "2"}, &Lock{Type: "board", ID: "9"}, &Lock{Type: "place", ID: "1"})
	var locks []string
	set.ForEach(func(entry dobj.Entry) bool {
		locks = append(locks, entry.(*Lock).String())
		return true
	})
	assert.Equal(t, []string{"Lock<board:9>", "Lock<place:1>", "Lock<place:2>"}, locks)
	assert.T(t, set.ContainsKey(Lock{Type: "place", ID: "1"}.Key()))

	reg := newTestRegistry()
	data, err := streaming.Marshal(reg, &CacheData{Cache: "scores", Data: []string{"x", "y"}})
	assert.Equal(t, nil, err)
	v, err := streaming.Unmarshal(reg, data)
	assert.Equal(t, nil, err)
	assert.Equal(t, &CacheData{Cache: "scores", Data: []string{"x", "y"}}, v)
}
