package peer

import (
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/async"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwvar"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/nodedb"
	"github.com/xiaonanln/gopresents/engine/post"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/server"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

const (
	// PeerGroup is the invocation group of the peer service
	PeerGroup = "peer"
	// PeerServiceName is the name of the peer service
	PeerServiceName = "peer"

	nodedbJobGroup = "nodedb"
)

// ErrNoSuchNode is returned for actions on nodes that are not connected
var ErrNoSuchNode = errors.New("no such node")

// Config of a PeerManager
type Config struct {
	NodeName     string
	SharedSecret string
	// Host and Port are where peers connect to this node
	Host       string
	PublicHost string
	Port       int
	Version    string
	Transport  string

	LockTimeout     time.Duration
	RefreshInterval time.Duration
	StartupDelay    time.Duration
}

// NodeAction is work shipped to every node whose node object it applies to
type NodeAction interface {
	IsApplicable(n NodeObject) bool
	Execute(pm *PeerManager)
}

// DroppedLockObserver is told about locks this node lost to a conflicting peer
type DroppedLockObserver func(lock Lock)

// StaleCacheObserver is told about cache data a peer declared stale
type StaleCacheObserver func(cache string, data interface{})

// PeerManager connects this node to its siblings and implements cluster wide locks, the
// client registry, node actions and stale cache broadcasts.
//
// All methods except Start must be called on the loop of the server.
type PeerManager struct {
	cfg  Config
	srv  *server.Server
	omgr *dobj.Manager
	reg  *streaming.Registry
	pool *async.Pool
	repo *nodedb.Repository

	record  *nodedb.NodeRecord
	nodeobj NodeObject
	service *invocation.Marshaller
	peers   map[string]*PeerNode

	// oids of the client objects of peer sessions subscribed to our node object
	suboids map[dobj.Oid]bool
	locks   map[Lock]*lockHandler
	// locks committed to our node object, possibly before the event was applied
	ownLocks         map[Lock]bool
	publishedClients map[string]bool

	droppedObservers []DroppedLockObserver
	staleObservers   map[string][]StaleCacheObserver

	refresher *post.Interval
	periodic  bool
	shutdown  bool
}

var _ server.SessionObserver = (*PeerManager)(nil)
var _ server.SubscriptionObserver = (*PeerManager)(nil)

// NewPeerManager creates the peer manager of srv. It must be called before the server loop runs
// or on it.
func NewPeerManager(srv *server.Server, repo *nodedb.Repository, cfg Config) (*PeerManager, error) {
	if cfg.NodeName == "" {
		return nil, errors.New("peer: node name is required")
	}
	if cfg.SharedSecret == "" {
		return nil, errors.New("peer: shared secret is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = consts.LOCK_TIMEOUT
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = consts.PEER_REFRESH_INTERVAL
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = consts.PEER_STARTUP_REFRESH_DELAY
	}

	pm := &PeerManager{
		cfg:              cfg,
		srv:              srv,
		omgr:             srv.Objects,
		reg:              srv.Registry,
		pool:             srv.Pool,
		repo:             repo,
		record:           nodedb.NewNodeRecord(cfg.NodeName, cfg.Host, cfg.PublicHost, cfg.Port),
		nodeobj:          newNodeObject(cfg.NodeName),
		peers:            map[string]*PeerNode{},
		suboids:          map[dobj.Oid]bool{},
		locks:            map[Lock]*lockHandler{},
		ownLocks:         map[Lock]bool{},
		publishedClients: map[string]bool{},
		staleObservers:   map[string][]StaleCacheObserver{},
	}
	if _, err := pm.omgr.RegisterObject(pm.nodeobj.DObject); err != nil {
		return nil, errors.Wrap(err, "peer: register node object")
	}
	pm.nodeobj.SetAccessController(nodeObjectController{pm})
	pm.service = srv.Invocation.RegisterDispatcher(PeerServiceName, PeerGroup, invocation.DispatcherFunc(pm.dispatch))
	pm.nodeobj.SetAttribute(NodePeerService, pm.service)
	pm.refresher = pm.omgr.NewInterval(pm.refreshPeers)

	srv.Connections.AddAuthenticator(NewPeerAuthenticator(cfg.NodeName, cfg.SharedSecret))
	srv.Clients.AddSessionObserver(pm)
	srv.Clients.AddSubscriptionObserver(pm)
	srv.Clients.AddBootstrapPopulator(pm.populateBootstrap)
	return pm, nil
}

func (pm *PeerManager) String() string {
	return "PeerManager<" + pm.cfg.NodeName + ">"
}

// NodeName returns the name of this node
func (pm *PeerManager) NodeName() string {
	return pm.cfg.NodeName
}

// NodeObject returns the node object of this node
func (pm *PeerManager) NodeObject() NodeObject {
	return pm.nodeobj
}

// Record returns the record this node publishes in the node repository
func (pm *PeerManager) Record() *nodedb.NodeRecord {
	return pm.record
}

// Peer returns the sibling named nodeName or nil
func (pm *PeerManager) Peer(nodeName string) *PeerNode {
	return pm.peers[nodeName]
}

// Peers returns the known siblings sorted by name
func (pm *PeerManager) Peers() []*PeerNode {
	peers := make([]*PeerNode, 0, len(pm.peers))
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Name() < peers[j].Name()
	})
	return peers
}

// connectedPeers returns the siblings whose node object is mirrored, sorted by name
func (pm *PeerManager) connectedPeers() []*PeerNode {
	var peers []*PeerNode
	for _, p := range pm.Peers() {
		if p.IsConnected() {
			peers = append(peers, p)
		}
	}
	return peers
}

// Start publishes the record of this node and starts refreshing the siblings. It may be called
// from any goroutine.
func (pm *PeerManager) Start() {
	record := *pm.record
	pm.pool.AppendAsyncJob(nodedbJobGroup, func() (interface{}, error) {
		return nil, pm.repo.UpdateNode(&record)
	}, func(_ interface{}, err error) {
		if err != nil {
			gwlog.Errorf("%s: publish node record failed: %v", pm, err)
		} else {
			gwlog.Infof("%s: published %s", pm, &record)
		}
		if !pm.shutdown {
			pm.refresher.Schedule(pm.cfg.StartupDelay, false)
		}
	})
}

// RefreshPeers reloads the node repository now
func (pm *PeerManager) RefreshPeers() {
	pm.refreshPeers()
}

func (pm *PeerManager) refreshPeers() {
	if pm.shutdown {
		return
	}
	if !pm.periodic {
		pm.periodic = true
		pm.refresher.Schedule(pm.cfg.RefreshInterval, true)
	}
	name := pm.cfg.NodeName
	pm.pool.AppendAsyncJob(nodedbJobGroup, func() (interface{}, error) {
		if err := pm.repo.HeartbeatNode(name); err != nil {
			gwlog.Warnf("peer: heartbeat of %s failed: %v", name, err)
		}
		return pm.repo.LoadNodes()
	}, func(res interface{}, err error) {
		if err != nil {
			gwlog.Errorf("%s: load nodes failed: %v", pm, err)
			return
		}
		pm.nodesLoaded(res.([]*nodedb.NodeRecord))
	})
}

func (pm *PeerManager) nodesLoaded(records []*nodedb.NodeRecord) {
	if pm.shutdown {
		return
	}
	seen := map[string]bool{}
	for _, record := range records {
		if record.NodeName == pm.cfg.NodeName {
			continue
		}
		seen[record.NodeName] = true
		p := pm.peers[record.NodeName]
		if p == nil {
			p = newPeerNode(pm, record)
			pm.peers[record.NodeName] = p
		}
		p.refresh(record)
	}
	for name, p := range pm.peers {
		if !seen[name] {
			gwlog.Infof("%s: %s left the repository", pm, p)
			p.shutdown()
			delete(pm.peers, name)
		}
	}
}

// Shutdown unpublishes this node and logs off all siblings
func (pm *PeerManager) Shutdown() {
	if pm.shutdown {
		return
	}
	pm.shutdown = true
	pm.refresher.Cancel()
	pm.srv.Invocation.ClearDispatcher(pm.service)

	name := pm.cfg.NodeName
	pm.pool.AppendAsyncJob(nodedbJobGroup, func() (interface{}, error) {
		return nil, pm.repo.DeleteNode(name)
	}, func(_ interface{}, err error) {
		if err != nil {
			gwlog.Errorf("%s: delete node record failed: %v", pm, err)
		}
	})
	for _, p := range pm.Peers() {
		p.shutdown()
	}
}

// AcquireLock acquires lock for this node. f receives the owner once the lock is resolved.
func (pm *PeerManager) AcquireLock(lock Lock, f LockResultFunc) {
	pm.QueryLock(lock, func(owner string) {
		if owner != "" {
			f(owner)
			return
		}
		if pm.locks[lock] != nil {
			// another acquisition started while we waited
			pm.AcquireLock(lock, f)
			return
		}
		if len(pm.suboids) == 0 {
			pm.commitLock(lock)
			f(pm.cfg.NodeName)
			return
		}
		pm.locks[lock] = newLocalLockHandler(pm, lock, true, func(owner string) {
			if owner == "" {
				// preempted by a peer that never committed
				pm.AcquireLock(lock, f)
				return
			}
			f(owner)
		})
	})
}

// ReleaseLock releases a lock held by this node. f, if not nil, receives "" once released or
// the owner if this node did not hold the lock.
func (pm *PeerManager) ReleaseLock(lock Lock, f LockResultFunc) {
	if f == nil {
		f = func(string) {}
	}
	pm.QueryLock(lock, func(owner string) {
		if owner != pm.cfg.NodeName {
			gwlog.Warnf("%s: releasing %s owned by %q", pm, lock, owner)
			f(owner)
			return
		}
		if pm.locks[lock] != nil {
			pm.ReleaseLock(lock, f)
			return
		}
		if len(pm.suboids) == 0 {
			pm.uncommitLock(lock)
			f("")
			return
		}
		pm.locks[lock] = newLocalLockHandler(pm, lock, false, f)
	})
}

// ReacquireLock cancels a release of lock in progress. The waiters of the release are told that
// this node still holds it.
func (pm *PeerManager) ReacquireLock(lock Lock) bool {
	h := pm.locks[lock]
	if h == nil || !h.isLocal() || h.acquire {
		gwlog.Warnf("%s: can not reacquire %s, it is not being released", pm, lock)
		return false
	}
	// peers waiting for the release see the update
	pm.nodeobj.UpdateSet(NodeLocks, &lock)
	h.resolve(pm.cfg.NodeName)
	return true
}

// QueryLock passes the owner of lock to f, waiting for a resolution in progress
func (pm *PeerManager) QueryLock(lock Lock, f LockResultFunc) {
	if h := pm.locks[lock]; h != nil {
		h.addListener(f)
		return
	}
	f(pm.LockOwner(lock))
}

// LockOwner returns the node holding lock, or "". It does not wait for resolutions in progress.
func (pm *PeerManager) LockOwner(lock Lock) string {
	if pm.ownLocks[lock] {
		return pm.cfg.NodeName
	}
	for _, p := range pm.connectedPeers() {
		if p.nodeobj.HasLock(lock) {
			return p.Name()
		}
	}
	return ""
}

// PerformWithLock runs run while holding lock and releases it afterwards. fail receives the
// owner if the lock is held elsewhere.
func (pm *PeerManager) PerformWithLock(lock Lock, run func(), fail func(owner string)) {
	pm.AcquireLock(lock, func(owner string) {
		if owner != pm.cfg.NodeName {
			if fail != nil {
				fail(owner)
			}
			return
		}
		gwutils.RunPanicless(run)
		pm.ReleaseLock(lock, nil)
	})
}

// AddDroppedLockObserver registers ob
func (pm *PeerManager) AddDroppedLockObserver(ob DroppedLockObserver) {
	pm.droppedObservers = append(pm.droppedObservers, ob)
}

func (pm *PeerManager) commitLock(lock Lock) {
	pm.ownLocks[lock] = true
	pm.nodeobj.AddToSet(NodeLocks, &lock)
}

func (pm *PeerManager) uncommitLock(lock Lock) {
	delete(pm.ownLocks, lock)
	pm.nodeobj.RemoveFromSet(NodeLocks, lock.Key())
}

// droppedLock gives up a lock that winner holds too
func (pm *PeerManager) droppedLock(lock Lock, winner string) {
	gwlog.Warnf("%s: dropping %s held by %s as well", pm, lock, winner)
	if h := pm.locks[lock]; h != nil {
		h.hijacked(winner)
	}
	pm.uncommitLock(lock)
	for _, ob := range pm.droppedObservers {
		gwutils.RunPanicless(func() {
			ob(lock)
		})
	}
}

// peerAcquiringLock ratifies the acquisition of a peer unless the lock is taken or a node with
// a lower name is acquiring it
func (pm *PeerManager) peerAcquiringLock(p *PeerNode, lock Lock) {
	if owner := pm.LockOwner(lock); owner != "" {
		gwlog.Warnf("%s: refusing to ratify %s by %s, owned by %s", pm, lock, p.Name(), owner)
		return
	}
	h := pm.locks[lock]
	if h == nil {
		pm.locks[lock] = newRemoteLockHandler(pm, p, lock, true)
		return
	}
	if h.nodeName() <= p.Name() {
		gwlog.Infof("%s: ignoring acquisition of %s by %s, %s goes first", pm, lock, p.Name(), h.nodeName())
		return
	}
	gwlog.Infof("%s: %s preempts %s", pm, p.Name(), h)
	h.cancel()
	nh := newRemoteLockHandler(pm, p, lock, true)
	nh.listeners = h.listeners
	pm.locks[lock] = nh
}

func (pm *PeerManager) peerReleasingLock(p *PeerNode, lock Lock) {
	if h := pm.locks[lock]; h != nil {
		gwlog.Warnf("%s: %s releasing %s in resolution by %s", pm, p.Name(), lock, h.nodeName())
		return
	}
	pm.locks[lock] = newRemoteLockHandler(pm, p, lock, false)
}

// peerAddedLock checks a lock committed by a peer against the locks of this node
func (pm *PeerManager) peerAddedLock(p *PeerNode, lock Lock) {
	if h := pm.locks[lock]; h != nil && h.acquire && h.nodeName() != p.Name() {
		gwlog.Warnf("%s: %s hijacked by %s", pm, h, p.Name())
		h.hijacked(p.Name())
	}
	// Both owners see each other's entry and the higher-named one always drops, leaving one owner.
	// The lower-named side keeps its copy.
	if pm.ownLocks[lock] && pm.cfg.NodeName > p.Name() {
		pm.droppedLock(lock, p.Name())
	}
}

func (pm *PeerManager) peerDidLogon(p *PeerNode) {
	gwvar.ConnectedPeers.Add(1)
	if locks := p.nodeobj.Locks(); locks != nil {
		for _, entry := range locks.Entries() {
			if lock, ok := entry.(*Lock); ok {
				pm.peerAddedLock(p, *lock)
			}
		}
	}
}

func (pm *PeerManager) peerDidLogoff(p *PeerNode) {
	gwvar.ConnectedPeers.Add(-1)
	gwlog.Infof("%s: %s disconnected", pm, p)
	for _, h := range pm.handlers() {
		if h.peer == p {
			h.peerDidLogoff()
		}
	}
}

// handlers returns the lock handlers in lock order
func (pm *PeerManager) handlers() []*lockHandler {
	handlers := make([]*lockHandler, 0, len(pm.locks))
	for _, h := range pm.locks {
		handlers = append(handlers, h)
	}
	sort.Slice(handlers, func(i, j int) bool {
		return dobj.CompareKeys(handlers[i].lock.Key(), handlers[j].lock.Key()) < 0
	})
	return handlers
}

// LocateClient returns the ClientInfo of username and the node it is logged onto, or nil
func (pm *PeerManager) LocateClient(username string) (*ClientInfo, string) {
	if pm.publishedClients[username] {
		return &ClientInfo{Username: username}, pm.cfg.NodeName
	}
	for _, p := range pm.connectedPeers() {
		if info := p.nodeobj.Client(username); info != nil {
			return info, p.Name()
		}
	}
	return nil, ""
}

// LookupNodeDatum returns the first non nil result of f over the node objects of this node and
// the connected peers
func (pm *PeerManager) LookupNodeDatum(f func(n NodeObject) interface{}) interface{} {
	if v := f(pm.nodeobj); v != nil {
		return v
	}
	for _, p := range pm.connectedPeers() {
		if v := f(p.nodeobj); v != nil {
			return v
		}
	}
	return nil
}

// BroadcastStaleCacheData tells the peers that data cached under cache went stale
func (pm *PeerManager) BroadcastStaleCacheData(cache string, data interface{}) {
	pm.nodeobj.SetAttribute(NodeCacheData, &CacheData{Cache: cache, Data: data})
}

// AddStaleCacheObserver registers ob for stale data of cache
func (pm *PeerManager) AddStaleCacheObserver(cache string, ob StaleCacheObserver) {
	pm.staleObservers[cache] = append(pm.staleObservers[cache], ob)
}

func (pm *PeerManager) changedCacheData(cache string, data interface{}) {
	observers := pm.staleObservers[cache]
	if len(observers) == 0 {
		gwlog.Warnf("%s: no observers for stale cache %s", pm, cache)
		return
	}
	for _, ob := range observers {
		gwutils.RunPanicless(func() {
			ob(cache, data)
		})
	}
}

// InvokeNodeAction runs action on every node it applies to, this one included. onDropped, if
// not nil, is called when it applies to none.
func (pm *PeerManager) InvokeNodeAction(action NodeAction, onDropped func()) error {
	data, err := streaming.Marshal(pm.reg, action)
	if err != nil {
		return errors.Wrapf(err, "marshal node action %T", action)
	}
	id := ulid.Make().String()
	invoked := false
	for _, p := range pm.connectedPeers() {
		if action.IsApplicable(p.nodeobj) && p.invokeAction(id, data) {
			invoked = true
		}
	}
	if action.IsApplicable(pm.nodeobj) {
		pm.executeLocally(id, action)
		invoked = true
	}
	if !invoked && onDropped != nil {
		onDropped()
	}
	return nil
}

// InvokeNodeActionOn runs action on the node named nodeName
func (pm *PeerManager) InvokeNodeActionOn(nodeName string, action NodeAction) error {
	id := ulid.Make().String()
	if nodeName == pm.cfg.NodeName {
		pm.executeLocally(id, action)
		return nil
	}
	p := pm.peers[nodeName]
	if p == nil || !p.IsConnected() {
		return errors.Wrap(ErrNoSuchNode, nodeName)
	}
	data, err := streaming.Marshal(pm.reg, action)
	if err != nil {
		return errors.Wrapf(err, "marshal node action %T", action)
	}
	if !p.invokeAction(id, data) {
		return errors.Wrap(ErrNoSuchNode, nodeName)
	}
	return nil
}

func (pm *PeerManager) executeLocally(id string, action NodeAction) {
	pm.omgr.Post(func() {
		if consts.DEBUG_LOCKS {
			gwlog.Debugf("%s: executing %T (%s)", pm, action, id)
		}
		action.Execute(pm)
	})
}

// dispatch serves the peer service. Only peer sessions may call it.
func (pm *PeerManager) dispatch(caller *dobj.DObject, methodID int32, args []interface{}, rsp *invocation.Responder) error {
	s := pm.srv.Clients.SessionByConnectionID(proto.ClientObject{DObject: caller}.ConnectionID())
	if s == nil || !s.IsPeer() || s.ClientOid() != caller.Oid() {
		return invocation.NewError(dobj.AccessDenied)
	}
	switch methodID {
	case methodRatifyLockAction:
		if len(args) != 2 {
			return errors.Errorf("ratifyLockAction: expected 2 arguments, got %d", len(args))
		}
		lock, ok := args[0].(*Lock)
		acquire, ok2 := args[1].(bool)
		if !ok || !ok2 {
			return errors.Errorf("ratifyLockAction: bad arguments %v", args)
		}
		if h := pm.locks[*lock]; h != nil && h.isLocal() {
			h.ratify(caller.Oid(), acquire)
		} else if consts.DEBUG_LOCKS {
			gwlog.Debugf("%s: ratification of %s from %s after resolution", pm, lock, s)
		}
		return nil

	case methodInvokeAction:
		if len(args) != 2 {
			return errors.Errorf("invokeAction: expected 2 arguments, got %d", len(args))
		}
		id, _ := args[0].(string)
		data, ok := args[1].([]byte)
		if !ok {
			return errors.Errorf("invokeAction: bad arguments %v", args)
		}
		v, err := streaming.Unmarshal(pm.reg, data)
		if err != nil {
			return errors.Wrapf(err, "invokeAction %s from %s", id, s)
		}
		action, ok := v.(NodeAction)
		if !ok {
			return errors.Errorf("invokeAction %s from %s: %T is not a node action", id, s, v)
		}
		if consts.DEBUG_LOCKS {
			gwlog.Debugf("%s: executing %T (%s) from %s", pm, action, id, s)
		}
		action.Execute(pm)
		rsp.Processed(nil)
		return nil
	}
	return errors.Errorf("peer service: unknown method %d", methodID)
}

func (pm *PeerManager) populateBootstrap(s *server.ClientSession, data *proto.BootstrapData) {
	if s.IsPeer() {
		data.Objects[nodeObjectBootstrapKey] = pm.nodeobj.Oid()
	}
}

// SessionDidStart publishes non peer clients
func (pm *PeerManager) SessionDidStart(s *server.ClientSession) {
	if s.IsPeer() {
		gwlog.Infof("%s: peer %v logged on", pm, s.AuthData())
		return
	}
	username := s.Username()
	if !pm.publishedClients[username] {
		pm.publishedClients[username] = true
		pm.nodeobj.AddToSet(NodeClients, &ClientInfo{Username: username})
	}
}

// SessionDidEnd unpublishes non peer clients that did not log on again
func (pm *PeerManager) SessionDidEnd(s *server.ClientSession) {
	if s.IsPeer() {
		return
	}
	username := s.Username()
	if pm.srv.Clients.SessionByUsername(username) != nil || !pm.publishedClients[username] {
		return
	}
	delete(pm.publishedClients, username)
	pm.nodeobj.RemoveFromSet(NodeClients, username)
}

// ClientSubscribed counts the peers subscribed to our node object
func (pm *PeerManager) ClientSubscribed(s *server.ClientSession, obj *dobj.DObject) {
	if s.IsPeer() && obj == pm.nodeobj.DObject {
		pm.suboids[s.ClientOid()] = true
	}
}

// ClientUnsubscribed counts the departure of a peer as its ratification of pending locks
func (pm *PeerManager) ClientUnsubscribed(s *server.ClientSession, oid dobj.Oid) {
	if oid != pm.nodeobj.Oid() || !pm.suboids[s.ClientOid()] {
		return
	}
	delete(pm.suboids, s.ClientOid())
	for _, h := range pm.handlers() {
		if h.isLocal() {
			h.clientUnsubscribed(s.ClientOid())
		}
	}
}

// nodeObjectController lets only peers subscribe to the node object and accepts events from
// this node only
type nodeObjectController struct {
	pm *PeerManager
}

func (nc nodeObjectController) AllowSubscribe(obj *dobj.DObject, sub dobj.Subscriber) bool {
	if s, ok := sub.(*server.ClientSession); ok {
		return s.IsPeer()
	}
	return true
}

func (nc nodeObjectController) AllowEvent(obj *dobj.DObject, event dobj.Event) bool {
	return event.SourceOid() == 0
}
