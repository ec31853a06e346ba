package peer

import (
	"fmt"

	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// NodeObjectKind is the kind of the object every node publishes to its peers
const NodeObjectKind = "node"

// Fields of node objects
const (
	NodeName          = "nodeName"
	NodeLocks         = "locks"
	NodeClients       = "clients"
	NodeAcquiringLock = "acquiringLock"
	NodeReleasingLock = "releasingLock"
	NodePeerService   = "peerService"
	NodeCacheData     = "cacheData"
)

// Lock is a cluster wide mutually exclusive resource
type Lock struct {
	Type string
	ID   string
}

// Key orders locks by type then id
func (l Lock) Key() interface{} {
	return l.Type + "\x00" + l.ID
}

func (l Lock) String() string {
	return fmt.Sprintf("Lock<%s:%s>", l.Type, l.ID)
}

// ClientInfo publishes a client logged onto a node
type ClientInfo struct {
	Username string
}

// Key returns the username
func (ci *ClientInfo) Key() interface{} {
	return ci.Username
}

// CacheData tells peers that data cached under Cache went stale
type CacheData struct {
	Cache string
	Data  interface{}
}

// WriteObject writes the cache name and the data
func (cd *CacheData) WriteObject(out *streaming.ObjectOutputStream) error {
	out.WriteString(cd.Cache)
	return out.WriteObject(cd.Data)
}

// ReadObject reads what WriteObject wrote
func (cd *CacheData) ReadObject(in *streaming.ObjectInputStream) (err error) {
	if cd.Cache, err = in.ReadString(); err != nil {
		return
	}
	cd.Data, err = in.ReadObject()
	return
}

// NodeObject is the typed view of a node object, local or mirrored from a peer
type NodeObject struct {
	*dobj.DObject
}

func newNodeObject(nodeName string) NodeObject {
	return NodeObject{dobj.NewDObject(NodeObjectKind, map[string]interface{}{
		NodeName:          nodeName,
		NodeLocks:         dobj.NewDSet(),
		NodeClients:       dobj.NewDSet(),
		NodeAcquiringLock: nil,
		NodeReleasingLock: nil,
		NodePeerService:   nil,
		NodeCacheData:     nil,
	})}
}

// NodeName returns the name of the node
func (n NodeObject) NodeName() string {
	return n.GetString(NodeName)
}

// Locks returns the locks held by the node
func (n NodeObject) Locks() *dobj.DSet {
	return n.Set(NodeLocks)
}

// HasLock returns true if the node holds lock
func (n NodeObject) HasLock(lock Lock) bool {
	locks := n.Locks()
	return locks != nil && locks.ContainsKey(lock.Key())
}

// Clients returns the ClientInfo of the clients logged onto the node
func (n NodeObject) Clients() *dobj.DSet {
	return n.Set(NodeClients)
}

// Client returns the ClientInfo of username or nil
func (n NodeObject) Client(username string) *ClientInfo {
	clients := n.Clients()
	if clients == nil {
		return nil
	}
	info, _ := clients.Get(username).(*ClientInfo)
	return info
}

// PeerService returns the marshaller of the node's peer provider
func (n NodeObject) PeerService() *invocation.Marshaller {
	m, _ := n.Get(NodePeerService).(*invocation.Marshaller)
	return m
}

func lockField(n NodeObject, name string) (Lock, bool) {
	switch v := n.Get(name).(type) {
	case *Lock:
		return *v, true
	case Lock:
		return v, true
	}
	return Lock{}, false
}

// RegisterClasses registers the streamable peer types with reg
func RegisterClasses(reg *streaming.Registry) {
	reg.MustRegister("peer.Lock", &Lock{})
	reg.MustRegister("peer.ClientInfo", &ClientInfo{})
	reg.MustRegister("peer.CacheData", &CacheData{})
	reg.MustRegister("peer.PeerCreds", &PeerCreds{})
}
