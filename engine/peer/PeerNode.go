package peer

import (
	"fmt"
	"time"

	"github.com/xiaonanln/gopresents/engine/client"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/nodedb"
)

// bootstrap key of the node object oid in the bootstrap of peer sessions
const nodeObjectBootstrapKey = "node"

// peer service methods
const (
	methodRatifyLockAction int32 = iota + 1
	methodInvokeAction
)

// PeerNode is the connection of this node to one sibling. Its client runs on the loop of the
// local object manager.
type PeerNode struct {
	client.SessionAdapter

	pm      *PeerManager
	record  *nodedb.NodeRecord
	client  *client.Client
	nodeobj NodeObject

	lastConnect time.Time
}

var _ dobj.Subscriber = (*PeerNode)(nil)
var _ dobj.Listener = (*PeerNode)(nil)

func newPeerNode(pm *PeerManager, record *nodedb.NodeRecord) *PeerNode {
	return &PeerNode{pm: pm, record: record}
}

func (p *PeerNode) String() string {
	return fmt.Sprintf("PeerNode<%s>", p.record.NodeName)
}

// Name returns the name of the sibling
func (p *PeerNode) Name() string {
	return p.record.NodeName
}

// Record returns the last known record of the sibling
func (p *PeerNode) Record() *nodedb.NodeRecord {
	return p.record
}

// Client returns the client connected to the sibling, if any
func (p *PeerNode) Client() *client.Client {
	return p.client
}

// NodeObject returns the mirrored node object of the sibling; its DObject is nil until subscribed
func (p *PeerNode) NodeObject() NodeObject {
	return p.nodeobj
}

// IsConnected returns true once the node object of the sibling is mirrored
func (p *PeerNode) IsConnected() bool {
	return p.nodeobj.DObject != nil
}

// refresh connects to the sibling if it is not connected, or reconnects if it restarted
func (p *PeerNode) refresh(record *nodedb.NodeRecord) {
	restarted := record.BootID != p.record.BootID
	p.record = record
	if p.client != nil {
		switch p.client.State() {
		case client.Closed, client.Disconnected:
		default:
			if restarted {
				gwlog.Infof("%s restarted, reconnecting", p)
				p.client.Logoff(false)
			}
			return
		}
	}
	if !restarted && !p.lastConnect.IsZero() && !record.LastUpdated.After(p.lastConnect) {
		// nothing new since the last attempt
		return
	}
	p.connect()
}

func (p *PeerNode) connect() {
	creds, err := NewPeerCreds(p.pm.cfg.NodeName, p.pm.cfg.SharedSecret)
	if err != nil {
		gwlog.Errorf("%s: %v", p, err)
		return
	}
	if p.client != nil {
		p.client.RemoveSessionObserver(p)
	}
	p.lastConnect = time.Now()
	p.client = client.New(client.Config{
		Host:       p.record.HostName,
		Port:       p.record.Port,
		Transport:  p.pm.cfg.Transport,
		Version:    p.pm.cfg.Version,
		Creds:      creds,
		BootGroups: []string{PeerGroup},
	}, p.pm.reg, p.pm.omgr)
	p.client.AddSessionObserver(p)
	gwlog.Infof("%s: connecting to %s", p, p.record.PeerAddr())
	p.client.Logon()
}

func (p *PeerNode) shutdown() {
	if p.client != nil && p.client.State() != client.Closed {
		p.client.Logoff(false)
	}
}

// ClientDidLogon subscribes to the node object of the sibling
func (p *PeerNode) ClientDidLogon(c *client.Client) {
	oid, ok := c.Bootstrap().Objects[nodeObjectBootstrapKey]
	if !ok {
		gwlog.Errorf("%s: bootstrap without node object", p)
		c.Logoff(false)
		return
	}
	c.ObjectManager().SubscribeToObject(oid, p)
}

// ClientFailedToLogon is logged; the next refresh retries
func (p *PeerNode) ClientFailedToLogon(c *client.Client, err error) {
	gwlog.Warnf("%s: logon failed: %v", p, err)
}

// ClientConnectionFailed is logged; the session is cleared next
func (p *PeerNode) ClientConnectionFailed(c *client.Client, err error) {
	gwlog.Warnf("%s: connection failed: %v", p, err)
}

// ClientDidClear forgets the mirrored node object
func (p *PeerNode) ClientDidClear(c *client.Client) {
	if c != p.client || p.nodeobj.DObject == nil {
		return
	}
	p.nodeobj.RemoveListener(p)
	p.pm.peerDidLogoff(p)
	p.nodeobj = NodeObject{}
}

// ObjectAvailable starts mirroring the node object of the sibling
func (p *PeerNode) ObjectAvailable(obj *dobj.DObject) {
	p.nodeobj = NodeObject{obj}
	obj.AddListener(p)
	gwlog.Infof("%s: connected, %d locks, %d clients", p, p.nodeobj.Locks().Size(), p.nodeobj.Clients().Size())
	p.pm.peerDidLogon(p)
}

// RequestFailed logs off; the next refresh retries
func (p *PeerNode) RequestFailed(oid dobj.Oid, err error) {
	gwlog.Errorf("%s: subscribe to node object %d failed: %v", p, oid, err)
	if p.client != nil {
		p.client.Logoff(false)
	}
}

// EventReceived turns the intents of the sibling into lock handlers
func (p *PeerNode) EventReceived(event dobj.Event) bool {
	switch e := event.(type) {
	case *dobj.AttributeChangedEvent:
		switch e.Name {
		case NodeAcquiringLock:
			if lock, ok := lockField(p.nodeobj, NodeAcquiringLock); ok {
				p.pm.peerAcquiringLock(p, lock)
			}
		case NodeReleasingLock:
			if lock, ok := lockField(p.nodeobj, NodeReleasingLock); ok {
				p.pm.peerReleasingLock(p, lock)
			}
		case NodeCacheData:
			if cd, ok := e.Value.(*CacheData); ok {
				p.pm.changedCacheData(cd.Cache, cd.Data)
			}
		}
	case *dobj.EntryAddedEvent:
		if e.Name == NodeLocks {
			if lock, ok := e.Entry.(*Lock); ok {
				p.pm.peerAddedLock(p, *lock)
			}
		}
	}
	return true
}

func (p *PeerNode) ratifyLockAction(lock Lock, acquire bool) {
	service := p.nodeobj.PeerService()
	if service == nil || p.client.Director() == nil {
		gwlog.Warnf("%s: can not ratify %s, no peer service", p, lock)
		return
	}
	p.client.Director().Invoke(service, methodRatifyLockAction, []interface{}{&lock, acquire}, nil)
}

func (p *PeerNode) invokeAction(id string, data []byte) bool {
	service := p.nodeobj.PeerService()
	if service == nil || p.client.Director() == nil {
		gwlog.Warnf("%s: can not invoke action %s, no peer service", p, id)
		return false
	}
	p.client.Director().Invoke(service, methodInvokeAction, []interface{}{id, data}, nil)
	return true
}
