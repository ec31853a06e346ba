package server

import (
	"crypto/rand"
	"sort"

	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xiaonanln/gopresents/engine/gwvar"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/proto"
)

const datagramSecretLen = 32

// SessionObserver is told about sessions starting and ending, on the loop
type SessionObserver interface {
	SessionDidStart(s *ClientSession)
	SessionDidEnd(s *ClientSession)
}

// SubscriptionObserver is told about the objects sessions subscribe to, on the loop
type SubscriptionObserver interface {
	ClientSubscribed(s *ClientSession, obj *dobj.DObject)
	ClientUnsubscribed(s *ClientSession, oid dobj.Oid)
}

// BootstrapPopulator adds data to the bootstrap of a starting session
type BootstrapPopulator func(s *ClientSession, data *proto.BootstrapData)

// ClientManager owns the sessions of authenticated clients. All methods must be called on the
// loop.
type ClientManager struct {
	omgr   *dobj.Manager
	invmgr *invocation.Manager

	byUsername map[string]*ClientSession
	byConnID   map[int32]*ClientSession

	sessionObservers      []SessionObserver
	subscriptionObservers []SubscriptionObserver
	populators            []BootstrapPopulator
}

// NewClientManager creates a client manager publishing the services of invmgr
func NewClientManager(omgr *dobj.Manager, invmgr *invocation.Manager) *ClientManager {
	return &ClientManager{
		omgr:       omgr,
		invmgr:     invmgr,
		byUsername: map[string]*ClientSession{},
		byConnID:   map[int32]*ClientSession{},
	}
}

// AddSessionObserver registers ob
func (cm *ClientManager) AddSessionObserver(ob SessionObserver) {
	cm.sessionObservers = append(cm.sessionObservers, ob)
}

// AddSubscriptionObserver registers ob
func (cm *ClientManager) AddSubscriptionObserver(ob SubscriptionObserver) {
	cm.subscriptionObservers = append(cm.subscriptionObservers, ob)
}

// AddBootstrapPopulator registers p
func (cm *ClientManager) AddBootstrapPopulator(p BootstrapPopulator) {
	cm.populators = append(cm.populators, p)
}

// SessionByUsername returns the session of username or nil
func (cm *ClientManager) SessionByUsername(username string) *ClientSession {
	return cm.byUsername[username]
}

// SessionByConnectionID returns the session of the connection or nil
func (cm *ClientManager) SessionByConnectionID(connID int32) *ClientSession {
	return cm.byConnID[connID]
}

// SessionCount returns the number of active sessions
func (cm *ClientManager) SessionCount() int {
	return len(cm.byConnID)
}

// Sessions returns the active sessions ordered by connection id
func (cm *ClientManager) Sessions() []*ClientSession {
	sessions := make([]*ClientSession, 0, len(cm.byConnID))
	for _, s := range cm.byConnID {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].conn.ID() < sessions[j].conn.ID()
	})
	return sessions
}

func (cm *ClientManager) startSession(conn *Connection, req *proto.AuthRequest, res *AuthResult) bool {
	if conn.IsClosed() {
		return false
	}
	if old := cm.byUsername[res.Username]; old != nil {
		gwlog.Infof("%s replaces the session of %s on %s", conn, res.Username, old.conn)
		old.end("replaced")
		old.conn.CloseAfterFlush()
	}

	clobj := proto.NewClientObject(res.Username, conn.ID())
	s := newClientSession(cm, conn, clobj, res)
	clobj.SetAccessController(clientObjectController{s})
	if _, err := cm.omgr.RegisterObject(clobj.DObject); err != nil {
		gwlog.Errorf("%s: register client object of %s failed: %v", conn, res.Username, err)
		conn.Post(&proto.AuthResponse{Status: proto.AuthServerError, Reason: proto.AuthServerError.String()})
		conn.CloseAfterFlush()
		return false
	}

	secret := make([]byte, datagramSecretLen)
	if _, err := rand.Read(secret); err != nil {
		gwlog.Errorf("%s: generate datagram secret failed: %v", conn, err)
		secret = nil
	}
	conn.setDatagramSecret(secret)

	data := &proto.BootstrapData{
		ConnectionID:   conn.ID(),
		ClientOid:      clobj.Oid(),
		Objects:        map[string]dobj.Oid{},
		DatagramSecret: secret,
	}
	if cm.invmgr != nil {
		data.InvOid = cm.invmgr.InvOid()
		data.Services = cm.invmgr.BootstrapServices(req.BootGroups)
	}
	for _, p := range cm.populators {
		gwutils.RunPanicless(func() {
			p(s, data)
		})
	}

	conn.session = s
	cm.byUsername[res.Username] = s
	cm.byConnID[conn.ID()] = s
	gwvar.Sessions.Add(1)
	conn.Post(&proto.AuthResponse{Status: proto.AuthSuccess, Reason: proto.AuthSuccess.String(), Bootstrap: data})
	gwlog.Infof("%s: session of %s started, client oid %d", conn, res.Username, clobj.Oid())

	for _, ob := range cm.sessionObservers {
		gwutils.RunPanicless(func() {
			ob.SessionDidStart(s)
		})
	}
	return true
}

func (cm *ClientManager) sessionEnded(s *ClientSession) {
	gwvar.Sessions.Add(-1)
	if cm.byUsername[s.username] == s {
		delete(cm.byUsername, s.username)
	}
	if cm.byConnID[s.conn.ID()] == s {
		delete(cm.byConnID, s.conn.ID())
	}
	for _, ob := range cm.sessionObservers {
		gwutils.RunPanicless(func() {
			ob.SessionDidEnd(s)
		})
	}
	if consts.DEBUG_CLIENTS {
		gwlog.Debugf("%s: session ended, %d sessions left", s, len(cm.byConnID))
	}
}

func (cm *ClientManager) clientSubscribed(s *ClientSession, obj *dobj.DObject) {
	for _, ob := range cm.subscriptionObservers {
		gwutils.RunPanicless(func() {
			ob.ClientSubscribed(s, obj)
		})
	}
}

func (cm *ClientManager) clientUnsubscribed(s *ClientSession, oid dobj.Oid) {
	for _, ob := range cm.subscriptionObservers {
		gwutils.RunPanicless(func() {
			ob.ClientUnsubscribed(s, oid)
		})
	}
}

// clientObjectController lets only the owning session subscribe to a client object and
// accepts events from the server itself or from the owner
type clientObjectController struct {
	owner *ClientSession
}

func (cc clientObjectController) AllowSubscribe(obj *dobj.DObject, sub dobj.Subscriber) bool {
	if s, ok := sub.(*ClientSession); ok {
		return s == cc.owner
	}
	return true
}

func (cc clientObjectController) AllowEvent(obj *dobj.DObject, event dobj.Event) bool {
	src := event.SourceOid()
	return src == 0 || src == obj.Oid()
}
