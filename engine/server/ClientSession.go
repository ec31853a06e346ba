package server

import (
	"fmt"

	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/proto"
)

// ClientSession is the loop side of an authenticated connection.
//
// It subscribes to objects on behalf of the client and forwards their events downstream.
type ClientSession struct {
	cm       *ClientManager
	conn     *Connection
	clobj    proto.ClientObject
	username string
	peer     bool
	data     interface{}

	subs  map[dobj.Oid]*dobj.DObject
	ended bool
}

var _ dobj.Subscriber = (*ClientSession)(nil)
var _ dobj.Listener = (*ClientSession)(nil)

func newClientSession(cm *ClientManager, conn *Connection, clobj proto.ClientObject, res *AuthResult) *ClientSession {
	return &ClientSession{
		cm:       cm,
		conn:     conn,
		clobj:    clobj,
		username: res.Username,
		peer:     res.Peer,
		data:     res.Data,
		subs:     map[dobj.Oid]*dobj.DObject{},
	}
}

func (s *ClientSession) String() string {
	return fmt.Sprintf("ClientSession<%s#%d>", s.username, s.conn.ID())
}

// Username returns the authenticated user
func (s *ClientSession) Username() string {
	return s.username
}

// IsPeer returns true if the session was authenticated as a peer node
func (s *ClientSession) IsPeer() bool {
	return s.peer
}

// AuthData returns the data attached by the authenticator
func (s *ClientSession) AuthData() interface{} {
	return s.data
}

// ClientObject returns the object representing the session
func (s *ClientSession) ClientObject() proto.ClientObject {
	return s.clobj
}

// ClientOid returns the oid of the client object
func (s *ClientSession) ClientOid() dobj.Oid {
	return s.clobj.Oid()
}

// ConnectionID returns the id of the connection
func (s *ClientSession) ConnectionID() int32 {
	return s.conn.ID()
}

// Connection returns the connection of the session
func (s *ClientSession) Connection() *Connection {
	return s.conn
}

// IsEnded returns true after the session ended
func (s *ClientSession) IsEnded() bool {
	return s.ended
}

// IsSubscribed returns true if the client is subscribed to oid
func (s *ClientSession) IsSubscribed(oid dobj.Oid) bool {
	return s.subs[oid] != nil
}

// SubscriptionCount returns the number of objects the client is subscribed to
func (s *ClientSession) SubscriptionCount() int {
	return len(s.subs)
}

// Post sends msg to the client
func (s *ClientSession) Post(msg proto.Message) {
	if !s.ended {
		s.conn.Post(msg)
	}
}

func (s *ClientSession) handleMessage(msg proto.Message) {
	if s.ended {
		return
	}
	switch m := msg.(type) {
	case *proto.SubscribeRequest:
		s.cm.omgr.SubscribeToObject(m.Oid, s)
	case *proto.UnsubscribeRequest:
		s.unsubscribe(m.Oid)
		s.conn.Post(&proto.UnsubscribeResponse{Oid: m.Oid})
	case *proto.ForwardEventRequest:
		s.forwardEvent(m.Event)
	case *proto.LogoffRequest:
		gwlog.Infof("%s: logoff", s)
		s.end("logoff")
		s.conn.CloseAfterFlush()
	default:
		gwlog.Warnf("%s: unexpected message %T", s, msg)
	}
}

func (s *ClientSession) forwardEvent(event dobj.Event) {
	if event == nil {
		return
	}
	src := s.clobj.Oid()
	event.SetSourceOid(src)
	if ce, ok := event.(*dobj.CompoundEvent); ok {
		for _, sub := range ce.Events {
			sub.SetSourceOid(src)
		}
	}
	if consts.DEBUG_CLIENTS {
		gwlog.Debugf("%s: forward %v", s, event)
	}
	s.cm.omgr.PostEvent(event)
}

// ObjectAvailable sends the object to the client and starts forwarding its events
func (s *ClientSession) ObjectAvailable(obj *dobj.DObject) {
	if s.ended {
		s.cm.omgr.RemoveSubscriber(obj.Oid(), s)
		return
	}
	if s.subs[obj.Oid()] == nil {
		s.subs[obj.Oid()] = obj
		obj.AddListener(s)
		s.cm.clientSubscribed(s, obj)
	}
	s.conn.Post(&proto.ObjectResponse{Object: obj.Snapshot()})
}

// RequestFailed tells the client its subscription failed
func (s *ClientSession) RequestFailed(oid dobj.Oid, err error) {
	reason := dobj.NoSuchObject
	if ae, ok := err.(*dobj.AccessError); ok {
		reason = ae.Reason
	} else if err != nil {
		reason = invocation.FailureReason(err)
	}
	s.Post(&proto.FailureResponse{Oid: oid, Reason: reason})
}

// EventReceived forwards events of subscribed objects to the client
func (s *ClientSession) EventReceived(event dobj.Event) bool {
	if s.ended {
		return false
	}
	oid := event.TargetOid()
	if s.subs[oid] == nil {
		return false
	}
	s.conn.Post(&proto.EventNotification{Event: event})
	if event.Kind() == dobj.KindObjectDestroyed {
		delete(s.subs, oid)
		s.cm.clientUnsubscribed(s, oid)
		return false
	}
	return true
}

func (s *ClientSession) unsubscribe(oid dobj.Oid) {
	obj := s.subs[oid]
	if obj == nil {
		return
	}
	delete(s.subs, oid)
	obj.RemoveListener(s)
	s.cm.omgr.RemoveSubscriber(oid, s)
	s.cm.clientUnsubscribed(s, oid)
}

// end releases all subscriptions and destroys the client object
func (s *ClientSession) end(reason string) {
	if s.ended {
		return
	}
	oids := make([]dobj.Oid, 0, len(s.subs))
	for oid := range s.subs {
		oids = append(oids, oid)
	}
	for _, oid := range oids {
		s.unsubscribe(oid)
	}
	s.ended = true
	if s.conn.session == s {
		s.conn.session = nil
	}
	if s.clobj.IsActive() {
		s.clobj.Destroy()
	}
	gwlog.Infof("%s: session ended (%s)", s, reason)
	s.cm.sessionEnded(s)
}

// End ends the session and closes its connection once the queued messages are written
func (s *ClientSession) End(reason string) {
	s.end(reason)
	s.conn.CloseAfterFlush()
}
