package client

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xiaonanln/gopresents/engine/proto"
)

type pendingRequest struct {
	sub       dobj.Subscriber
	subscribe bool
}

// ObjectManager proxies the objects of the server. Events posted to proxies are forwarded to
// the server and applied locally when the server echoes them.
//
// All methods must be called on the run queue of the client.
type ObjectManager struct {
	client  *Client
	objects map[dobj.Oid]*dobj.DObject
	pending map[dobj.Oid][]pendingRequest
}

var _ dobj.ObjectManager = (*ObjectManager)(nil)

func newObjectManager(client *Client) *ObjectManager {
	return &ObjectManager{
		client:  client,
		objects: map[dobj.Oid]*dobj.DObject{},
		pending: map[dobj.Oid][]pendingRequest{},
	}
}

// Lookup returns the proxy of oid if the client is subscribed to it
func (om *ObjectManager) Lookup(oid dobj.Oid) *dobj.DObject {
	return om.objects[oid]
}

// ObjectCount returns the number of proxied objects
func (om *ObjectManager) ObjectCount() int {
	return len(om.objects)
}

// PostEvent forwards event to the server
func (om *ObjectManager) PostEvent(event dobj.Event) {
	if !om.client.sendMessage(&proto.ForwardEventRequest{Event: event}) {
		gwlog.Warnf("%s: dropping event %v, not connected", om.client, event)
	}
}

// SubscribeToObject subscribes sub to the proxy of oid, requesting it from the server if needed
func (om *ObjectManager) SubscribeToObject(oid dobj.Oid, sub dobj.Subscriber) {
	om.request(oid, sub, true)
}

// FetchObject passes the current state of oid to sub without subscribing it
func (om *ObjectManager) FetchObject(oid dobj.Oid, sub dobj.Subscriber) {
	om.request(oid, sub, false)
}

func (om *ObjectManager) request(oid dobj.Oid, sub dobj.Subscriber, subscribe bool) {
	if obj := om.objects[oid]; obj != nil {
		om.client.poster.Post(func() {
			if om.objects[oid] != obj {
				om.request(oid, sub, subscribe)
				return
			}
			if subscribe {
				obj.AddSubscriber(sub)
			}
			sub.ObjectAvailable(obj)
		})
		return
	}

	reqs := om.pending[oid]
	om.pending[oid] = append(reqs, pendingRequest{sub, subscribe})
	if len(reqs) == 0 && !om.client.sendMessage(&proto.SubscribeRequest{Oid: oid}) {
		om.requestFailed(oid, errors.New("not connected"))
	}
}

// UnsubscribeFromObject removes sub from the proxy of oid; the last subscriber leaving
// unsubscribes the client from the server
func (om *ObjectManager) UnsubscribeFromObject(oid dobj.Oid, sub dobj.Subscriber) {
	obj := om.objects[oid]
	if obj == nil {
		return
	}
	obj.RemoveSubscriber(sub)
	if obj.SubscriberCount() == 0 {
		delete(om.objects, oid)
		om.client.sendMessage(&proto.UnsubscribeRequest{Oid: oid})
	}
}

func (om *ObjectManager) handleMessage(msg proto.Message) {
	switch m := msg.(type) {
	case *proto.ObjectResponse:
		om.objectAvailable(m.Object)
	case *proto.FailureResponse:
		om.requestFailed(m.Oid, &dobj.AccessError{Oid: m.Oid, Reason: m.Reason})
	case *proto.EventNotification:
		om.eventReceived(m.Event)
	case *proto.UnsubscribeResponse:
		if consts.DEBUG_CLIENTS {
			gwlog.Debugf("%s: unsubscribed from %d", om.client, m.Oid)
		}
	default:
		gwlog.Warnf("%s: unexpected message %T", om.client, msg)
	}
}

func (om *ObjectManager) objectAvailable(obj *dobj.DObject) {
	if obj == nil {
		return
	}
	oid := obj.Oid()
	reqs := om.pending[oid]
	delete(om.pending, oid)
	if len(reqs) == 0 {
		gwlog.Warnf("%s: received unrequested object %s", om.client, obj)
		om.client.sendMessage(&proto.UnsubscribeRequest{Oid: oid})
		return
	}

	obj.SetManager(om)
	subscribed := false
	for _, req := range reqs {
		if req.subscribe {
			obj.AddSubscriber(req.sub)
			subscribed = true
		}
	}
	if subscribed {
		om.objects[oid] = obj
	} else {
		om.client.sendMessage(&proto.UnsubscribeRequest{Oid: oid})
	}
	for _, req := range reqs {
		req := req
		gwutils.RunPanicless(func() {
			req.sub.ObjectAvailable(obj)
		})
	}
}

func (om *ObjectManager) requestFailed(oid dobj.Oid, err error) {
	reqs := om.pending[oid]
	delete(om.pending, oid)
	for _, req := range reqs {
		req := req
		gwutils.RunPanicless(func() {
			req.sub.RequestFailed(oid, err)
		})
	}
}

func (om *ObjectManager) eventReceived(event dobj.Event) {
	if event == nil {
		return
	}
	obj := om.objects[event.TargetOid()]
	if obj == nil {
		if consts.DEBUG_EVENTS {
			gwlog.Debugf("%s: event %v for unknown object dropped", om.client, event)
		}
		return
	}

	events := []dobj.Event{event}
	if ce, ok := event.(*dobj.CompoundEvent); ok {
		events = ce.Events
	}
	for _, e := range events {
		if obj.IsDestroyed() {
			break
		}
		var notify bool
		err := gwutils.CatchPanic(func() (err error) {
			notify, err = dobj.ApplyEvent(obj, e)
			return
		})
		if err != nil {
			gwlog.Warnf("%s: applying %v failed: %v", om.client, e, err)
			continue
		}
		if notify {
			obj.NotifyListeners(e)
		}
	}
	if obj.IsDestroyed() {
		delete(om.objects, obj.Oid())
	}
}

func (om *ObjectManager) clear() {
	for oid := range om.pending {
		om.requestFailed(oid, errors.New("client session closed"))
	}
	om.objects = map[dobj.Oid]*dobj.DObject{}
}
