package dobj

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xiaonanln/gopresents/engine/opmon"
	"github.com/xiaonanln/gopresents/engine/post"
)

type shutdownSentinel struct{}

type oidRef struct {
	holder Oid
	field  string
}

// Manager is the authority over a space of DObjects.
//
// All object state is owned by the goroutine calling Run. Other goroutines only queue events
// and callbacks.
type Manager struct {
	queue      *xnsyncutil.SyncQueue
	terminated *xnsyncutil.OneTimeCond
	running    xnsyncutil.AtomicBool

	objects map[Oid]*DObject
	refs    map[Oid]map[oidRef]struct{}
	nextOid Oid

	recentWarnedQueueLen atomic.Int64
}

// NewManager creates a manager; call Run to start processing
func NewManager() *Manager {
	return &Manager{
		queue:      xnsyncutil.NewSyncQueue(),
		terminated: xnsyncutil.NewOneTimeCond(),
		objects:    map[Oid]*DObject{},
		refs:       map[Oid]map[oidRef]struct{}{},
	}
}

var _ ObjectManager = (*Manager)(nil)
var _ post.Poster = (*Manager)(nil)

func (m *Manager) push(item interface{}) {
	m.queue.Push(item)

	qlen := m.queue.Len()
	if qlen > 1000 && qlen%1000 == 0 && m.recentWarnedQueueLen.Swap(int64(qlen)) != int64(qlen) {
		gwlog.Warnf("dobj: event queue length = %d", qlen)
	}
}

// PostEvent queues event for processing on the loop
func (m *Manager) PostEvent(event Event) {
	if event == nil {
		return
	}
	m.push(event)
}

// Post queues f to run on the loop after the events queued before it
func (m *Manager) Post(f post.PostCallback) {
	m.push(f)
}

// QueueLen returns the number of queued items
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// CreateObject registers a new object on the loop and passes it to sub.
//
// If subscribe is set sub is also added to the subscribers of the object.
func (m *Manager) CreateObject(kind string, fields map[string]interface{}, sub Subscriber, subscribe bool) {
	obj := NewDObject(kind, fields)
	m.Post(func() {
		if _, err := m.RegisterObject(obj); err != nil {
			gwlog.Errorf("dobj: create %s failed: %v", kind, err)
			if sub != nil {
				sub.RequestFailed(0, err)
			}
			return
		}
		if sub != nil {
			if subscribe {
				obj.AddSubscriber(sub)
			}
			sub.ObjectAvailable(obj)
		}
	})
}

// RegisterObject assigns an oid to obj and makes it live. Must be called on the loop.
func (m *Manager) RegisterObject(obj *DObject) (Oid, error) {
	if obj.omgr != nil || obj.oid != 0 {
		return 0, errors.Errorf("%s is already registered", obj)
	}
	oid, err := m.allocateOid()
	if err != nil {
		return 0, err
	}
	obj.oid = oid
	obj.omgr = m
	m.objects[oid] = obj

	for name, val := range obj.fields {
		if list, ok := val.(*OidList); ok {
			for _, ref := range list.Oids() {
				m.addRef(ref, oidRef{oid, name})
			}
		}
	}
	if consts.DEBUG_EVENTS {
		gwlog.Debugf("dobj: registered %s", obj)
	}
	return oid, nil
}

func (m *Manager) allocateOid() (Oid, error) {
	for i := 0; i < math.MaxInt32; i++ {
		m.nextOid++
		if m.nextOid <= 0 {
			m.nextOid = 1
		}
		if m.objects[m.nextOid] == nil && len(m.refs[m.nextOid]) == 0 {
			return m.nextOid, nil
		}
	}
	return 0, errors.New("oid space exhausted")
}

// Lookup returns the live object with oid. Must be called on the loop.
func (m *Manager) Lookup(oid Oid) *DObject {
	return m.objects[oid]
}

// ObjectCount returns the number of live objects. Must be called on the loop.
func (m *Manager) ObjectCount() int {
	return len(m.objects)
}

// SubscribeToObject adds sub to the subscribers of oid and passes it the object
func (m *Manager) SubscribeToObject(oid Oid, sub Subscriber) {
	m.Post(func() {
		if obj := m.resolve(oid, sub); obj != nil {
			obj.AddSubscriber(sub)
			sub.ObjectAvailable(obj)
		}
	})
}

// FetchObject passes the object with oid to sub without subscribing
func (m *Manager) FetchObject(oid Oid, sub Subscriber) {
	m.Post(func() {
		if obj := m.resolve(oid, sub); obj != nil {
			sub.ObjectAvailable(obj)
		}
	})
}

func (m *Manager) resolve(oid Oid, sub Subscriber) *DObject {
	obj := m.objects[oid]
	if obj == nil {
		sub.RequestFailed(oid, &AccessError{oid, NoSuchObject})
		return nil
	}
	if !obj.allowSubscribe(sub) {
		gwlog.Warnf("dobj: %s refused subscriber %v", obj, sub)
		sub.RequestFailed(oid, &AccessError{oid, AccessDenied})
		return nil
	}
	return obj
}

// UnsubscribeFromObject removes sub from the subscribers of oid
func (m *Manager) UnsubscribeFromObject(oid Oid, sub Subscriber) {
	m.Post(func() {
		m.RemoveSubscriber(oid, sub)
	})
}

// RemoveSubscriber removes sub from the subscribers of oid. Must be called on the loop.
func (m *Manager) RemoveSubscriber(oid Oid, sub Subscriber) {
	obj := m.objects[oid]
	if obj == nil {
		return
	}
	if obj.RemoveSubscriber(sub) && obj.SubscriberCount() == 0 && obj.deathWish {
		obj.Destroy()
	}
}

// Run processes queued items until Shutdown
func (m *Manager) Run() {
	m.running.Store(true)
	defer func() {
		m.running.Store(false)
		m.terminated.Signal()
	}()

	for {
		item := m.queue.Pop()
		if item == nil { // queue is closed
			return
		}
		if _, ok := item.(shutdownSentinel); ok {
			gwlog.Infof("dobj: manager loop stopped, %d items left in queue", m.queue.Len())
			m.queue.Close()
			return
		}
		m.process(item)
	}
}

// IsRunning returns true while Run is processing the queue
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Shutdown stops the loop after the item in hand
func (m *Manager) Shutdown() {
	m.queue.Push(shutdownSentinel{})
}

// WaitTerminated blocks until Run returns
func (m *Manager) WaitTerminated() {
	m.terminated.Wait()
}

func (m *Manager) process(item interface{}) {
	switch it := item.(type) {
	case Event:
		m.processEvent(it)
	case post.PostCallback:
		m.runCallback(it)
	case func():
		m.runCallback(it)
	default:
		gwlog.Errorf("dobj: unknown queue item %T", item)
	}
}

func (m *Manager) runCallback(f func()) {
	op := opmon.StartOperation("dobj.runnable")
	gwutils.RunPanicless(f)
	op.Finish(consts.DOBJ_RUNNABLE_WARN_THRESHOLD)
}

func (m *Manager) processEvent(event Event) {
	op := opmon.StartOperation("dobj.event")
	defer op.Finish(consts.DOBJ_EVENT_WARN_THRESHOLD)

	if consts.DEBUG_EVENTS {
		gwlog.Debugf("dobj: processing %v", event)
	}
	obj := m.objects[event.TargetOid()]
	if obj == nil {
		gwlog.Warnf("dobj: event %v targets missing object", event)
		return
	}

	compound, ok := event.(*CompoundEvent)
	if !ok {
		if !obj.allowEvent(event) {
			gwlog.Warnf("dobj: %s refused event %v from %d", obj, event, event.SourceOid())
			return
		}
		m.dispatchEvent(obj, event)
		return
	}

	// all or nothing
	if !obj.allowEvent(compound) {
		gwlog.Warnf("dobj: %s refused event %v from %d", obj, compound, compound.Source)
		return
	}
	for _, sub := range compound.Events {
		if sub.TargetOid() != compound.Target {
			gwlog.Warnf("dobj: compound %v holds %v for another object", compound, sub)
			return
		}
		if _, nested := sub.(*CompoundEvent); nested {
			gwlog.Warnf("dobj: compound %v holds nested compound %v", compound, sub)
			return
		}
		if sub.SourceOid() == 0 {
			sub.SetSourceOid(compound.Source)
		}
		if !obj.allowEvent(sub) {
			gwlog.Warnf("dobj: %s refused event %v from %d", obj, sub, sub.SourceOid())
			return
		}
	}
	for _, sub := range compound.Events {
		if obj.destroyed {
			gwlog.Warnf("dobj: %s destroyed during compound %v, dropping %v", obj, compound, sub)
			continue
		}
		m.dispatchEvent(obj, sub)
	}
}

func (m *Manager) dispatchEvent(obj *DObject, event Event) {
	if added, ok := event.(*ObjectAddedEvent); ok && m.objects[added.Oid] == nil {
		gwlog.Warnf("dobj: %v refers to missing or destroyed object %d, ignored", added, added.Oid)
		return
	}

	var notify bool
	err := gwutils.CatchPanic(func() (err error) {
		notify, err = ApplyEvent(obj, event)
		return
	})
	if err != nil {
		if errors.Cause(err) == ErrNoChange {
			gwlog.Warnf("dobj: %v dropped: %v", event, err)
		} else {
			gwlog.Errorf("dobj: applying %v failed: %v", event, err)
		}
		return
	}

	switch e := event.(type) {
	case *ObjectAddedEvent:
		m.addRef(e.Oid, oidRef{obj.oid, e.Name})
	case *ObjectRemovedEvent:
		m.removeRef(e.Oid, oidRef{obj.oid, e.Name})
	case *AttributeChangedEvent:
		// replacing a whole oid list field changes the references it holds
		if list, ok := e.OldValue.(*OidList); ok {
			for _, ref := range list.Oids() {
				m.removeRef(ref, oidRef{obj.oid, e.Name})
			}
		}
		if list, ok := e.Value.(*OidList); ok {
			for _, ref := range list.Oids() {
				m.addRef(ref, oidRef{obj.oid, e.Name})
			}
		}
	}

	if notify {
		obj.NotifyListeners(event)
	}
	if obj.destroyed {
		m.forget(obj)
	}
}

func (m *Manager) addRef(oid Oid, ref oidRef) {
	holders := m.refs[oid]
	if holders == nil {
		holders = map[oidRef]struct{}{}
		m.refs[oid] = holders
	}
	holders[ref] = struct{}{}
}

func (m *Manager) removeRef(oid Oid, ref oidRef) {
	holders := m.refs[oid]
	delete(holders, ref)
	if len(holders) == 0 {
		delete(m.refs, oid)
	}
}

// forget drops a destroyed object and queues the removal of its oid from every list holding it
func (m *Manager) forget(obj *DObject) {
	delete(m.objects, obj.oid)

	for name, val := range obj.fields {
		if list, ok := val.(*OidList); ok {
			for _, ref := range list.Oids() {
				m.removeRef(ref, oidRef{obj.oid, name})
			}
		}
	}
	for ref := range m.refs[obj.oid] {
		m.PostEvent(&ObjectRemovedEvent{EventBase: EventBase{Target: ref.holder}, Name: ref.field, Oid: obj.oid})
	}

	obj.subscribers = nil
	obj.listeners = nil
	if consts.DEBUG_EVENTS {
		gwlog.Debugf("dobj: destroyed %s", obj)
	}
}
