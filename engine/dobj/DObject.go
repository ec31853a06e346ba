package dobj

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xiaonanln/gopresents/engine/streaming"
	"github.com/xiaonanln/typeconv"
)

// DObject is a shared object: named fields that only change by events applied on the manager loop
type DObject struct {
	oid    Oid
	kind   string
	omgr   ObjectManager
	fields map[string]interface{}

	subscribers []Subscriber
	listeners   []Listener
	controller  AccessController
	deathWish   bool
	destroyed   bool

	tevent *CompoundEvent
	tcount int
}

// NewDObject creates an unregistered object with initial fields.
//
// Fields may hold any streamable value, a *DSet or an *OidList.
func NewDObject(kind string, fields map[string]interface{}) *DObject {
	obj := &DObject{
		kind:   kind,
		fields: make(map[string]interface{}, len(fields)),
	}
	for name, val := range fields {
		obj.fields[name] = val
	}
	return obj
}

// Snapshot returns an unregistered copy of the object with its collections cloned
func (obj *DObject) Snapshot() *DObject {
	snap := &DObject{
		oid:    obj.oid,
		kind:   obj.kind,
		fields: make(map[string]interface{}, len(obj.fields)),
	}
	for name, val := range obj.fields {
		snap.fields[name] = cloneField(val)
	}
	return snap
}

func cloneField(val interface{}) interface{} {
	switch v := val.(type) {
	case *DSet:
		return v.Clone()
	case *OidList:
		return v.Clone()
	}
	return val
}

func (obj *DObject) String() string {
	return fmt.Sprintf("%s<%d>", obj.kind, obj.oid)
}

// Oid returns the oid of the object, 0 before registration
func (obj *DObject) Oid() Oid {
	return obj.oid
}

// Kind returns the kind label the object was created with
func (obj *DObject) Kind() string {
	return obj.kind
}

// Manager returns the object manager the object belongs to
func (obj *DObject) Manager() ObjectManager {
	return obj.omgr
}

// SetManager attaches a proxied object to the manager that posts its events
func (obj *DObject) SetManager(omgr ObjectManager) {
	obj.omgr = omgr
}

// IsActive returns true if the object is registered and not destroyed
func (obj *DObject) IsActive() bool {
	return obj.omgr != nil && !obj.destroyed
}

// IsDestroyed returns true once the destroy event was applied
func (obj *DObject) IsDestroyed() bool {
	return obj.destroyed
}

// Has returns true if the field exists
func (obj *DObject) Has(name string) bool {
	_, ok := obj.fields[name]
	return ok
}

// Get returns the value of a field, or nil
func (obj *DObject) Get(name string) interface{} {
	return obj.fields[name]
}

// GetInt returns the value of a numeric field as int64
func (obj *DObject) GetInt(name string) int64 {
	val := obj.fields[name]
	if val == nil {
		return 0
	}
	return typeconv.Int(val)
}

// GetString returns the value of a string field
func (obj *DObject) GetString(name string) string {
	s, _ := obj.fields[name].(string)
	return s
}

// GetBool returns the value of a bool field
func (obj *DObject) GetBool(name string) bool {
	b, _ := obj.fields[name].(bool)
	return b
}

// Set returns the DSet field name, or nil
func (obj *DObject) Set(name string) *DSet {
	set, _ := obj.fields[name].(*DSet)
	return set
}

// OidList returns the OidList field name, or nil
func (obj *DObject) OidList(name string) *OidList {
	list, _ := obj.fields[name].(*OidList)
	return list
}

// FieldNames returns the names of all fields, sorted
func (obj *DObject) FieldNames() []string {
	names := make([]string, 0, len(obj.fields))
	for name := range obj.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (obj *DObject) setField(name string) (*DSet, error) {
	set, ok := obj.fields[name].(*DSet)
	if !ok {
		return nil, errors.Errorf("%s.%s is not a set", obj, name)
	}
	return set, nil
}

func (obj *DObject) oidListField(name string) (*OidList, error) {
	list, ok := obj.fields[name].(*OidList)
	if !ok {
		return nil, errors.Errorf("%s.%s is not an oid list", obj, name)
	}
	return list, nil
}

// SetAccessController installs the controller consulted for subscriptions and events
func (obj *DObject) SetAccessController(controller AccessController) {
	obj.controller = controller
}

// SetDestroyOnLastSubscriberRemoved makes the object destroy itself when its last subscriber leaves
func (obj *DObject) SetDestroyOnLastSubscriberRemoved(deathWish bool) {
	obj.deathWish = deathWish
}

func (obj *DObject) allowSubscribe(sub Subscriber) bool {
	return obj.controller == nil || obj.controller.AllowSubscribe(obj, sub)
}

func (obj *DObject) allowEvent(event Event) bool {
	return obj.controller == nil || obj.controller.AllowEvent(obj, event)
}

// AddSubscriber adds sub to the subscriber list, ignoring duplicates
func (obj *DObject) AddSubscriber(sub Subscriber) {
	for _, s := range obj.subscribers {
		if s == sub {
			return
		}
	}
	obj.subscribers = append(obj.subscribers, sub)
}

// RemoveSubscriber removes sub and reports whether it was subscribed
func (obj *DObject) RemoveSubscriber(sub Subscriber) bool {
	for i, s := range obj.subscribers {
		if s == sub {
			obj.subscribers = append(obj.subscribers[:i:i], obj.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of subscribers
func (obj *DObject) SubscriberCount() int {
	return len(obj.subscribers)
}

// AddListener adds l to the listener list, ignoring duplicates
func (obj *DObject) AddListener(l Listener) {
	for _, o := range obj.listeners {
		if o == l {
			return
		}
	}
	obj.listeners = append(obj.listeners, l)
}

// RemoveListener removes l from the listener list
func (obj *DObject) RemoveListener(l Listener) {
	for i, o := range obj.listeners {
		if o == l {
			obj.listeners = append(obj.listeners[:i:i], obj.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of listeners
func (obj *DObject) ListenerCount() int {
	return len(obj.listeners)
}

// NotifyListeners passes event to every listener in list order.
//
// The list is copied first; listeners returning false are removed after the pass. A panicking
// listener is logged and kept.
func (obj *DObject) NotifyListeners(event Event) {
	if len(obj.listeners) == 0 {
		return
	}
	snapshot := make([]Listener, len(obj.listeners))
	copy(snapshot, obj.listeners)

	var dropped []Listener
	for _, l := range snapshot {
		keep := true
		gwutils.RunPanicless(func() {
			keep = l.EventReceived(event)
		})
		if !keep {
			dropped = append(dropped, l)
		}
	}
	for _, l := range dropped {
		obj.RemoveListener(l)
	}
}

// StartTransaction collects events posted by this object into one compound event until commit.
// Transactions nest.
func (obj *DObject) StartTransaction() {
	if obj.tevent == nil {
		obj.tevent = &CompoundEvent{EventBase: EventBase{Target: obj.oid}}
	}
	obj.tcount++
}

// CommitTransaction posts the collected events once the outermost transaction commits
func (obj *DObject) CommitTransaction() {
	if obj.tcount == 0 {
		gwlog.Warnf("%s: commit without transaction", obj)
		return
	}
	obj.tcount--
	if obj.tcount > 0 {
		return
	}
	tevent := obj.tevent
	obj.tevent = nil
	switch len(tevent.Events) {
	case 0:
	case 1:
		obj.postEvent(tevent.Events[0])
	default:
		obj.postEvent(tevent)
	}
}

// CancelTransaction drops all events collected by the transaction
func (obj *DObject) CancelTransaction() {
	obj.tevent = nil
	obj.tcount = 0
}

// InTransaction returns true between StartTransaction and the outermost commit
func (obj *DObject) InTransaction() bool {
	return obj.tcount > 0
}

func (obj *DObject) postEvent(event Event) {
	if obj.tevent != nil {
		obj.tevent.Events = append(obj.tevent.Events, event)
		return
	}
	if obj.omgr == nil {
		gwlog.Warnf("%s: event %v posted on unregistered object", obj, event)
		return
	}
	obj.omgr.PostEvent(event)
}

// SetAttribute requests a field change
func (obj *DObject) SetAttribute(name string, value interface{}) {
	obj.postEvent(&AttributeChangedEvent{EventBase: EventBase{Target: obj.oid}, Name: name, Value: value})
}

// AddToSet requests adding entry to the DSet field name
func (obj *DObject) AddToSet(name string, entry Entry) {
	obj.postEvent(&EntryAddedEvent{EventBase: EventBase{Target: obj.oid}, Name: name, Entry: entry})
}

// UpdateSet requests replacing the entry with the key of entry in the DSet field name
func (obj *DObject) UpdateSet(name string, entry Entry) {
	obj.postEvent(&EntryUpdatedEvent{EventBase: EventBase{Target: obj.oid}, Name: name, Entry: entry})
}

// RemoveFromSet requests removing the entry with key from the DSet field name
func (obj *DObject) RemoveFromSet(name string, key interface{}) {
	obj.postEvent(&EntryRemovedEvent{EventBase: EventBase{Target: obj.oid}, Name: name, Key: key})
}

// AddToOidList requests adding oid to the OidList field name
func (obj *DObject) AddToOidList(name string, oid Oid) {
	obj.postEvent(&ObjectAddedEvent{EventBase: EventBase{Target: obj.oid}, Name: name, Oid: oid})
}

// RemoveFromOidList requests removing oid from the OidList field name
func (obj *DObject) RemoveFromOidList(name string, oid Oid) {
	obj.postEvent(&ObjectRemovedEvent{EventBase: EventBase{Target: obj.oid}, Name: name, Oid: oid})
}

// PostMessage posts a named message to the listeners of the object
func (obj *DObject) PostMessage(name string, args ...interface{}) {
	obj.postEvent(&MessageEvent{EventBase: EventBase{Target: obj.oid}, Name: name, Args: args})
}

// Destroy requests destruction of the object
func (obj *DObject) Destroy() {
	if obj.omgr == nil {
		gwlog.Warnf("%s: destroy of unregistered object", obj)
		return
	}
	// destruction is never part of a transaction
	obj.omgr.PostEvent(&ObjectDestroyedEvent{EventBase: EventBase{Target: obj.oid}})
}

// WriteObject writes the oid, the kind and the fields sorted by name
func (obj *DObject) WriteObject(out *streaming.ObjectOutputStream) error {
	out.WriteInt32(int32(obj.oid))
	out.WriteString(obj.kind)
	return out.WriteMap(obj.fields)
}

// ReadObject reads an object written by WriteObject. The result is not attached to any manager.
func (obj *DObject) ReadObject(in *streaming.ObjectInputStream) error {
	oid, err := in.ReadInt32()
	if err != nil {
		return err
	}
	if obj.kind, err = in.ReadString(); err != nil {
		return err
	}
	if obj.fields, err = in.ReadMap(); err != nil {
		return err
	}
	obj.oid = Oid(oid)
	return nil
}
