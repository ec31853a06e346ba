package dobj

import (
	"fmt"
)

// Oid identifies an object within its manager. Oid 0 is never allocated.
type Oid int32

// Access failure reasons delivered to Subscriber.RequestFailed
const (
	NoSuchObject = "m.no_such_object"
	AccessDenied = "m.access_denied"
)

// AccessError is the failure of a subscribe or fetch request
type AccessError struct {
	Oid    Oid
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("object %d: %s", e.Oid, e.Reason)
}

// Subscriber receives the result of subscribe and fetch requests
type Subscriber interface {
	ObjectAvailable(obj *DObject)
	RequestFailed(oid Oid, err error)
}

// Listener receives the events applied to an object. Returning false removes the listener.
type Listener interface {
	EventReceived(event Event) bool
}

// ObjectManager is implemented by the authoritative Manager and by client side proxy managers
type ObjectManager interface {
	PostEvent(event Event)
	SubscribeToObject(oid Oid, sub Subscriber)
	FetchObject(oid Oid, sub Subscriber)
	UnsubscribeFromObject(oid Oid, sub Subscriber)
}

// AccessController decides who may subscribe to an object and which events may be applied to it
type AccessController interface {
	AllowSubscribe(obj *DObject, sub Subscriber) bool
	AllowEvent(obj *DObject, event Event) bool
}

type funcListener struct {
	f func(event Event) bool
}

func (fl *funcListener) EventReceived(event Event) bool {
	return fl.f(event)
}

// ListenerFunc returns a Listener calling f
func ListenerFunc(f func(event Event) bool) Listener {
	return &funcListener{f}
}

type funcSubscriber struct {
	available func(obj *DObject)
	failed    func(oid Oid, err error)
}

func (fs *funcSubscriber) ObjectAvailable(obj *DObject) {
	if fs.available != nil {
		fs.available(obj)
	}
}

func (fs *funcSubscriber) RequestFailed(oid Oid, err error) {
	if fs.failed != nil {
		fs.failed(oid, err)
	}
}

// SubscriberFuncs returns a Subscriber calling available or failed
func SubscriberFuncs(available func(obj *DObject), failed func(oid Oid, err error)) Subscriber {
	return &funcSubscriber{available, failed}
}
