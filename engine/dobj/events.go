package dobj

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// EventKind tags the concrete type of an Event
type EventKind uint8

// Event kinds
const (
	KindAttributeChanged EventKind = iota + 1
	KindEntryAdded
	KindEntryRemoved
	KindEntryUpdated
	KindObjectAdded
	KindObjectRemoved
	KindMessage
	KindObjectDestroyed
	KindCompound
)

var eventKindNames = map[EventKind]string{
	KindAttributeChanged: "AttributeChanged",
	KindEntryAdded:       "EntryAdded",
	KindEntryRemoved:     "EntryRemoved",
	KindEntryUpdated:     "EntryUpdated",
	KindObjectAdded:      "ObjectAdded",
	KindObjectRemoved:    "ObjectRemoved",
	KindMessage:          "Message",
	KindObjectDestroyed:  "ObjectDestroyed",
	KindCompound:         "Compound",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind<%d>", uint8(k))
}

// Event is one mutation of one object. The set of events is closed: every event embeds EventBase.
type Event interface {
	streaming.Streamer
	Kind() EventKind
	TargetOid() Oid
	SourceOid() Oid
	SetSourceOid(oid Oid)
	base() *EventBase
}

// EventBase holds the oids common to all events
type EventBase struct {
	Target Oid
	Source Oid
}

// TargetOid returns the oid of the object the event mutates
func (e *EventBase) TargetOid() Oid {
	return e.Target
}

// SourceOid returns the client object oid of the originator, or 0 for server-side events
func (e *EventBase) SourceOid() Oid {
	return e.Source
}

// SetSourceOid sets the originator of the event
func (e *EventBase) SetSourceOid(oid Oid) {
	e.Source = oid
}

func (e *EventBase) base() *EventBase {
	return e
}

func (e *EventBase) writeBase(out *streaming.ObjectOutputStream) {
	out.WriteInt32(int32(e.Target))
	out.WriteInt32(int32(e.Source))
}

func (e *EventBase) readBase(in *streaming.ObjectInputStream) error {
	target, err := in.ReadInt32()
	if err != nil {
		return err
	}
	source, err := in.ReadInt32()
	if err != nil {
		return err
	}
	e.Target, e.Source = Oid(target), Oid(source)
	return nil
}

// AttributeChangedEvent sets a named field
type AttributeChangedEvent struct {
	EventBase
	Name     string
	Value    interface{}
	OldValue interface{} // filled in when applied, not streamed
}

func (e *AttributeChangedEvent) Kind() EventKind { return KindAttributeChanged }

func (e *AttributeChangedEvent) String() string {
	return fmt.Sprintf("AttributeChanged<%d.%s=%v>", e.Target, e.Name, e.Value)
}

func (e *AttributeChangedEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	out.WriteString(e.Name)
	return out.WriteObject(e.Value)
}

func (e *AttributeChangedEvent) ReadObject(in *streaming.ObjectInputStream) (err error) {
	if err = e.readBase(in); err != nil {
		return
	}
	if e.Name, err = in.ReadString(); err != nil {
		return
	}
	e.Value, err = in.ReadObject()
	return
}

// EntryAddedEvent adds an entry to a DSet field
type EntryAddedEvent struct {
	EventBase
	Name  string
	Entry Entry
}

func (e *EntryAddedEvent) Kind() EventKind { return KindEntryAdded }

func (e *EntryAddedEvent) String() string {
	return fmt.Sprintf("EntryAdded<%d.%s+%v>", e.Target, e.Name, e.Entry.Key())
}

func (e *EntryAddedEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	out.WriteString(e.Name)
	return out.WriteObject(e.Entry)
}

func (e *EntryAddedEvent) ReadObject(in *streaming.ObjectInputStream) (err error) {
	if err = e.readBase(in); err != nil {
		return
	}
	if e.Name, err = in.ReadString(); err != nil {
		return
	}
	e.Entry, err = readEntry(in)
	return
}

// EntryRemovedEvent removes the entry with Key from a DSet field
type EntryRemovedEvent struct {
	EventBase
	Name     string
	Key      interface{}
	OldEntry Entry // filled in when applied, not streamed
}

func (e *EntryRemovedEvent) Kind() EventKind { return KindEntryRemoved }

func (e *EntryRemovedEvent) String() string {
	return fmt.Sprintf("EntryRemoved<%d.%s-%v>", e.Target, e.Name, e.Key)
}

func (e *EntryRemovedEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	out.WriteString(e.Name)
	return out.WriteObject(e.Key)
}

func (e *EntryRemovedEvent) ReadObject(in *streaming.ObjectInputStream) (err error) {
	if err = e.readBase(in); err != nil {
		return
	}
	if e.Name, err = in.ReadString(); err != nil {
		return
	}
	e.Key, err = in.ReadObject()
	return
}

// EntryUpdatedEvent replaces the entry with the same key in a DSet field
type EntryUpdatedEvent struct {
	EventBase
	Name     string
	Entry    Entry
	OldEntry Entry // filled in when applied, not streamed
}

func (e *EntryUpdatedEvent) Kind() EventKind { return KindEntryUpdated }

func (e *EntryUpdatedEvent) String() string {
	return fmt.Sprintf("EntryUpdated<%d.%s~%v>", e.Target, e.Name, e.Entry.Key())
}

func (e *EntryUpdatedEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	out.WriteString(e.Name)
	return out.WriteObject(e.Entry)
}

func (e *EntryUpdatedEvent) ReadObject(in *streaming.ObjectInputStream) (err error) {
	if err = e.readBase(in); err != nil {
		return
	}
	if e.Name, err = in.ReadString(); err != nil {
		return
	}
	e.Entry, err = readEntry(in)
	return
}

// ObjectAddedEvent adds an oid to an OidList field
type ObjectAddedEvent struct {
	EventBase
	Name string
	Oid  Oid
}

func (e *ObjectAddedEvent) Kind() EventKind { return KindObjectAdded }

func (e *ObjectAddedEvent) String() string {
	return fmt.Sprintf("ObjectAdded<%d.%s+%d>", e.Target, e.Name, e.Oid)
}

func (e *ObjectAddedEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	out.WriteString(e.Name)
	out.WriteInt32(int32(e.Oid))
	return nil
}

func (e *ObjectAddedEvent) ReadObject(in *streaming.ObjectInputStream) (err error) {
	if err = e.readBase(in); err != nil {
		return
	}
	if e.Name, err = in.ReadString(); err != nil {
		return
	}
	oid, err := in.ReadInt32()
	e.Oid = Oid(oid)
	return
}

// ObjectRemovedEvent removes an oid from an OidList field
type ObjectRemovedEvent struct {
	EventBase
	Name string
	Oid  Oid
}

func (e *ObjectRemovedEvent) Kind() EventKind { return KindObjectRemoved }

func (e *ObjectRemovedEvent) String() string {
	return fmt.Sprintf("ObjectRemoved<%d.%s-%d>", e.Target, e.Name, e.Oid)
}

func (e *ObjectRemovedEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	out.WriteString(e.Name)
	out.WriteInt32(int32(e.Oid))
	return nil
}

func (e *ObjectRemovedEvent) ReadObject(in *streaming.ObjectInputStream) (err error) {
	if err = e.readBase(in); err != nil {
		return
	}
	if e.Name, err = in.ReadString(); err != nil {
		return
	}
	oid, err := in.ReadInt32()
	e.Oid = Oid(oid)
	return
}

// MessageEvent carries a named payload and leaves the object unchanged
type MessageEvent struct {
	EventBase
	Name string
	Args []interface{}
}

func (e *MessageEvent) Kind() EventKind { return KindMessage }

func (e *MessageEvent) String() string {
	return fmt.Sprintf("Message<%d.%s%v>", e.Target, e.Name, e.Args)
}

func (e *MessageEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	out.WriteString(e.Name)
	return out.WriteList(e.Args)
}

func (e *MessageEvent) ReadObject(in *streaming.ObjectInputStream) (err error) {
	if err = e.readBase(in); err != nil {
		return
	}
	if e.Name, err = in.ReadString(); err != nil {
		return
	}
	e.Args, err = in.ReadList()
	return
}

// ObjectDestroyedEvent destroys the target object
type ObjectDestroyedEvent struct {
	EventBase
}

func (e *ObjectDestroyedEvent) Kind() EventKind { return KindObjectDestroyed }

func (e *ObjectDestroyedEvent) String() string {
	return fmt.Sprintf("ObjectDestroyed<%d>", e.Target)
}

func (e *ObjectDestroyedEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	return nil
}

func (e *ObjectDestroyedEvent) ReadObject(in *streaming.ObjectInputStream) error {
	return e.readBase(in)
}

// CompoundEvent groups events on one target that are processed together, in order
type CompoundEvent struct {
	EventBase
	Events []Event
}

func (e *CompoundEvent) Kind() EventKind { return KindCompound }

func (e *CompoundEvent) String() string {
	return fmt.Sprintf("Compound<%d x%d>", e.Target, len(e.Events))
}

func (e *CompoundEvent) WriteObject(out *streaming.ObjectOutputStream) error {
	e.writeBase(out)
	out.WriteInt32(int32(len(e.Events)))
	for _, sub := range e.Events {
		if err := out.WriteObject(sub); err != nil {
			return err
		}
	}
	return nil
}

func (e *CompoundEvent) ReadObject(in *streaming.ObjectInputStream) error {
	if err := e.readBase(in); err != nil {
		return err
	}
	n, err := in.ReadCount()
	if err != nil {
		return err
	}
	e.Events = make([]Event, 0, n)
	for i := 0; i < n; i++ {
		v, err := in.ReadObject()
		if err != nil {
			return err
		}
		sub, ok := v.(Event)
		if !ok {
			return errors.Errorf("compound event holds %T", v)
		}
		e.Events = append(e.Events, sub)
	}
	return nil
}

// ErrNoChange is returned by ApplyEvent for events that leave the object unchanged
var ErrNoChange = errors.New("event changes nothing")

func readEntry(in *streaming.ObjectInputStream) (Entry, error) {
	v, err := in.ReadObject()
	if err != nil {
		return nil, err
	}
	entry, ok := v.(Entry)
	if !ok {
		return nil, errors.Errorf("%T is not a set entry", v)
	}
	return entry, nil
}

// ApplyEvent applies event to obj and reports whether listeners should be notified.
//
// Events that change nothing (duplicate adds, removing missing entries) fail with ErrNoChange
// and must not be notified.
func ApplyEvent(obj *DObject, event Event) (notify bool, err error) {
	switch e := event.(type) {
	case *AttributeChangedEvent:
		e.OldValue = obj.fields[e.Name]
		obj.fields[e.Name] = cloneField(e.Value)
		return true, nil

	case *EntryAddedEvent:
		set, err := obj.setField(e.Name)
		if err != nil {
			return false, err
		}
		if !set.add(e.Entry) {
			return false, errors.Wrapf(ErrNoChange, "%s.%s already contains key %v", obj, e.Name, e.Entry.Key())
		}
		return true, nil

	case *EntryRemovedEvent:
		set, err := obj.setField(e.Name)
		if err != nil {
			return false, err
		}
		e.OldEntry = set.remove(e.Key)
		if e.OldEntry == nil {
			return false, errors.Wrapf(ErrNoChange, "%s.%s has no entry with key %v", obj, e.Name, e.Key)
		}
		return true, nil

	case *EntryUpdatedEvent:
		set, err := obj.setField(e.Name)
		if err != nil {
			return false, err
		}
		e.OldEntry = set.update(e.Entry)
		if e.OldEntry == nil {
			return false, errors.Wrapf(ErrNoChange, "%s.%s has no entry with key %v to update", obj, e.Name, e.Entry.Key())
		}
		return true, nil

	case *ObjectAddedEvent:
		list, err := obj.oidListField(e.Name)
		if err != nil {
			return false, err
		}
		if !list.add(e.Oid) {
			return false, errors.Wrapf(ErrNoChange, "%s.%s already contains %d", obj, e.Name, e.Oid)
		}
		return true, nil

	case *ObjectRemovedEvent:
		list, err := obj.oidListField(e.Name)
		if err != nil {
			return false, err
		}
		if !list.remove(e.Oid) {
			return false, errors.Wrapf(ErrNoChange, "%s.%s does not contain %d", obj, e.Name, e.Oid)
		}
		return true, nil

	case *MessageEvent:
		return true, nil

	case *ObjectDestroyedEvent:
		obj.destroyed = true
		return true, nil

	case *CompoundEvent:
		return false, errors.Errorf("compound event %s must be expanded before it is applied", e)
	}
	return false, errors.Errorf("unknown event %T", event)
}
