package dobj

import (
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// RegisterClasses registers the streamable dobj types with reg
func RegisterClasses(reg *streaming.Registry) {
	reg.MustRegister("dobj.DObject", &DObject{})
	reg.MustRegister("dobj.DSet", &DSet{})
	reg.MustRegister("dobj.OidList", &OidList{})

	reg.MustRegister("dobj.AttributeChangedEvent", &AttributeChangedEvent{})
	reg.MustRegister("dobj.EntryAddedEvent", &EntryAddedEvent{})
	reg.MustRegister("dobj.EntryRemovedEvent", &EntryRemovedEvent{})
	reg.MustRegister("dobj.EntryUpdatedEvent", &EntryUpdatedEvent{})
	reg.MustRegister("dobj.ObjectAddedEvent", &ObjectAddedEvent{})
	reg.MustRegister("dobj.ObjectRemovedEvent", &ObjectRemovedEvent{})
	reg.MustRegister("dobj.MessageEvent", &MessageEvent{})
	reg.MustRegister("dobj.ObjectDestroyedEvent", &ObjectDestroyedEvent{})
	reg.MustRegister("dobj.CompoundEvent", &CompoundEvent{})

	if err := reg.RegisterCustom("dobj.Oid", Oid(0), func(out *streaming.ObjectOutputStream, v interface{}) error {
		out.WriteInt32(int32(v.(Oid)))
		return nil
	}, func(in *streaming.ObjectInputStream) (interface{}, error) {
		v, err := in.ReadInt32()
		return Oid(v), err
	}); err != nil {
		panic(err)
	}
}
