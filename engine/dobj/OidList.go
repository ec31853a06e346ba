package dobj

import (
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// OidList is an ordered list of unique oids referencing other objects
type OidList struct {
	oids []Oid
}

// NewOidList creates a list holding oids, skipping duplicates
func NewOidList(oids ...Oid) *OidList {
	list := &OidList{}
	for _, oid := range oids {
		list.add(oid)
	}
	return list
}

// Size returns the number of oids
func (list *OidList) Size() int {
	return len(list.oids)
}

// Contains returns true if oid is in the list
func (list *OidList) Contains(oid Oid) bool {
	return list.indexOf(oid) >= 0
}

// Oids returns a copy of the oids in insertion order
func (list *OidList) Oids() []Oid {
	return append([]Oid(nil), list.oids...)
}

// Clone returns a list holding the same oids
func (list *OidList) Clone() *OidList {
	return &OidList{oids: list.Oids()}
}

func (list *OidList) indexOf(oid Oid) int {
	for i, o := range list.oids {
		if o == oid {
			return i
		}
	}
	return -1
}

func (list *OidList) add(oid Oid) bool {
	if list.Contains(oid) {
		return false
	}
	list.oids = append(list.oids, oid)
	return true
}

func (list *OidList) remove(oid Oid) bool {
	i := list.indexOf(oid)
	if i < 0 {
		return false
	}
	list.oids = append(list.oids[:i], list.oids[i+1:]...)
	return true
}

func (list *OidList) WriteObject(out *streaming.ObjectOutputStream) error {
	out.WriteInt32(int32(len(list.oids)))
	for _, oid := range list.oids {
		out.WriteInt32(int32(oid))
	}
	return nil
}

func (list *OidList) ReadObject(in *streaming.ObjectInputStream) error {
	n, err := in.ReadCount()
	if err != nil {
		return err
	}
	list.oids = make([]Oid, 0, n)
	for i := 0; i < n; i++ {
		oid, err := in.ReadInt32()
		if err != nil {
			return err
		}
		list.add(Oid(oid))
	}
	return nil
}
