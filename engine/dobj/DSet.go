package dobj

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/petar/GoLLRB/llrb"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// Entry is an element of a DSet, unique by its key
type Entry interface {
	Key() interface{}
}

// KeyComparer is implemented by keys that are neither strings nor integers
type KeyComparer interface {
	CompareKey(other interface{}) int
}

// DSet is a set of entries unique by key, iterated in key order
type DSet struct {
	tree *llrb.LLRB
}

type dsetItem struct {
	key   interface{}
	entry Entry
}

func (it dsetItem) Less(than llrb.Item) bool {
	return CompareKeys(it.key, than.(dsetItem).key) < 0
}

// NewDSet creates a set holding entries. Later duplicates of a key are ignored.
func NewDSet(entries ...Entry) *DSet {
	set := &DSet{tree: llrb.New()}
	for _, entry := range entries {
		set.add(entry)
	}
	return set
}

func (set *DSet) String() string {
	keys := make([]string, 0, set.Size())
	set.ForEach(func(entry Entry) bool {
		keys = append(keys, fmt.Sprint(entry.Key()))
		return true
	})
	return "DSet{" + strings.Join(keys, ", ") + "}"
}

// Size returns the number of entries
func (set *DSet) Size() int {
	return set.tree.Len()
}

// ContainsKey returns true if an entry with key is present
func (set *DSet) ContainsKey(key interface{}) bool {
	return set.tree.Has(dsetItem{key: key})
}

// Contains returns true if an entry with the key of entry is present
func (set *DSet) Contains(entry Entry) bool {
	return set.ContainsKey(entry.Key())
}

// Get returns the entry with key, or nil
func (set *DSet) Get(key interface{}) Entry {
	item := set.tree.Get(dsetItem{key: key})
	if item == nil {
		return nil
	}
	return item.(dsetItem).entry
}

// ForEach calls f for the entries in key order until f returns false
func (set *DSet) ForEach(f func(entry Entry) bool) {
	first := set.tree.Min()
	if first == nil {
		return
	}
	set.tree.AscendGreaterOrEqual(first, func(item llrb.Item) bool {
		return f(item.(dsetItem).entry)
	})
}

// Entries returns the entries in key order
func (set *DSet) Entries() []Entry {
	entries := make([]Entry, 0, set.Size())
	set.ForEach(func(entry Entry) bool {
		entries = append(entries, entry)
		return true
	})
	return entries
}

// Clone returns a set holding the same entries
func (set *DSet) Clone() *DSet {
	return NewDSet(set.Entries()...)
}

func (set *DSet) add(entry Entry) bool {
	item := dsetItem{key: entry.Key(), entry: entry}
	if set.tree.Has(item) {
		return false
	}
	set.tree.ReplaceOrInsert(item)
	return true
}

func (set *DSet) remove(key interface{}) Entry {
	item := set.tree.Delete(dsetItem{key: key})
	if item == nil {
		return nil
	}
	return item.(dsetItem).entry
}

func (set *DSet) update(entry Entry) Entry {
	item := dsetItem{key: entry.Key(), entry: entry}
	if !set.tree.Has(item) {
		return nil
	}
	return set.tree.ReplaceOrInsert(item).(dsetItem).entry
}

// WriteObject writes the entry count and the entries in key order
func (set *DSet) WriteObject(out *streaming.ObjectOutputStream) error {
	out.WriteInt32(int32(set.Size()))
	var err error
	set.ForEach(func(entry Entry) bool {
		err = out.WriteObject(entry)
		return err == nil
	})
	return err
}

// ReadObject reads a set written by WriteObject
func (set *DSet) ReadObject(in *streaming.ObjectInputStream) error {
	n, err := in.ReadCount()
	if err != nil {
		return err
	}
	set.tree = llrb.New()
	for i := 0; i < n; i++ {
		entry, err := readEntry(in)
		if err != nil {
			return err
		}
		if !set.add(entry) {
			return errors.Errorf("duplicate key %v in streamed set", entry.Key())
		}
	}
	return nil
}

// CompareKeys orders DSet keys: integers numerically, strings lexically, KeyComparers by themselves
func CompareKeys(a, b interface{}) int {
	if ac, ok := a.(KeyComparer); ok {
		return ac.CompareKey(b)
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	ai, aok := intKey(a)
	bi, bok := intKey(b)
	if aok && bok {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	// keys of different kinds are ordered by type name
	return strings.Compare(reflect.TypeOf(a).String()+fmt.Sprint(a), reflect.TypeOf(b).String()+fmt.Sprint(b))
}

func intKey(k interface{}) (int64, bool) {
	switch v := k.(type) {
	case int:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case Oid:
		return int64(v), true
	}
	return 0, false
}
