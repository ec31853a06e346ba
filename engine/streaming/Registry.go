package streaming

import (
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Streamer is implemented by types that write and read their own fields
type Streamer interface {
	WriteObject(out *ObjectOutputStream) error
	ReadObject(in *ObjectInputStream) error
}

// WriteFunc writes the fields of v to out
type WriteFunc func(out *ObjectOutputStream, v interface{}) error

// ReadFunc reads a value written by the matching WriteFunc
type ReadFunc func(in *ObjectInputStream) (interface{}, error)

// Class describes how one registered type is streamed
type Class struct {
	Name  string
	Type  reflect.Type
	write WriteFunc
	read  ReadFunc
}

// Registry maps stable class names to classes. It is filled at startup and shared by all streams.
type Registry struct {
	lock   sync.RWMutex
	byName map[string]*Class
	byType map[reflect.Type]*Class
}

// NewRegistry creates a registry with the builtin classes registered
func NewRegistry() *Registry {
	r := &Registry{
		byName: map[string]*Class{},
		byType: map[reflect.Type]*Class{},
	}
	registerBuiltins(r)
	return r
}

// Register registers a pointer-to-struct type under name.
//
// If the pointer type implements Streamer its methods are used, otherwise the exported fields
// are streamed with msgpack. Registration fails if the type can not be streamed at all.
func (r *Registry) Register(name string, prototype interface{}) error {
	if name == "" {
		return errors.Wrap(ErrInvalidClass, "empty class name")
	}
	if prototype == nil {
		return errors.Wrapf(ErrInvalidClass, "class %s: nil prototype", name)
	}
	typ := reflect.TypeOf(prototype)
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return errors.Wrapf(ErrInvalidClass, "class %s: %s is not a pointer to struct", name, typ)
	}

	elem := typ.Elem()
	cls := &Class{Name: name, Type: typ}
	if _, ok := prototype.(Streamer); ok {
		cls.write = func(out *ObjectOutputStream, v interface{}) error {
			return v.(Streamer).WriteObject(out)
		}
		cls.read = func(in *ObjectInputStream) (interface{}, error) {
			v := reflect.New(elem).Interface()
			err := v.(Streamer).ReadObject(in)
			return v, err
		}
	} else {
		if _, err := msgpack.Marshal(reflect.New(elem).Interface()); err != nil {
			return errors.Wrapf(ErrInvalidClass, "class %s: %v", name, err)
		}
		cls.write = func(out *ObjectOutputStream, v interface{}) error {
			data, err := msgpack.Marshal(v)
			if err != nil {
				return errors.Wrapf(err, "write %s", name)
			}
			out.WriteBytes(data)
			return nil
		}
		cls.read = func(in *ObjectInputStream) (interface{}, error) {
			data, err := in.ReadBytes()
			if err != nil {
				return nil, err
			}
			v := reflect.New(elem).Interface()
			if err := msgpack.Unmarshal(data, v); err != nil {
				return nil, errors.Wrapf(err, "read %s", name)
			}
			return v, nil
		}
	}
	return r.add(cls)
}

// MustRegister is Register but panics on error
func (r *Registry) MustRegister(name string, prototype interface{}) {
	if err := r.Register(name, prototype); err != nil {
		panic(err)
	}
}

// RegisterCustom registers the type of sample with explicit write and read functions
func (r *Registry) RegisterCustom(name string, sample interface{}, write WriteFunc, read ReadFunc) error {
	if name == "" || sample == nil || write == nil || read == nil {
		return errors.Wrapf(ErrInvalidClass, "class %q: incomplete custom class", name)
	}
	return r.add(&Class{Name: name, Type: reflect.TypeOf(sample), write: write, read: read})
}

func (r *Registry) add(cls *Class) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.byName[cls.Name]; ok {
		return errors.Wrapf(ErrDuplicateClass, "name %s", cls.Name)
	}
	if old, ok := r.byType[cls.Type]; ok {
		return errors.Wrapf(ErrDuplicateClass, "type %s already registered as %s", cls.Type, old.Name)
	}
	r.byName[cls.Name] = cls
	r.byType[cls.Type] = cls
	return nil
}

// ClassOf returns the class of value v
func (r *Registry) ClassOf(v interface{}) (*Class, bool) {
	r.lock.RLock()
	cls, ok := r.byType[reflect.TypeOf(v)]
	r.lock.RUnlock()
	return cls, ok
}

// ClassByName returns the class registered under name
func (r *Registry) ClassByName(name string) (*Class, bool) {
	r.lock.RLock()
	cls, ok := r.byName[name]
	r.lock.RUnlock()
	return cls, ok
}

// Names returns all registered class names, sorted
func (r *Registry) Names() []string {
	r.lock.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.lock.RUnlock()
	sort.Strings(names)
	return names
}

// Marshal encodes v with fresh class tables, so the result can be decoded on its own
func Marshal(r *Registry, v interface{}) ([]byte, error) {
	out := NewObjectOutputStream(r)
	if err := out.WriteObject(v); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Unmarshal decodes a value encoded by Marshal
func Unmarshal(r *Registry, data []byte) (interface{}, error) {
	in := NewObjectInputStream(r)
	in.SetData(data)
	v, err := in.ReadObject()
	if err != nil {
		return nil, err
	}
	if in.Remaining() != 0 {
		return nil, errors.Errorf("%d trailing bytes after object", in.Remaining())
	}
	return v, nil
}
