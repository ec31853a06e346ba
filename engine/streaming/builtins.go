package streaming

import (
	"sort"

	"github.com/pkg/errors"
)

func mustRegisterCustom(r *Registry, name string, sample interface{}, write WriteFunc, read ReadFunc) {
	if err := r.RegisterCustom(name, sample, write, read); err != nil {
		panic(err)
	}
}

func registerBuiltins(r *Registry) {
	mustRegisterCustom(r, "bool", false, func(out *ObjectOutputStream, v interface{}) error {
		out.WriteBool(v.(bool))
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadBool()
	})

	mustRegisterCustom(r, "int", int(0), func(out *ObjectOutputStream, v interface{}) error {
		out.WriteInt64(int64(v.(int)))
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		v, err := in.ReadInt64()
		return int(v), err
	})

	mustRegisterCustom(r, "int16", int16(0), func(out *ObjectOutputStream, v interface{}) error {
		out.WriteInt16(v.(int16))
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadInt16()
	})

	mustRegisterCustom(r, "int32", int32(0), func(out *ObjectOutputStream, v interface{}) error {
		out.WriteInt32(v.(int32))
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadInt32()
	})

	mustRegisterCustom(r, "int64", int64(0), func(out *ObjectOutputStream, v interface{}) error {
		out.WriteInt64(v.(int64))
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadInt64()
	})

	mustRegisterCustom(r, "float64", float64(0), func(out *ObjectOutputStream, v interface{}) error {
		out.WriteFloat64(v.(float64))
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadFloat64()
	})

	mustRegisterCustom(r, "string", "", func(out *ObjectOutputStream, v interface{}) error {
		out.WriteString(v.(string))
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadString()
	})

	mustRegisterCustom(r, "bytes", []byte(nil), func(out *ObjectOutputStream, v interface{}) error {
		out.WriteBytes(v.([]byte))
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadBytes()
	})

	mustRegisterCustom(r, "int32s", []int32(nil), func(out *ObjectOutputStream, v interface{}) error {
		vs := v.([]int32)
		out.WriteInt32(int32(len(vs)))
		for _, i := range vs {
			out.WriteInt32(i)
		}
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		n, err := in.ReadCount()
		if err != nil {
			return nil, err
		}
		vs := make([]int32, n)
		for i := range vs {
			if vs[i], err = in.ReadInt32(); err != nil {
				return nil, err
			}
		}
		return vs, nil
	})

	mustRegisterCustom(r, "strings", []string(nil), func(out *ObjectOutputStream, v interface{}) error {
		vs := v.([]string)
		out.WriteInt32(int32(len(vs)))
		for _, s := range vs {
			out.WriteString(s)
		}
		return nil
	}, func(in *ObjectInputStream) (interface{}, error) {
		n, err := in.ReadCount()
		if err != nil {
			return nil, err
		}
		vs := make([]string, n)
		for i := range vs {
			if vs[i], err = in.ReadString(); err != nil {
				return nil, err
			}
		}
		return vs, nil
	})

	mustRegisterCustom(r, "list", []interface{}(nil), func(out *ObjectOutputStream, v interface{}) error {
		return out.WriteList(v.([]interface{}))
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadList()
	})

	mustRegisterCustom(r, "map", map[string]interface{}(nil), func(out *ObjectOutputStream, v interface{}) error {
		return out.WriteMap(v.(map[string]interface{}))
	}, func(in *ObjectInputStream) (interface{}, error) {
		return in.ReadMap()
	})
}

// WriteList writes a count followed by each element as an object
func (out *ObjectOutputStream) WriteList(vs []interface{}) error {
	out.WriteInt32(int32(len(vs)))
	for _, v := range vs {
		if err := out.WriteObject(v); err != nil {
			return err
		}
	}
	return nil
}

// WriteMap writes a count followed by the entries sorted by key
func (out *ObjectOutputStream) WriteMap(m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out.WriteInt32(int32(len(keys)))
	for _, k := range keys {
		out.WriteString(k)
		if err := out.WriteObject(m[k]); err != nil {
			return err
		}
	}
	return nil
}

// ReadCount reads a non-negative element count, bounded by the remaining payload
func (in *ObjectInputStream) ReadCount() (int, error) {
	n, err := in.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > in.Remaining() {
		return 0, errors.Wrapf(ErrShortRead, "bad element count %d", n)
	}
	return int(n), nil
}

// ReadList reads a list written by WriteList
func (in *ObjectInputStream) ReadList() ([]interface{}, error) {
	n, err := in.ReadCount()
	if err != nil {
		return nil, err
	}
	vs := make([]interface{}, n)
	for i := range vs {
		if vs[i], err = in.ReadObject(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

// ReadMap reads a map written by WriteMap
func (in *ObjectInputStream) ReadMap() (map[string]interface{}, error) {
	n, err := in.ReadCount()
	if err != nil {
		return nil, err
	}
	m := make(map[string]interface{}, n)
	for i := 0; i < n; i++ {
		k, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		if m[k], err = in.ReadObject(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
