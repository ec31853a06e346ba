package streaming

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ObjectInputStream decodes values written by an ObjectOutputStream.
//
// Payloads are supplied one frame at a time with SetData; the class table persists across frames.
type ObjectInputStream struct {
	reg      *Registry
	data     []byte
	pos      int
	classmap map[int16]*Class
}

// NewObjectInputStream creates an input stream with an empty class table
func NewObjectInputStream(reg *Registry) *ObjectInputStream {
	return &ObjectInputStream{
		reg:      reg,
		classmap: map[int16]*Class{},
	}
}

// Registry returns the registry used by the stream
func (in *ObjectInputStream) Registry() *Registry {
	return in.reg
}

// SetData sets the payload to decode next
func (in *ObjectInputStream) SetData(data []byte) {
	in.data = data
	in.pos = 0
}

// Remaining returns the number of undecoded bytes of the current payload
func (in *ObjectInputStream) Remaining() int {
	return len(in.data) - in.pos
}

func (in *ObjectInputStream) next(n int) ([]byte, error) {
	if n < 0 || in.Remaining() < n {
		return nil, errors.Wrapf(ErrShortRead, "need %d bytes, %d left", n, in.Remaining())
	}
	b := in.data[in.pos : in.pos+n]
	in.pos += n
	return b, nil
}

// ReadBool reads a bool
func (in *ObjectInputStream) ReadBool() (bool, error) {
	b, err := in.next(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadInt8 reads one byte
func (in *ObjectInputStream) ReadInt8() (int8, error) {
	b, err := in.next(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// ReadInt16 reads a big-endian int16
func (in *ObjectInputStream) ReadInt16() (int16, error) {
	b, err := in.next(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// ReadInt32 reads a big-endian int32
func (in *ObjectInputStream) ReadInt32() (int32, error) {
	b, err := in.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// ReadInt64 reads a big-endian int64
func (in *ObjectInputStream) ReadInt64() (int64, error) {
	b, err := in.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// ReadFloat64 reads a float64
func (in *ObjectInputStream) ReadFloat64() (float64, error) {
	b, err := in.next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (in *ObjectInputStream) readLength() (int, error) {
	b, err := in.next(4)
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b)
	if int64(n) > int64(in.Remaining()) {
		return 0, errors.Wrapf(ErrShortRead, "length %d exceeds remaining %d", n, in.Remaining())
	}
	return int(n), nil
}

// ReadString reads a length-prefixed string
func (in *ObjectInputStream) ReadString() (string, error) {
	n, err := in.readLength()
	if err != nil {
		return "", err
	}
	b, err := in.next(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads a length-prefixed byte slice. The result does not alias the payload.
func (in *ObjectInputStream) ReadBytes() ([]byte, error) {
	n, err := in.readLength()
	if err != nil {
		return nil, err
	}
	b, err := in.next(n)
	if err != nil {
		return nil, err
	}
	res := make([]byte, n)
	copy(res, b)
	return res, nil
}

// ReadObject reads a class code and the value that follows it
func (in *ObjectInputStream) ReadObject() (interface{}, error) {
	code, err := in.ReadInt16()
	if err != nil {
		return nil, err
	}
	if code == 0 {
		return nil, nil
	}

	if code == math.MinInt16 {
		return nil, errors.Wrapf(ErrUnknownClassCode, "%d", code)
	}

	var cls *Class
	if code < 0 {
		code = -code
		name, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		var ok bool
		cls, ok = in.reg.ClassByName(name)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownClassName, "%s (code %d)", name, code)
		}
		if old, ok := in.classmap[code]; ok && old != cls {
			return nil, errors.Wrapf(ErrClassCodeConflict, "code %d: %s vs %s", code, old.Name, name)
		}
		in.classmap[code] = cls
	} else {
		var ok bool
		cls, ok = in.classmap[code]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownClassCode, "code %d", code)
		}
	}
	return cls.read(in)
}

// ClassCount returns the number of classes introduced on the stream
func (in *ObjectInputStream) ClassCount() int {
	return len(in.classmap)
}
