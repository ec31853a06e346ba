package streaming

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ObjectOutputStream encodes values for one direction of one connection.
//
// The class table lives as long as the stream: the first value of a class is written with a
// negative code followed by the class name, later values only carry the positive code.
type ObjectOutputStream struct {
	reg      *Registry
	buf      []byte
	classmap map[*Class]int16
	nextCode int16
}

// NewObjectOutputStream creates an output stream with an empty class table
func NewObjectOutputStream(reg *Registry) *ObjectOutputStream {
	return &ObjectOutputStream{
		reg:      reg,
		classmap: map[*Class]int16{},
		nextCode: 1,
	}
}

// Registry returns the registry used by the stream
func (out *ObjectOutputStream) Registry() *Registry {
	return out.reg
}

// Bytes returns the bytes written since the last Reset
func (out *ObjectOutputStream) Bytes() []byte {
	return out.buf
}

// Len returns the number of bytes written since the last Reset
func (out *ObjectOutputStream) Len() int {
	return len(out.buf)
}

// Reset discards written bytes but keeps the class table
func (out *ObjectOutputStream) Reset() {
	out.buf = out.buf[:0]
}

// WriteBool writes a bool as one byte
func (out *ObjectOutputStream) WriteBool(b bool) {
	if b {
		out.buf = append(out.buf, 1)
	} else {
		out.buf = append(out.buf, 0)
	}
}

// WriteInt8 writes one byte
func (out *ObjectOutputStream) WriteInt8(v int8) {
	out.buf = append(out.buf, byte(v))
}

// WriteInt16 writes a big-endian int16
func (out *ObjectOutputStream) WriteInt16(v int16) {
	out.buf = binary.BigEndian.AppendUint16(out.buf, uint16(v))
}

// WriteInt32 writes a big-endian int32
func (out *ObjectOutputStream) WriteInt32(v int32) {
	out.buf = binary.BigEndian.AppendUint32(out.buf, uint32(v))
}

// WriteInt64 writes a big-endian int64
func (out *ObjectOutputStream) WriteInt64(v int64) {
	out.buf = binary.BigEndian.AppendUint64(out.buf, uint64(v))
}

// WriteFloat64 writes the IEEE 754 bits of v
func (out *ObjectOutputStream) WriteFloat64(v float64) {
	out.buf = binary.BigEndian.AppendUint64(out.buf, math.Float64bits(v))
}

// WriteString writes a length-prefixed string
func (out *ObjectOutputStream) WriteString(s string) {
	out.buf = binary.BigEndian.AppendUint32(out.buf, uint32(len(s)))
	out.buf = append(out.buf, s...)
}

// WriteBytes writes a length-prefixed byte slice
func (out *ObjectOutputStream) WriteBytes(b []byte) {
	out.buf = binary.BigEndian.AppendUint32(out.buf, uint32(len(b)))
	out.buf = append(out.buf, b...)
}

// WriteObject writes a class code (introducing the class on first use) followed by the value
func (out *ObjectOutputStream) WriteObject(v interface{}) error {
	if v == nil {
		out.WriteInt16(0)
		return nil
	}

	cls, ok := out.reg.ClassOf(v)
	if !ok {
		return errors.Wrapf(ErrUnregisteredClass, "%T", v)
	}

	code, ok := out.classmap[cls]
	if ok {
		out.WriteInt16(code)
	} else {
		if out.nextCode <= 0 {
			return errors.Wrapf(ErrTooManyClasses, "introducing %s", cls.Name)
		}
		code = out.nextCode
		out.nextCode++
		out.classmap[cls] = code
		out.WriteInt16(-code)
		out.WriteString(cls.Name)
	}
	return cls.write(out, v)
}

// Mark returns the position of the class table, to be passed to Rollback
func (out *ObjectOutputStream) Mark() int16 {
	return out.nextCode
}

// Rollback forgets the classes introduced since mark. Use it when the bytes written since mark
// never reach the peer.
func (out *ObjectOutputStream) Rollback(mark int16) {
	if mark <= 0 { // table was already full
		return
	}
	for cls, code := range out.classmap {
		if code >= mark {
			delete(out.classmap, cls)
		}
	}
	out.nextCode = mark
}

// ClassCount returns the number of classes introduced on the stream
func (out *ObjectOutputStream) ClassCount() int {
	return len(out.classmap)
}
