package netutil

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const frameHeaderSize = 4

var (
	// ErrZeroLengthFrame is returned for frames declaring an empty payload
	ErrZeroLengthFrame = errors.New("zero length frame")
	// ErrFrameTooLarge is returned for frames declaring a payload above the maximum
	ErrFrameTooLarge = errors.New("frame too large")
)

// IsProtocolError returns true if err is a framing violation that must terminate the connection
func IsProtocolError(err error) bool {
	switch errors.Cause(err) {
	case ErrZeroLengthFrame, ErrFrameTooLarge:
		return true
	}
	return false
}

// FrameReader reads [u32 big-endian length][payload] frames.
//
// Bytes already read are kept across calls, so a ReadFrame interrupted by a timeout resumes
// where it stopped.
type FrameReader struct {
	r            io.Reader
	maxFrameSize int

	header   [frameHeaderSize]byte
	nheader  int
	buf      []byte
	payload  []byte
	npayload int
}

// NewFrameReader creates a frame reader over r
func NewFrameReader(r io.Reader, maxFrameSize int) *FrameReader {
	return &FrameReader{
		r:            r,
		maxFrameSize: maxFrameSize,
	}
}

// ReadFrame returns the next payload. The returned slice is only valid until the next call.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for fr.nheader < frameHeaderSize {
		n, err := fr.r.Read(fr.header[fr.nheader:])
		fr.nheader += n
		if err != nil && fr.nheader < frameHeaderSize {
			return nil, err
		}
	}

	if fr.payload == nil {
		size := binary.BigEndian.Uint32(fr.header[:])
		if size == 0 {
			return nil, ErrZeroLengthFrame
		}
		if int64(size) > int64(fr.maxFrameSize) {
			return nil, errors.Wrapf(ErrFrameTooLarge, "%d > %d", size, fr.maxFrameSize)
		}
		if cap(fr.buf) < int(size) {
			fr.buf = make([]byte, size)
		}
		fr.payload = fr.buf[:size]
		fr.npayload = 0
	}

	for fr.npayload < len(fr.payload) {
		n, err := fr.r.Read(fr.payload[fr.npayload:])
		fr.npayload += n
		if err != nil && fr.npayload < len(fr.payload) {
			return nil, err
		}
	}

	frame := fr.payload
	fr.nheader = 0
	fr.payload = nil
	fr.npayload = 0
	return frame, nil
}

// AppendFrame appends the frame of payload to dst
func AppendFrame(dst []byte, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes the frame of payload to w with a single Write
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrZeroLengthFrame
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, frameHeaderSize+len(payload)), payload))
	return err
}
