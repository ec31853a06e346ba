package netutil

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
)

// trickleReader returns at most one byte per Read and a timeout error every other call
type trickleReader struct {
	data  []byte
	calls int
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (r *trickleReader) Read(p []byte) (int, error) {
	r.calls++
	if r.calls%2 == 0 {
		return 0, timeoutError{}
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestFrameReaderPartialReads(t *testing.T) {
	var stream []byte
	payloads := [][]byte{[]byte("hello"), bytes.Repeat([]byte{7}, 300), []byte("x")}
	for _, p := range payloads {
		stream = AppendFrame(stream, p)
	}

	fr := NewFrameReader(&trickleReader{data: stream}, 1024)
	var got [][]byte
	for len(got) < len(payloads) {
		frame, err := fr.ReadFrame()
		if err != nil {
			if !IsTimeoutError(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			continue
		}
		got = append(got, append([]byte(nil), frame...))
	}
	for i := range payloads {
		assert.Equal(t, payloads[i], got[i])
	}

	for {
		_, err := fr.ReadFrame()
		if IsTimeoutError(err) {
			continue
		}
		assert.Equal(t, io.EOF, err)
		break
	}
}

func TestFrameReaderZeroLength(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 0}), 1024)
	_, err := fr.ReadFrame()
	assert.Equal(t, ErrZeroLengthFrame, err)
	assert.T(t, IsProtocolError(err), "zero length frame is not a protocol error")
	assert.Equal(t, ErrZeroLengthFrame, WriteFrame(io.Discard, nil))
}

func TestFrameReaderTooLarge(t *testing.T) {
	stream := AppendFrame(nil, bytes.Repeat([]byte{1}, 2048))
	fr := NewFrameReader(bytes.NewReader(stream), 1024)
	_, err := fr.ReadFrame()
	assert.Equal(t, ErrFrameTooLarge, errors.Cause(err))
	assert.T(t, IsProtocolError(err), "oversized frame is not a protocol error")
}

type echoDelegate struct{}

func (echoDelegate) ServeConnection(conn net.Conn) {
	c := WrapConnection(conn)
	defer c.Close()
	fr := NewFrameReader(c, 1024)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			return
		}
		if err := WriteFrame(c, frame); err != nil {
			return
		}
		if err := c.Flush(); err != nil {
			return
		}
	}
}

func testEcho(t *testing.T, conn net.Conn) {
	c := WrapConnection(conn)
	defer c.Close()
	fr := NewFrameReader(c, 1024)
	for _, msg := range []string{"a", "hello", "world"} {
		assert.Equal(t, nil, WriteFrame(c, []byte(msg)))
		assert.Equal(t, nil, c.Flush())
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		frame, err := fr.ReadFrame()
		assert.Equal(t, nil, err)
		assert.Equal(t, msg, string(frame))
	}
}

func TestServeTCP(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", 10)
	assert.Equal(t, nil, err)
	go Serve(ln, echoDelegate{})
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := Dial(TransportTCP, "127.0.0.1", port)
	assert.Equal(t, nil, err)
	testEcho(t, conn)
}

func TestServeWebSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, nil, err)
	go ServeWebSocket(ln, echoDelegate{})
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := Dial(TransportWebSocket, "127.0.0.1", port)
	assert.Equal(t, nil, err)
	testEcho(t, conn)
}

func TestIsConnectionError(t *testing.T) {
	assert.T(t, IsConnectionError(io.EOF), "EOF")
	assert.T(t, IsConnectionError(errors.Wrap(io.EOF, "read")), "wrapped EOF")
	assert.T(t, !IsConnectionError(timeoutError{}), "timeout")
	assert.T(t, !IsConnectionError("not an error"), "string")
	assert.T(t, !IsConnectionError(errors.New("other")), "other")
}

func TestServeForever(t *testing.T) {
	n := 0
	ServeForever(func() {
		n++
		if n < 3 {
			panic("restart")
		}
	})
	assert.Equal(t, 3, n)
}
