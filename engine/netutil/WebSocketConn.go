package netutil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
)

// WebSocketPath is the HTTP path of the WebSocket endpoint
const WebSocketPath = "/ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  consts.BUFFERED_READ_BUFFSIZE,
	WriteBufferSize: consts.BUFFERED_WRITE_BUFFSIZE,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConn turns a message oriented WebSocket into a byte stream.
//
// Written bytes are buffered and sent as one binary message on Flush.
type WebSocketConn struct {
	ws     *websocket.Conn
	reader io.Reader

	wlock sync.Mutex
	wbuf  []byte
}

// NewWebSocketConn wraps ws as a Connection
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (wc *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if wc.reader == nil {
			mt, r, err := wc.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			wc.reader = r
		}

		n, err := wc.reader.Read(p)
		if err == io.EOF {
			wc.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (wc *WebSocketConn) Write(p []byte) (int, error) {
	wc.wlock.Lock()
	wc.wbuf = append(wc.wbuf, p...)
	wc.wlock.Unlock()
	return len(p), nil
}

// Flush sends all buffered bytes as one binary message
func (wc *WebSocketConn) Flush() error {
	wc.wlock.Lock()
	defer wc.wlock.Unlock()
	if len(wc.wbuf) == 0 {
		return nil
	}
	err := wc.ws.WriteMessage(websocket.BinaryMessage, wc.wbuf)
	wc.wbuf = wc.wbuf[:0]
	return err
}

func (wc *WebSocketConn) Close() error {
	return wc.ws.Close()
}

// Abort closes the WebSocket; unflushed bytes are dropped
func (wc *WebSocketConn) Abort() error {
	return wc.ws.Close()
}

func (wc *WebSocketConn) LocalAddr() net.Addr {
	return wc.ws.LocalAddr()
}

func (wc *WebSocketConn) RemoteAddr() net.Addr {
	return wc.ws.RemoteAddr()
}

func (wc *WebSocketConn) SetDeadline(t time.Time) error {
	if err := wc.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return wc.ws.SetWriteDeadline(t)
}

func (wc *WebSocketConn) SetReadDeadline(t time.Time) error {
	return wc.ws.SetReadDeadline(t)
}

func (wc *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return wc.ws.SetWriteDeadline(t)
}

// WebSocketHandler upgrades requests and hands the connections to delegate
func WebSocketHandler(delegate ServerDelegate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			gwlog.Warnf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		gwlog.Infof("WebSocket connection from %s", ws.RemoteAddr())
		delegate.ServeConnection(NewWebSocketConn(ws))
	})
}

// ServeWebSocket serves WebSocket connections on ln until it is closed
func ServeWebSocket(ln net.Listener, delegate ServerDelegate) error {
	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, WebSocketHandler(delegate))
	gwlog.Infof("Listening on WebSocket: ws://%s%s ...", ln.Addr(), WebSocketPath)
	return http.Serve(ln, mux)
}

// ConnectWebSocket dials a WebSocket endpoint
func ConnectWebSocket(url string) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: consts.DIAL_TIMEOUT,
		ReadBufferSize:   consts.BUFFERED_READ_BUFFSIZE,
		WriteBufferSize:  consts.BUFFERED_WRITE_BUFFSIZE,
	}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}
