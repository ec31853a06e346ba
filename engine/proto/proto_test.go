package proto

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/netutil"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

func pipeConnections() (*MessageConnection, *MessageConnection) {
	return pipeConnectionsLimited(0)
}

func pipeConnectionsLimited(maxFrameSize int) (*MessageConnection, *MessageConnection) {
	reg := NewRegistry()
	c1, c2 := net.Pipe()
	return NewMessageConnection(netutil.NewBufferedConnection(c1), reg, maxFrameSize),
		NewMessageConnection(netutil.NewBufferedConnection(c2), reg, maxFrameSize)
}

func sendAll(t *testing.T, mc *MessageConnection, msgs []Message) {
	go func() {
		for _, msg := range msgs {
			if err := mc.SendMessage(msg); err != nil {
				t.Errorf("send %T: %v", msg, err)
			}
		}
		if err := mc.Flush("test"); err != nil {
			t.Errorf("flush: %v", err)
		}
	}()
}

func TestMessageRoundTrip(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	obj := dobj.NewDObject("room", map[string]interface{}{
		"name":    "lobby",
		"members": dobj.NewOidList(3, 4),
		"empty":   nil,
	})
	msgs := []Message{
		&AuthRequest{Creds: &UsernamePasswordCreds{User: "u", Password: "p"}, Version: "1.0", BootGroups: []string{"peer"}},
		&AuthRequest{Version: "1.0"},
		&AuthResponse{Status: AuthSuccess, Bootstrap: &BootstrapData{
			ConnectionID:   1,
			ClientOid:      7,
			InvOid:         1,
			Objects:        map[string]dobj.Oid{"node": 2},
			Services:       map[string]*invocation.Marshaller{"time": {InvOid: 1, InvCode: 1}},
			DatagramSecret: []byte("secret"),
		}},
		&AuthResponse{Status: AuthInvalidPassword, Reason: AuthInvalidPassword.String()},
		&SubscribeRequest{Oid: 5},
		&UnsubscribeRequest{Oid: 5},
		&ForwardEventRequest{Event: &dobj.MessageEvent{EventBase: dobj.EventBase{Target: 7, Source: 7}, Name: "hi", Args: []interface{}{}}},
		&PingRequest{ClientStamp: 12345},
		&LogoffRequest{},
		&ObjectResponse{Object: obj},
		&FailureResponse{Oid: 9, Reason: dobj.NoSuchObject},
		&EventNotification{Event: &dobj.AttributeChangedEvent{EventBase: dobj.EventBase{Target: 7}, Name: "x", Value: int64(1)}},
		&UnsubscribeResponse{Oid: 5},
		&PongResponse{ClientStamp: 12345, ServerStamp: 67890},
	}
	sendAll(t, client, msgs)

	for i, want := range msgs {
		got, err := server.Recv()
		assert.Equal(t, nil, err, i)
		if rsp, ok := want.(*ObjectResponse); ok {
			gotObj := got.(*ObjectResponse).Object
			assert.Equal(t, rsp.Object.Oid(), gotObj.Oid())
			assert.Equal(t, rsp.Object.FieldNames(), gotObj.FieldNames())
			assert.Equal(t, "lobby", gotObj.GetString("name"))
			assert.Equal(t, []dobj.Oid{3, 4}, gotObj.OidList("members").Oids())
			continue
		}
		assert.Equal(t, want, got, i)
	}
}

func TestClassCodesCached(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	event := func(v string) Message {
		return &EventNotification{Event: &dobj.AttributeChangedEvent{EventBase: dobj.EventBase{Target: 7}, Name: "x", Value: v}}
	}
	sendAll(t, client, []Message{event("a"), event("b")})

	_, err := server.Recv()
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, server.in.ClassCount())
	msg, err := server.Recv()
	assert.Equal(t, nil, err)
	assert.Equal(t, "b", msg.(*EventNotification).Event.(*dobj.AttributeChangedEvent).Value)
	assert.Equal(t, 3, server.in.ClassCount())

	client.sendLock.Lock()
	assert.Equal(t, 3, client.out.ClassCount())
	client.sendLock.Unlock()
}

type unregistered struct{}

func TestEncodeFailureCloses(t *testing.T) {
	client, server := pipeConnections()
	defer server.Close()

	err := client.SendMessage(&EventNotification{Event: &dobj.AttributeChangedEvent{Name: "x", Value: &unregistered{}}})
	assert.NotEqual(t, nil, err)
	assert.T(t, client.IsClosed())

	_, err = server.Recv()
	assert.T(t, netutil.IsConnectionError(err))
}

func TestOversizedMessageDropped(t *testing.T) {
	client, server := pipeConnectionsLimited(256)
	defer client.Close()
	defer server.Close()

	event := func(v string) Message {
		return &EventNotification{Event: &dobj.AttributeChangedEvent{EventBase: dobj.EventBase{Target: 7}, Name: "x", Value: v}}
	}
	err := client.SendMessage(event(strings.Repeat("x", 512)))
	assert.Equal(t, netutil.ErrFrameTooLarge, errors.Cause(err))
	assert.T(t, !client.IsClosed())

	// classes of the dropped message are introduced again
	sendAll(t, client, []Message{event("small")})
	msg, err := server.Recv()
	assert.Equal(t, nil, err)
	assert.Equal(t, "small", msg.(*EventNotification).Event.(*dobj.AttributeChangedEvent).Value)
}

func TestCloseWhileSending(t *testing.T) {
	client, server := pipeConnections()
	defer server.Close()
	go func() {
		for {
			if _, err := server.Recv(); err != nil {
				return
			}
		}
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			if err := client.SendAndFlush(&PingRequest{ClientStamp: 1}); err != nil {
				return
			}
		}
	}()
	time.Sleep(10 * time.Millisecond)
	client.Close()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("sender still running after close")
	}
	assert.T(t, client.IsClosed())
}

func TestCloseInterruptsBlockedSend(t *testing.T) {
	// nobody reads the server side, so the flush blocks
	client, server := pipeConnections()
	defer server.Close()

	sent := make(chan error, 1)
	go func() {
		sent <- client.SendAndFlush(&PingRequest{ClientStamp: 1})
	}()
	time.Sleep(10 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		client.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("close blocked by a pending send")
	}
	assert.NotEqual(t, nil, <-sent)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"proto.AuthRequest", "dobj.DObject", "invocation.Marshaller", "dobj.MessageEvent"} {
		_, ok := reg.ClassByName(name)
		assert.T(t, ok, name)
	}
	_, err := streaming.Marshal(reg, &LogoffRequest{})
	assert.Equal(t, nil, err)
	assert.Equal(t, "m.version_mismatch", AuthInvalidVersion.String())
}

func TestClientObject(t *testing.T) {
	c := NewClientObject("alice", 3)
	assert.Equal(t, "alice", c.Username())
	assert.Equal(t, int32(3), c.ConnectionID())
	assert.Equal(t, ClientObjectKind, c.Kind())
}
