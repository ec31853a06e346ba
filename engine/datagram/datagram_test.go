package datagram

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/proto"
)

func TestSequencer(t *testing.T) {
	secret := []byte("0123456789abcdef")
	seq := NewSequencer(3, secret)

	p1 := Seal(3, 1, []byte("one"), secret)
	p2 := Seal(3, 2, []byte("two"), secret)
	p3 := Seal(3, 3, []byte("three"), secret)

	connID, err := ConnectionID(p1)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint32(3), connID)

	payload, err := seq.Open(p1)
	assert.Equal(t, nil, err)
	assert.Equal(t, "one", string(payload))

	// duplicate
	_, err = seq.Open(p1)
	assert.Equal(t, ErrOutOfOrder, errors.Cause(err))

	// p2 was lost, p3 still passes and p2 is then late
	payload, err = seq.Open(p3)
	assert.Equal(t, nil, err)
	assert.Equal(t, "three", string(payload))
	_, err = seq.Open(p2)
	assert.Equal(t, ErrOutOfOrder, errors.Cause(err))

	tampered := Seal(3, 4, []byte("four"), secret)
	tampered[headerSize] ^= 0xff
	_, err = seq.Open(tampered)
	assert.Equal(t, ErrBadHash, err)

	_, err = seq.Open(Seal(3, 5, []byte("five"), []byte("wrong key")))
	assert.Equal(t, ErrBadHash, err)

	_, err = seq.Open([]byte{1, 2, 3})
	assert.Equal(t, ErrShortPacket, err)

	_, err = seq.Open(Seal(4, 6, nil, secret))
	assert.NotEqual(t, nil, err)
}

type testHandler struct {
	secrets map[uint32][]byte
	msgs    chan proto.Message
}

func (h *testHandler) DatagramSecret(connID uint32) []byte {
	return h.secrets[connID]
}

func (h *testHandler) HandleDatagram(connID uint32, msg proto.Message) {
	h.msgs <- msg
}

func TestChannel(t *testing.T) {
	reg := proto.NewRegistry()
	secret := []byte("secret of connection 1")
	h := &testHandler{secrets: map[uint32][]byte{1: secret}, msgs: make(chan proto.Message, 10)}
	ch := NewChannel(h, reg)
	addr, err := ch.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	sender, err := NewSender(addr.String(), 1, secret, proto.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	// unknown connection
	stranger, err := NewSender(addr.String(), 2, secret, proto.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()
	assert.Equal(t, nil, stranger.Send(&proto.SubscribeRequest{Oid: 99}))

	assert.Equal(t, nil, sender.Send(&proto.SubscribeRequest{Oid: 5}))
	assert.Equal(t, nil, sender.Send(&proto.UnsubscribeRequest{Oid: 5}))

	var got []proto.Message
	for len(got) < 2 {
		select {
		case msg := <-h.msgs:
			got = append(got, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d datagrams", len(got))
		}
	}
	// loopback UDP keeps the order
	assert.Equal(t, &proto.SubscribeRequest{Oid: 5}, got[0])
	assert.Equal(t, &proto.UnsubscribeRequest{Oid: 5}, got[1])
	deadline := time.Now().Add(5 * time.Second)
	for ch.DroppedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, ch.DroppedCount())
}
