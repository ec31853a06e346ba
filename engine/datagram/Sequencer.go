package datagram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	headerSize = 8
	macSize    = sha256.Size
	// MinPacketSize is the size of a datagram with an empty payload
	MinPacketSize = headerSize + macSize
)

var (
	// ErrShortPacket is returned for packets smaller than MinPacketSize
	ErrShortPacket = errors.New("datagram too short")
	// ErrBadHash is returned when the keyed hash of a packet does not verify
	ErrBadHash = errors.New("datagram hash mismatch")
	// ErrOutOfOrder is returned for duplicate or late packets
	ErrOutOfOrder = errors.New("datagram out of order")
)

// Seal builds the packet [connection id][sequence][payload][hmac-sha256]
func Seal(connID uint32, seq uint32, payload []byte, secret []byte) []byte {
	packet := make([]byte, headerSize, headerSize+len(payload)+macSize)
	binary.BigEndian.PutUint32(packet[0:4], connID)
	binary.BigEndian.PutUint32(packet[4:8], seq)
	packet = append(packet, payload...)
	mac := hmac.New(sha256.New, secret)
	mac.Write(packet)
	return mac.Sum(packet)
}

// ConnectionID reads the connection id of a packet without verifying it
func ConnectionID(packet []byte) (uint32, error) {
	if len(packet) < MinPacketSize {
		return 0, ErrShortPacket
	}
	return binary.BigEndian.Uint32(packet[0:4]), nil
}

// Sequencer verifies the packets of one connection and drops duplicates and late arrivals
type Sequencer struct {
	connID  uint32
	secret  []byte
	lastSeq uint32
}

// NewSequencer creates the sequencer of connID
func NewSequencer(connID uint32, secret []byte) *Sequencer {
	return &Sequencer{connID: connID, secret: secret}
}

// Secret returns the key of the sequencer
func (s *Sequencer) Secret() []byte {
	return s.secret
}

// Open verifies packet and returns its payload
func (s *Sequencer) Open(packet []byte) ([]byte, error) {
	if len(packet) < MinPacketSize {
		return nil, ErrShortPacket
	}
	body, sum := packet[:len(packet)-macSize], packet[len(packet)-macSize:]
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return nil, ErrBadHash
	}
	if connID := binary.BigEndian.Uint32(body[0:4]); connID != s.connID {
		return nil, errors.Errorf("datagram of connection %d sent to sequencer of %d", connID, s.connID)
	}
	seq := binary.BigEndian.Uint32(body[4:8])
	if seq <= s.lastSeq {
		return nil, errors.Wrapf(ErrOutOfOrder, "sequence %d after %d", seq, s.lastSeq)
	}
	s.lastSeq = seq
	return body[headerSize:], nil
}
