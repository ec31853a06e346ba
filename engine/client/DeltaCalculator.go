package client

import (
	"time"

	"github.com/xiaonanln/gopresents/engine/proto"
)

// DeltaCalculator estimates the offset between the client and the server clocks from a few
// ping/pong round trips.
//
// The sample with the lowest round trip time wins, assuming symmetric latency.
type DeltaCalculator struct {
	samples  int
	sent     int
	received int
	waiting  bool

	bestRTT time.Duration
	delta   time.Duration
}

// NewDeltaCalculator creates a calculator taking samples round trips
func NewDeltaCalculator(samples int) *DeltaCalculator {
	if samples <= 0 {
		samples = 1
	}
	return &DeltaCalculator{samples: samples}
}

// ShouldSendPing returns true if another sample is needed and none is in flight
func (dc *DeltaCalculator) ShouldSendPing() bool {
	return !dc.waiting && dc.sent < dc.samples
}

// SentPing records that a ping was sent
func (dc *DeltaCalculator) SentPing() {
	dc.sent++
	dc.waiting = true
}

// GotPong adds the sample of pong received at now. It returns true if the estimate improved.
func (dc *DeltaCalculator) GotPong(pong *proto.PongResponse, now time.Time) bool {
	dc.waiting = false
	rtt := time.Duration(now.UnixNano() - pong.ClientStamp)
	if rtt < 0 {
		return false
	}
	dc.received++
	if dc.received > 1 && rtt >= dc.bestRTT {
		return false
	}
	dc.bestRTT = rtt
	// the server stamped the pong half a round trip before now
	serverNow := pong.ServerStamp + int64(rtt/2)
	dc.delta = time.Duration(now.UnixNano() - serverNow)
	return true
}

// IsDone returns true once all samples were received
func (dc *DeltaCalculator) IsDone() bool {
	return dc.received >= dc.samples
}

// HasEstimate returns true after the first sample
func (dc *DeltaCalculator) HasEstimate() bool {
	return dc.received > 0
}

// TimeDelta returns client time minus server time
func (dc *DeltaCalculator) TimeDelta() time.Duration {
	return dc.delta
}

// RoundTripTime returns the lowest round trip time observed
func (dc *DeltaCalculator) RoundTripTime() time.Duration {
	return dc.bestRTT
}
