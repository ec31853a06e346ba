package gwvar

import "expvar"

// Bool is a boolean published through expvar
type Bool struct {
	val *expvar.Int
}

// NewBool publishes a Bool under name
func NewBool(name string) *Bool {
	return &Bool{
		val: expvar.NewInt(name),
	}
}

// Value returns the current value
func (b *Bool) Value() bool {
	return b.val.Value() > 0
}

// Set sets the value
func (b *Bool) Set(v bool) {
	if v {
		b.val.Set(1)
	} else {
		b.val.Set(0)
	}
}

// Counters of the process, served at /debug/vars by the http server
var (
	IsShuttingDown = NewBool("presents.isShuttingDown")
	Connections    = expvar.NewInt("presents.connections")
	Sessions       = expvar.NewInt("presents.sessions")
	ConnectedPeers = expvar.NewInt("presents.connectedPeers")
)
