// Package pipe provides an in-memory transport.Pair over net.Pipe, for
// tests and for two peers living in the same process.
package pipe

import (
	"net"

	"github.com/roadrunner-server/pushgate/transport"
)

// New returns two connected transport.Pair halves; writes to one are
// readable from the other, synchronously, exactly like net.Pipe.
func New() (a, b transport.Pair) {
	c1, c2 := net.Pipe()
	return c1, c2
}
