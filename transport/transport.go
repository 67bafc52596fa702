// Package transport defines the byte-stream pairing a Framer runs over,
// and the concrete transports pushgate ships: an in-memory pipe for
// tests and embedders, and a gRPC bidirectional stream for networked
// peers (see transport/pipe and transport/grpcstream).
package transport

import "io"

// Pair is a full-duplex byte stream: one side of a pushgate connection.
// Both peers speak the same framed protocol over it regardless of what
// carries the bytes.
type Pair interface {
	io.Reader
	io.Writer
	io.Closer
}
