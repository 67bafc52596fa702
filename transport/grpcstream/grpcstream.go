// Package grpcstream carries a pushgate connection over a gRPC
// bidirectional stream instead of a plain socket, for peers that want
// TLS, keepalive and load-balancer-friendly framing for free. The stream
// payload is raw pushgate frame bytes, not protobuf: a custom codec is
// required to bypass protobuf entirely, since the wire format is already
// fully specified by package message and re-encoding it as a protobuf
// message would be pure overhead (grounded on the teacher's own codec).
package grpcstream

import (
	"context"
	"crypto/tls"
	"io"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/roadrunner-server/pushgate/transport"
)

const codecName = "pushgate-raw"

// rawFrame is the only payload type ever exchanged over the stream: an
// opaque slice of frame bytes produced by message.Framer.
type rawFrame struct{ data []byte }

// rawCodec implements grpc/encoding.Codec by passing bytes through
// unchanged, so the stream carries exactly what message.Framer wrote,
// with no protobuf envelope.
type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, errors.E(errors.Op("grpcstream_marshal"), errors.Str("not a rawFrame"))
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return errors.E(errors.Op("grpcstream_unmarshal"), errors.Str("not a rawFrame"))
	}
	f.data = make([]byte, len(data))
	copy(f.data, data)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}

const serviceName = "pushgate.Transport"
const streamMethod = "Stream"

// streamDesc is the manually-built ServiceDesc for the single
// bidirectional-streaming RPC this package needs; there is no .proto
// file behind it; see the package doc for why.
var streamDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethod,
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pushgate/transport/grpcstream",
}

// Handler is invoked once per incoming stream with a ready-made
// transport.Pair; the caller wires it into rpc.New/message.NewFramer the
// same way it would wire up transport/pipe.
type Handler func(ctx context.Context, pair transport.Pair)

var activeHandler Handler

func streamHandler(_ any, stream grpc.ServerStream) error {
	p := newStreamPair(stream.Context(), stream.SendMsg, stream.RecvMsg)
	if activeHandler != nil {
		activeHandler(stream.Context(), p)
	}
	return p.lastErr()
}

// ServerOptions builds the grpc.ServerOption set pushgate servers run
// with: TLS (when certFile/keyFile are set) or plaintext, plus keepalive
// enforcement tuned the same way the teacher's RPC server tunes it so a
// half-dead peer is evicted instead of held open forever.
func ServerOptions(certFile, keyFile string, log *zap.Logger) ([]grpc.ServerOption, error) {
	const op = errors.Op("grpcstream_server_options")

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.E(op, errors.Str("failed to load TLS keypair"), err)
		}
		creds := credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
		opts = append(opts, grpc.Creds(creds))
	} else if log != nil {
		log.Warn("grpcstream server running without TLS")
	}

	return opts, nil
}

// NewServer builds a *grpc.Server with the pushgate raw-stream service
// registered and handler invoked for every accepted stream.
func NewServer(handler Handler, opts ...grpc.ServerOption) *grpc.Server {
	activeHandler = handler
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&streamDesc, nil)
	return srv
}

// Dial opens a client-side transport.Pair to target over gRPC.
func Dial(ctx context.Context, target string, dialOpts ...grpc.DialOption) (transport.Pair, error) {
	const op = errors.Op("grpcstream_dial")

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, errors.E(op, errors.Str("dial failed"), err)
	}

	desc := &grpc.StreamDesc{StreamName: streamMethod, ServerStreams: true, ClientStreams: true}
	cs, err := cc.NewStream(ctx, desc, "/"+serviceName+"/"+streamMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		cc.Close()
		return nil, errors.E(op, errors.Str("open stream failed"), err)
	}

	p := newStreamPair(ctx, cs.SendMsg, cs.RecvMsg)
	p.closer = cc
	return p, nil
}

// streamPair adapts a gRPC stream's SendMsg/RecvMsg to io.Reader/Writer
// so a message.Framer can run directly over it.
type streamPair struct {
	ctx     context.Context
	send    func(any) error
	recv    func(any) error
	readBuf []byte
	err     error
	closer  io.Closer
}

func newStreamPair(ctx context.Context, send, recv func(any) error) *streamPair {
	return &streamPair{ctx: ctx, send: send, recv: recv}
}

func (p *streamPair) Write(b []byte) (int, error) {
	if err := p.send(&rawFrame{data: b}); err != nil {
		p.err = wrapError(err)
		return 0, p.err
	}
	return len(b), nil
}

func (p *streamPair) Read(b []byte) (int, error) {
	for len(p.readBuf) == 0 {
		f := &rawFrame{}
		if err := p.recv(f); err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			p.err = wrapError(err)
			return 0, p.err
		}
		p.readBuf = f.data
	}
	n := copy(b, p.readBuf)
	p.readBuf = p.readBuf[n:]
	return n, nil
}

func (p *streamPair) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func (p *streamPair) lastErr() error { return p.err }

// wrapError normalises a gRPC status error to a plain error carrying the
// original message, so pushgate callers never need to import
// google.golang.org/grpc/status themselves.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.Canceled || st.Code() == codes.Unavailable {
		return errors.E(errors.Op("grpcstream_transport"), errors.Str(st.Message()), io.ErrClosedPipe)
	}
	return errors.E(errors.Op("grpcstream_transport"), errors.Str(st.Message()))
}
