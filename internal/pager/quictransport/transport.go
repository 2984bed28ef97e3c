// Package quictransport bridges a local managed.Backing to a remote pager
// process over QUIC: local page faults become wire requests, and the
// remote reply's bytes are copied into a freshly allocated physical frame
// and published via Backing.CompleteLoad.
package quictransport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/Masterminds/semver/v3"
	"github.com/quic-go/quic-go"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/managed"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
)

// ProtocolVersion is this build's wire protocol version. A peer advertising
// an incompatible version is rejected during the handshake.
const ProtocolVersion = "1.1.0"

// supportedConstraint accepts any 1.x peer; a 2.x peer would need a
// breaking wire-format change and is rejected.
var supportedConstraint = mustConstraint("^1.0.0")

func mustConstraint(expr string) *semver.Constraints {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		panic("quictransport: invalid built-in constraint: " + err.Error())
	}
	return c
}

type frameKind byte

const (
	frameHandshake frameKind = iota
	frameLoadRequest
	frameLoadResponse
)

func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	header := make([]byte, 9)
	header[0] = byte(kind)
	binary.BigEndian.PutUint64(header[1:], uint64(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (frameKind, []byte, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint64(header[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return frameKind(header[0]), payload, nil
}

func handshakeServer(stream io.ReadWriter) error {
	kind, payload, err := readFrame(stream)
	if err != nil {
		return fmt.Errorf("quictransport: reading handshake: %w", err)
	}
	if kind != frameHandshake {
		return fmt.Errorf("quictransport: expected handshake frame, got %d", kind)
	}
	peer, err := semver.NewVersion(string(payload))
	if err != nil {
		return fmt.Errorf("quictransport: malformed peer version %q: %w", payload, err)
	}
	if !supportedConstraint.Check(peer) {
		return fmt.Errorf("quictransport: peer version %s does not satisfy %s", peer, supportedConstraint)
	}
	return writeFrame(stream, frameHandshake, []byte(ProtocolVersion))
}

func handshakeClient(stream io.ReadWriter) error {
	if err := writeFrame(stream, frameHandshake, []byte(ProtocolVersion)); err != nil {
		return err
	}
	kind, payload, err := readFrame(stream)
	if err != nil {
		return fmt.Errorf("quictransport: reading handshake reply: %w", err)
	}
	if kind != frameHandshake {
		return fmt.Errorf("quictransport: expected handshake reply, got %d", kind)
	}
	peer, err := semver.NewVersion(string(payload))
	if err != nil {
		return fmt.Errorf("quictransport: malformed server version %q: %w", payload, err)
	}
	if !supportedConstraint.Check(peer) {
		return fmt.Errorf("quictransport: server version %s does not satisfy %s", peer, supportedConstraint)
	}
	return nil
}

// ClientBridge drives one managed.Backing's load requests over a single
// QUIC stream to a remote pager process: it pulls requests off the
// Backing's initiate-load queue, forwards them, and publishes the replies.
type ClientBridge struct {
	backing  *managed.Backing
	alloc    physalloc.Allocator
	accessor page.Accessor
	conn     *quic.Conn
	stream   *quic.Stream
}

// DialBridge connects to a remote pager at addr, completes the version
// handshake, and returns a ClientBridge ready to Run.
func DialBridge(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config, backing *managed.Backing, alloc physalloc.Allocator, accessor page.Accessor) (*ClientBridge, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quictransport: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open stream: %w", err)
	}
	if err := handshakeClient(stream); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return &ClientBridge{backing: backing, alloc: alloc, accessor: accessor, conn: conn, stream: stream}, nil
}

// Run forwards Backing load requests to the remote pager until ctx is
// canceled or the stream errors.
func (b *ClientBridge) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req := b.backing.NextLoadRequest()

		reqPayload := make([]byte, 16)
		binary.BigEndian.PutUint64(reqPayload[0:8], uint64(req.Offset))
		binary.BigEndian.PutUint64(reqPayload[8:16], uint64(req.Length))
		if err := writeFrame(b.stream, frameLoadRequest, reqPayload); err != nil {
			return fmt.Errorf("quictransport: sending load request: %w", err)
		}

		kind, payload, err := readFrame(b.stream)
		if err != nil {
			return fmt.Errorf("quictransport: reading load response: %w", err)
		}
		if kind != frameLoadResponse || len(payload) < 8 {
			return fmt.Errorf("quictransport: malformed load response")
		}
		offset := uintptr(binary.BigEndian.Uint64(payload[0:8]))
		data := payload[8:]

		phys, ok := b.alloc.Allocate(req.Length)
		if !ok {
			return fmt.Errorf("quictransport: physical allocator exhausted")
		}
		buf := b.accessor.Bytes(phys, req.Length)
		copy(buf, data)
		b.backing.CompleteLoad(offset, req.Length, phys)
	}
}

// Close tears down the underlying QUIC connection.
func (b *ClientBridge) Close() error {
	_ = b.stream.Close()
	return b.conn.CloseWithError(0, "bridge closed")
}

// Server is a reference pager server: for every accepted stream, it reads
// load requests and answers them from a caller-supplied loader function
// (e.g. a file-backed store).
type Server struct {
	ql     *quic.Listener
	loader func(offset, length uintptr) ([]byte, error)
}

// NewServer starts listening on pconn with tlsConf, answering load requests
// via loader.
func NewServer(pconn net.PacketConn, tlsConf *tls.Config, quicConf *quic.Config, loader func(offset, length uintptr) ([]byte, error)) (*Server, error) {
	ql, err := quic.Listen(pconn, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	return &Server{ql: ql, loader: loader}, nil
}

// Serve accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ql.Accept(ctx)
		if err != nil {
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	defer stream.Close()

	if err := handshakeServer(stream); err != nil {
		return
	}

	for {
		kind, payload, err := readFrame(stream)
		if err != nil {
			return
		}
		if kind != frameLoadRequest || len(payload) < 16 {
			return
		}
		offset := uintptr(binary.BigEndian.Uint64(payload[0:8]))
		length := uintptr(binary.BigEndian.Uint64(payload[8:16]))

		data, err := s.loader(offset, length)
		if err != nil {
			return
		}

		resp := make([]byte, 8+len(data))
		binary.BigEndian.PutUint64(resp[0:8], uint64(offset))
		copy(resp[8:], data)
		if err := writeFrame(stream, frameLoadResponse, resp); err != nil {
			return
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ql.Close() }
