package quictransport

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, frameLoadRequest, []byte("payload")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	kind, payload, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if kind != frameLoadRequest {
		t.Fatalf("unexpected kind %d", kind)
	}
	if string(payload) != "payload" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

// duplex pairs an independent read and write half into a single
// io.ReadWriter, letting a unit test drive handshakeClient/handshakeServer
// against an in-process io.Pipe instead of a real QUIC stream.
type duplex struct {
	io.Reader
	io.Writer
}

func TestHandshakeAcceptsCompatibleVersion(t *testing.T) {
	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	client := duplex{Reader: serverToClientR, Writer: clientToServerW}
	server := duplex{Reader: clientToServerR, Writer: serverToClientW}

	clientErr := make(chan error, 1)
	go func() { clientErr <- handshakeClient(client) }()

	if err := handshakeServer(server); err != nil {
		t.Fatalf("handshakeServer: %v", err)
	}

	select {
	case err := <-clientErr:
		if err != nil {
			t.Fatalf("handshakeClient: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshakeClient")
	}
}

func TestHandshakeRejectsIncompatibleVersion(t *testing.T) {
	var wire bytes.Buffer
	if err := writeFrame(&wire, frameHandshake, []byte("2.0.0")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := handshakeServer(&wire); err == nil {
		t.Fatal("expected handshakeServer to reject a 2.x peer version")
	}
}
