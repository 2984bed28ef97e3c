// Command vmcore-pagerd serves a file's contents as a remote pager over
// QUIC, for address spaces that map a Backing/Frontal pair bridged by
// internal/pager/quictransport instead of an in-process pager task.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/orizon-lang/orizon-vmcore/internal/pager/quictransport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4433", "UDP address to listen on")
	file := flag.String("file", "", "path to the file served as backing content")
	flag.Parse()

	log.SetFlags(0)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "vmcore-pagerd: -file is required")
		os.Exit(2)
	}

	if err := run(*addr, *file); err != nil {
		fmt.Fprintln(os.Stderr, "vmcore-pagerd:", err)
		os.Exit(1)
	}
}

func run(addr, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	tlsConf, err := selfSignedTLS("127.0.0.1", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("generate TLS config: %w", err)
	}
	tlsConf.NextProtos = []string{"vmcore-pager/1"}

	pconn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	loader := func(offset, length uintptr) ([]byte, error) {
		buf := make([]byte, length)
		n, readErr := f.ReadAt(buf, int64(offset))
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, readErr
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return buf, nil
	}

	srv, err := quictransport.NewServer(pconn, tlsConf, &quic.Config{}, loader)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Close()

	log.Printf("vmcore-pagerd serving %s on %s", path, addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// selfSignedTLS generates an in-memory self-signed certificate for host,
// sufficient for a pager connection where both ends are operated by the
// same deployment rather than verified against a public CA.
func selfSignedTLS(host string, validFor time.Duration) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
	} else {
		tmpl.DNSNames = append(tmpl.DNSNames, host)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS13}, nil
}
