// Package sockettest has loopback helpers shared by the socket, agent and
// controller tests.
package sockettest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// GenerateSelfSignedCert returns a PEM pair valid for localhost.
func GenerateSelfSignedCert(t testing.TB) (certPEM, keyPEM []byte) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err, "failed to generate ed25519 key")

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().UTC().Add(-time.Hour),
		NotAfter:              time.Now().UTC().Add(time.Hour * 24),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	require.NoError(t, err)

	certBuf := &bytes.Buffer{}
	keyBuf := &bytes.Buffer{}

	require.NoError(t, pem.Encode(certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}))
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyBuf, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}))

	return certBuf.Bytes(), keyBuf.Bytes()
}

// StartMockServer accepts on 127.0.0.1:0 and runs handler per connection.
func StartMockServer(t testing.TB, useTLS bool, handler func(net.Conn)) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to start mock server")
	t.Logf("started mock server at %s", ln.Addr().String())

	if useTLS {
		cert, key := GenerateSelfSignedCert(t)

		certPair, err := tls.X509KeyPair(cert, key)
		require.NoError(t, err, "failed to create x509 key pair")

		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{certPair},
		})
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go handler(conn)
		}
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

// ReservePort returns a loopback address nothing is listening on.
func ReservePort(t testing.TB) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
