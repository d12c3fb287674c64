package endpoint

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mel2oo/go-mitm/certstore"
	gtls "github.com/mel2oo/go-mitm/gnet/tls"
	"github.com/mel2oo/go-mitm/mitm"
	"github.com/mel2oo/go-mitm/optionals"
)

type testCA struct {
	store    *certstore.Store
	cert     *x509.Certificate
	certFile string
}

func newTestCA(t *testing.T, name string) testCA {
	t.Helper()
	cert, key, err := certstore.GenerateCA(name, "go-mitm tests", 24*time.Hour)
	require.NoError(t, err)
	store, err := certstore.New(certstore.WithCA(cert, key))
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.pem")
	require.NoError(t, certstore.WriteCA(certFile, filepath.Join(dir, "ca.key"), cert, key))
	return testCA{store: store, cert: cert, certFile: certFile}
}

// Starts a TLS server on loopback that serves a certificate for host and
// echoes back whatever it reads.
func startTLSServer(t *testing.T, ca testCA, host string, nextProtos []string) mitm.Address {
	t.Helper()
	bundle, err := ca.store.GetCert(host, nil)
	require.NoError(t, err)

	config := &tls.Config{
		Certificates: []tls.Certificate{bundle.TLSCertificate()},
		NextProtos:   nextProtos,
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", config)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	addr, err := mitm.ParseAddress(ln.Addr().String())
	require.NoError(t, err)
	return addr
}

func TestServerConnEstablishTLS(t *testing.T) {
	ca := newTestCA(t, "go-mitm-server-ca")
	otherCA := newTestCA(t, "go-mitm-other-ca")
	addr := startTLSServer(t, ca, "example.com", []string{"h2"})

	testCases := []struct {
		name          string
		params        mitm.ClientTLSParams
		expectErr     bool
		expectedCode  int
		expectVerrSet bool
	}{
		{
			name: "trusted",
			params: mitm.ClientTLSParams{
				ServerName:    "example.com",
				TrustedCAFile: ca.certFile,
				ALPNProtocols: []string{"h2", "http/1.1"},
			},
		},
		{
			name: "trusted through directory",
			params: mitm.ClientTLSParams{
				ServerName:    "example.com",
				TrustedCADir:  filepath.Dir(ca.certFile),
				ALPNProtocols: []string{"h2", "http/1.1"},
				VerifyMode:    mitm.VerifyPeer,
			},
		},
		{
			name: "unknown authority ignored",
			params: mitm.ClientTLSParams{
				ServerName:    "example.com",
				TrustedCAFile: otherCA.certFile,
				ALPNProtocols: []string{"h2"},
			},
			expectedCode:  mitm.VerifyErrUnableToGetIssuerLocally,
			expectVerrSet: true,
		},
		{
			name: "hostname mismatch ignored",
			params: mitm.ClientTLSParams{
				ServerName:    "other.com",
				TrustedCAFile: ca.certFile,
				ALPNProtocols: []string{"h2"},
			},
			expectedCode:  mitm.VerifyErrHostnameMismatch,
			expectVerrSet: true,
		},
		{
			name: "unknown authority fatal",
			params: mitm.ClientTLSParams{
				ServerName:    "example.com",
				TrustedCAFile: otherCA.certFile,
				VerifyMode:    mitm.VerifyPeer,
			},
			expectErr:     true,
			expectedCode:  mitm.VerifyErrUnableToGetIssuerLocally,
			expectVerrSet: true,
		},
	}

	for _, tc := range testCases {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

		server := NewServerConn(addr, nil)
		require.NoError(t, server.Connect(ctx), tc.name)
		assert.True(t, server.Connected(), tc.name)

		err := server.EstablishTLS(ctx, tc.params)
		if tc.expectErr {
			assert.True(t, errors.Is(err, mitm.ErrInvalidCertificate), "%s: got %v", tc.name, err)
			assert.False(t, server.TLSEstablished(), tc.name)
		} else {
			require.NoError(t, err, tc.name)
			assert.True(t, server.TLSEstablished(), tc.name)
			assert.Equal(t, "example.com", server.PeerCertificate().Subject.CommonName, tc.name)
			if len(tc.params.ALPNProtocols) > 0 {
				assert.Equal(t, "h2", server.NegotiatedProtocol(), tc.name)
			}
		}

		verr := server.VerificationError()
		if tc.expectVerrSet {
			if assert.NotNil(t, verr, tc.name) {
				assert.Equal(t, tc.expectedCode, verr.Code, tc.name)
			}
		} else {
			assert.Nil(t, verr, tc.name)
		}

		assert.NoError(t, server.Close(), tc.name)
		assert.False(t, server.Connected(), tc.name)
		cancel()
	}
}

func TestServerConnRequiresConnect(t *testing.T) {
	server := NewServerConn(mitm.Address{Host: "127.0.0.1", Port: 1}, nil)
	assert.Error(t, server.EstablishTLS(context.Background(), mitm.ClientTLSParams{}))
	assert.Nil(t, server.PeerCertificate())
	assert.Empty(t, server.NegotiatedProtocol())
}

func TestServerConnRelay(t *testing.T) {
	ca := newTestCA(t, "go-mitm-relay-ca")
	addr := startTLSServer(t, ca, "example.com", nil)

	ctx := context.Background()
	server := NewServerConn(addr, &net.Dialer{Timeout: 5 * time.Second})
	require.NoError(t, server.Connect(ctx))
	defer server.Close()
	require.NoError(t, server.EstablishTLS(ctx, mitm.ClientTLSParams{ServerName: "example.com", TrustedCAFile: ca.certFile}))

	_, err := server.NetConn().Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(server.NetConn(), buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

type clientResult struct {
	alpn string
	err  error
}

// Accepts one loopback connection, wraps it in a ClientConn, and runs a TLS
// client against it in the background.
func dialClient(t *testing.T, ca testCA, serverName string, nextProtos []string) (*ClientConn, <-chan clientResult) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)

	results := make(chan clientResult, 1)
	go func() {
		conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
			ServerName: serverName,
			RootCAs:    roots,
			NextProtos: nextProtos,
		})
		if err != nil {
			results <- clientResult{err: err}
			return
		}
		defer conn.Close()

		// Echo one message back so the server side can check the stream.
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			results <- clientResult{err: err}
			return
		}
		if _, err := conn.Write(buf); err != nil {
			results <- clientResult{err: err}
			return
		}
		results <- clientResult{alpn: conn.ConnectionState().NegotiatedProtocol}
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	client := NewClientConn(conn)
	t.Cleanup(func() { client.Close() })
	return client, results
}

func TestClientConnConvertToTLS(t *testing.T) {
	ca := newTestCA(t, "go-mitm-client-ca")

	testCases := []struct {
		name         string
		offered      []string
		upstream     optionals.Optional[string]
		expectedALPN string
	}{
		{
			name:         "server choice",
			offered:      []string{"http/1.1", "h2"},
			upstream:     optionals.Some("h2"),
			expectedALPN: "h2",
		},
		{
			name:         "default",
			offered:      []string{"h2", "http/1.1"},
			expectedALPN: "http/1.1",
		},
		{
			name:         "first offer",
			offered:      []string{"spdy/3"},
			upstream:     optionals.Some("h2"),
			expectedALPN: "spdy/3",
		},
		{
			name: "no alpn",
		},
	}

	for _, tc := range testCases {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, results := dialClient(t, ca, "example.com", tc.offered)

		// Peeking first must not disturb the handshake.
		raw, err := gtls.ReassembleClientHello(client)
		require.NoError(t, err, tc.name)
		hello, err := gtls.ParseClientHello(raw)
		require.NoError(t, err, tc.name)
		sni, _ := hello.ServerName(nil)
		assert.Equal(t, "example.com", sni, tc.name)

		bundle, err := ca.store.GetCert(sni, nil)
		require.NoError(t, err, tc.name)

		upstream := tc.upstream
		err = client.ConvertToTLS(ctx, mitm.ServerTLSParams{
			Certificate: bundle,
			SelectALPN: func(offered []string) string {
				return mitm.SelectALPN(offered, upstream, mitm.DefaultALPN)
			},
		})
		require.NoError(t, err, tc.name)
		assert.True(t, client.TLSEstablished(), tc.name)
		assert.Equal(t, tc.expectedALPN, client.NegotiatedProtocol(), tc.name)

		_, err = client.NetConn().Write([]byte("pong"))
		require.NoError(t, err, tc.name)
		buf := make([]byte, 4)
		_, err = io.ReadFull(client.NetConn(), buf)
		require.NoError(t, err, tc.name)
		assert.Equal(t, "pong", string(buf), tc.name)

		result := <-results
		require.NoError(t, result.err, tc.name)
		assert.Equal(t, tc.expectedALPN, result.alpn, tc.name)
		cancel()
	}
}

func TestClientConnRequiresCertificate(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	client := NewClientConn(a)
	defer client.Close()

	assert.Error(t, client.ConvertToTLS(context.Background(), mitm.ServerTLSParams{}))
	assert.False(t, client.TLSEstablished())
}

func TestLoadTrustedCAs(t *testing.T) {
	pool, err := loadTrustedCAs("", "")
	require.NoError(t, err)
	assert.Nil(t, pool)

	_, err = loadTrustedCAs(filepath.Join(t.TempDir(), "missing.pem"), "")
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate"), 0o644))
	_, err = loadTrustedCAs(empty, "")
	assert.Error(t, err)
}
