package mitm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"github.com/mel2oo/go-mitm/certstore"
)

type Address struct {
	Host string
	Port int
}

func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid address %q", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, errors.Errorf("invalid port in address %q", hostport)
	}
	return Address{Host: host, Port: port}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// The client-facing side of a proxied connection.
type ClientConn interface {
	// Returns up to n bytes from the head of the stream without consuming them.
	Peek(n int) ([]byte, error)

	// Performs the server side of a TLS handshake with the client.
	ConvertToTLS(ctx context.Context, params ServerTLSParams) error

	TLSEstablished() bool
}

// The server-facing side of a proxied connection.
type ServerConn interface {
	Address() Address
	Connected() bool

	// Performs the client side of a TLS handshake with the server.
	EstablishTLS(ctx context.Context, params ClientTLSParams) error

	TLSEstablished() bool

	// Empty if no protocol was negotiated.
	NegotiatedProtocol() string

	// Nil until TLS is established.
	PeerCertificate() *x509.Certificate

	// The first problem found with the server's chain, if any, during the last
	// handshake.
	VerificationError() *VerificationError
}

type CertResolver interface {
	GetCert(host string, sans []string) (*certstore.CertificateBundle, error)
}

// What a layer sees of the layers around it.
type Context interface {
	ClientConn() ClientConn
	ServerConn() ServerConn

	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error

	// Changes the server destination. serverTLS is nil when the TLS setting
	// should be left alone. depth counts the hops from the caller, starting
	// at 1.
	SetServer(address Address, serverTLS *bool, sni SNIOverride, depth int) error

	// Builds the layer that handles the connection after top is done.
	NextLayer(top Context) Layer
}

type Layer interface {
	Run(ctx context.Context) error
}

type ServerTLSParams struct {
	Certificate *certstore.CertificateBundle
	Engine      EngineOptions

	// Consulted only when the client offers ALPN protocols. Nil means no
	// protocol is confirmed.
	SelectALPN ALPNSelector
}

type ClientTLSParams struct {
	ClientCertificates []tls.Certificate

	// Empty means no SNI is sent.
	ServerName string

	Engine        EngineOptions
	VerifyMode    VerifyMode
	TrustedCADir  string
	TrustedCAFile string

	// Nil means no ALPN extension is sent.
	ALPNProtocols []string
}
