package endpoint

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/pkg/errors"

	"github.com/mel2oo/go-mitm/mitm"
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// The server-facing end of a proxied connection.
type ServerConn struct {
	address mitm.Address
	dialer  Dialer

	conn              net.Conn
	tlsConn           *tls.Conn
	verificationError *mitm.VerificationError
}

var _ mitm.ServerConn = (*ServerConn)(nil)

func NewServerConn(address mitm.Address, dialer Dialer) *ServerConn {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &ServerConn{
		address: address,
		dialer:  dialer,
	}
}

func (s *ServerConn) Address() mitm.Address {
	return s.address
}

// Takes effect on the next Connect.
func (s *ServerConn) SetAddress(address mitm.Address) {
	s.address = address
}

func (s *ServerConn) Connected() bool {
	return s.conn != nil
}

func (s *ServerConn) Connect(ctx context.Context) error {
	if s.conn != nil {
		return errors.Errorf("already connected to %s", s.address)
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", s.address.String())
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", s.address)
	}
	s.conn = conn
	return nil
}

// The handshake never fails on an unverifiable chain by itself. The problem is
// recorded in VerificationError, and only with mitm.VerifyPeer does the
// handshake fail, with an error wrapping mitm.ErrInvalidCertificate.
func (s *ServerConn) EstablishTLS(ctx context.Context, params mitm.ClientTLSParams) error {
	if s.conn == nil {
		return errors.Errorf("not connected to %s", s.address)
	}
	s.verificationError = nil

	roots, err := loadTrustedCAs(params.TrustedCAFile, params.TrustedCADir)
	if err != nil {
		return err
	}

	verifyName := params.ServerName
	if verifyName == "" {
		verifyName = s.address.Host
	}

	config := &tls.Config{
		ServerName:   params.ServerName,
		Certificates: params.ClientCertificates,
		NextProtos:   params.ALPNProtocols,
		// Verification happens in VerifyConnection so that its outcome can be
		// recorded instead of always aborting.
		InsecureSkipVerify: true,
		VerifyConnection: func(state tls.ConnectionState) error {
			verr := verifyChain(state.PeerCertificates, roots, verifyName)
			if verr == nil {
				return nil
			}
			s.verificationError = verr
			if params.VerifyMode == mitm.VerifyPeer {
				return errors.Wrap(mitm.ErrInvalidCertificate, verr.Error())
			}
			return nil
		},
	}
	params.Engine.Apply(config)

	tlsConn := tls.Client(s.conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if s.verificationError != nil && params.VerifyMode == mitm.VerifyPeer && !errors.Is(err, mitm.ErrInvalidCertificate) {
			return errors.Wrap(mitm.ErrInvalidCertificate, err.Error())
		}
		return errors.Wrap(err, "server handshake failed")
	}
	s.tlsConn = tlsConn
	return nil
}

func (s *ServerConn) TLSEstablished() bool {
	return s.tlsConn != nil
}

func (s *ServerConn) NegotiatedProtocol() string {
	if s.tlsConn == nil {
		return ""
	}
	return s.tlsConn.ConnectionState().NegotiatedProtocol
}

func (s *ServerConn) PeerCertificate() *x509.Certificate {
	if s.tlsConn == nil {
		return nil
	}
	certs := s.tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

func (s *ServerConn) VerificationError() *mitm.VerificationError {
	return s.verificationError
}

// Nil until connected.
func (s *ServerConn) NetConn() net.Conn {
	if s.tlsConn != nil {
		return s.tlsConn
	}
	return s.conn
}

// Drops the connection and any TLS state. The address is kept.
func (s *ServerConn) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.tlsConn = nil
	s.verificationError = nil
	return err
}
