package endpoint

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"

	"github.com/mel2oo/go-mitm/mitm"
)

// Large enough to peek a ClientHello spread over several full records.
const peekBufferSize = 1 << 17

// The client-facing end of a proxied connection. Bytes can be peeked before
// the TLS handshake; the handshake still sees them.
type ClientConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	tlsConn *tls.Conn
}

var _ mitm.ClientConn = (*ClientConn)(nil)

func NewClientConn(conn net.Conn) *ClientConn {
	return &ClientConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, peekBufferSize),
	}
}

func (c *ClientConn) Peek(n int) ([]byte, error) {
	return c.reader.Peek(n)
}

func (c *ClientConn) ConvertToTLS(ctx context.Context, params mitm.ServerTLSParams) error {
	if params.Certificate == nil {
		return errors.New("no certificate for client handshake")
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{params.Certificate.TLSCertificate()},
	}
	params.Engine.Apply(config)

	if params.SelectALPN != nil {
		base := config
		config = base.Clone()
		config.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if len(hello.SupportedProtos) == 0 {
				return nil, nil
			}
			choice := params.SelectALPN(hello.SupportedProtos)
			if choice == "" {
				return nil, nil
			}
			selected := base.Clone()
			selected.NextProtos = []string{choice}
			return selected, nil
		}
	}

	tlsConn := tls.Server(&bufferedConn{Conn: c.conn, reader: c.reader}, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return errors.Wrap(err, "client handshake failed")
	}
	c.tlsConn = tlsConn
	return nil
}

func (c *ClientConn) TLSEstablished() bool {
	return c.tlsConn != nil
}

func (c *ClientConn) NegotiatedProtocol() string {
	if c.tlsConn == nil {
		return ""
	}
	return c.tlsConn.ConnectionState().NegotiatedProtocol
}

// The connection to relay application data over: the TLS connection once
// established, otherwise the raw connection including any peeked bytes.
func (c *ClientConn) NetConn() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return &bufferedConn{Conn: c.conn, reader: c.reader}
}

func (c *ClientConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *ClientConn) Close() error {
	return c.conn.Close()
}

// Reads through the peek buffer.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.New("half close not supported")
}
