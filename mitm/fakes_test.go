package mitm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"

	"github.com/mel2oo/go-mitm/certstore"
)

func u16(n int) []byte {
	return []byte{byte(n >> 8), byte(n)}
}

// A single-record ClientHello offering the given SNI host names and ALPN
// protocols. No extension is sent for an empty list.
func clientHelloRecord(serverNames []string, alpn []string) []byte {
	var exts []byte
	if len(serverNames) > 0 {
		var list []byte
		for _, name := range serverNames {
			list = append(list, 0x00)
			list = append(list, u16(len(name))...)
			list = append(list, name...)
		}
		payload := append(u16(len(list)), list...)
		exts = append(exts, 0x00, 0x00)
		exts = append(exts, u16(len(payload))...)
		exts = append(exts, payload...)
	}
	if len(alpn) > 0 {
		var list []byte
		for _, p := range alpn {
			list = append(list, byte(len(p)))
			list = append(list, p...)
		}
		payload := append(u16(len(list)), list...)
		exts = append(exts, 0x00, 0x10)
		exts = append(exts, u16(len(payload))...)
		exts = append(exts, payload...)
	}

	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, bytes.Repeat([]byte{0x42}, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x02, 0x13, 0x01)
	body = append(body, 0x01, 0x00)
	body = append(body, u16(len(exts))...)
	body = append(body, exts...)

	msg := []byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	msg = append(msg, body...)

	record := []byte{0x16, 0x03, 0x01}
	record = append(record, u16(len(msg))...)
	return append(record, msg...)
}

type fakeClientConn struct {
	*bufio.Reader
	events *[]string

	convertErr  error
	params      []ServerTLSParams
	established bool
}

func (c *fakeClientConn) ConvertToTLS(ctx context.Context, params ServerTLSParams) error {
	*c.events = append(*c.events, "client tls")
	c.params = append(c.params, params)
	if c.convertErr != nil {
		return c.convertErr
	}
	c.established = true
	return nil
}

func (c *fakeClientConn) TLSEstablished() bool {
	return c.established
}

type fakeServerConn struct {
	events *[]string

	address     Address
	connected   bool
	established bool

	tlsErr   error
	alpn     string
	cert     *x509.Certificate
	verifErr *VerificationError
	params   []ClientTLSParams
}

func (s *fakeServerConn) Address() Address {
	return s.address
}

func (s *fakeServerConn) Connected() bool {
	return s.connected
}

func (s *fakeServerConn) EstablishTLS(ctx context.Context, params ClientTLSParams) error {
	*s.events = append(*s.events, "server tls")
	s.params = append(s.params, params)
	if s.tlsErr != nil {
		return s.tlsErr
	}
	s.established = true
	return nil
}

func (s *fakeServerConn) TLSEstablished() bool {
	return s.established
}

func (s *fakeServerConn) NegotiatedProtocol() string {
	if !s.established {
		return ""
	}
	return s.alpn
}

func (s *fakeServerConn) PeerCertificate() *x509.Certificate {
	if !s.established {
		return nil
	}
	return s.cert
}

func (s *fakeServerConn) VerificationError() *VerificationError {
	return s.verifErr
}

type setServerCall struct {
	address   Address
	serverTLS *bool
	sni       SNIOverride
	depth     int
}

type fakeContext struct {
	events []string

	client *fakeClientConn
	server *fakeServerConn

	setServerCalls []setServerCall
	next           func(top Context) Layer
	nextTop        Context
}

func newFakeContext(stream []byte) *fakeContext {
	c := &fakeContext{}
	c.client = &fakeClientConn{
		Reader: bufio.NewReader(bytes.NewReader(stream)),
		events: &c.events,
	}
	c.server = &fakeServerConn{
		events:  &c.events,
		address: Address{Host: "1.2.3.4", Port: 443},
	}
	return c
}

func (c *fakeContext) ClientConn() ClientConn {
	return c.client
}

func (c *fakeContext) ServerConn() ServerConn {
	return c.server
}

func (c *fakeContext) Connect(ctx context.Context) error {
	c.events = append(c.events, "connect")
	c.server.connected = true
	return nil
}

func (c *fakeContext) Reconnect(ctx context.Context) error {
	c.events = append(c.events, "reconnect")
	c.server.connected = true
	c.server.established = false
	return nil
}

func (c *fakeContext) SetServer(address Address, serverTLS *bool, sni SNIOverride, depth int) error {
	c.setServerCalls = append(c.setServerCalls, setServerCall{address, serverTLS, sni, depth})
	return nil
}

func (c *fakeContext) NextLayer(top Context) Layer {
	c.nextTop = top
	if c.next != nil {
		return c.next(top)
	}
	return layerFunc(func(context.Context) error {
		c.events = append(c.events, "next layer")
		return nil
	})
}

type layerFunc func(ctx context.Context) error

func (f layerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

type getCertCall struct {
	host string
	sans []string
}

type fakeResolver struct {
	calls []getCertCall
	err   error
}

func (r *fakeResolver) GetCert(host string, sans []string) (*certstore.CertificateBundle, error) {
	r.calls = append(r.calls, getCertCall{host: host, sans: sans})
	if r.err != nil {
		return nil, r.err
	}
	return &certstore.CertificateBundle{Leaf: &x509.Certificate{}}, nil
}
