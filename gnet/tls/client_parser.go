package tls

import (
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/mel2oo/go-mitm/memview"
)

var ErrMalformedClientHello = errors.New("malformed TLS ClientHello")

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedClientHello, format, args...)
}

// Decodes a complete ClientHello handshake message, header included, as
// returned by ReassembleClientHello. Any structural problem yields an error
// wrapping ErrMalformedClientHello.
func ParseClientHello(msg memview.MemView) (*ClientHello, error) {
	reader := msg.CreateReader()

	msgType, err := reader.ReadByte()
	if err != nil {
		return nil, malformed("missing handshake type")
	}
	if msgType != clientHelloHandshakeType {
		return nil, malformed("unexpected handshake type %#x", msgType)
	}

	body, err := reader.ReadVector_uint24()
	if err != nil {
		return nil, malformed("handshake body: %v", err)
	}

	hello := &ClientHello{}

	version, err := body.ReadUint16()
	if err != nil {
		return nil, malformed("client version: %v", err)
	}
	hello.Version = layers.TLSVersion(version)

	if hello.Random, err = body.ReadBytes(clientRandomLength_bytes); err != nil {
		return nil, malformed("client random: %v", err)
	}

	sessionID, err := body.ReadVector_byte()
	if err != nil {
		return nil, malformed("session id: %v", err)
	}
	if sessionID.Remaining() > maxSessionIDLength_bytes {
		return nil, malformed("session id of %d bytes", sessionID.Remaining())
	}
	if hello.SessionID, err = readRest(sessionID); err != nil {
		return nil, malformed("session id: %v", err)
	}

	ciphers, err := body.ReadVector_uint16()
	if err != nil {
		return nil, malformed("cipher suites: %v", err)
	}
	if ciphers.Remaining() == 0 || ciphers.Remaining()%2 != 0 {
		return nil, malformed("cipher suites of %d bytes", ciphers.Remaining())
	}
	for ciphers.Remaining() > 0 {
		suite, err := ciphers.ReadUint16()
		if err != nil {
			return nil, malformed("cipher suite: %v", err)
		}
		hello.CipherSuites = append(hello.CipherSuites, suite)
	}

	compression, err := body.ReadVector_byte()
	if err != nil {
		return nil, malformed("compression methods: %v", err)
	}
	if compression.Remaining() == 0 {
		return nil, malformed("no compression methods")
	}
	if hello.CompressionMethods, err = readRest(compression); err != nil {
		return nil, malformed("compression methods: %v", err)
	}

	// Extensions are optional.
	if body.Remaining() == 0 {
		return hello, nil
	}

	extensions, err := body.ReadVector_uint16()
	if err != nil {
		return nil, malformed("extensions: %v", err)
	}
	for extensions.Remaining() > 0 {
		ext, err := parseExtension(extensions)
		if err != nil {
			return nil, err
		}
		hello.Extensions = append(hello.Extensions, ext)
	}

	return hello, nil
}

func parseExtension(reader *memview.MemViewReader) (Extension, error) {
	extType, err := reader.ReadUint16()
	if err != nil {
		return Extension{}, malformed("extension type: %v", err)
	}

	payloadReader, err := reader.ReadVector_uint16()
	if err != nil {
		return Extension{}, malformed("extension %#04x: %v", extType, err)
	}
	payload, err := readRest(payloadReader)
	if err != nil {
		return Extension{}, malformed("extension %#04x: %v", extType, err)
	}

	ext := Extension{
		Type:    ExtensionType(extType),
		Payload: payload,
	}

	switch ext.Type {
	case ServerNameExtension:
		if ext.ServerNames, err = parseServerNames(payload); err != nil {
			return Extension{}, err
		}
	case ALPNExtension:
		if ext.ALPNProtocols, err = parseALPNProtocols(payload); err != nil {
			return Extension{}, err
		}
	}
	return ext, nil
}

// Decodes a ServerNameList (RFC 6066, section 3).
func parseServerNames(payload []byte) ([]ServerName, error) {
	mv := memview.New(payload)
	list, err := mv.CreateReader().ReadVector_uint16()
	if err != nil {
		return nil, malformed("server name list: %v", err)
	}

	names := []ServerName{}
	for list.Remaining() > 0 {
		nameType, err := list.ReadByte()
		if err != nil {
			return nil, malformed("server name type: %v", err)
		}
		name, err := list.ReadString_uint16()
		if err != nil {
			return nil, malformed("server name: %v", err)
		}
		if name == "" {
			return nil, malformed("empty server name")
		}
		names = append(names, ServerName{Type: nameType, Name: name})
	}
	return names, nil
}

// Decodes a ProtocolNameList (RFC 7301, section 3.1).
func parseALPNProtocols(payload []byte) ([]string, error) {
	mv := memview.New(payload)
	list, err := mv.CreateReader().ReadVector_uint16()
	if err != nil {
		return nil, malformed("protocol name list: %v", err)
	}

	protocols := []string{}
	for list.Remaining() > 0 {
		protocol, err := list.ReadString_byte()
		if err != nil {
			return nil, malformed("protocol name: %v", err)
		}
		if protocol == "" {
			return nil, malformed("empty protocol name")
		}
		protocols = append(protocols, protocol)
	}
	return protocols, nil
}

func readRest(reader *memview.MemViewReader) ([]byte, error) {
	return reader.ReadBytes(int(reader.Remaining()))
}
