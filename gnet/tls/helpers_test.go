package tls

import (
	"bufio"
	"bytes"
)

func u16(n int) []byte {
	return []byte{byte(n >> 8), byte(n)}
}

func u24(n int) []byte {
	return []byte{byte(n >> 16), byte(n >> 8), byte(n)}
}

type testExt struct {
	typ     ExtensionType
	payload []byte
}

func sniExt(names ...ServerName) testExt {
	var list []byte
	for _, n := range names {
		list = append(list, n.Type)
		list = append(list, u16(len(n.Name))...)
		list = append(list, n.Name...)
	}
	return testExt{
		typ:     ServerNameExtension,
		payload: append(u16(len(list)), list...),
	}
}

func alpnExt(protocols ...string) testExt {
	var list []byte
	for _, p := range protocols {
		list = append(list, byte(len(p)))
		list = append(list, p...)
	}
	return testExt{
		typ:     ALPNExtension,
		payload: append(u16(len(list)), list...),
	}
}

// Builds a complete ClientHello handshake message, header included.
func buildClientHello(ciphers []uint16, exts ...testExt) []byte {
	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, bytes.Repeat([]byte{0xab}, clientRandomLength_bytes)...)
	body = append(body, 0x00)

	body = append(body, u16(2*len(ciphers))...)
	for _, c := range ciphers {
		body = append(body, u16(int(c))...)
	}

	body = append(body, 0x01, 0x00)

	if exts != nil {
		var extBytes []byte
		for _, e := range exts {
			extBytes = append(extBytes, u16(int(e.typ))...)
			extBytes = append(extBytes, u16(len(e.payload))...)
			extBytes = append(extBytes, e.payload...)
		}
		body = append(body, u16(len(extBytes))...)
		body = append(body, extBytes...)
	}

	msg := []byte{clientHelloHandshakeType}
	msg = append(msg, u24(len(body))...)
	return append(msg, body...)
}

// Splits msg across n handshake records of roughly equal size.
func splitRecords(msg []byte, n int) []byte {
	var out []byte
	size := (len(msg) + n - 1) / n
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if end > len(msg) {
			end = len(msg)
		}
		piece := msg[start:end]
		out = append(out, 0x16, 0x03, 0x01)
		out = append(out, u16(len(piece))...)
		out = append(out, piece...)
	}
	return out
}

func peekerFor(stream []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(stream))
}

var defaultCiphers = []uint16{0x1301, 0xc02f}
