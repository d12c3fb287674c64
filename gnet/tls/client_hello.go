package tls

import (
	"fmt"

	"github.com/google/gopacket/layers"
)

type ServerName struct {
	Type byte
	Name string
}

// A single ClientHello extension. Payload always holds the raw extension
// body. ServerNames is decoded for ServerNameExtension and ALPNProtocols for
// ALPNExtension; other types are opaque.
type Extension struct {
	Type    ExtensionType
	Payload []byte

	ServerNames   []ServerName
	ALPNProtocols []string
}

type ClientHello struct {
	// Legacy version from the ClientHello body, not the record layer.
	Version layers.TLSVersion

	Random             []byte
	SessionID          []byte
	CipherSuites       []uint16
	CompressionMethods []uint8

	// In the order the client sent them.
	Extensions []Extension
}

// Returns the first extension of type t.
func (ch *ClientHello) Extension(t ExtensionType) (Extension, bool) {
	for _, ext := range ch.Extensions {
		if ext.Type == t {
			return ext, true
		}
	}
	return Extension{}, false
}

// Returns the host name from the SNI extension. A well-formed extension has
// exactly one host name entry; anything else is reported through warn, and the
// first host name entry is still used if there is one.
func (ch *ClientHello) ServerName(warn func(msg string)) (string, bool) {
	ext, ok := ch.Extension(ServerNameExtension)
	if !ok {
		return "", false
	}

	var first *ServerName
	hostNames := 0
	for i := range ext.ServerNames {
		if ext.ServerNames[i].Type == HostNameType {
			if first == nil {
				first = &ext.ServerNames[i]
			}
			hostNames++
		}
	}

	if (hostNames != 1 || len(ext.ServerNames) != 1) && warn != nil {
		warn(fmt.Sprintf("unexpected server name indication: %v", ext.ServerNames))
	}

	if first == nil {
		return "", false
	}
	return first.Name, true
}

// Returns the protocols offered in the ALPN extension, in client preference
// order.
func (ch *ClientHello) ALPNProtocols() ([]string, bool) {
	ext, ok := ch.Extension(ALPNExtension)
	if !ok {
		return nil, false
	}
	return ext.ALPNProtocols, true
}
