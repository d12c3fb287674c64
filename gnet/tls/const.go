package tls

const (
	// content type(1) + version(2) + length(2)
	recordHeaderLength_bytes = 5

	// msg type(1) + length(3)
	handshakeHeaderLength_bytes = 4

	clientRandomLength_bytes = 32
	maxSessionIDLength_bytes = 32

	clientHelloHandshakeType byte = 0x01
)

type ExtensionType uint16

// TLS extension numbers
const (
	ServerNameExtension        ExtensionType = 0x0000
	SupportedGroupsExtension   ExtensionType = 0x000a
	ECPointFormatsExtension    ExtensionType = 0x000b
	ALPNExtension              ExtensionType = 0x0010
	SupportedVersionsExtension ExtensionType = 0x002b
)

// Server name types carried in the SNI extension (RFC 6066).
const (
	HostNameType byte = 0x00
)
