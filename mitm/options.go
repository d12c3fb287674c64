package mitm

import (
	"crypto/tls"
	"strings"

	"github.com/pkg/errors"
)

type VerifyMode int

const (
	// Verification problems with the server are logged but not fatal.
	VerifyNone VerifyMode = iota

	// The server handshake fails unless its chain verifies.
	VerifyPeer
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyNone:
		return "none"
	case VerifyPeer:
		return "peer"
	default:
		return "unknown"
	}
}

func ParseVerifyMode(mode string) (VerifyMode, error) {
	switch strings.ToLower(mode) {
	case "", "none":
		return VerifyNone, nil
	case "peer":
		return VerifyPeer, nil
	default:
		return VerifyNone, errors.Errorf("unknown verify mode %q", mode)
	}
}

// Settings for one TLS engine. Zero fields leave the crypto/tls defaults.
type EngineOptions struct {
	CipherSuites           []uint16
	MinVersion             uint16
	MaxVersion             uint16
	SessionTicketsDisabled bool
}

func (e EngineOptions) Apply(config *tls.Config) {
	if len(e.CipherSuites) > 0 {
		config.CipherSuites = e.CipherSuites
	}
	if e.MinVersion != 0 {
		config.MinVersion = e.MinVersion
	}
	if e.MaxVersion != 0 {
		config.MaxVersion = e.MaxVersion
	}
	config.SessionTicketsDisabled = e.SessionTicketsDisabled
}

// Shared by every TLSLayer of a server. Must not be modified once layers are
// running.
type Options struct {
	// Don't connect to the server before the client handshake, and don't copy
	// names from the server's certificate.
	NoUpstreamCert bool

	// Engine facing the client, where we act as the TLS server.
	ClientEngine EngineOptions

	// Engine facing the server, where we act as the TLS client.
	ServerEngine EngineOptions

	ServerVerifyMode VerifyMode
	TrustedCADir     string
	TrustedCAFile    string

	// Presented to servers that ask for a client certificate.
	ClientCertificates []tls.Certificate

	CertStore CertResolver
}

func NewOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type Option func(*Options)

func WithNoUpstreamCert(noUpstreamCert bool) Option {
	return func(o *Options) {
		o.NoUpstreamCert = noUpstreamCert
	}
}

func WithClientEngine(engine EngineOptions) Option {
	return func(o *Options) {
		o.ClientEngine = engine
	}
}

func WithServerEngine(engine EngineOptions) Option {
	return func(o *Options) {
		o.ServerEngine = engine
	}
}

func WithServerVerifyMode(mode VerifyMode) Option {
	return func(o *Options) {
		o.ServerVerifyMode = mode
	}
}

func WithTrustedCA(dir, file string) Option {
	return func(o *Options) {
		o.TrustedCADir = dir
		o.TrustedCAFile = file
	}
}

func WithClientCertificates(certs ...tls.Certificate) Option {
	return func(o *Options) {
		o.ClientCertificates = certs
	}
}

func WithCertStore(store CertResolver) Option {
	return func(o *Options) {
		o.CertStore = store
	}
}

func ParseTLSVersion(version string) (uint16, error) {
	switch version {
	case "":
		return 0, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.Errorf("unknown tls version: %s", version)
	}
}

// Maps crypto/tls cipher suite names, e.g.
// TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, to their IDs.
func ParseCipherSuites(names []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		known[suite.Name] = suite.ID
	}

	var ids []uint16
	for _, name := range names {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, errors.Errorf("unknown cipher suite: %s", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
