package main

import (
	"bytes"
	"crypto/tls"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	gomitm "github.com/mel2oo/go-mitm"
	"github.com/mel2oo/go-mitm/certstore"
	"github.com/mel2oo/go-mitm/log"
	"github.com/mel2oo/go-mitm/mitm"
)

type Config struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`

	ClientTLS *bool `yaml:"client_tls"`
	ServerTLS *bool `yaml:"server_tls"`

	// Absent means forward the client's SNI, empty means send none.
	SNI *string `yaml:"sni"`

	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	NoUpstreamCert bool         `yaml:"no_upstream_cert"`
	ClientEngine   EngineConfig `yaml:"client_engine"`
	ServerEngine   EngineConfig `yaml:"server_engine"`

	// "none" or "peer".
	VerifyUpstream string `yaml:"verify_upstream"`
	TrustedCADir   string `yaml:"trusted_ca_dir"`
	TrustedCAFile  string `yaml:"trusted_ca_file"`

	ClientCertificates []KeyPairConfig `yaml:"client_certificates"`

	CA  CAConfig   `yaml:"ca"`
	Log log.Config `yaml:"log"`
}

type EngineConfig struct {
	MinVersion             string   `yaml:"min_version"`
	MaxVersion             string   `yaml:"max_version"`
	CipherSuites           []string `yaml:"cipher_suites"`
	SessionTicketsDisabled bool     `yaml:"session_tickets_disabled"`
}

type KeyPairConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type CAConfig struct {
	// Without both files an ephemeral CA is generated at startup.
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`

	// Reload the CA when either file changes.
	Watch bool `yaml:"watch"`

	Organization string `yaml:"organization"`

	// Leaves kept in memory, at least 1.
	CacheSize    int           `yaml:"cache_size"`
	LeafValidity time.Duration `yaml:"leaf_validity"`
}

func defaultConfig() Config {
	return Config{
		Listen:           "127.0.0.1:8443",
		DialTimeout:      gomitm.DefaultDialTimeout,
		HandshakeTimeout: gomitm.DefaultHandshakeTimeout,
		CA: CAConfig{
			Organization: certstore.DefaultOrganization,
			CacheSize:    certstore.DefaultCacheSize,
			LeafValidity: certstore.DefaultLeafValidity,
		},
	}
}

// Reads path over the defaults. Unknown keys are an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

func (e EngineConfig) engineOptions() (mitm.EngineOptions, error) {
	minVersion, err := mitm.ParseTLSVersion(e.MinVersion)
	if err != nil {
		return mitm.EngineOptions{}, err
	}
	maxVersion, err := mitm.ParseTLSVersion(e.MaxVersion)
	if err != nil {
		return mitm.EngineOptions{}, err
	}
	suites, err := mitm.ParseCipherSuites(e.CipherSuites)
	if err != nil {
		return mitm.EngineOptions{}, err
	}
	return mitm.EngineOptions{
		CipherSuites:           suites,
		MinVersion:             minVersion,
		MaxVersion:             maxVersion,
		SessionTicketsDisabled: e.SessionTicketsDisabled,
	}, nil
}

func (c CAConfig) storeOptions(logger *zap.Logger) []certstore.Option {
	opts := []certstore.Option{
		certstore.WithOrganization(c.Organization),
		certstore.WithCacheSize(c.CacheSize),
		certstore.WithLeafValidity(c.LeafValidity),
		certstore.WithLogger(logger),
	}
	if c.Cert != "" || c.Key != "" {
		opts = append(opts, certstore.WithCAFiles(c.Cert, c.Key))
	}
	return opts
}

func (c Config) sniOverride() mitm.SNIOverride {
	switch {
	case c.SNI == nil:
		return mitm.UnsetSNI()
	case *c.SNI == "":
		return mitm.NoSNI()
	default:
		return mitm.ExplicitSNI(*c.SNI)
	}
}

func (c Config) layerOptions(store mitm.CertResolver) (*mitm.Options, error) {
	clientEngine, err := c.ClientEngine.engineOptions()
	if err != nil {
		return nil, errors.Wrap(err, "client_engine")
	}
	serverEngine, err := c.ServerEngine.engineOptions()
	if err != nil {
		return nil, errors.Wrap(err, "server_engine")
	}
	verifyMode, err := mitm.ParseVerifyMode(c.VerifyUpstream)
	if err != nil {
		return nil, err
	}

	var clientCerts []tls.Certificate
	for _, pair := range c.ClientCertificates {
		cert, err := tls.LoadX509KeyPair(pair.Cert, pair.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load client certificate %s", pair.Cert)
		}
		clientCerts = append(clientCerts, cert)
	}

	return mitm.NewOptions(
		mitm.WithNoUpstreamCert(c.NoUpstreamCert),
		mitm.WithClientEngine(clientEngine),
		mitm.WithServerEngine(serverEngine),
		mitm.WithServerVerifyMode(verifyMode),
		mitm.WithTrustedCA(c.TrustedCADir, c.TrustedCAFile),
		mitm.WithClientCertificates(clientCerts...),
		mitm.WithCertStore(store),
	), nil
}

func (c Config) serverOptions(store mitm.CertResolver, logger *zap.Logger) ([]gomitm.Option, error) {
	if c.Upstream == "" {
		return nil, errors.New("upstream is required")
	}
	upstream, err := mitm.ParseAddress(c.Upstream)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid upstream %q", c.Upstream)
	}

	layer, err := c.layerOptions(store)
	if err != nil {
		return nil, err
	}

	clientTLS, serverTLS := true, true
	if c.ClientTLS != nil {
		clientTLS = *c.ClientTLS
	}
	if c.ServerTLS != nil {
		serverTLS = *c.ServerTLS
	}

	return []gomitm.Option{
		gomitm.WithUpstream(upstream),
		gomitm.WithTLS(clientTLS, serverTLS),
		gomitm.WithSNI(c.sniOverride()),
		gomitm.WithDialTimeout(c.DialTimeout),
		gomitm.WithHandshakeTimeout(c.HandshakeTimeout),
		gomitm.WithLayerOptions(layer),
		gomitm.WithLogger(logger),
	}, nil
}
