package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mel2oo/go-mitm/gid"
	"github.com/mel2oo/go-mitm/sets"
)

const (
	DefaultCacheSize    = 1024
	DefaultLeafValidity = 365 * 24 * time.Hour
)

// A leaf certificate issued for an intercepted connection, with the key that
// goes with it. Immutable once returned by the store.
type CertificateBundle struct {
	ID         gid.CertificateID
	Leaf       *x509.Certificate
	PrivateKey crypto.PrivateKey

	// DER certificates of the issuing chain, not including the leaf.
	Chain [][]byte
}

func (b *CertificateBundle) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: append([][]byte{b.Leaf.Raw}, b.Chain...),
		PrivateKey:  b.PrivateKey,
		Leaf:        b.Leaf,
	}
}

// Issues and caches leaf certificates signed by a single CA. Safe for use by
// concurrent connections.
type Store struct {
	certPath     string
	keyPath      string
	organization string
	cacheSize    int
	leafValidity time.Duration
	now          func() time.Time
	logger       *zap.Logger

	mu    sync.Mutex
	ca    *authority
	cache map[string]*CertificateBundle
	// Cache keys, oldest first.
	order []string
}

type Option func(*Store)

// Loads the CA from PEM files instead of generating one.
func WithCAFiles(certPath, keyPath string) Option {
	return func(s *Store) {
		s.certPath = certPath
		s.keyPath = keyPath
	}
}

func WithCA(cert *x509.Certificate, key crypto.PrivateKey) Option {
	return func(s *Store) {
		s.ca = &authority{cert: cert, key: key}
	}
}

// Maximum number of cached leaves, at least 1. Oldest leaves are evicted
// first.
func WithCacheSize(size int) Option {
	return func(s *Store) {
		s.cacheSize = size
	}
}

func WithLeafValidity(validity time.Duration) Option {
	return func(s *Store) {
		s.leafValidity = validity
	}
}

func WithOrganization(organization string) Option {
	return func(s *Store) {
		s.organization = organization
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) (*Store, error) {
	s := &Store{
		organization: DefaultOrganization,
		cacheSize:    DefaultCacheSize,
		leafValidity: DefaultLeafValidity,
		now:          time.Now,
		logger:       zap.NewNop(),
		cache:        make(map[string]*CertificateBundle),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheSize < 1 {
		return nil, errors.Errorf("invalid cache size %d, must be at least 1", s.cacheSize)
	}

	switch {
	case s.ca != nil:
	case s.certPath != "" || s.keyPath != "":
		ca, err := loadCA(s.certPath, s.keyPath)
		if err != nil {
			return nil, err
		}
		s.ca = ca
	default:
		cert, key, err := GenerateCA(DefaultCAName, s.organization, DefaultCAValidity)
		if err != nil {
			return nil, err
		}
		s.ca = &authority{cert: cert, key: key}
		s.logger.Info("generated ephemeral CA", zap.String("subject", cert.Subject.String()))
	}
	return s, nil
}

func (s *Store) CACertificate() *x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ca.cert
}

// Returns a certificate for host that also covers sans. Entries in sans that
// parse as IP addresses become IP SANs. The result is cached per host and SAN
// set, independent of the order of sans.
func (s *Store) GetCert(host string, sans []string) (*CertificateBundle, error) {
	key := cacheKey(host, sans)

	s.mu.Lock()
	if bundle, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return bundle, nil
	}
	ca := s.ca
	s.mu.Unlock()

	bundle, err := s.issue(ca, host, sans)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to issue certificate for %q", host)
	}
	s.logger.Debug("issued certificate",
		zap.Stringer("certificate", bundle.ID),
		zap.String("host", host),
		zap.Strings("sans", sans),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ca != ca {
		// The CA was reloaded while issuing; don't cache a leaf from the old one.
		return bundle, nil
	}
	if existing, ok := s.cache[key]; ok {
		return existing, nil
	}
	s.cache[key] = bundle
	s.order = append(s.order, key)
	for len(s.order) > s.cacheSize {
		delete(s.cache, s.order[0])
		s.order = s.order[1:]
	}
	return bundle, nil
}

func (s *Store) issue(ca *authority, host string, sans []string) (*CertificateBundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}

	now := s.now()
	notAfter := now.Add(s.leafValidity)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{s.organization},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	names := sets.NewOrderedSet[string]()
	if host != "" {
		names.Insert(host)
	}
	names.Insert(sans...)
	for _, name := range names.AsSlice() {
		if ip := net.ParseIP(name); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, name)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, key.Public(), ca.key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign certificate")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse issued certificate")
	}

	return &CertificateBundle{
		ID:         gid.GenerateCertificateID(),
		Leaf:       leaf,
		PrivateKey: key,
		Chain:      [][]byte{ca.cert.Raw},
	}, nil
}

// Re-reads the CA from its files and drops every cached leaf.
func (s *Store) reload() error {
	ca, err := loadCA(s.certPath, s.keyPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ca = ca
	s.cache = make(map[string]*CertificateBundle)
	s.order = nil
	return nil
}

func cacheKey(host string, sans []string) string {
	sorted := append([]string(nil), sans...)
	sort.Strings(sorted)
	return host + "|" + strings.Join(sorted, ",")
}
