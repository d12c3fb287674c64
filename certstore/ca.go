package certstore

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"

	martianmitm "github.com/google/martian/v3/mitm"
	"github.com/pkg/errors"
)

const (
	DefaultCAName       = "go-mitm"
	DefaultOrganization = "go-mitm"
	DefaultCAValidity   = 10 * 365 * 24 * time.Hour
)

// Signing authority for issued leaves.
type authority struct {
	cert *x509.Certificate
	key  crypto.PrivateKey
}

// Generates a self-signed RSA CA certificate.
func GenerateCA(name, organization string, validity time.Duration) (*x509.Certificate, crypto.PrivateKey, error) {
	cert, key, err := martianmitm.NewAuthority(name, organization, validity)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate CA")
	}
	return cert, key, nil
}

// Writes the CA certificate and its PKCS #8 private key as PEM files. The key
// file is only readable by its owner.
func WriteCA(certPath, keyPath string, cert *x509.Certificate, key crypto.PrivateKey) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write CA certificate to %s", certPath)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "failed to marshal CA key")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write CA key to %s", keyPath)
	}
	return nil
}

func loadCA(certPath, keyPath string) (*authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read CA certificate from %s", certPath)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read CA key from %s", keyPath)
	}

	keyPair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "invalid CA key pair")
	}
	cert, err := x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, errors.Wrap(err, "invalid CA certificate")
	}
	if !cert.IsCA {
		return nil, errors.Errorf("certificate %s is not a CA", certPath)
	}

	return &authority{cert: cert, key: keyPair.PrivateKey}, nil
}
