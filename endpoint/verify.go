package endpoint

import (
	"crypto/x509"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mel2oo/go-mitm/mitm"
)

// Builds the pool of CAs trusted for servers. Returns nil, meaning the system
// roots, when neither a file nor a directory is given.
func loadTrustedCAs(file, dir string) (*x509.CertPool, error) {
	if file == "" && dir == "" {
		return nil, nil
	}

	pool := x509.NewCertPool()
	if file != "" {
		pem, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read trusted CA file %s", file)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", file)
		}
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read trusted CA directory %s", dir)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			// Files that hold no certificates are skipped.
			pool.AppendCertsFromPEM(pem)
		}
	}
	return pool, nil
}

// Verifies the chain a server presented. Returns nil if it is valid for name.
func verifyChain(chain []*x509.Certificate, roots *x509.CertPool, name string) *mitm.VerificationError {
	if len(chain) == 0 {
		return &mitm.VerificationError{
			Code: mitm.VerifyErrUnspecified,
			Err:  errors.New("server sent no certificates"),
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       name,
	})
	if err != nil {
		return mitm.NewVerificationError(err, chain)
	}
	return nil
}
