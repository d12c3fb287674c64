package mitm

import (
	"crypto/x509"
	"fmt"

	"github.com/pkg/errors"
)

// Returned by ServerConn.EstablishTLS when VerifyPeer is set and the server's
// chain does not verify.
var ErrInvalidCertificate = errors.New("invalid server certificate")

// A failed TLS handshake on either side of the connection.
type ProtocolError struct {
	Msg string
	Err error
}

func newProtocolError(cause error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{
		Msg: fmt.Sprintf(format, args...),
		Err: cause,
	}
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Lets errors.Cause from github.com/pkg/errors reach the underlying failure.
func (e *ProtocolError) Cause() error {
	return e.Err
}

// Verification codes, numbered like OpenSSL's X509_V_ERR_* values.
const (
	VerifyErrUnspecified              = 1
	VerifyErrCertHasExpired           = 10
	VerifyErrUnableToGetIssuerLocally = 20
	VerifyErrInvalidCA                = 24
	VerifyErrHostnameMismatch         = 62
)

// Where in the server's chain verification failed. Depth 0 is the leaf.
type VerificationError struct {
	Depth int
	Code  int
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed at depth %d with code %d: %v", e.Depth, e.Code, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Classifies an error from x509.Certificate.Verify against the given chain.
func NewVerificationError(err error, chain []*x509.Certificate) *VerificationError {
	verr := &VerificationError{Code: VerifyErrUnspecified, Err: err}

	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
	)
	switch {
	case errors.As(err, &hostname):
		verr.Code = VerifyErrHostnameMismatch
	case errors.As(err, &unknownAuthority):
		verr.Code = VerifyErrUnableToGetIssuerLocally
		verr.Depth = depthOf(unknownAuthority.Cert, chain)
	case errors.As(err, &invalid):
		verr.Depth = depthOf(invalid.Cert, chain)
		switch invalid.Reason {
		case x509.Expired:
			verr.Code = VerifyErrCertHasExpired
		case x509.NotAuthorizedToSign, x509.CANotAuthorizedForThisName:
			verr.Code = VerifyErrInvalidCA
		}
	}
	return verr
}

func depthOf(cert *x509.Certificate, chain []*x509.Certificate) int {
	if cert == nil {
		return 0
	}
	for i, c := range chain {
		if c.Equal(cert) {
			return i
		}
	}
	// Verify reports the last certificate it could not chain up from.
	return len(chain) - 1
}
