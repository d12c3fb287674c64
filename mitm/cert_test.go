package mitm

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mel2oo/go-mitm/optionals"
)

func TestCertTarget(t *testing.T) {
	testCases := []struct {
		name         string
		host         string
		upstream     *x509.Certificate
		clientSNI    optionals.Optional[string]
		override     SNIOverride
		expectedHost string
		expectedSANs []string
	}{
		{
			name: "mirror upstream certificate",
			host: "1.2.3.4",
			upstream: &x509.Certificate{
				Subject:  pkix.Name{CommonName: "orig.com"},
				DNSNames: []string{"alt1.com"},
			},
			clientSNI:    optionals.Some("sni.com"),
			expectedHost: "orig.com",
			expectedSANs: []string{"1.2.3.4", "alt1.com", "sni.com"},
		},
		{
			name: "common name is idna encoded",
			host: "10.0.0.1",
			upstream: &x509.Certificate{
				Subject:     pkix.Name{CommonName: "bücher.example"},
				IPAddresses: []net.IP{net.ParseIP("10.0.0.2")},
			},
			expectedHost: "xn--bcher-kva.example",
			expectedSANs: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name: "upstream without common name keeps host",
			host: "example.com",
			upstream: &x509.Certificate{
				DNSNames: []string{"example.com", "www.example.com"},
			},
			expectedHost: "example.com",
			expectedSANs: []string{"www.example.com"},
		},
		{
			name:         "no upstream",
			host:         "1.2.3.4",
			clientSNI:    optionals.Some("sni.com"),
			override:     ExplicitSNI("override.com"),
			expectedHost: "1.2.3.4",
			expectedSANs: []string{"override.com", "sni.com"},
		},
		{
			name:         "sni equal to host",
			host:         "example.com",
			clientSNI:    optionals.Some("example.com"),
			override:     NoSNI(),
			expectedHost: "example.com",
			expectedSANs: []string{},
		},
	}

	for _, tc := range testCases {
		host, sans := CertTarget(tc.host, tc.upstream, tc.clientSNI, tc.override)
		assert.Equal(t, tc.expectedHost, host, tc.name)
		assert.Equal(t, tc.expectedSANs, sans.AsSlice(), tc.name)
	}
}
