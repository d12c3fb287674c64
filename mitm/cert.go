package mitm

import (
	"crypto/x509"
	"net"

	"golang.org/x/net/idna"

	"github.com/mel2oo/go-mitm/optionals"
	"github.com/mel2oo/go-mitm/sets"
	"github.com/mel2oo/go-mitm/slices"
)

// Computes the subject and SANs of the certificate to present to the client.
// host is the server address host. upstream is the server's leaf certificate
// when its names should be mirrored, nil otherwise.
//
// A server certificate's names are copied, and if it has a common name that
// becomes the subject while host moves to the SANs. Client SNI and an
// explicit SNI override are always covered. The subject never appears among
// the SANs.
func CertTarget(host string, upstream *x509.Certificate, clientSNI optionals.Optional[string], override SNIOverride) (string, sets.OrderedSet[string]) {
	sans := sets.NewOrderedSet[string]()

	if upstream != nil {
		sans.Insert(upstream.DNSNames...)
		sans.Insert(slices.Map(upstream.IPAddresses, net.IP.String)...)

		if cn := upstream.Subject.CommonName; cn != "" {
			sans.Insert(host)
			if encoded, err := idna.ToASCII(cn); err == nil {
				host = encoded
			} else {
				host = cn
			}
		}
	}

	if sni, ok := clientSNI.Get(); ok && sni != "" {
		sans.Insert(sni)
	}
	if name, ok := override.Name().Get(); ok && name != "" {
		sans.Insert(name)
	}

	sans.Delete(host)
	return host, sans
}
