package mitm

import (
	"strings"

	"github.com/mel2oo/go-mitm/optionals"
	"github.com/mel2oo/go-mitm/slices"
)

const DefaultALPN = "http/1.1"

// Chooses one of the protocols a client offered.
type ALPNSelector func(offered []string) string

// Picks the protocol to confirm to the client: the server's choice if the
// client offered it, else the default if offered, else the client's first
// preference. Returns "" if the client offered nothing.
func SelectALPN(offered []string, upstream optionals.Optional[string], defaultProto string) string {
	if len(offered) == 0 {
		return ""
	}
	if proto, ok := upstream.Get(); ok && contains(offered, proto) {
		return proto
	}
	if contains(offered, defaultProto) {
		return defaultProto
	}
	return offered[0]
}

// Protocols to offer the server on the client's behalf. Draft HTTP/2 and SPDY
// tokens are dropped so the server cannot pick a protocol we would only be
// able to pass through. Returns nil if the client sent no ALPN extension or
// nothing is left.
func ServerALPNOffer(client optionals.Optional[[]string]) []string {
	protocols, ok := client.Get()
	if !ok {
		return nil
	}
	return slices.Filter(protocols, func(p string) bool {
		return !strings.HasPrefix(p, "h2-") && !strings.HasPrefix(p, "spdy")
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
