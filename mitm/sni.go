package mitm

import (
	"fmt"

	"github.com/mel2oo/go-mitm/optionals"
)

type sniOverrideKind int

const (
	sniUnset sniOverrideKind = iota
	sniForceNone
	sniExplicit
)

// Replaces the SNI sent to the server. The zero value leaves the client's SNI
// in place.
type SNIOverride struct {
	kind sniOverrideKind
	name string
}

func UnsetSNI() SNIOverride {
	return SNIOverride{}
}

// Sends no SNI to the server, whatever the client sent.
func NoSNI() SNIOverride {
	return SNIOverride{kind: sniForceNone}
}

func ExplicitSNI(name string) SNIOverride {
	return SNIOverride{kind: sniExplicit, name: name}
}

func (o SNIOverride) IsUnset() bool {
	return o.kind == sniUnset
}

func (o SNIOverride) IsForceNone() bool {
	return o.kind == sniForceNone
}

// Returns the explicit name, if this override carries one.
func (o SNIOverride) Name() optionals.Optional[string] {
	if o.kind == sniExplicit {
		return optionals.Some(o.name)
	}
	return optionals.None[string]()
}

func (o SNIOverride) String() string {
	switch o.kind {
	case sniForceNone:
		return "none"
	case sniExplicit:
		return fmt.Sprintf("explicit(%s)", o.name)
	default:
		return "unset"
	}
}

// Picks the SNI for the server connection.
func resolveSNI(override SNIOverride, clientSNI optionals.Optional[string]) optionals.Optional[string] {
	switch override.kind {
	case sniForceNone:
		return optionals.None[string]()
	case sniExplicit:
		return optionals.Some(override.name)
	default:
		return clientSNI
	}
}
