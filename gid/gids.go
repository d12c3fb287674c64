package gid

import (
	"github.com/google/uuid"
)

const (
	CertificateTag = "crt"
	ConnectionTag  = "cxn"
)

// ConnectionIDs identify one proxied client connection across every layer
// that handles it.
type ConnectionID struct {
	baseID
}

func (ConnectionID) GetType() string {
	return ConnectionTag
}

func (id ConnectionID) String() string {
	return String(id)
}

func NewConnectionID(ID uuid.UUID) ConnectionID {
	return ConnectionID{baseID(ID)}
}

func GenerateConnectionID() ConnectionID {
	return NewConnectionID(uuid.New())
}

// CertificateIDs identify a leaf certificate issued by the certificate store.
type CertificateID struct {
	baseID
}

func (CertificateID) GetType() string {
	return CertificateTag
}

func (id CertificateID) String() string {
	return String(id)
}

func NewCertificateID(ID uuid.UUID) CertificateID {
	return CertificateID{baseID(ID)}
}

func GenerateCertificateID() CertificateID {
	return NewCertificateID(uuid.New())
}
