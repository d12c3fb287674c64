package tls

// https://github.com/salesforce/ja3

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/mel2oo/go-mitm/memview"
)

const (
	dashByte  = byte(45)
	commaByte = byte(44)
)

// GREASE values (RFC 8701) are 0x?a?a with equal bytes, and are left out of
// the fingerprint.
func isGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a && v>>8 == v&0xff
}

// JA3 returns the JA3 fingerprint string of the ClientHello:
// SSLVersion,Cipher,SSLExtension,EllipticCurve,EllipticCurvePointFormat
func (ch *ClientHello) JA3() string {
	byteString := make([]byte, 0, 128)

	byteString = strconv.AppendUint(byteString, uint64(ch.Version), 10)
	byteString = append(byteString, commaByte)

	byteString = appendList(byteString, ch.CipherSuites)
	byteString = append(byteString, commaByte)

	extTypes := make([]uint16, 0, len(ch.Extensions))
	for _, ext := range ch.Extensions {
		extTypes = append(extTypes, uint16(ext.Type))
	}
	byteString = appendList(byteString, extTypes)
	byteString = append(byteString, commaByte)

	byteString = appendList(byteString, ch.supportedCurves())
	byteString = append(byteString, commaByte)

	var points []uint16
	if ext, ok := ch.Extension(ECPointFormatsExtension); ok && len(ext.Payload) > 0 {
		// One byte vector length, then one byte per format.
		for _, p := range ext.Payload[1:] {
			points = append(points, uint16(p))
		}
	}
	byteString = appendList(byteString, points)

	return string(byteString)
}

// JA3Hash returns the MD5 hex digest of JA3().
func (ch *ClientHello) JA3Hash() string {
	h := md5.Sum([]byte(ch.JA3()))
	return hex.EncodeToString(h[:])
}

func (ch *ClientHello) supportedCurves() []uint16 {
	ext, ok := ch.Extension(SupportedGroupsExtension)
	if !ok {
		return nil
	}

	mv := memview.New(ext.Payload)
	list, err := mv.CreateReader().ReadVector_uint16()
	if err != nil {
		return nil
	}

	var curves []uint16
	for list.Remaining() >= 2 {
		curve, err := list.ReadUint16()
		if err != nil {
			break
		}
		curves = append(curves, curve)
	}
	return curves
}

// Appends the non-GREASE values joined by dashes.
func appendList(byteString []byte, values []uint16) []byte {
	first := true
	for _, v := range values {
		if isGREASE(v) {
			continue
		}
		if !first {
			byteString = append(byteString, dashByte)
		}
		byteString = strconv.AppendUint(byteString, uint64(v), 10)
		first = false
	}
	return byteString
}
