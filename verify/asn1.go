package verify

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/kernelflinger/fastbootd/fberr"
)

// AuthenticatedAttributes is the boot signature's signed-over record: which
// section was signed ("/boot" or "/recovery") and how many bytes of it,
// per the custom (non-PKCS7) boot signature ASN.1 layout.
type AuthenticatedAttributes struct {
	Target string
	Length int
}

// BootSignature is the ASN.1 SEQUENCE appended after an Android boot
// image's page-aligned sections: a format version, an optional embedded
// X.509 certificate, the signing algorithm, the authenticated attributes
// record, and the raw signature bytes.
type BootSignature struct {
	FormatVersion int
	Certificate   asn1.RawValue `asn1:"optional"`
	Algorithm     pkix.AlgorithmIdentifier
	Attributes    AuthenticatedAttributes
	Signature     []byte
}

// hasEmbeddedCertificate reports whether the signature record carried an
// X.509 certificate inline (a self-signed "YELLOW" signer), versus relying
// on an externally trusted OEM key.
func (bs *BootSignature) hasEmbeddedCertificate() bool {
	return len(bs.Certificate.FullBytes) > 0
}

// ParseBootSignature decodes the trailing bytes of a boot image into a
// BootSignature, with or without an embedded certificate. An empty or
// non-ASN.1 trailer returns a VerificationError, which VerifyBootImage
// reports as a RED state.
func ParseBootSignature(data []byte) (*BootSignature, error) {
	if len(data) == 0 {
		return nil, fberr.New(fberr.VerificationError, "no boot signature present")
	}
	var bs BootSignature
	if _, err := asn1.Unmarshal(data, &bs); err != nil {
		// The untagged optional Certificate field takes whatever element
		// comes second, so a record without a certificate only decodes
		// against the layout that leaves that field out.
		var noCert struct {
			FormatVersion int
			Algorithm     pkix.AlgorithmIdentifier
			Attributes    AuthenticatedAttributes
			Signature     []byte
		}
		if _, err2 := asn1.Unmarshal(data, &noCert); err2 != nil {
			return nil, fberr.Wrap(fberr.VerificationError, err, "decode boot signature ASN.1")
		}
		bs = BootSignature{FormatVersion: noCert.FormatVersion, Algorithm: noCert.Algorithm,
			Attributes: noCert.Attributes, Signature: noCert.Signature}
	}
	return &bs, nil
}

// digestAlgorithm maps the signature's algorithm OID to a crypto.Hash via
// a lookup table (DESIGN.md).
func digestAlgorithm(alg pkix.AlgorithmIdentifier) (crypto.Hash, error) {
	oid := alg.Algorithm.String()
	h, ok := oidToHash[oid]
	if !ok {
		return 0, fberr.New(fberr.VerificationError, "unsupported digest algorithm OID %s", oid)
	}
	return h, nil
}

var oidToHash = map[string]crypto.Hash{
	"1.3.14.3.2.26":            crypto.SHA1,
	"2.16.840.1.101.3.4.2.1":   crypto.SHA256,
	"2.16.840.1.101.3.4.2.2":   crypto.SHA384,
	"2.16.840.1.101.3.4.2.3":   crypto.SHA512,
	"1.2.840.113549.1.1.5":     crypto.SHA1,   // sha1WithRSAEncryption, seen as a "digest algorithm" on some signers
	"1.2.840.113549.1.1.11":    crypto.SHA256, // sha256WithRSAEncryption
}
