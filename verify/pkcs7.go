package verify

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/kernelflinger/fastbootd/fberr"
)

// signingTimeOID is the PKCS#9 signingTime attribute OID (1.2.840.113549.
// 1.9.5), used as the only clock source: a UEFI bootloader rarely has a
// trustworthy wall clock of its own before the OS boots, so the verifier
// uses the payload's own claimed signing time instead.
var signingTimeOID = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

// The structures below mirror just enough of PKCS#7's SignedData ASN.1
// layout to pull a signer's serial number and signingTime attribute back
// out of the raw DER; go.mozilla.org/pkcs7 parses this same structure
// internally but does not expose the signer's attributes publicly, so
// this package decodes it a second time rather than reach into the
// library's unexported fields.

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	ContentInfo      asn1.RawValue
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

type signerInfo struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerial
	DigestAlgorithm           asn1.RawValue
	AuthenticatedAttributes   []attribute `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm asn1.RawValue
	EncryptedDigest           []byte
}

// parseSignerInfo re-decodes raw's ContentInfo/SignedData wrapper to reach
// the first signer's serial number and attributes.
func parseSignerInfo(raw []byte) (*signerInfo, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(raw, &ci); err != nil {
		return nil, fberr.Wrap(fberr.VerificationError, err, "decode pkcs7 ContentInfo")
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.FullBytes, &sd); err != nil {
		return nil, fberr.Wrap(fberr.VerificationError, err, "decode pkcs7 SignedData")
	}
	if len(sd.SignerInfos) == 0 {
		return nil, fberr.New(fberr.VerificationError, "pkcs7 payload has no signer infos")
	}
	return &sd.SignerInfos[0], nil
}

// signingTime extracts the PKCS#9 signingTime authenticated attribute,
// required because this verifier never trusts a local clock.
func (si *signerInfo) signingTime() (time.Time, error) {
	for _, a := range si.AuthenticatedAttributes {
		if !a.Type.Equal(signingTimeOID) {
			continue
		}
		var t time.Time
		if _, err := asn1.UnmarshalWithParams(a.Value.Bytes, &t, ""); err != nil {
			return time.Time{}, fberr.Wrap(fberr.VerificationError, err, "decode signingTime attribute")
		}
		return t, nil
	}
	return time.Time{}, fberr.New(fberr.VerificationError, "pkcs7 payload has no signingTime attribute")
}

// TrustStore pins a single CA certificate by its SHA-256 fingerprint
// instead of trusting the system root pool (no general CA trust is
// appropriate inside a bootloader).
type TrustStore struct {
	CA          *x509.Certificate
	Fingerprint [32]byte
}

// NewTrustStore pins ca, computing its fingerprint up front.
func NewTrustStore(ca *x509.Certificate) *TrustStore {
	return &TrustStore{CA: ca, Fingerprint: sha256.Sum256(ca.Raw)}
}

// Pkcs7Verifier checks a PKCS#7 SignedData payload (used for oemvars
// packages and other multi-file OEM blobs) against a pinned TrustStore,
// verifying the signer's certificate chain as of the payload's own
// signingTime attribute rather than any local clock.
type Pkcs7Verifier struct {
	Store *TrustStore
}

// NewPkcs7Verifier returns a verifier pinned to store.
func NewPkcs7Verifier(store *TrustStore) *Pkcs7Verifier {
	return &Pkcs7Verifier{Store: store}
}

// Verify checks raw's signature and chain, returning the verified content
// on success. The payload must include a certificate whose SHA-256 equals
// Store.Fingerprint. The chain is validated against Store.CA only, at the
// payload's own declared signing time.
func (v *Pkcs7Verifier) Verify(raw []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, fberr.Wrap(fberr.VerificationError, err, "parse pkcs7 payload")
	}

	rootFound := false
	for _, cert := range p7.Certificates {
		if sha256.Sum256(cert.Raw) == v.Store.Fingerprint {
			rootFound = true
			break
		}
	}
	if !rootFound {
		return nil, fberr.New(fberr.VerificationError, "root certificate not found")
	}

	si, err := parseSignerInfo(raw)
	if err != nil {
		return nil, err
	}
	when, err := si.signingTime()
	if err != nil {
		return nil, err
	}

	if err := p7.Verify(); err != nil {
		return nil, fberr.Wrap(fberr.VerificationError, err, "verify pkcs7 signature")
	}

	signerCert := findCertBySerial(p7.Certificates, si.IssuerAndSerialNumber.SerialNumber)
	if signerCert == nil {
		return nil, fberr.New(fberr.VerificationError, "could not locate signer certificate")
	}

	roots := x509.NewCertPool()
	roots.AddCert(v.Store.CA)
	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: when,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := signerCert.Verify(opts); err != nil {
		return nil, fberr.Wrap(fberr.VerificationError, err, "verify signer certificate chain as of %s", when)
	}

	return p7.Content, nil
}

func findCertBySerial(certs []*x509.Certificate, serial *big.Int) *x509.Certificate {
	for _, cert := range certs {
		if serial != nil && cert.SerialNumber != nil && cert.SerialNumber.Cmp(serial) == 0 {
			return cert
		}
	}
	if len(certs) > 0 {
		return certs[0]
	}
	return nil
}
