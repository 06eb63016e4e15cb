// Package verify implements the verified-boot signature checker: boot
// image signature parsing, RSA/X.509 verification, and the GREEN/YELLOW/RED
// attestation state machine.
package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/kernelflinger/fastbootd/bootimg"
	"github.com/kernelflinger/fastbootd/fberr"
)

// State is the outcome of checking a boot image's signature against the
// OEM trust anchor.
type State int

const (
	StateRed State = iota
	StateYellow
	StateGreen
)

func (s State) String() string {
	switch s {
	case StateGreen:
		return "green"
	case StateYellow:
		return "yellow"
	default:
		return "red"
	}
}

// Checker verifies Android boot image signatures against a pinned OEM
// public key, following a GREEN (OEM-signed or OEM-endorsed embedded
// cert) / YELLOW (self-signed embedded cert, not OEM-endorsed) / RED
// (anything else) classification.
type Checker struct {
	// OEMKey is the platform's pinned public key: a signature verifying
	// directly against this key is GREEN, and a signature verifying
	// against an embedded certificate whose own signature checks out
	// against this key is GREEN too (OEM-endorsed).
	OEMKey *rsa.PublicKey

	// OEMKeyHash is sha256(OEMKey's DER-encoded SubjectPublicKeyInfo), the
	// device root-of-trust fingerprint reported alongside a verification
	// result.
	OEMKeyHash [32]byte
}

// NewChecker builds a Checker pinned to oemKey.
func NewChecker(oemKey *rsa.PublicKey) (*Checker, error) {
	hash, err := ComputePubKeyHash(oemKey)
	if err != nil {
		return nil, err
	}
	return &Checker{OEMKey: oemKey, OEMKeyHash: hash}, nil
}

// ComputePubKeyHash returns sha256 of key's DER-encoded public key.
func ComputePubKeyHash(key *rsa.PublicKey) ([32]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return [32]byte{}, fberr.Wrap(fberr.VerificationError, err, "marshal public key")
	}
	return sha256.Sum256(der), nil
}

// VerifyBootImage parses img's trailing boot signature and classifies it.
// An absent or malformed signature, or one that fails cryptographic
// verification, is always RED; the function still returns the error so
// callers can log why.
func (c *Checker) VerifyBootImage(img *bootimg.Image) (State, error) {
	bs, err := ParseBootSignature(img.Signature())
	if err != nil {
		return StateRed, err
	}

	if bs.Attributes.Target != "/boot" && bs.Attributes.Target != "/recovery" {
		return StateRed, fberr.New(fberr.VerificationError, "unexpected signed target %q", bs.Attributes.Target)
	}
	signedContent := img.SignedContent()
	if bs.Attributes.Length != len(signedContent) {
		return StateRed, fberr.New(fberr.VerificationError,
			"signed length %d does not match image content length %d", bs.Attributes.Length, len(signedContent))
	}

	hashAlg, err := digestAlgorithm(bs.Algorithm)
	if err != nil {
		return StateRed, err
	}

	digest, err := hashBytes(hashAlg, signedContent)
	if err != nil {
		return StateRed, err
	}

	// Try the OEM key directly first, regardless of whether a certificate
	// is embedded: an image signed straight by the OEM key is GREEN even
	// if it also happens to carry a certificate.
	if c.OEMKey != nil {
		if err := rsa.VerifyPKCS1v15(c.OEMKey, hashAlg, digest, bs.Signature); err == nil {
			return StateGreen, nil
		}
	}

	if !bs.hasEmbeddedCertificate() {
		return StateRed, fberr.New(fberr.VerificationError, "signature does not verify against the OEM key and no certificate is embedded")
	}

	cert, err := x509.ParseCertificate(bs.Certificate.FullBytes)
	if err != nil {
		return StateRed, fberr.Wrap(fberr.VerificationError, err, "parse embedded certificate")
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return StateRed, fberr.New(fberr.VerificationError, "embedded certificate does not carry an RSA key")
	}
	if err := rsa.VerifyPKCS1v15(pub, hashAlg, digest, bs.Signature); err != nil {
		return StateRed, fberr.Wrap(fberr.VerificationError, err, "verify signature against embedded certificate")
	}

	// The image verifies against its own embedded certificate. Whether
	// that earns GREEN or YELLOW depends on whether the certificate
	// itself is endorsed by the OEM key, not on comparing key identity.
	if c.OEMKey == nil {
		return StateYellow, nil
	}
	if err := verifyCertSignedByKey(cert, c.OEMKey); err != nil {
		return StateYellow, nil
	}
	return StateGreen, nil
}

// verifyCertSignedByKey checks cert's own signature against key, the way
// an embedded boot signature certificate is tested for OEM endorsement.
func verifyCertSignedByKey(cert *x509.Certificate, key *rsa.PublicKey) error {
	var h crypto.Hash
	switch cert.SignatureAlgorithm {
	case x509.SHA1WithRSA:
		h = crypto.SHA1
	case x509.SHA256WithRSA:
		h = crypto.SHA256
	case x509.SHA384WithRSA:
		h = crypto.SHA384
	case x509.SHA512WithRSA:
		h = crypto.SHA512
	default:
		return fberr.New(fberr.VerificationError, "unsupported certificate signature algorithm %v", cert.SignatureAlgorithm)
	}
	digest, err := hashBytes(h, cert.RawTBSCertificate)
	if err != nil {
		return err
	}
	return rsa.VerifyPKCS1v15(key, h, digest, cert.Signature)
}

func hashBytes(h crypto.Hash, data []byte) ([]byte, error) {
	hasher := h.New()
	if _, err := hasher.Write(data); err != nil {
		return nil, fberr.Wrap(fberr.VerificationError, err, "hash signed content")
	}
	return hasher.Sum(nil), nil
}
