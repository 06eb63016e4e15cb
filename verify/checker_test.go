package verify_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/kernelflinger/fastbootd/bootimg"
	"github.com/kernelflinger/fastbootd/verify"
)

var sha256OID = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

func buildBootImage(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()

	const pageSize = 4096
	header := make([]byte, 1632)
	copy(header[0:8], "ANDROID!")
	putLE32(header[8:12], 0)  // kernel size
	putLE32(header[16:20], 0) // ramdisk size
	putLE32(header[24:28], 0) // second size
	putLE32(header[36:40], pageSize)

	content := make([]byte, pageSize) // one page: the header, page-padded
	copy(content, header)

	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	bs := verify.BootSignature{
		FormatVersion: 1,
		Algorithm:     pkix.AlgorithmIdentifier{Algorithm: sha256OID},
		Attributes:    verify.AuthenticatedAttributes{Target: "/boot", Length: len(content)},
		Signature:     sig,
	}
	der, err := asn1.Marshal(bs)
	if err != nil {
		t.Fatalf("marshal signature: %v", err)
	}
	return append(content, der...)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// buildBootImageWithEmbeddedCert signs content with signingKey (the
// embedded certificate's own key) and embeds cert in the boot signature,
// exercising the GREEN/YELLOW "embedded certificate" path.
func buildBootImageWithEmbeddedCert(t *testing.T, signingKey *rsa.PrivateKey, cert *x509.Certificate) []byte {
	t.Helper()

	const pageSize = 4096
	header := make([]byte, 1632)
	copy(header[0:8], "ANDROID!")
	putLE32(header[36:40], pageSize)

	content := make([]byte, pageSize)
	copy(content, header)

	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	bs := verify.BootSignature{
		FormatVersion: 1,
		Certificate:   asn1.RawValue{FullBytes: cert.Raw},
		Algorithm:     pkix.AlgorithmIdentifier{Algorithm: sha256OID},
		Attributes:    verify.AuthenticatedAttributes{Target: "/boot", Length: len(content)},
		Signature:     sig,
	}
	der, err := asn1.Marshal(bs)
	if err != nil {
		t.Fatalf("marshal signature: %v", err)
	}
	return append(content, der...)
}

// selfSignedCert builds a certificate for key, signed by signerKey (pass
// key itself for a true self-signed certificate).
func selfSignedCert(t *testing.T, serial int64, key *rsa.PrivateKey, signerKey *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:       big.NewInt(serial),
		Subject:            pkix.Name{CommonName: "embedded"},
		NotBefore:          time.Now().Add(-time.Hour),
		NotAfter:           time.Now().Add(time.Hour),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

// certSignedBy builds a certificate for key, signed by issuer/issuerKey.
func certSignedBy(t *testing.T, serial int64, key *rsa.PrivateKey, issuer *x509.Certificate, issuerKey *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:       big.NewInt(serial),
		Subject:            pkix.Name{CommonName: "embedded"},
		NotBefore:          time.Now().Add(-time.Hour),
		NotAfter:           time.Now().Add(time.Hour),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, &key.PublicKey, issuerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func TestVerifyBootImageGreenForOEMSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	checker, err := verify.NewChecker(&key.PublicKey)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	data := buildBootImage(t, key)
	img, err := bootimg.Parse(data)
	if err != nil {
		t.Fatalf("parse boot image: %v", err)
	}

	state, err := checker.VerifyBootImage(img)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if state != verify.StateGreen {
		t.Fatalf("state = %v, want GREEN", state)
	}
}

func TestVerifyBootImageRedForWrongKey(t *testing.T) {
	signingKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)

	checker, err := verify.NewChecker(&otherKey.PublicKey)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	data := buildBootImage(t, signingKey)
	img, err := bootimg.Parse(data)
	if err != nil {
		t.Fatalf("parse boot image: %v", err)
	}

	state, err := checker.VerifyBootImage(img)
	if err == nil {
		t.Fatalf("expected a verification error against the wrong key")
	}
	if state != verify.StateRed {
		t.Fatalf("state = %v, want RED", state)
	}
}

func TestVerifyBootImageGreenForOEMEndorsedEmbeddedCertificate(t *testing.T) {
	oemKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate oem key: %v", err)
	}
	embeddedKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate embedded key: %v", err)
	}
	oemCert := selfSignedCert(t, 1, oemKey, oemKey)
	embeddedCert := certSignedBy(t, 2, embeddedKey, oemCert, oemKey)

	checker, err := verify.NewChecker(&oemKey.PublicKey)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	data := buildBootImageWithEmbeddedCert(t, embeddedKey, embeddedCert)
	img, err := bootimg.Parse(data)
	if err != nil {
		t.Fatalf("parse boot image: %v", err)
	}

	state, err := checker.VerifyBootImage(img)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if state != verify.StateGreen {
		t.Fatalf("state = %v, want GREEN (embedded certificate is OEM-endorsed)", state)
	}
}

func TestVerifyBootImageYellowForSelfSignedEmbeddedCertificate(t *testing.T) {
	oemKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate oem key: %v", err)
	}
	embeddedKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate embedded key: %v", err)
	}
	embeddedCert := selfSignedCert(t, 3, embeddedKey, embeddedKey)

	checker, err := verify.NewChecker(&oemKey.PublicKey)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	data := buildBootImageWithEmbeddedCert(t, embeddedKey, embeddedCert)
	img, err := bootimg.Parse(data)
	if err != nil {
		t.Fatalf("parse boot image: %v", err)
	}

	state, err := checker.VerifyBootImage(img)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if state != verify.StateYellow {
		t.Fatalf("state = %v, want YELLOW (self-signed, not OEM-endorsed)", state)
	}
}

func TestComputePubKeyHashIsStable(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	h1, err := verify.ComputePubKeyHash(&key.PublicKey)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := verify.ComputePubKeyHash(&key.PublicKey)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected a stable hash for the same key")
	}
}
