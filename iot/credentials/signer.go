package credentials

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"time"
)

// Signer is the signing collaborator of the authority. It holds the CA key.
type Signer interface {
	// Certificate returns the CA certificate
	Certificate() *x509.Certificate
	// Sign signs csr as a device client certificate and returns its DER encoding
	Sign(csr *x509.CertificateRequest, serial *big.Int, notBefore, notAfter time.Time) ([]byte, error)
	// GenerateCRL signs a revocation list over the given revoked records and returns its DER encoding
	GenerateCRL(revoked []Record, number *big.Int, thisUpdate, nextUpdate time.Time) ([]byte, error)
}

type x509Signer struct {
	cert *x509.Certificate
	key  crypto.Signer
}

// NewSigner returns a Signer using crypto/x509. It fails with a
// ConfigurationError if key does not belong to cert or cert may not sign
// certificates and revocation lists.
func NewSigner(cert *x509.Certificate, key crypto.Signer) (Signer, error) {
	if err := validateCA(cert, key); err != nil {
		return nil, err
	}
	return &x509Signer{cert: cert, key: key}, nil
}

func validateCA(cert *x509.Certificate, key crypto.Signer) error {
	if cert == nil || key == nil {
		return &ConfigurationError{Reason: "CA certificate or key missing"}
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return &ConfigurationError{Reason: "CA key does not match CA certificate"}
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return &ConfigurationError{Reason: "CA certificate key usage does not include certificate signing"}
	}
	if cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
		return &ConfigurationError{Reason: "CA certificate key usage does not include CRL signing"}
	}
	if !cert.IsCA {
		return &ConfigurationError{Reason: "CA certificate is not a CA"}
	}
	return nil
}

func (s *x509Signer) Certificate() *x509.Certificate { return s.cert }

func (s *x509Signer) Sign(csr *x509.CertificateRequest, serial *big.Int, notBefore, notAfter time.Time) ([]byte, error) {
	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return x509.CreateCertificate(rand.Reader, template, s.cert, csr.PublicKey, s.key)
}

func (s *x509Signer) GenerateCRL(revoked []Record, number *big.Int, thisUpdate, nextUpdate time.Time) ([]byte, error) {
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   r.Serial,
			RevocationTime: r.RevokedAt,
		})
	}
	return x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}, s.cert, s.key)
}
