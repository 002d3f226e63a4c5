package media

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/pkg/errors"
)

// GenerateCertificate produces a self-signed ECDSA certificate for the
// DTLS listener. This replaces the teacher's generate_cert.go, which
// shelled out to the openssl binary; selfsign is part of pion/dtls/v3
// itself.
func GenerateCertificate() (tls.Certificate, error) {
	return selfsign.GenerateSelfSigned()
}

// LoadOrGenerateCertificate prefers an operator-provided key pair and
// falls back to a fresh self-signed certificate.
func LoadOrGenerateCertificate(certPath, keyPath string) (tls.Certificate, error) {
	if certPath != "" && keyPath != "" {
		return tls.LoadX509KeyPair(certPath, keyPath)
	}
	return GenerateCertificate()
}

// Fingerprint renders the certificate's SHA-256 digest in the SDP
// a=fingerprint form: "sha-256 AB:CD:...".
func Fingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", errors.New("certificate has no DER data")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", errors.Wrap(err, "parse certificate")
	}

	sum := sha256.Sum256(leaf.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return "sha-256 " + strings.Join(parts, ":"), nil
}
