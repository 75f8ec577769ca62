package smtptest

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// Cert returns a fresh self-signed certificate for names, with the first name as
// common name in the subject, and organization "mxdeliver test". Add the Leaf to
// a certificate pool to make it trusted.
func Cert(t testing.TB, names ...string) tls.Certificate {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		t.Fatalf("generating key: %s", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   names[0],
			Organization: []string{"mxdeliver test"},
		},
		DNSNames:              names,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	buf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	if err != nil {
		t.Fatalf("making certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(buf)
	if err != nil {
		t.Fatalf("parsing generated certificate: %s", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{buf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
}
