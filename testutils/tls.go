package testutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TLSMaterial is a self-signed certificate valid for localhost and 127.0.0.1.
type TLSMaterial struct {
	Certificate tls.Certificate
	CertPEM     []byte
	KeyPEM      []byte
	Pool        *x509.CertPool
}

// NewTLSMaterial generates a fresh ECDSA P-256 certificate.
func NewTLSMaterial(t *testing.T) *TLSMaterial {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))

	return &TLSMaterial{Certificate: cert, CertPEM: certPEM, KeyPEM: keyPEM, Pool: pool}
}

// ServerConfig returns a server-side TLS config presenting the certificate.
func (m *TLSMaterial) ServerConfig() *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{m.Certificate}, MinVersion: tls.VersionTLS12}
}

// ClientConfig returns a client-side TLS config trusting the certificate.
func (m *TLSMaterial) ClientConfig() *tls.Config {
	return &tls.Config{RootCAs: m.Pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}
}

// WriteFiles writes the certificate and key into dir and returns their paths.
func (m *TLSMaterial) WriteFiles(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, m.CertPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, m.KeyPEM, 0o600))
	return certFile, keyFile
}
