package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevCertGeneratedAndReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	cert, err := gen.GenerateCert([]string{"admin.local", "127.0.0.1"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "admin.local")
	require.Len(t, leaf.IPAddresses, 1)
	assert.True(t, leaf.NotAfter.After(time.Now().Add(80*24*time.Hour)))

	again, err := gen.GenerateCert([]string{"admin.local"})
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}

func TestManagerSelfSignedOnlyOutsideProduction(t *testing.T) {
	dev := NewTLSManager(&TLSConfig{EnableTLS: true, AutoCertDir: t.TempDir()})
	cert, err := dev.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.NotNil(t, cert)

	prod := NewTLSManager(&TLSConfig{EnableTLS: true, AutoCertDir: t.TempDir(), Production: true})
	_, err = prod.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestManagerBadCertFiles(t *testing.T) {
	m := NewTLSManager(&TLSConfig{EnableTLS: true, CertFile: "/nonexistent/c.pem", KeyFile: "/nonexistent/k.pem"})
	_, err := m.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
}

func TestTLSConfigFloor(t *testing.T) {
	cfg := NewTLSManager(&TLSConfig{}).GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Contains(t, cfg.NextProtos, "h2")
}
