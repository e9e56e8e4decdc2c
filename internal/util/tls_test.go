package util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
)

// writeSelfSigned writes a certificate and its key as PEM files
func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "etcd-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestLoadTLSConfigNil(t *testing.T) {
	cfg, err := LoadTLSConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadTLSConfigFull(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())

	cfg, err := LoadTLSConfig(&config.TLSConfig{CA: certPath, Cert: certPath, Key: keyPath})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestLoadTLSConfigCAOnly(t *testing.T) {
	certPath, _ := writeSelfSigned(t, t.TempDir())

	cfg, err := LoadTLSConfig(&config.TLSConfig{CA: certPath})
	require.NoError(t, err)
	assert.Empty(t, cfg.Certificates)
	assert.NotNil(t, cfg.RootCAs)
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	_, err := LoadTLSConfig(&config.TLSConfig{CA: filepath.Join(dir, "missing.pem")})
	assert.ErrorContains(t, err, "failed to read CA certificate")

	_, err = LoadTLSConfig(&config.TLSConfig{CA: garbage})
	assert.ErrorContains(t, err, "failed to append CA certificate")

	_, err = LoadTLSConfig(&config.TLSConfig{Cert: garbage, Key: garbage})
	assert.ErrorContains(t, err, "failed to load client certificate")
}
