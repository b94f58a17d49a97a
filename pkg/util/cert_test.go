package util

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCert(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	certPath, keyPath := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")

	cert, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	require.NotNil(t, cert.PrivateKey)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, parsed.DNSNames, "localhost")

	// existing files are loaded, not replaced
	again, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}

func TestLoadOrGenerateCertInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	_, err := LoadOrGenerateCert(certPath, keyPath)
	assert.ErrorContains(t, err, "load TLS certificate")
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("PGMIRROR_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnvOrDefault("PGMIRROR_TEST_VALUE", "default"))
	assert.Equal(t, "default", GetEnvOrDefault("PGMIRROR_TEST_UNSET", "default"))
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("PGMIRROR_TEST_LIST", " ch1:9000, ,ch2:9000,")
	assert.Equal(t, []string{"ch1:9000", "ch2:9000"}, GetEnvList("PGMIRROR_TEST_LIST", "localhost:9000"))

	t.Setenv("PGMIRROR_TEST_LIST", " , ")
	assert.Equal(t, []string{"localhost:9000"}, GetEnvList("PGMIRROR_TEST_LIST", "localhost:9000"))
	assert.Nil(t, GetEnvList("PGMIRROR_TEST_UNSET"))
}
