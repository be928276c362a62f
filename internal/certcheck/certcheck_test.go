package certcheck_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/certcheck"
	"github.com/affggh/ab_update_engine/internal/metrics"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

func selfSignedCert(t *testing.T, serial int64) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "update-server"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestFirstObservationRecordedSilently(t *testing.T) {
	store := prefs.NewMemoryStore()
	c := certcheck.New(store, metrics.NopSink{}, certcheck.ServerUpdate)
	cert := selfSignedCert(t, 1)
	c.CheckChain([]*x509.Certificate{cert})

	v, err := store.GetString("update-server-certificate-update-0")
	require.NoError(t, err)
	require.NotEmpty(t, v)
}

func TestRotationDetectedButNotFatal(t *testing.T) {
	store := prefs.NewMemoryStore()
	c := certcheck.New(store, metrics.NopSink{}, certcheck.ServerUpdate)
	c.CheckChain([]*x509.Certificate{selfSignedCert(t, 1)})
	first, _ := store.GetString("update-server-certificate-update-0")

	c.CheckChain([]*x509.Certificate{selfSignedCert(t, 2)})
	second, _ := store.GetString("update-server-certificate-update-0")

	require.NotEqual(t, first, second)
}
