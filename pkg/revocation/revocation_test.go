package revocation_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/sslup/sslup/pkg/revocation"
)

type testPKI struct {
	issuer    *x509.Certificate
	issuerKey *rsa.PrivateKey
	leafPEM   string
	issuerPEM string
	leaf      *x509.Certificate
}

func newTestPKI(t *testing.T, responderURL string) *testPKI {
	t.Helper()

	issuerKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuerTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Issuing CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	issuerDER, err := x509.CreateCertificate(rand.Reader, issuerTmpl, issuerTmpl, &issuerKey.PublicKey, issuerKey)
	require.NoError(t, err)
	issuer, err := x509.ParseCertificate(issuerDER)
	require.NoError(t, err)

	var ocspServers []string
	if responderURL != "" {
		ocspServers = []string{responderURL}
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "example.com"},
		DNSNames:     []string{"example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		OCSPServer:   ocspServers,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, issuer, &leafKey.PublicKey, issuerKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	return &testPKI{
		issuer:    issuer,
		issuerKey: issuerKey,
		leaf:      leaf,
		leafPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})),
		issuerPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: issuerDER})),
	}
}

func newResponder(t *testing.T, status int) (*httptest.Server, *testPKI) {
	t.Helper()

	var pki *testPKI
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: pki.leaf.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = time.Now().Add(-time.Minute)
			tmpl.RevocationReason = ocsp.KeyCompromise
		}
		body, err := ocsp.CreateResponse(pki.issuer, pki.issuer, tmpl, pki.issuerKey)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(body)
	}))
	pki = newTestPKI(t, srv.URL)
	return srv, pki
}

func TestCheckGood(t *testing.T) {
	srv, pki := newResponder(t, ocsp.Good)
	defer srv.Close()

	checker := revocation.NewChecker(5 * time.Second)
	status, err := checker.Check(context.Background(), pki.leafPEM, pki.issuerPEM)
	require.NoError(t, err)
	assert.Equal(t, revocation.StatusGood, status)
}

func TestCheckRevoked(t *testing.T) {
	srv, pki := newResponder(t, ocsp.Revoked)
	defer srv.Close()

	checker := revocation.NewChecker(5 * time.Second)
	status, err := checker.Check(context.Background(), pki.leafPEM, pki.issuerPEM)
	require.NoError(t, err)
	assert.Equal(t, revocation.StatusRevoked, status)
}

func TestCheckResponderUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	pki := newTestPKI(t, srv.URL)

	checker := revocation.NewChecker(5 * time.Second)
	status, err := checker.Check(context.Background(), pki.leafPEM, pki.issuerPEM)
	assert.Error(t, err)
	assert.Equal(t, revocation.StatusUnknown, status)
}

func TestCheckInvalidInput(t *testing.T) {
	t.Parallel()

	checker := revocation.NewChecker(5 * time.Second)

	_, err := checker.Check(context.Background(), "not a cert", "also not a cert")
	assert.ErrorIs(t, err, revocation.ErrInvalidCertificate)
}

func TestCheckNoResponderURL(t *testing.T) {
	t.Parallel()

	pki := newTestPKI(t, "")
	checker := revocation.NewChecker(5 * time.Second)
	_, err := checker.Check(context.Background(), pki.leafPEM, pki.issuerPEM)
	assert.ErrorIs(t, err, revocation.ErrNoResponder)
}