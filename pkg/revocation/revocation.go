// Package revocation checks certificate status against the issuer's OCSP
// responder. It is used by the renewal engine to renew certificates that were
// revoked before their expiry window opens.
package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Status is the tri-state outcome of an OCSP lookup.
type Status int

const (
	StatusGood Status = iota
	StatusRevoked
	StatusUnknown
)

var (
	// ErrInvalidCertificate is returned when the leaf or issuer PEM cannot be parsed.
	ErrInvalidCertificate = errors.New("revocation: invalid certificate")

	// ErrNoResponder is returned when the certificate carries no OCSP responder URL.
	ErrNoResponder = errors.New("revocation: certificate has no OCSP responder")
)

// Checker queries OCSP responders over HTTP.
type Checker struct {
	client *http.Client
}

// NewChecker creates a Checker with a bounded request timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{client: &http.Client{Timeout: timeout}}
}

// Check returns the OCSP status for the leaf/issuer pair. Responder errors
// surface as errors so callers can treat them as "skip this check" rather
// than a revocation signal.
func (c *Checker) Check(ctx context.Context, certPEM, issuerPEM string) (Status, error) {
	cert, err := parsePEMCertificate(certPEM)
	if err != nil {
		return StatusUnknown, err
	}
	issuer, err := parsePEMCertificate(issuerPEM)
	if err != nil {
		return StatusUnknown, err
	}
	if len(cert.OCSPServer) == 0 {
		return StatusUnknown, ErrNoResponder
	}

	reqBody, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return StatusUnknown, fmt.Errorf("revocation: create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cert.OCSPServer[0], bytes.NewReader(reqBody))
	if err != nil {
		return StatusUnknown, fmt.Errorf("revocation: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return StatusUnknown, fmt.Errorf("revocation: query responder: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return StatusUnknown, fmt.Errorf("revocation: responder returned status %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return StatusUnknown, fmt.Errorf("revocation: read response: %w", err)
	}

	resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return StatusUnknown, fmt.Errorf("revocation: parse response: %w", err)
	}

	switch resp.Status {
	case ocsp.Good:
		return StatusGood, nil
	case ocsp.Revoked:
		return StatusRevoked, nil
	default:
		return StatusUnknown, nil
	}
}

func parsePEMCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidCertificate
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}
	return parsed, nil
}
