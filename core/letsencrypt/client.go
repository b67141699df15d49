package letsencrypt

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/acme"
)

// caClient is the subset of the ACME protocol client the orchestrator
// drives. Its methods match *acme.Client exactly, so the production factory
// needs no wrapper and tests can script every CA response.
type caClient interface {
	AuthorizeOrder(ctx context.Context, ids []acme.AuthzID, opts ...acme.OrderOption) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	DNS01ChallengeRecord(token string) (string, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	RevokeAuthorization(ctx context.Context, url string) error
	WaitOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) ([][]byte, string, error)
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	RevokeCert(ctx context.Context, key crypto.Signer, cert []byte, reason acme.CRLReasonCode) error
}

func directoryClientFactory(directoryURL string) func(key crypto.Signer) caClient {
	return func(key crypto.Signer) caClient {
		return &acme.Client{Key: key, DirectoryURL: directoryURL, UserAgent: "sslup"}
	}
}

// classifyCA maps rate-limit problem documents and throttling status codes
// onto the stable ErrCABusy sentinel. Every CA call site routes its error
// through here so the classification happens exactly once.
func classifyCA(err error) error {
	if err == nil {
		return nil
	}
	var acmeErr *acme.Error
	if errors.As(err, &acmeErr) {
		switch {
		case acmeErr.ProblemType == "urn:ietf:params:acme:error:rateLimited",
			acmeErr.StatusCode == http.StatusTooManyRequests,
			acmeErr.StatusCode == http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %s", ErrCABusy, acmeErr.Detail)
		}
	}
	return err
}
