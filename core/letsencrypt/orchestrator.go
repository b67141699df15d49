package letsencrypt

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/crypto/acme"
	"golang.org/x/sync/errgroup"

	"github.com/sslup/sslup/core/challenge"
	"github.com/sslup/sslup/pkg/fqdn"
)

// ReportFunc receives operator-facing progress messages during an order,
// keyed by the certificate the order belongs to.
type ReportFunc func(certID, message string)

// propagationVerifier confirms a challenge record is served by every
// authoritative nameserver, reporting wait progress through the callback.
type propagationVerifier interface {
	Verify(ctx context.Context, domain, expected string, progress challenge.ProgressFunc) error
}

// IssueResult is the material a successful order produces. The private key
// leaves this package unencrypted; callers seal it before persistence.
type IssueResult struct {
	CommonName      string
	AltNames        []string
	CertPEM         string
	IntermediatePEM string
	RootCAPEM       string
	KeyPEM          string
	ExpiresAt       time.Time
}

// AccountResult is a freshly registered ACME account.
type AccountResult struct {
	KeyPEM string
	URL    string
}

// Orchestrator runs certificate orders against one ACME directory.
type Orchestrator struct {
	authority challenge.Authority
	verifier  propagationVerifier
	newClient func(key crypto.Signer) caClient
	keyType   certcrypto.KeyType
	grace     time.Duration
	log       *slog.Logger
	report    ReportFunc
}

// NewOrchestrator creates an Orchestrator publishing challenges through
// authority and confirming them through verifier. It defaults to the
// Let's Encrypt production directory.
func NewOrchestrator(authority challenge.Authority, verifier propagationVerifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		authority: authority,
		verifier:  verifier,
		newClient: directoryClientFactory(acme.LetsEncryptURL),
		keyType:   certcrypto.RSA2048,
		grace:     10 * time.Second,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		report:    func(string, string) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IssueOrRenew runs one order for the deduplicated domain list and returns
// the downloaded chain with a fresh private key. Challenge records created
// along the way are tagged with certID and removed again whatever the
// outcome. The order succeeds only if every identifier's challenge
// completes; the first concrete failure aborts it.
func (o *Orchestrator) IssueOrRenew(ctx context.Context, certID, accountKeyPEM string, domains []string) (*IssueResult, error) {
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}
	domains = fqdn.Dedupe(domains)
	for _, d := range domains {
		if !fqdn.Valid(d) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDomain, d)
		}
	}
	commonName := fqdn.CommonName(domains)

	signer, err := parseSigner(accountKeyPEM)
	if err != nil {
		return nil, err
	}
	client := o.newClient(signer)

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, classifyCA(err)
	}
	o.report(certID, fmt.Sprintf("order created for %s with %d identifiers", commonName, len(domains)))

	g, gctx := errgroup.WithContext(ctx)
	total := len(order.AuthzURLs)
	for i, authzURL := range order.AuthzURLs {
		g.Go(func() error {
			return o.solveAuthorization(gctx, client, certID, authzURL, i+1, total)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, classifyCA(err)
	}

	certKey, err := certcrypto.GeneratePrivateKey(o.keyType)
	if err != nil {
		return nil, fmt.Errorf("letsencrypt: generate certificate key: %w", err)
	}
	csr, err := createCSR(certKey, commonName, domains)
	if err != nil {
		return nil, err
	}

	o.report(certID, "finalizing order and downloading certificate chain")
	chain, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, classifyCA(err)
	}

	result, err := splitChain(chain)
	if err != nil {
		return nil, err
	}
	if result.RootCAPEM == "" {
		o.log.Warn("certificate chain has no root segment", "commonName", commonName)
	}

	result.CommonName = commonName
	result.AltNames = domains
	result.KeyPEM = string(certcrypto.PEMEncode(certKey))
	return result, nil
}

// solveAuthorization completes the dns-01 challenge for one identifier.
// Publish and retract are always paired; an authorization left incomplete is
// deactivated best-effort so the CA does not hold it against later orders.
func (o *Orchestrator) solveAuthorization(ctx context.Context, client caClient, certID, authzURL string, index, total int) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return classifyCA(err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	domain := authz.Identifier.Value
	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "dns-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		o.deactivate(ctx, client, authz.URI)
		return fmt.Errorf("%w: %s", ErrNoDNSChallenge, domain)
	}

	value, err := client.DNS01ChallengeRecord(chal.Token)
	if err != nil {
		return classifyCA(err)
	}

	o.report(certID, fmt.Sprintf("creating challenge record %s (%d/%d)", fqdn.ChallengeName(domain), index, total))
	if err := o.authority.Publish(ctx, certID, domain, value); err != nil {
		return err
	}

	completed := false
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if err := o.authority.Retract(cleanup, certID, domain, value); err != nil {
			o.log.Warn("challenge record retraction failed", "domain", domain, "error", err)
		}
		if !completed {
			o.deactivate(cleanup, client, authz.URI)
		}
	}()

	// Give the record a moment to reach every responder worker before the
	// authoritative poll starts.
	if err := sleep(ctx, o.grace); err != nil {
		return err
	}
	progress := func(domain string, waited, budget time.Duration) {
		o.report(certID, fmt.Sprintf("waiting for %s to propagate (%s elapsed of %s)",
			fqdn.ChallengeName(domain), waited.Round(time.Second), budget.Round(time.Second)))
	}
	if err := o.verifier.Verify(ctx, domain, value, progress); err != nil {
		return err
	}
	o.report(certID, fmt.Sprintf("challenge for %s confirmed on all nameservers (%d/%d)", domain, index, total))

	if _, err := client.Accept(ctx, chal); err != nil {
		return classifyCA(err)
	}
	if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
		return classifyCA(err)
	}
	completed = true
	return nil
}

func (o *Orchestrator) deactivate(ctx context.Context, client caClient, authzURL string) {
	if err := client.RevokeAuthorization(ctx, authzURL); err != nil {
		o.log.Debug("authorization deactivation failed", "url", authzURL, "error", err)
	}
}

// CreateAccount registers a new account with the CA and returns its key and
// URL. The key leaves unencrypted; the caller seals it before persistence.
func (o *Orchestrator) CreateAccount(ctx context.Context, email string) (*AccountResult, error) {
	key, err := certcrypto.GeneratePrivateKey(o.keyType)
	if err != nil {
		return nil, fmt.Errorf("letsencrypt: generate account key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, ErrKeyParse
	}
	client := o.newClient(signer)

	acct, err := client.Register(ctx, &acme.Account{Contact: []string{"mailto:" + email}}, acme.AcceptTOS)
	if err != nil {
		if errors.Is(err, acme.ErrAccountAlreadyExists) {
			return nil, ErrAccountExists
		}
		return nil, classifyCA(err)
	}
	if acct.Status != acme.StatusValid {
		return nil, fmt.Errorf("%w: status %q", ErrAccountNotValid, acct.Status)
	}
	return &AccountResult{KeyPEM: string(certcrypto.PEMEncode(key)), URL: acct.URI}, nil
}

// Revoke revokes a certificate with one of the supported reason codes:
// 0 unspecified, 1 key compromise, 3 superseded, 4 cessation of operation,
// 5 privilege withdrawn.
func (o *Orchestrator) Revoke(ctx context.Context, accountKeyPEM, certPEM string, reason int) error {
	switch reason {
	case 0, 1, 3, 4, 5:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidReason, reason)
	}

	signer, err := parseSigner(accountKeyPEM)
	if err != nil {
		return err
	}
	cert, err := certcrypto.ParsePEMCertificate([]byte(certPEM))
	if err != nil {
		return fmt.Errorf("letsencrypt: parse certificate: %w", err)
	}
	client := o.newClient(signer)
	return classifyCA(client.RevokeCert(ctx, signer, cert.Raw, acme.CRLReasonCode(reason)))
}

func parseSigner(keyPEM string) (crypto.Signer, error) {
	key, err := certcrypto.ParsePEMPrivateKey([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyParse, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, ErrKeyParse
	}
	return signer, nil
}

// createCSR builds the finalization CSR. The stdlib is used directly so the
// subject common name stays under our control for multi-domain orders.
func createCSR(key crypto.PrivateKey, commonName string, domains []string) ([]byte, error) {
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: domains,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("letsencrypt: create csr: %w", err)
	}
	return csr, nil
}

// splitChain validates the downloaded chain shape: leaf and intermediate
// are mandatory, the root segment is optional.
func splitChain(chain [][]byte) (*IssueResult, error) {
	if len(chain) != 2 && len(chain) != 3 {
		return nil, fmt.Errorf("%w: %d segments", ErrChainParse, len(chain))
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("%w: leaf does not parse: %v", ErrChainParse, err)
	}

	result := &IssueResult{
		CertPEM:         pemCert(chain[0]),
		IntermediatePEM: pemCert(chain[1]),
		ExpiresAt:       leaf.NotAfter,
	}
	if len(chain) == 3 {
		result.RootCAPEM = pemCert(chain[2])
	}
	return result, nil
}

func pemCert(der []byte) string {
	return string(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(der)))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
