package renewal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sslup/sslup/core/letsencrypt"
	"github.com/sslup/sslup/core/store"
	"github.com/sslup/sslup/pkg/revocation"
)

// Store is the slice of the persistence layer the renewal engine and the
// maintenance sweeps operate on.
type Store interface {
	AutoRenewCertificates(ctx context.Context) ([]store.Certificate, error)
	InsertCertificate(ctx context.Context, c store.Certificate) error
	ReplaceCertificate(ctx context.Context, c store.Certificate) error
	AccountByID(ctx context.Context, id string) (*store.Account, error)
	InsertRunningRequest(ctx context.Context, r store.RunningRequest) error
	DeleteRunningRequest(ctx context.Context, id string) error
	DeleteStaleRunningRequests(ctx context.Context, cutoff time.Time) error
	Agents(ctx context.Context) ([]store.Agent, error)
	OfflineNotifiableAgents(ctx context.Context) ([]store.Agent, error)
	Users(ctx context.Context) ([]store.User, error)
}

// secretVault seals and opens envelope-encrypted key material.
type secretVault interface {
	Encrypt(plaintext, recordSecret string) (string, error)
	Decrypt(envelope, recordSecret string) (string, error)
}

// issuer runs one ACME order end to end.
type issuer interface {
	IssueOrRenew(ctx context.Context, certID, accountKeyPEM string, domains []string) (*letsencrypt.IssueResult, error)
}

// revocationChecker probes a certificate's OCSP status.
type revocationChecker interface {
	Check(ctx context.Context, certPEM, issuerPEM string) (revocation.Status, error)
}

// updatePusher pushes a fresh config bundle to one agent's live sessions.
type updatePusher interface {
	PushUpdate(ctx context.Context, agent store.Agent) error
}

// Notifier delivers lifecycle emails to a subscribed user.
type Notifier interface {
	RenewalSucceeded(ctx context.Context, user store.User, certs []store.Certificate) error
	RenewalFailed(ctx context.Context, user store.User, failures []Failure) error
	AgentOffline(ctx context.Context, user store.User, agent store.Agent, downtime time.Duration) error
}

// Failure describes one certificate that could not be renewed. Retryable
// failures (CA busy) are worded as deferred, not broken.
type Failure struct {
	Certificate store.Certificate
	Reason      string
	Retryable   bool
}

// SweepResult summarizes one renewal sweep.
type SweepResult struct {
	Renewed  []store.Certificate
	Failures []Failure
}

// Engine renews eligible certificates and issues new ones.
type Engine struct {
	store    Store
	vault    secretVault
	issuer   issuer
	checker  revocationChecker
	pusher   updatePusher
	notifier Notifier
	ledger   *store.Ledger
	window   time.Duration
	clock    func() time.Time
	log      *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRenewalWindow sets how long before expiry a certificate becomes due.
func WithRenewalWindow(d time.Duration) EngineOption {
	return func(e *Engine) { e.window = d }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the time source, used in tests.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an Engine with the default 30-day renewal window.
func NewEngine(st Store, vault secretVault, iss issuer, checker revocationChecker, pusher updatePusher, notifier Notifier, ledger *store.Ledger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    st,
		vault:    vault,
		issuer:   iss,
		checker:  checker,
		pusher:   pusher,
		notifier: notifier,
		ledger:   ledger,
		window:   30 * 24 * time.Hour,
		clock:    time.Now,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sweep checks every auto-renew certificate and renews the due ones. One
// certificate's failure never aborts the rest. After the sweep, fleet
// updates go out to every agent if anything renewed, and subscribed users
// are notified about successes and failures.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	certs, err := e.store.AutoRenewCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("renewal: list certificates: %w", err)
	}
	e.log.Info("checking certificates for renewal", "count", len(certs))

	result := &SweepResult{}
	for _, cert := range certs {
		if !e.due(ctx, cert) {
			continue
		}
		e.certLog(ctx, cert.ID, store.LevelInfo, fmt.Sprintf("renewing certificate %s", cert.CommonName))

		if err := e.renewOne(ctx, &cert); err != nil {
			failure := Failure{
				Certificate: cert,
				Reason:      err.Error(),
				Retryable:   errors.Is(err, letsencrypt.ErrCABusy),
			}
			if failure.Retryable {
				failure.Reason = "the certificate authority is currently busy; renewal will be retried on the next scheduled run"
			}
			e.certLog(ctx, cert.ID, store.LevelError,
				fmt.Sprintf("renewal of %s failed: %s", cert.CommonName, failure.Reason))
			result.Failures = append(result.Failures, failure)
			continue
		}

		e.certLog(ctx, cert.ID, store.LevelInfo,
			fmt.Sprintf("certificate %s renewed successfully", cert.CommonName))
		result.Renewed = append(result.Renewed, cert)
	}

	if len(result.Renewed) > 0 {
		e.pushAll(ctx)
	}
	e.notify(ctx, result)

	if len(result.Renewed) == 0 && len(result.Failures) == 0 {
		e.log.Info("no certificates needed renewal")
	}
	return result, nil
}

// due reports whether a certificate should be renewed now: expiry inside the
// window, or a confirmed OCSP revocation. An OCSP error skips that check
// instead of forcing a renewal.
func (e *Engine) due(ctx context.Context, cert store.Certificate) bool {
	if cert.ExpiresAt.Before(e.clock().Add(e.window)) {
		return true
	}
	status, err := e.checker.Check(ctx, cert.CertPEM, cert.IntermediatePEM)
	if err != nil {
		e.log.Debug("ocsp check skipped", "commonName", cert.CommonName, "error", err)
		return false
	}
	return status == revocation.StatusRevoked
}

// renewOne runs one renewal under a running-request marker and persists the
// new material in place, id unchanged. The marker is a soft lease: it is
// removed whatever the outcome, and stale markers are swept after an hour.
func (e *Engine) renewOne(ctx context.Context, cert *store.Certificate) error {
	keyPEM, err := e.accountKey(ctx, cert.AccountID)
	if err != nil {
		return err
	}

	if err := e.store.InsertRunningRequest(ctx, store.RunningRequest{
		ID:        cert.ID,
		AltNames:  cert.AltNames,
		StartedAt: e.clock(),
	}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrRequestRunning
		}
		return fmt.Errorf("renewal: mark request running: %w", err)
	}
	defer func() {
		if err := e.store.DeleteRunningRequest(context.WithoutCancel(ctx), cert.ID); err != nil {
			e.log.Error("running request cleanup failed", "certificateId", cert.ID, "error", err)
		}
	}()

	result, err := e.issuer.IssueOrRenew(ctx, cert.ID, keyPEM, cert.AltNames)
	if err != nil {
		return err
	}

	sealedKey, err := e.vault.Encrypt(result.KeyPEM, cert.ID)
	if err != nil {
		return fmt.Errorf("renewal: seal certificate key: %w", err)
	}

	cert.CertPEM = result.CertPEM
	cert.IntermediatePEM = result.IntermediatePEM
	cert.RootCAPEM = result.RootCAPEM
	cert.EncryptedKey = sealedKey
	cert.RenewedAt = e.clock()
	cert.ExpiresAt = result.ExpiresAt
	return e.store.ReplaceCertificate(ctx, *cert)
}

// Issue requests a brand-new certificate for the given account and domain
// set and persists it. Used by admin-triggered issuance.
func (e *Engine) Issue(ctx context.Context, accountID string, domains []string, autoRenew bool) (*store.Certificate, error) {
	keyPEM, err := e.accountKey(ctx, accountID)
	if err != nil {
		return nil, err
	}

	certID := uuid.NewString()
	if err := e.store.InsertRunningRequest(ctx, store.RunningRequest{
		ID:        certID,
		AltNames:  domains,
		StartedAt: e.clock(),
	}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrRequestRunning
		}
		return nil, fmt.Errorf("renewal: mark request running: %w", err)
	}
	defer func() {
		if err := e.store.DeleteRunningRequest(context.WithoutCancel(ctx), certID); err != nil {
			e.log.Error("running request cleanup failed", "certificateId", certID, "error", err)
		}
	}()

	e.certLog(ctx, certID, store.LevelInfo,
		fmt.Sprintf("requesting certificate for %d domains", len(domains)))

	result, err := e.issuer.IssueOrRenew(ctx, certID, keyPEM, domains)
	if err != nil {
		e.certLog(ctx, certID, store.LevelError, fmt.Sprintf("certificate request failed: %v", err))
		return nil, err
	}

	sealedKey, err := e.vault.Encrypt(result.KeyPEM, certID)
	if err != nil {
		return nil, fmt.Errorf("renewal: seal certificate key: %w", err)
	}

	now := e.clock()
	cert := store.Certificate{
		ID:              certID,
		CommonName:      result.CommonName,
		AltNames:        result.AltNames,
		Origin:          store.OriginACME,
		AccountID:       accountID,
		CertPEM:         result.CertPEM,
		IntermediatePEM: result.IntermediatePEM,
		RootCAPEM:       result.RootCAPEM,
		EncryptedKey:    sealedKey,
		CreatedAt:       now,
		RenewedAt:       now,
		ExpiresAt:       result.ExpiresAt,
		AutoRenew:       autoRenew,
	}
	if err := e.store.InsertCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("renewal: persist certificate: %w", err)
	}
	e.certLog(ctx, certID, store.LevelInfo,
		fmt.Sprintf("certificate %s issued successfully", cert.CommonName))
	return &cert, nil
}

func (e *Engine) accountKey(ctx context.Context, accountID string) (string, error) {
	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrAccountMissing
		}
		return "", fmt.Errorf("renewal: load account: %w", err)
	}
	keyPEM, err := e.vault.Decrypt(account.EncryptedKey, account.ID)
	if err != nil {
		return "", fmt.Errorf("renewal: open account key: %w", err)
	}
	return keyPEM, nil
}

func (e *Engine) pushAll(ctx context.Context) {
	agents, err := e.store.Agents(ctx)
	if err != nil {
		e.log.Error("agent listing for update push failed", "error", err)
		return
	}
	for _, agent := range agents {
		if err := e.pusher.PushUpdate(ctx, agent); err != nil {
			e.log.Error("update push failed", "agentId", agent.ID, "error", err)
		}
	}
}

func (e *Engine) notify(ctx context.Context, result *SweepResult) {
	if len(result.Renewed) == 0 && len(result.Failures) == 0 {
		return
	}
	users, err := e.store.Users(ctx)
	if err != nil {
		e.log.Error("user listing for notifications failed", "error", err)
		return
	}
	for _, user := range users {
		if len(result.Renewed) > 0 && user.Notifications.RenewalSucceeded {
			if err := e.notifier.RenewalSucceeded(ctx, user, result.Renewed); err != nil {
				e.log.Error("renewal success notification failed", "email", user.Email, "error", err)
			}
		}
		if len(result.Failures) > 0 && user.Notifications.RenewalFailed {
			if err := e.notifier.RenewalFailed(ctx, user, result.Failures); err != nil {
				e.log.Error("renewal failure notification failed", "email", user.Email, "error", err)
			}
		}
	}
}

func (e *Engine) certLog(ctx context.Context, certID string, level store.LogLevel, message string) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.Append(ctx, store.LedgerCertificate, certID, level, message); err != nil {
		e.log.Error("ledger append failed", "certificateId", certID, "error", err)
	}
}
