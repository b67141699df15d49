package fleet

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sslup/sslup/core/letsencrypt"
	"github.com/sslup/sslup/core/store"
)

// Store is the slice of the persistence layer the fleet service operates on.
type Store interface {
	AgentByID(ctx context.Context, id string) (*store.Agent, error)
	Agents(ctx context.Context) ([]store.Agent, error)
	InsertAgent(ctx context.Context, a store.Agent) error
	ReplaceAgent(ctx context.Context, a store.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	OnlineAgentsSeenBefore(ctx context.Context, cutoff time.Time) ([]store.Agent, error)
	CertificateByID(ctx context.Context, id string) (*store.Certificate, error)
	Certificates(ctx context.Context) ([]store.Certificate, error)
	CertificatesByIDs(ctx context.Context, ids []string) ([]store.Certificate, error)
	DeleteCertificate(ctx context.Context, id string) error
	RemoveCertificateRefs(ctx context.Context, certID string) error
	AccountByID(ctx context.Context, id string) (*store.Account, error)
	AccountByEmail(ctx context.Context, email string) (*store.Account, error)
	Accounts(ctx context.Context) ([]store.Account, error)
	InsertAccount(ctx context.Context, a store.Account) error
	RunningRequests(ctx context.Context) ([]store.RunningRequest, error)
	Users(ctx context.Context) ([]store.User, error)
}

// secretVault seals and opens envelope-encrypted key material.
type secretVault interface {
	Encrypt(plaintext, recordSecret string) (string, error)
	Decrypt(envelope, recordSecret string) (string, error)
}

// certIssuer runs admin-triggered issuance through the renewal engine.
type certIssuer interface {
	Issue(ctx context.Context, accountID string, domains []string, autoRenew bool) (*store.Certificate, error)
}

// acmeAccounts is the slice of the ACME orchestrator the admin channel uses.
type acmeAccounts interface {
	CreateAccount(ctx context.Context, email string) (*letsencrypt.AccountResult, error)
	Revoke(ctx context.Context, accountKeyPEM, certPEM string, reason int) error
}

// Notifier emails subscribed users when an agent reports an error.
type Notifier interface {
	AgentError(ctx context.Context, user store.User, agent store.Agent, message string) error
}

// auditLedger is the slice of the audit ledger the fleet writes to and
// streams from. Satisfied by *store.Ledger.
type auditLedger interface {
	Append(ctx context.Context, kind store.LedgerKind, subjectID string, level store.LogLevel, message string) error
	AppendAt(ctx context.Context, kind store.LedgerKind, subjectID string, level store.LogLevel, message string, at time.Time) error
	Entries(ctx context.Context, kind store.LedgerKind, subjectID string) ([]store.LedgerEntry, error)
	SetSink(sink func(kind store.LedgerKind, entry store.LedgerEntry))
}

// Service implements both sides of the fleet protocol on top of the hub.
type Service struct {
	store    Store
	vault    secretVault
	ledger   auditLedger
	hub      *Hub
	issuer   certIssuer
	acme     acmeAccounts
	notifier Notifier
	relay    *Relay
	clock    func() time.Time
	log      *slog.Logger

	publicURL string
	identity  string
	lookupTXT func(ctx context.Context, name string) ([]string, error)

	heartbeatEvery time.Duration
	offlineAfter   time.Duration

	mu        sync.Mutex
	lastEmail map[string]time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// WithRelay mirrors pushes across workers through the given relay.
func WithRelay(relay *Relay) ServiceOption {
	return func(s *Service) { s.relay = relay }
}

// WithServiceClock overrides the time source, used in tests.
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService wires the fleet protocol. identity is the TXT value proving DNS
// delegation points at this installation; publicURL is what new agents are
// told to connect to.
func NewService(st Store, vault secretVault, ledger auditLedger, hub *Hub, issuer certIssuer, acme acmeAccounts, notifier Notifier, publicURL, identity string, opts ...ServiceOption) *Service {
	s := &Service{
		store:          st,
		vault:          vault,
		ledger:         ledger,
		hub:            hub,
		issuer:         issuer,
		acme:           acme,
		notifier:       notifier,
		clock:          time.Now,
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		publicURL:      publicURL,
		identity:       identity,
		lookupTXT:      net.DefaultResolver.LookupTXT,
		heartbeatEvery: time.Second,
		offlineAfter:   30 * time.Second,
		lastEmail:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newToken returns a fresh bootstrap or session token: 64 random bytes, hex
// encoded.
func newToken() string {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // the kernel CSPRNG does not fail
	}
	return hex.EncodeToString(buf)
}

// hashToken derives the stored form of an agent token.
func hashToken(token string) string {
	sum := sha512.Sum512([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func validIP(s string) bool { return net.ParseIP(s) != nil }

// AttachLedgerStream mirrors new ledger entries onto the websocket as they
// are written: certificate entries to the admin group, agent entries to that
// agent's log group.
func (s *Service) AttachLedgerStream() {
	s.ledger.SetSink(func(kind store.LedgerKind, entry store.LedgerEntry) {
		ctx := context.Background()
		switch kind {
		case store.LedgerCertificate:
			s.send(ctx, GroupAdmins, newMessage(MsgCertificateLogLine, "", entry))
		case store.LedgerAgent:
			s.send(ctx, AgentLogGroup(entry.SubjectID), newMessage(MsgAgentLogLine, "", entry))
		}
	})
}

// Authenticate verifies an agent's connect credentials. In setup mode the
// presented token is compared against the stored plaintext bootstrap token;
// afterwards against its hash, with the IP allow-list enforced on top when
// the agent has one.
func (s *Service) Authenticate(ctx context.Context, creds AgentCredentials, ip string) (*store.Agent, bool, error) {
	if creds.ID == "" || creds.Token == "" || creds.OS == "" || creds.OSVersion == "" || creds.Version == "" {
		return nil, false, ErrAuthFailed
	}
	agent, err := s.store.AgentByID(ctx, creds.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, ErrAuthFailed
		}
		return nil, false, fmt.Errorf("fleet: load agent: %w", err)
	}

	if agent.InSetupMode(s.clock()) {
		if !tokensEqual(creds.Token, agent.TokenHash) {
			return nil, false, ErrAuthFailed
		}
		return agent, true, nil
	}

	if !tokensEqual(hashToken(creds.Token), agent.TokenHash) {
		return nil, false, ErrAuthFailed
	}
	if agent.CheckIP && !slices.Contains(agent.AuthIPs, ip) {
		s.agentLog(ctx, agent.ID, store.LevelWarn,
			fmt.Sprintf("connection from unlisted address %s rejected", ip))
		return nil, false, ErrAuthFailed
	}
	return agent, false, nil
}

// Heartbeat refreshes an agent's liveness record, at most once per second so
// a chatty agent does not turn every frame into a write.
func (s *Service) Heartbeat(ctx context.Context, agent *store.Agent, creds AgentCredentials, ip string) error {
	now := s.clock()
	if agent.Online && now.Sub(agent.LastSeen) < s.heartbeatEvery {
		return nil
	}
	agent.Online = true
	agent.LastSeen = now
	agent.IP = ip
	agent.OSPlatform = creds.OS
	agent.OSVersion = creds.OSVersion
	agent.ClientVersion = creds.Version
	return s.store.ReplaceAgent(ctx, *agent)
}

// Register completes an agent's setup: the plaintext bootstrap token is
// replaced by a fresh one returned to the agent exactly once, and only its
// hash is kept. Allowed solely while the agent has never been seen.
func (s *Service) Register(ctx context.Context, agent *store.Agent, ips []string) (string, error) {
	if !agent.LastSeen.IsZero() {
		return "", ErrRegistered
	}
	for _, ip := range ips {
		if net.ParseIP(ip) == nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
		}
	}

	token := newToken()
	agent.TokenHash = hashToken(token)
	agent.AuthIPs = ips
	agent.Online = true
	agent.LastSeen = s.clock()
	if err := s.store.ReplaceAgent(ctx, *agent); err != nil {
		return "", fmt.Errorf("fleet: persist registration: %w", err)
	}
	s.agentLog(ctx, agent.ID, store.LevelInfo, "agent registered")
	return token, nil
}

// BuildUpdate assembles the update payload for one agent from its
// configuration and the referenced certificates.
func (s *Service) BuildUpdate(ctx context.Context, agent store.Agent) (*Update, error) {
	ids := make([]string, 0, len(agent.Config.Certs))
	for _, ref := range agent.Config.Certs {
		ids = append(ids, ref.ID)
	}
	certs, err := s.store.CertificatesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fleet: load certificates: %w", err)
	}
	byID := make(map[string]store.Certificate, len(certs))
	for _, cert := range certs {
		byID[cert.ID] = cert
	}

	update := &Update{
		PreCommands:  agent.Config.PreCommands,
		Certs:        make([]UpdateCert, 0, len(agent.Config.Certs)),
		PostCommands: agent.Config.PostCommands,
		Version:      agent.Config.Version,
	}
	for _, ref := range agent.Config.Certs {
		cert, ok := byID[ref.ID]
		if !ok {
			s.agentLog(ctx, agent.ID, store.LevelError,
				fmt.Sprintf("configuration references missing certificate %s", ref.ID))
			return nil, ErrCertificateMissing
		}
		update.Certs = append(update.Certs, UpdateCert{
			ID:            cert.ID,
			FullchainPath: ref.FullchainPath,
			KeyPath:       ref.KeyPath,
			CommonName:    cert.CommonName,
			AltNames:      cert.AltNames,
			CreatedAt:     cert.CreatedAt,
			RenewedAt:     cert.RenewedAt,
			ExpiresAt:     cert.ExpiresAt,
		})
	}
	return update, nil
}

// PushUpdate sends a fresh update payload to the agent's live sessions.
func (s *Service) PushUpdate(ctx context.Context, agent store.Agent) error {
	if !agent.Online {
		s.log.Warn("update push skipped, agent offline", "agentId", agent.ID, "name", agent.Name)
		return ErrAgentOffline
	}
	update, err := s.BuildUpdate(ctx, agent)
	if err != nil {
		return err
	}
	s.send(ctx, AgentGroup(agent.ID), newMessage(MsgUpdate, "", update))
	s.agentLog(ctx, agent.ID, store.LevelInfo,
		fmt.Sprintf("configuration update v%d pushed", update.Version))
	return nil
}

// Certificates returns the full material for the requested certificates.
// The lookup fails closed: every id must be well-formed and listed in the
// agent's own configuration, and every key must open, or the result is
// empty.
func (s *Service) Certificates(ctx context.Context, agent store.Agent, ids []string) []CertBundle {
	allowed := make(map[string]struct{}, len(agent.Config.Certs))
	for _, ref := range agent.Config.Certs {
		allowed[ref.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			s.agentLog(ctx, agent.ID, store.LevelWarn,
				fmt.Sprintf("certificate request with malformed id %q denied", id))
			return []CertBundle{}
		}
		if _, ok := allowed[id]; !ok {
			s.agentLog(ctx, agent.ID, store.LevelWarn,
				fmt.Sprintf("certificate request outside configuration denied: %s", id))
			return []CertBundle{}
		}
	}

	certs, err := s.store.CertificatesByIDs(ctx, ids)
	if err != nil || len(certs) != len(ids) {
		s.log.Error("certificate lookup failed", "agentId", agent.ID, "error", err)
		return []CertBundle{}
	}

	bundles := make([]CertBundle, 0, len(certs))
	for _, cert := range certs {
		key, err := s.vault.Decrypt(cert.EncryptedKey, cert.ID)
		if err != nil {
			s.agentLog(ctx, agent.ID, store.LevelError,
				fmt.Sprintf("key for certificate %s could not be opened", cert.ID))
			return []CertBundle{}
		}
		bundles = append(bundles, CertBundle{
			ID:               cert.ID,
			CommonName:       cert.CommonName,
			AltNames:         cert.AltNames,
			Cert:             cert.CertPEM,
			IntermediateCert: cert.IntermediatePEM,
			RootCA:           cert.RootCAPEM,
			Key:              key,
		})
	}
	return bundles
}

var logLevels = map[string]store.LogLevel{
	"debug": store.LevelDebug,
	"info":  store.LevelInfo,
	"warn":  store.LevelWarn,
	"error": store.LevelError,
}

// IngestLog records one agent-reported log line in the ledger and, for
// errors, emails subscribed users. Repeated identical errors from the same
// agent are mailed at most once per minute.
func (s *Service) IngestLog(ctx context.Context, agent store.Agent, level, message string, at time.Time) error {
	lvl, ok := logLevels[level]
	if !ok {
		return fmt.Errorf("fleet: unknown log level %q", level)
	}
	if at.IsZero() {
		at = s.clock()
	}
	if err := s.ledger.AppendAt(ctx, store.LedgerAgent, agent.ID, lvl, message, at); err != nil {
		return fmt.Errorf("fleet: append agent log: %w", err)
	}
	if lvl == store.LevelError {
		s.notifyAgentError(ctx, agent, message)
	}
	return nil
}

func (s *Service) notifyAgentError(ctx context.Context, agent store.Agent, message string) {
	key := agent.ID + "\x00" + message
	now := s.clock()

	s.mu.Lock()
	last, seen := s.lastEmail[key]
	if seen && now.Sub(last) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.lastEmail[key] = now
	s.mu.Unlock()

	users, err := s.store.Users(ctx)
	if err != nil {
		s.log.Error("user listing for agent error notification failed", "error", err)
		return
	}
	for _, user := range users {
		if !user.Notifications.AgentError {
			continue
		}
		if err := s.notifier.AgentError(ctx, user, agent, message); err != nil {
			s.log.Error("agent error notification failed",
				"agentId", agent.ID, "email", user.Email, "error", err)
		}
	}
}

// Uninstall removes the agent's record at its own request.
func (s *Service) Uninstall(ctx context.Context, agent store.Agent) error {
	if err := s.store.DeleteAgent(ctx, agent.ID); err != nil {
		return fmt.Errorf("fleet: delete agent: %w", err)
	}
	s.log.Info("agent uninstalled itself", "agentId", agent.ID, "name", agent.Name)
	return nil
}

// CleanupOnlineAgents flips agents offline when their last heartbeat is
// stale and no live session remains in their broadcast group.
func (s *Service) CleanupOnlineAgents(ctx context.Context) error {
	agents, err := s.store.OnlineAgentsSeenBefore(ctx, s.clock().Add(-s.offlineAfter))
	if err != nil {
		return fmt.Errorf("fleet: list stale agents: %w", err)
	}
	for _, agent := range agents {
		if s.hub.Count(AgentGroup(agent.ID)) > 0 {
			continue
		}
		agent.Online = false
		agent.LastSeen = s.clock()
		if err := s.store.ReplaceAgent(ctx, agent); err != nil {
			s.log.Error("marking agent offline failed", "agentId", agent.ID, "error", err)
		}
	}
	return nil
}

// send broadcasts locally and mirrors the message to other workers when a
// relay is configured.
func (s *Service) send(ctx context.Context, group string, msg Message) {
	s.hub.Broadcast(group, msg)
	if s.relay != nil {
		if err := s.relay.Publish(ctx, group, msg); err != nil {
			s.log.Error("relay publish failed", "group", group, "error", err)
		}
	}
}

func (s *Service) agentLog(ctx context.Context, agentID string, level store.LogLevel, message string) {
	if err := s.ledger.Append(ctx, store.LedgerAgent, agentID, level, message); err != nil {
		s.log.Error("ledger append failed", "agentId", agentID, "error", err)
	}
}
