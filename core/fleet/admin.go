package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sslup/sslup/core/letsencrypt"
	"github.com/sslup/sslup/core/store"
	"github.com/sslup/sslup/pkg/fqdn"
)

// SessionVerifier authenticates an admin connection. Identity management
// lives outside this system; the fleet protocol only needs a yes/no plus a
// user id for attribution.
type SessionVerifier interface {
	Verify(r *http.Request) (string, error)
}

// AdminHandler returns the websocket endpoint the dashboard connects to.
func (s *Service) AdminHandler(verifier SessionVerifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := verifier.Verify(r)
		if err != nil {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("websocket upgrade failed", "userId", userID, "error", err)
			return
		}
		s.serveAdmin(r.Context(), conn, userID)
	})
}

func (s *Service) serveAdmin(ctx context.Context, conn *websocket.Conn, userID string) {
	session := s.hub.NewSession()
	s.hub.Subscribe(session, GroupAdmins)
	s.log.Info("admin connected", "userId", userID)

	go func() {
		for msg := range session.Receive() {
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
				return
			}
		}
		conn.Close()
	}()

	defer func() {
		s.hub.Close(session)
		s.log.Info("admin disconnected", "userId", userID)
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.dispatchAdmin(ctx, session, userID, msg)
	}
}

func (s *Service) dispatchAdmin(ctx context.Context, session *Session, userID string, msg Message) {
	reply := func(payload any) {
		session.Send(newMessage(msg.Type, msg.ID, payload))
	}
	fail := func(err error) {
		session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: err.Error()}))
	}

	switch msg.Type {
	case MsgListAgents:
		agents, err := s.store.Agents(ctx)
		if err != nil {
			fail(err)
			return
		}
		reply(agents)

	case MsgGetAgent:
		var req idRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		agent, err := s.store.AgentByID(ctx, req.ID)
		if err != nil {
			fail(err)
			return
		}
		reply(agent)

	case MsgListCertificates:
		certs, err := s.store.Certificates(ctx)
		if err != nil {
			fail(err)
			return
		}
		// Listings carry metadata only.
		for i := range certs {
			certs[i].CertPEM = ""
			certs[i].IntermediatePEM = ""
			certs[i].RootCAPEM = ""
			certs[i].EncryptedKey = ""
		}
		reply(certs)

	case MsgListAccounts:
		accounts, err := s.store.Accounts(ctx)
		if err != nil {
			fail(err)
			return
		}
		reply(accounts)

	case MsgListRunningRequests:
		requests, err := s.store.RunningRequests(ctx)
		if err != nil {
			fail(err)
			return
		}
		reply(requests)

	case MsgCertificateLogs, MsgAgentLogs:
		var req idRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		kind := store.LedgerCertificate
		if msg.Type == MsgAgentLogs {
			kind = store.LedgerAgent
		}
		entries, err := s.ledger.Entries(ctx, kind, req.ID)
		if err != nil {
			fail(err)
			return
		}
		reply(entries)

	case MsgSubscribeLogs:
		var req idRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		s.hub.Subscribe(session, AgentLogGroup(req.ID))
		reply(resultResponse{Code: CodeOK})

	case MsgUnsubscribeLogs:
		var req idRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		s.hub.Unsubscribe(session, AgentLogGroup(req.ID))
		reply(resultResponse{Code: CodeOK})

	case MsgCreateAgent:
		var req createAgentRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		agent, token, err := s.CreateAgent(ctx, req.Name, req.CheckIP)
		if err != nil {
			fail(err)
			return
		}
		s.log.Info("agent created", "agentId", agent.ID, "name", agent.Name, "userId", userID)
		reply(createAgentResponse{URL: s.publicURL, ID: agent.ID, Token: token})

	case MsgUpdateAgentConfig:
		var req UpdateAgentRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		reply(resultResponse{Code: s.UpdateAgentConfig(ctx, req)})

	case MsgDeleteAgent:
		var req idRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		if err := s.store.DeleteAgent(ctx, req.ID); err != nil {
			fail(err)
			return
		}
		s.log.Info("agent deleted", "agentId", req.ID, "userId", userID)
		reply(resultResponse{Code: CodeOK})

	case MsgDeleteCertificate:
		var req deleteCertificateRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		if err := s.DeleteCertificate(ctx, req.ID, req.Reason); err != nil {
			fail(err)
			return
		}
		reply(resultResponse{Code: CodeOK})

	case MsgRequestCertificate:
		var req requestCertificateRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		if err := s.RequestCertificate(ctx, req.AccountID, req.Domains, req.AutoRenew); err != nil {
			fail(err)
			return
		}
		reply(resultResponse{Code: CodeOK})

	case MsgCreateAccount:
		var req createAccountRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		account, err := s.CreateAccount(ctx, req.Email)
		if err != nil {
			fail(err)
			return
		}
		reply(account)

	case MsgCheckDNS:
		var req checkDNSRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			fail(err)
			return
		}
		reply(s.CheckDNS(ctx, req.Domains))

	default:
		fail(errors.New("unknown message type"))
	}
}

// CreateAgent stores a new agent with a plaintext bootstrap token. The
// token authenticates the agent's installer until it registers, and for at
// most 24 hours.
func (s *Service) CreateAgent(ctx context.Context, name string, checkIP bool) (*store.Agent, string, error) {
	if !validName(name) {
		return nil, "", ErrInvalidName
	}
	token := newToken()
	agent := store.Agent{
		ID:        uuid.NewString(),
		Name:      name,
		TokenHash: token, // plaintext until registration replaces it
		CheckIP:   checkIP,
		Config: store.AgentConfig{
			PreCommands:  []string{},
			Certs:        []store.AgentCertRef{},
			PostCommands: []string{},
		},
		OfflineNotifications: true,
		CreatedAt:            s.clock(),
	}
	if err := s.store.InsertAgent(ctx, agent); err != nil {
		return nil, "", fmt.Errorf("fleet: persist agent: %w", err)
	}
	return &agent, token, nil
}

// UpdateAgentConfig applies an admin edit and returns a result code. The
// submitted config version must be exactly one above the stored one; this
// rejects concurrent edits from two dashboard sessions.
func (s *Service) UpdateAgentConfig(ctx context.Context, req UpdateAgentRequest) int {
	if !validName(req.Name) || !validConfig(req.Config) {
		return CodeValidation
	}
	if req.CheckIP {
		if len(req.AuthIPs) == 0 {
			return CodeValidation
		}
		for _, ip := range req.AuthIPs {
			if !validIP(ip) {
				return CodeValidation
			}
		}
	}

	agent, err := s.store.AgentByID(ctx, req.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CodeNotFound
		}
		s.log.Error("agent load failed", "agentId", req.ID, "error", err)
		return CodeStorage
	}
	if agent.Config.Version+1 != req.Config.Version {
		return CodeVersionConflict
	}

	agent.Name = req.Name
	agent.CheckIP = req.CheckIP
	agent.AuthIPs = req.AuthIPs
	agent.OfflineNotifications = req.OfflineNotifications
	agent.Config = req.Config
	if err := s.store.ReplaceAgent(ctx, *agent); err != nil {
		s.log.Error("agent config persist failed", "agentId", req.ID, "error", err)
		return CodeStorage
	}

	if err := s.PushUpdate(ctx, *agent); err != nil && !errors.Is(err, ErrAgentOffline) {
		s.log.Error("config update push failed", "agentId", agent.ID, "error", err)
	}
	return CodeOK
}

// DeleteCertificate removes a certificate, revoking it at the CA first when
// it came through the ACME engine and has not expired yet. Agents whose
// configuration referenced it get a fresh update.
func (s *Service) DeleteCertificate(ctx context.Context, id string, reason int) error {
	cert, err := s.store.CertificateByID(ctx, id)
	if err != nil {
		return fmt.Errorf("fleet: load certificate: %w", err)
	}

	if cert.Origin == store.OriginACME && cert.ExpiresAt.After(s.clock()) && cert.AccountID != "" {
		account, err := s.store.AccountByID(ctx, cert.AccountID)
		if err != nil {
			return fmt.Errorf("fleet: load account for revocation: %w", err)
		}
		keyPEM, err := s.vault.Decrypt(account.EncryptedKey, account.ID)
		if err != nil {
			return fmt.Errorf("fleet: open account key: %w", err)
		}
		if err := s.acme.Revoke(ctx, keyPEM, cert.CertPEM, reason); err != nil {
			return fmt.Errorf("fleet: revoke certificate: %w", err)
		}
		s.certLog(ctx, cert.ID, store.LevelInfo,
			fmt.Sprintf("certificate %s revoked", cert.CommonName))
	}

	affected, err := s.agentsReferencing(ctx, id)
	if err != nil {
		s.log.Error("agent listing for certificate removal failed", "error", err)
	}

	if err := s.store.DeleteCertificate(ctx, id); err != nil {
		return fmt.Errorf("fleet: delete certificate: %w", err)
	}
	if err := s.store.RemoveCertificateRefs(ctx, id); err != nil {
		return fmt.Errorf("fleet: remove certificate references: %w", err)
	}
	s.certLog(ctx, cert.ID, store.LevelInfo,
		fmt.Sprintf("certificate %s deleted", cert.CommonName))

	for _, agentID := range affected {
		agent, err := s.store.AgentByID(ctx, agentID)
		if err != nil {
			continue
		}
		if err := s.PushUpdate(ctx, *agent); err != nil && !errors.Is(err, ErrAgentOffline) {
			s.log.Error("update push after certificate removal failed",
				"agentId", agentID, "error", err)
		}
	}
	return nil
}

func (s *Service) agentsReferencing(ctx context.Context, certID string) ([]string, error) {
	agents, err := s.store.Agents(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, agent := range agents {
		if slices.ContainsFunc(agent.Config.Certs, func(ref store.AgentCertRef) bool {
			return ref.ID == certID
		}) {
			ids = append(ids, agent.ID)
		}
	}
	return ids, nil
}

// RequestCertificate validates an issuance request and runs it in the
// background. Progress streams to the admin group through the ledger sink;
// the final outcome is broadcast explicitly.
func (s *Service) RequestCertificate(ctx context.Context, accountID string, domains []string, autoRenew bool) error {
	if len(domains) == 0 {
		return errors.New("fleet: no domains given")
	}
	for _, domain := range domains {
		if !fqdn.Valid(fqdn.StripWildcard(domain)) {
			return fmt.Errorf("fleet: invalid domain %q", domain)
		}
	}
	if _, err := s.store.AccountByID(ctx, accountID); err != nil {
		return fmt.Errorf("fleet: load account: %w", err)
	}

	go func() {
		issueCtx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		cert, err := s.issuer.Issue(issueCtx, accountID, domains, autoRenew)
		if err != nil {
			s.log.Error("certificate request failed", "domains", domains, "error", err)
			reason := err.Error()
			if errors.Is(err, letsencrypt.ErrCABusy) {
				reason = "the certificate authority is currently busy; the request will be retried later"
			}
			s.send(issueCtx, GroupAdmins, newMessage(MsgCertificateFailed, "", errorResponse{Error: reason}))
			return
		}
		s.send(issueCtx, GroupAdmins, newMessage(MsgCertificateIssued, "", cert))
	}()
	return nil
}

// CreateAccount registers a new ACME account and stores its key sealed to
// the record.
func (s *Service) CreateAccount(ctx context.Context, email string) (*store.Account, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("fleet: invalid email address: %w", err)
	}
	if _, err := s.store.AccountByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("fleet: check existing account: %w", err)
	}

	id := uuid.NewString()
	result, err := s.acme.CreateAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	sealed, err := s.vault.Encrypt(result.KeyPEM, id)
	if err != nil {
		return nil, fmt.Errorf("fleet: seal account key: %w", err)
	}
	account := store.Account{
		ID:           id,
		Email:        email,
		EncryptedKey: sealed,
		AccountURL:   result.URL,
		CreatedAt:    s.clock(),
	}
	if err := s.store.InsertAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("fleet: persist account: %w", err)
	}
	return &account, nil
}

// CheckDNS probes whether each domain's challenge name is delegated to this
// installation: the responder answers every TXT query with the identity
// value, so seeing it proves the NS or CNAME chain is in place.
func (s *Service) CheckDNS(ctx context.Context, domains []string) checkDNSResponse {
	resp := checkDNSResponse{Target: s.targetHost(), Checks: make([]DNSCheck, 0, len(domains))}
	for _, domain := range domains {
		check := DNSCheck{Domain: domain}
		if fqdn.Valid(fqdn.StripWildcard(domain)) {
			records, err := s.lookupTXT(ctx, fqdn.ChallengeName(domain))
			check.OK = err == nil && slices.Contains(records, s.identity)
		}
		resp.Checks = append(resp.Checks, check)
	}
	return resp
}

func (s *Service) targetHost() string {
	u, err := url.Parse(s.publicURL)
	if err != nil || u.Hostname() == "" {
		return s.publicURL
	}
	return u.Hostname()
}

func (s *Service) certLog(ctx context.Context, certID string, level store.LogLevel, message string) {
	if err := s.ledger.Append(ctx, store.LedgerCertificate, certID, level, message); err != nil {
		s.log.Error("ledger append failed", "certificateId", certID, "error", err)
	}
}
