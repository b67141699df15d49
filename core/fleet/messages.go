package fleet

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sslup/sslup/core/store"
)

// Message is the wire envelope on both the agent and the admin channel. ID
// correlates a reply with its request; pushes initiated by the server carry
// no ID.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// newMessage marshals payload into an envelope. Marshalling of the payload
// types defined in this package cannot fail; a nil payload yields an empty
// envelope.
func newMessage(msgType, id string, payload any) Message {
	msg := Message{Type: msgType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			msg.Payload = raw
		}
	}
	return msg
}

// Agent channel message types.
const (
	MsgRegister     = "register"
	MsgUpdateInfo   = "requestUpdateInfo"
	MsgCertificates = "getCertificates"
	MsgLog          = "log"
	MsgUninstall    = "uninstall"
	MsgUpdate       = "update"
	MsgError        = "error"
)

// Admin channel message types.
const (
	MsgListAgents          = "listAgents"
	MsgGetAgent            = "getAgent"
	MsgListCertificates    = "listCertificates"
	MsgListAccounts        = "listAccounts"
	MsgListRunningRequests = "listRunningRequests"
	MsgCertificateLogs     = "certificateLogs"
	MsgAgentLogs           = "agentLogs"
	MsgSubscribeLogs       = "subscribeAgentLogs"
	MsgUnsubscribeLogs     = "unsubscribeAgentLogs"
	MsgCreateAgent         = "createAgent"
	MsgUpdateAgentConfig   = "updateAgentConfig"
	MsgDeleteAgent         = "deleteAgent"
	MsgDeleteCertificate   = "deleteCertificate"
	MsgRequestCertificate  = "requestCertificate"
	MsgCreateAccount       = "createAccount"
	MsgCheckDNS            = "checkDNS"
	MsgCertificateIssued   = "certificateIssued"
	MsgCertificateFailed   = "certificateFailed"
	MsgCertificateLogLine  = "certificateLogLine"
	MsgAgentLogLine        = "agentLogLine"
)

// Result codes for configuration edits.
const (
	CodeOK              = 0
	CodeValidation      = 1
	CodeNotFound        = 2
	CodeVersionConflict = 3
	CodeStorage         = 4
)

// UpdateCert is the per-certificate slice of an update push: where the agent
// installs the files plus enough metadata to decide whether its local copy
// is stale. Key material never rides along; agents fetch it explicitly.
type UpdateCert struct {
	ID            string    `json:"id"`
	FullchainPath string    `json:"fullchainPath"`
	KeyPath       string    `json:"keyPath"`
	CommonName    string    `json:"commonName"`
	AltNames      []string  `json:"altNames"`
	CreatedAt     time.Time `json:"createdAt"`
	RenewedAt     time.Time `json:"renewedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Update is the payload of an update push or a requestUpdateInfo reply.
type Update struct {
	PreCommands  []string     `json:"preCommands"`
	Certs        []UpdateCert `json:"certs"`
	PostCommands []string     `json:"postCommands"`
	Version      int          `json:"version"`
}

// CertBundle is the full certificate material returned by getCertificates.
type CertBundle struct {
	ID               string   `json:"id"`
	CommonName       string   `json:"commonName"`
	AltNames         []string `json:"altNames"`
	Cert             string   `json:"cert"`
	IntermediateCert string   `json:"intermediateCert"`
	RootCA           string   `json:"rootCA"`
	Key              string   `json:"key"`
}

type registerRequest struct {
	IPs []string `json:"ips"`
}

type registerResponse struct {
	Token string `json:"token"`
}

type certificatesRequest struct {
	CertIDs []string `json:"certIds"`
}

type certificatesResponse struct {
	Certs []CertBundle `json:"certs"`
}

type logRequest struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

type resultResponse struct {
	Code int `json:"code"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type idRequest struct {
	ID string `json:"id"`
}

// UpdateAgentRequest is an admin edit of one agent. Config.Version must be
// exactly one above the currently stored version or the edit is rejected
// with CodeVersionConflict.
type UpdateAgentRequest struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	CheckIP              bool              `json:"checkIP"`
	AuthIPs              []string          `json:"authIPs"`
	OfflineNotifications bool              `json:"offlineNotifications"`
	Config               store.AgentConfig `json:"config"`
}

type createAgentRequest struct {
	Name    string `json:"name"`
	CheckIP bool   `json:"checkIP"`
}

type createAgentResponse struct {
	URL   string `json:"url"`
	ID    string `json:"id"`
	Token string `json:"token"`
}

type deleteCertificateRequest struct {
	ID     string `json:"id"`
	Reason int    `json:"reason"`
}

type requestCertificateRequest struct {
	AccountID string   `json:"accountId"`
	Domains   []string `json:"domains"`
	AutoRenew bool     `json:"autoRenew"`
}

type createAccountRequest struct {
	Email string `json:"email"`
}

type checkDNSRequest struct {
	Domains []string `json:"domains"`
}

// DNSCheck is the per-domain outcome of a delegation check.
type DNSCheck struct {
	Domain string `json:"domain"`
	OK     bool   `json:"ok"`
}

type checkDNSResponse struct {
	Target string     `json:"target"`
	Checks []DNSCheck `json:"checks"`
}

// validName reports whether an agent name is acceptable: 3 to 32 characters
// after trimming surrounding whitespace.
func validName(name string) bool {
	n := len(strings.TrimSpace(name))
	return n >= 3 && n <= 32
}

// validConfig reports whether a submitted agent configuration is
// structurally sound: every certificate reference carries a well-formed id
// and both install paths.
func validConfig(cfg store.AgentConfig) bool {
	for _, ref := range cfg.Certs {
		if _, err := uuid.Parse(ref.ID); err != nil {
			return false
		}
		if ref.FullchainPath == "" || ref.KeyPath == "" {
			return false
		}
	}
	return true
}
