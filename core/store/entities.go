package store

import "time"

// Origin distinguishes certificates issued through the ACME engine from
// user-supplied material that bypasses it entirely.
type Origin string

const (
	OriginACME   Origin = "acme"
	OriginCustom Origin = "custom"
)

// LogLevel classifies ledger entries and agent log lines.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Certificate is an issued or imported certificate bundle. The private key
// is stored only as a vault envelope.
type Certificate struct {
	ID              string    `bson:"_id" json:"id"`
	CommonName      string    `bson:"commonName" json:"commonName"`
	AltNames        []string  `bson:"altNames" json:"altNames"`
	Origin          Origin    `bson:"origin" json:"origin"`
	AccountID       string    `bson:"accountId,omitempty" json:"accountId,omitempty"`
	CertPEM         string    `bson:"cert" json:"cert,omitempty"`
	IntermediatePEM string    `bson:"intermediateCert" json:"intermediateCert,omitempty"`
	RootCAPEM       string    `bson:"rootCA" json:"rootCA,omitempty"`
	EncryptedKey    string    `bson:"key" json:"key,omitempty"`
	CreatedAt       time.Time `bson:"createdAt" json:"createdAt"`
	RenewedAt       time.Time `bson:"renewedAt" json:"renewedAt"`
	ExpiresAt       time.Time `bson:"expiresAt" json:"expiresAt"`
	AutoRenew       bool      `bson:"autoRenew" json:"autoRenew"`
}

// Account is a registered ACME account. Created once, never mutated.
type Account struct {
	ID           string    `bson:"_id" json:"id"`
	Email        string    `bson:"email" json:"email"`
	EncryptedKey string    `bson:"accountKey" json:"-"`
	AccountURL   string    `bson:"accountUrl" json:"-"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}

// RunningRequest marks an in-flight certificate request. It is a soft lease,
// not a lock: stale rows are garbage-collected after one hour.
type RunningRequest struct {
	ID        string    `bson:"_id" json:"id"`
	AltNames  []string  `bson:"altNames" json:"altNames"`
	StartedAt time.Time `bson:"startedAt" json:"startedAt"`
}

// ChallengeRecord is an ephemeral DNS TXT record served by the embedded
// responder while a DNS-01 challenge is in flight.
type ChallengeRecord struct {
	ID            string `bson:"_id" json:"id"`
	CertificateID string `bson:"certificateId" json:"certificateId"`
	Name          string `bson:"name" json:"name"`
	RecordType    string `bson:"recordType" json:"recordType"`
	Value         string `bson:"value" json:"value"`
}

// AgentCertRef maps a certificate onto the filesystem paths an agent
// installs it at.
type AgentCertRef struct {
	ID            string `bson:"_id" json:"id"`
	FullchainPath string `bson:"fullchainPath" json:"fullchainPath"`
	KeyPath       string `bson:"keyPath" json:"keyPath"`
}

// AgentConfig is the versioned deployment configuration of one agent.
// Version increases by exactly one per accepted edit.
type AgentConfig struct {
	PreCommands  []string       `bson:"preCommands" json:"preCommands"`
	Certs        []AgentCertRef `bson:"certs" json:"certs"`
	PostCommands []string       `bson:"postCommands" json:"postCommands"`
	Version      int            `bson:"version" json:"version"`
}

// Agent is a fleet member: a remote host running the deployment client.
type Agent struct {
	ID                   string      `bson:"_id" json:"id"`
	Name                 string      `bson:"name" json:"name"`
	TokenHash            string      `bson:"tokenHash" json:"-"`
	Config               AgentConfig `bson:"config" json:"config"`
	IP                   string      `bson:"ip,omitempty" json:"ip,omitempty"`
	AuthIPs              []string    `bson:"authIPs,omitempty" json:"authIPs,omitempty"`
	CheckIP              bool        `bson:"checkIP" json:"checkIP"`
	LastSeen             time.Time   `bson:"lastSeen" json:"lastSeen"`
	Online               bool        `bson:"online" json:"online"`
	OSPlatform           string      `bson:"osPlatform,omitempty" json:"osPlatform,omitempty"`
	OSVersion            string      `bson:"osVersion,omitempty" json:"osVersion,omitempty"`
	ClientVersion        string      `bson:"clientVersion,omitempty" json:"clientVersion,omitempty"`
	OfflineNotifications bool        `bson:"offlineNotifications" json:"offlineNotifications"`
	CreatedAt            time.Time   `bson:"createdAt" json:"createdAt"`
}

// InSetupMode reports whether the agent still authenticates with its
// plaintext bootstrap token: never seen, and younger than 24 hours.
func (a Agent) InSetupMode(now time.Time) bool {
	return a.LastSeen.IsZero() && a.CreatedAt.After(now.Add(-24*time.Hour))
}

// LedgerEntry is one line of the append-only audit ledger, keyed by the
// certificate or agent it concerns.
type LedgerEntry struct {
	SubjectID string    `bson:"subjectId" json:"subjectId"`
	Level     LogLevel  `bson:"level" json:"level"`
	Message   string    `bson:"message" json:"message"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// NotificationSettings selects which lifecycle events a user is emailed about.
type NotificationSettings struct {
	RenewalSucceeded bool `bson:"renewalSucceeded" json:"renewalSucceeded"`
	RenewalFailed    bool `bson:"renewalFailed" json:"renewalFailed"`
	AgentOffline     bool `bson:"agentOffline" json:"agentOffline"`
	AgentError       bool `bson:"agentError" json:"agentError"`
}

// User carries the subset of the identity collaborator's record the core
// needs: an address and notification preferences. Authentication fields
// live outside this system.
type User struct {
	ID            string               `bson:"_id" json:"id"`
	Email         string               `bson:"email" json:"email"`
	FullName      string               `bson:"fullName,omitempty" json:"fullName,omitempty"`
	Notifications NotificationSettings `bson:"notifications" json:"notifications"`
}
