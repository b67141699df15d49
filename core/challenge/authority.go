package challenge

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/sslup/sslup/core/store"
	"github.com/sslup/sslup/pkg/fqdn"
)

// Authority publishes and retracts the TXT record a DNS-01 challenge
// requires. Implementations must be idempotent: retracting an absent record
// and publishing one that already exists both succeed.
type Authority interface {
	Publish(ctx context.Context, certID, domain, value string) error
	Retract(ctx context.Context, certID, domain, value string) error
}

// RecordStore is the slice of the persistence layer the embedded authority
// and the responder read and write challenge records through.
type RecordStore interface {
	InsertChallenge(ctx context.Context, rec store.ChallengeRecord) error
	ChallengesByName(ctx context.Context, name string) ([]store.ChallengeRecord, error)
	DeleteChallenges(ctx context.Context, certID, name, value string) error
}

// EmbeddedAuthority persists challenge records for the embedded responder to
// serve. Publication is visible to every worker process on its next store
// read; there is no push signal between workers.
type EmbeddedAuthority struct {
	records RecordStore
}

// NewEmbeddedAuthority creates an authority over the given record store.
func NewEmbeddedAuthority(records RecordStore) *EmbeddedAuthority {
	return &EmbeddedAuthority{records: records}
}

func (a *EmbeddedAuthority) Publish(ctx context.Context, certID, domain, value string) error {
	return a.records.InsertChallenge(ctx, store.ChallengeRecord{
		ID:            uuid.NewString(),
		CertificateID: certID,
		Name:          recordName(domain),
		RecordType:    "TXT",
		Value:         value,
	})
}

func (a *EmbeddedAuthority) Retract(ctx context.Context, certID, domain, value string) error {
	return a.records.DeleteChallenges(ctx, certID, recordName(domain), value)
}

// recordName lowercases the challenge owner name so responder lookups match
// case-insensitively queried names.
func recordName(domain string) string {
	return strings.ToLower(fqdn.ChallengeName(domain))
}
