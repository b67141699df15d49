package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Store exposes one typed repository per entity over a shared database
// handle. It is safe for concurrent use across request handlers and sweeps.
type Store struct {
	accounts     *mongo.Collection
	certificates *mongo.Collection
	agents       *mongo.Collection
	challenges   *mongo.Collection
	requests     *mongo.Collection
	users        *mongo.Collection
}

// New creates a Store over the given database.
func New(db *mongo.Database) *Store {
	return &Store{
		accounts:     db.Collection("accounts"),
		certificates: db.Collection("certificates"),
		agents:       db.Collection("agents"),
		challenges:   db.Collection("challenge_records"),
		requests:     db.Collection("running_requests"),
		users:        db.Collection("users"),
	}
}

// Bootstrap removes transient state left behind by a previous process
// generation. Challenge records and running requests only have meaning
// within a single orchestration run.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.requests.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("store: clear running requests: %w", err)
	}
	if _, err := s.challenges.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("store: clear challenge records: %w", err)
	}
	return nil
}

func one[T any](ctx context.Context, col *mongo.Collection, filter bson.M) (*T, error) {
	var v T
	if err := col.FindOne(ctx, filter).Decode(&v); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find in %s: %w", col.Name(), err)
	}
	return &v, nil
}

func many[T any](ctx context.Context, col *mongo.Collection, filter bson.M) ([]T, error) {
	cursor, err := col.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", col.Name(), err)
	}
	var out []T
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", col.Name(), err)
	}
	return out, nil
}

func insert(ctx context.Context, col *mongo.Collection, doc any) error {
	if _, err := col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: insert into %s: %w", col.Name(), err)
	}
	return nil
}

func replace(ctx context.Context, col *mongo.Collection, id string, doc any) error {
	res, err := col.ReplaceOne(ctx, bson.M{"_id": id}, doc)
	if err != nil {
		return fmt.Errorf("store: replace in %s: %w", col.Name(), err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Accounts ----

func (s *Store) AccountByID(ctx context.Context, id string) (*Account, error) {
	return one[Account](ctx, s.accounts, bson.M{"_id": id})
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	return one[Account](ctx, s.accounts, bson.M{"email": email})
}

func (s *Store) Accounts(ctx context.Context) ([]Account, error) {
	return many[Account](ctx, s.accounts, bson.M{})
}

func (s *Store) InsertAccount(ctx context.Context, a Account) error {
	return insert(ctx, s.accounts, a)
}

// ---- Certificates ----

func (s *Store) CertificateByID(ctx context.Context, id string) (*Certificate, error) {
	return one[Certificate](ctx, s.certificates, bson.M{"_id": id})
}

func (s *Store) Certificates(ctx context.Context) ([]Certificate, error) {
	return many[Certificate](ctx, s.certificates, bson.M{})
}

func (s *Store) CertificatesByIDs(ctx context.Context, ids []string) ([]Certificate, error) {
	return many[Certificate](ctx, s.certificates, bson.M{"_id": bson.M{"$in": ids}})
}

func (s *Store) AutoRenewCertificates(ctx context.Context) ([]Certificate, error) {
	return many[Certificate](ctx, s.certificates, bson.M{"autoRenew": true})
}

func (s *Store) InsertCertificate(ctx context.Context, c Certificate) error {
	return insert(ctx, s.certificates, c)
}

func (s *Store) ReplaceCertificate(ctx context.Context, c Certificate) error {
	return replace(ctx, s.certificates, c.ID, c)
}

func (s *Store) DeleteCertificate(ctx context.Context, id string) error {
	res, err := s.certificates.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("store: delete certificate: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Agents ----

func (s *Store) AgentByID(ctx context.Context, id string) (*Agent, error) {
	return one[Agent](ctx, s.agents, bson.M{"_id": id})
}

func (s *Store) Agents(ctx context.Context) ([]Agent, error) {
	return many[Agent](ctx, s.agents, bson.M{})
}

func (s *Store) InsertAgent(ctx context.Context, a Agent) error {
	return insert(ctx, s.agents, a)
}

func (s *Store) ReplaceAgent(ctx context.Context, a Agent) error {
	return replace(ctx, s.agents, a.ID, a)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.agents.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// OnlineAgentsSeenBefore lists agents still flagged online whose last
// heartbeat is older than cutoff. The liveness sweep flips them offline when
// no live session remains in their group.
func (s *Store) OnlineAgentsSeenBefore(ctx context.Context, cutoff time.Time) ([]Agent, error) {
	return many[Agent](ctx, s.agents, bson.M{"online": true, "lastSeen": bson.M{"$lt": cutoff}})
}

// OfflineNotifiableAgents lists offline agents whose owners asked for
// downtime notifications.
func (s *Store) OfflineNotifiableAgents(ctx context.Context) ([]Agent, error) {
	return many[Agent](ctx, s.agents, bson.M{"online": false, "offlineNotifications": true})
}

// RemoveCertificateRefs strips the certificate id from every agent config
// that references it. Called when a certificate is deleted.
func (s *Store) RemoveCertificateRefs(ctx context.Context, certID string) error {
	_, err := s.agents.UpdateMany(ctx, bson.M{},
		bson.M{"$pull": bson.M{"config.certs": bson.M{"_id": certID}}})
	if err != nil {
		return fmt.Errorf("store: remove certificate refs: %w", err)
	}
	return nil
}

// ---- Challenge records ----

func (s *Store) InsertChallenge(ctx context.Context, rec ChallengeRecord) error {
	return insert(ctx, s.challenges, rec)
}

// ChallengesByName returns the challenge records for an exact owner name
// (lowercased, no trailing dot).
func (s *Store) ChallengesByName(ctx context.Context, name string) ([]ChallengeRecord, error) {
	return many[ChallengeRecord](ctx, s.challenges, bson.M{"name": name})
}

// DeleteChallenges removes every record matching the (certificate, name,
// value) tuple. Deleting an already-absent record is not an error so retract
// stays idempotent.
func (s *Store) DeleteChallenges(ctx context.Context, certID, name, value string) error {
	_, err := s.challenges.DeleteMany(ctx, bson.M{"certificateId": certID, "name": name, "value": value})
	if err != nil {
		return fmt.Errorf("store: delete challenges: %w", err)
	}
	return nil
}

// ---- Running requests ----

func (s *Store) InsertRunningRequest(ctx context.Context, r RunningRequest) error {
	return insert(ctx, s.requests, r)
}

func (s *Store) RunningRequests(ctx context.Context) ([]RunningRequest, error) {
	return many[RunningRequest](ctx, s.requests, bson.M{})
}

func (s *Store) DeleteRunningRequest(ctx context.Context, id string) error {
	if _, err := s.requests.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("store: delete running request: %w", err)
	}
	return nil
}

// DeleteStaleRunningRequests garbage-collects soft-lock rows older than
// cutoff regardless of whether their request actually finished.
func (s *Store) DeleteStaleRunningRequests(ctx context.Context, cutoff time.Time) error {
	if _, err := s.requests.DeleteMany(ctx, bson.M{"startedAt": bson.M{"$lt": cutoff}}); err != nil {
		return fmt.Errorf("store: delete stale running requests: %w", err)
	}
	return nil
}

// ---- Users ----

func (s *Store) Users(ctx context.Context) ([]User, error) {
	return many[User](ctx, s.users, bson.M{})
}
