package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// LedgerKind separates the two audit streams so they can age out on
// different retention schedules.
type LedgerKind int

const (
	LedgerCertificate LedgerKind = iota
	LedgerAgent
)

// Ledger is the append-only audit log for certificates and agents.
// Consecutive identical messages for the same subject are collapsed; an
// optional sink observes every accepted entry (the fleet layer streams them
// to connected admins).
type Ledger struct {
	certificates *mongo.Collection
	agents       *mongo.Collection

	mu   sync.Mutex
	last map[string]string

	sink func(kind LedgerKind, entry LedgerEntry)
}

// NewLedger creates a Ledger over the given database.
func NewLedger(db *mongo.Database) *Ledger {
	return &Ledger{
		certificates: db.Collection("certificate_logs"),
		agents:       db.Collection("agent_logs"),
		last:         make(map[string]string),
	}
}

// SetSink registers the observer for accepted entries. Must be called before
// the ledger is shared between goroutines.
func (l *Ledger) SetSink(sink func(kind LedgerKind, entry LedgerEntry)) {
	l.sink = sink
}

// Append records one entry unless it repeats the previous message for the
// same subject.
func (l *Ledger) Append(ctx context.Context, kind LedgerKind, subjectID string, level LogLevel, message string) error {
	return l.append(ctx, kind, subjectID, level, message, time.Now())
}

// AppendAt is Append with a caller-supplied timestamp, used for agent log
// lines that carry their own clock.
func (l *Ledger) AppendAt(ctx context.Context, kind LedgerKind, subjectID string, level LogLevel, message string, at time.Time) error {
	return l.append(ctx, kind, subjectID, level, message, at)
}

func (l *Ledger) append(ctx context.Context, kind LedgerKind, subjectID string, level LogLevel, message string, at time.Time) error {
	l.mu.Lock()
	if l.last[subjectID] == message {
		l.mu.Unlock()
		return nil
	}
	l.last[subjectID] = message
	l.mu.Unlock()

	entry := LedgerEntry{
		SubjectID: subjectID,
		Level:     level,
		Message:   message,
		CreatedAt: at,
	}
	if _, err := l.collection(kind).InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("store: append ledger entry: %w", err)
	}
	if l.sink != nil {
		l.sink(kind, entry)
	}
	return nil
}

// Entries returns the ledger stream for one subject.
func (l *Ledger) Entries(ctx context.Context, kind LedgerKind, subjectID string) ([]LedgerEntry, error) {
	cursor, err := l.collection(kind).Find(ctx, bson.M{"subjectId": subjectID})
	if err != nil {
		return nil, fmt.Errorf("store: query ledger: %w", err)
	}
	var out []LedgerEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("store: decode ledger: %w", err)
	}
	return out, nil
}

// DeleteBefore ages out entries older than cutoff.
func (l *Ledger) DeleteBefore(ctx context.Context, kind LedgerKind, cutoff time.Time) error {
	if _, err := l.collection(kind).DeleteMany(ctx, bson.M{"createdAt": bson.M{"$lt": cutoff}}); err != nil {
		return fmt.Errorf("store: delete ledger entries: %w", err)
	}
	return nil
}

func (l *Ledger) collection(kind LedgerKind) *mongo.Collection {
	if kind == LedgerAgent {
		return l.agents
	}
	return l.certificates
}
