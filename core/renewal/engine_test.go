package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sslup/sslup/core/letsencrypt"
	"github.com/sslup/sslup/core/store"
	"github.com/sslup/sslup/pkg/revocation"
)

type fakeStore struct {
	mu sync.Mutex

	certs    []store.Certificate
	accounts map[string]store.Account
	users    []store.User
	agents   []store.Agent

	inserted        []store.Certificate
	replaced        []store.Certificate
	runningInserted []store.RunningRequest
	runningDeleted  []string
	runningInsertErr error
}

func (f *fakeStore) AutoRenewCertificates(context.Context) ([]store.Certificate, error) {
	return f.certs, nil
}

func (f *fakeStore) InsertCertificate(_ context.Context, c store.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, c)
	return nil
}

func (f *fakeStore) ReplaceCertificate(_ context.Context, c store.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, c)
	return nil
}

func (f *fakeStore) AccountByID(_ context.Context, id string) (*store.Account, error) {
	if acct, ok := f.accounts[id]; ok {
		return &acct, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) InsertRunningRequest(_ context.Context, r store.RunningRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runningInsertErr != nil {
		return f.runningInsertErr
	}
	f.runningInserted = append(f.runningInserted, r)
	return nil
}

func (f *fakeStore) DeleteRunningRequest(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runningDeleted = append(f.runningDeleted, id)
	return nil
}

func (f *fakeStore) DeleteStaleRunningRequests(context.Context, time.Time) error { return nil }

func (f *fakeStore) Agents(context.Context) ([]store.Agent, error) { return f.agents, nil }

func (f *fakeStore) OfflineNotifiableAgents(context.Context) ([]store.Agent, error) { return nil, nil }

func (f *fakeStore) Users(context.Context) ([]store.User, error) { return f.users, nil }

type fakeVault struct{}

func (fakeVault) Encrypt(plaintext, secret string) (string, error) {
	return "sealed:" + secret + ":" + plaintext, nil
}

func (fakeVault) Decrypt(envelope, secret string) (string, error) {
	return "opened:" + secret + ":" + envelope, nil
}

type fakeIssuer struct {
	mu     sync.Mutex
	calls  []string
	errFor map[string]error
	expiry time.Time
}

func (f *fakeIssuer) IssueOrRenew(_ context.Context, certID, _ string, domains []string) (*letsencrypt.IssueResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, certID)
	f.mu.Unlock()
	if err, ok := f.errFor[certID]; ok && err != nil {
		return nil, err
	}
	return &letsencrypt.IssueResult{
		CommonName:      domains[0],
		AltNames:        domains,
		CertPEM:         "cert-" + certID,
		IntermediatePEM: "intermediate-" + certID,
		RootCAPEM:       "root-" + certID,
		KeyPEM:          "key-" + certID,
		ExpiresAt:       f.expiry,
	}, nil
}

type fakeChecker struct {
	status revocation.Status
	err    error
}

func (f fakeChecker) Check(context.Context, string, string) (revocation.Status, error) {
	return f.status, f.err
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []string
}

func (f *fakePusher) PushUpdate(_ context.Context, agent store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, agent.ID)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	succeeded []string
	failed    []string
	offline   []string
}

func (f *fakeNotifier) RenewalSucceeded(_ context.Context, user store.User, _ []store.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, user.Email)
	return nil
}

func (f *fakeNotifier) RenewalFailed(_ context.Context, user store.User, _ []Failure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, user.Email)
	return nil
}

func (f *fakeNotifier) AgentOffline(_ context.Context, user store.User, agent store.Agent, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, user.Email+"/"+agent.ID)
	return nil
}

func testCert(id string, expiresAt time.Time) store.Certificate {
	return store.Certificate{
		ID:         id,
		CommonName: id + ".example.com",
		AltNames:   []string{id + ".example.com"},
		Origin:     store.OriginACME,
		AccountID:  "acct-1",
		CertPEM:    "pem-" + id,
		ExpiresAt:  expiresAt,
		AutoRenew:  true,
	}
}

func newTestEngine(st *fakeStore, iss *fakeIssuer, checker fakeChecker, pusher *fakePusher, notifier *fakeNotifier, now time.Time) *Engine {
	if st.accounts == nil {
		st.accounts = map[string]store.Account{
			"acct-1": {ID: "acct-1", Email: "admin@example.com", EncryptedKey: "sealed-account-key"},
		}
	}
	return NewEngine(st, fakeVault{}, iss, checker, pusher, notifier, nil,
		WithClock(func() time.Time { return now }))
}

func TestDueEligibility(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresIn time.Duration
		status    revocation.Status
		err       error
		want      bool
	}{
		{name: "expires inside window", expiresIn: 29 * 24 * time.Hour, want: true},
		{name: "outside window, ocsp good", expiresIn: 31 * 24 * time.Hour, status: revocation.StatusGood, want: false},
		{name: "outside window, ocsp revoked", expiresIn: 31 * 24 * time.Hour, status: revocation.StatusRevoked, want: true},
		{name: "outside window, ocsp error skips check", expiresIn: 31 * 24 * time.Hour, err: errors.New("responder down"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEngine(&fakeStore{}, &fakeIssuer{}, fakeChecker{status: tt.status, err: tt.err}, &fakePusher{}, &fakeNotifier{}, now)
			cert := testCert("c1", now.Add(tt.expiresIn))
			assert.Equal(t, tt.want, e.due(context.Background(), cert))
		})
	}
}

func TestSweepRenewsAndIsolatesFailures(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{
		certs: []store.Certificate{
			testCert("c1", now.Add(10*24*time.Hour)),
			testCert("c2", now.Add(10*24*time.Hour)),
			testCert("c3", now.Add(60*24*time.Hour)),
		},
		users: []store.User{
			{ID: "u1", Email: "both@example.com", Notifications: store.NotificationSettings{RenewalSucceeded: true, RenewalFailed: true}},
			{ID: "u2", Email: "none@example.com"},
		},
		agents: []store.Agent{{ID: "agent-1"}, {ID: "agent-2"}},
	}
	iss := &fakeIssuer{
		expiry: now.Add(90 * 24 * time.Hour),
		errFor: map[string]error{"c2": errors.New("authorization failed")},
	}
	pusher := &fakePusher{}
	notifier := &fakeNotifier{}
	e := newTestEngine(st, iss, fakeChecker{status: revocation.StatusGood}, pusher, notifier, now)

	result, err := e.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Renewed, 1)
	assert.Equal(t, "c1", result.Renewed[0].ID)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "c2", result.Failures[0].Certificate.ID)
	assert.False(t, result.Failures[0].Retryable)
	assert.Contains(t, result.Failures[0].Reason, "authorization failed")

	// The renewed certificate is replaced in place with sealed key material.
	require.Len(t, st.replaced, 1)
	replaced := st.replaced[0]
	assert.Equal(t, "c1", replaced.ID)
	assert.Equal(t, "cert-c1", replaced.CertPEM)
	assert.Equal(t, "sealed:c1:key-c1", replaced.EncryptedKey)
	assert.Equal(t, iss.expiry, replaced.ExpiresAt)
	assert.Equal(t, now, replaced.RenewedAt)

	// Running markers are paired for both attempts, c3 never starts.
	assert.Len(t, st.runningInserted, 2)
	assert.ElementsMatch(t, []string{"c1", "c2"}, st.runningDeleted)
	assert.ElementsMatch(t, []string{"c1", "c2"}, iss.calls)

	// Updates go to every agent, notifications only to subscribed users.
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, pusher.pushed)
	assert.Equal(t, []string{"both@example.com"}, notifier.succeeded)
	assert.Equal(t, []string{"both@example.com"}, notifier.failed)
}

func TestSweepClassifiesBusyCA(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{certs: []store.Certificate{testCert("c1", now.Add(24*time.Hour))}}
	iss := &fakeIssuer{errFor: map[string]error{
		"c1": fmt.Errorf("%w: too many new orders", letsencrypt.ErrCABusy),
	}}
	e := newTestEngine(st, iss, fakeChecker{}, &fakePusher{}, &fakeNotifier{}, now)

	result, err := e.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Failures, 1)
	assert.True(t, result.Failures[0].Retryable)
	assert.Contains(t, result.Failures[0].Reason, "retried on the next scheduled run")
}

func TestSweepNothingDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{
		certs:  []store.Certificate{testCert("c1", now.Add(60*24*time.Hour))},
		agents: []store.Agent{{ID: "agent-1"}},
		users:  []store.User{{Email: "both@example.com", Notifications: store.NotificationSettings{RenewalSucceeded: true, RenewalFailed: true}}},
	}
	pusher := &fakePusher{}
	notifier := &fakeNotifier{}
	e := newTestEngine(st, &fakeIssuer{}, fakeChecker{status: revocation.StatusGood}, pusher, notifier, now)

	result, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Renewed)
	assert.Empty(t, result.Failures)
	assert.Empty(t, pusher.pushed)
	assert.Empty(t, notifier.succeeded)
	assert.Empty(t, notifier.failed)
}

func TestSweepSkipsWhenRequestAlreadyRunning(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{
		certs:            []store.Certificate{testCert("c1", now.Add(24*time.Hour))},
		runningInsertErr: store.ErrDuplicate,
	}
	iss := &fakeIssuer{}
	e := newTestEngine(st, iss, fakeChecker{}, &fakePusher{}, &fakeNotifier{}, now)

	result, err := e.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Reason, "already running")
	assert.Empty(t, iss.calls)
}

func TestIssueCreatesCertificate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{}
	iss := &fakeIssuer{expiry: now.Add(90 * 24 * time.Hour)}
	e := newTestEngine(st, iss, fakeChecker{}, &fakePusher{}, &fakeNotifier{}, now)

	cert, err := e.Issue(context.Background(), "acct-1", []string{"example.com", "www.example.com"}, true)
	require.NoError(t, err)

	assert.NotEmpty(t, cert.ID)
	assert.Equal(t, "example.com", cert.CommonName)
	assert.Equal(t, store.OriginACME, cert.Origin)
	assert.Equal(t, "acct-1", cert.AccountID)
	assert.Equal(t, "sealed:"+cert.ID+":key-"+cert.ID, cert.EncryptedKey)
	assert.True(t, cert.AutoRenew)
	assert.Equal(t, iss.expiry, cert.ExpiresAt)

	require.Len(t, st.inserted, 1)
	assert.Equal(t, cert.ID, st.inserted[0].ID)
	assert.Equal(t, []string{cert.ID}, st.runningDeleted)
}

func TestIssueSkipsWhenRequestAlreadyRunning(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{runningInsertErr: store.ErrDuplicate}
	iss := &fakeIssuer{}
	e := newTestEngine(st, iss, fakeChecker{}, &fakePusher{}, &fakeNotifier{}, now)

	_, err := e.Issue(context.Background(), "acct-1", []string{"example.com"}, false)
	assert.ErrorIs(t, err, ErrRequestRunning)
	assert.Empty(t, iss.calls)
}

func TestIssueUnknownAccount(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(&fakeStore{}, &fakeIssuer{}, fakeChecker{}, &fakePusher{}, &fakeNotifier{}, now)

	_, err := e.Issue(context.Background(), "missing", []string{"example.com"}, false)
	assert.ErrorIs(t, err, ErrAccountMissing)
}

func TestWithinOfflineWindow(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil, &fakeStore{}, nil, nil, &fakeNotifier{})

	tests := []struct {
		downtime time.Duration
		want     bool
	}{
		{30 * time.Minute, false},
		{90 * time.Minute, true},
		{2*time.Hour + time.Minute, false},
		{24*time.Hour + 30*time.Minute, true},
		{26 * time.Hour, false},
		{167 * time.Hour, false},
		{168*time.Hour + 30*time.Minute, true},
		{170 * time.Hour, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.withinOfflineWindow(tt.downtime), "downtime=%s", tt.downtime)
	}
}
