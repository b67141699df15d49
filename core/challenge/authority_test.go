package challenge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sslup/sslup/core/challenge"
	"github.com/sslup/sslup/core/store"
)

type fakeRecordStore struct {
	inserted []store.ChallengeRecord
	deleted  [][3]string
}

func (f *fakeRecordStore) InsertChallenge(_ context.Context, rec store.ChallengeRecord) error {
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeRecordStore) ChallengesByName(_ context.Context, name string) ([]store.ChallengeRecord, error) {
	var out []store.ChallengeRecord
	for _, rec := range f.inserted {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeRecordStore) DeleteChallenges(_ context.Context, certID, name, value string) error {
	f.deleted = append(f.deleted, [3]string{certID, name, value})
	return nil
}

func TestEmbeddedAuthorityPublish(t *testing.T) {
	t.Parallel()

	records := &fakeRecordStore{}
	authority := challenge.NewEmbeddedAuthority(records)

	err := authority.Publish(context.Background(), "cert-1", "*.Example.COM", "token-value")
	require.NoError(t, err)

	require.Len(t, records.inserted, 1)
	rec := records.inserted[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "cert-1", rec.CertificateID)
	assert.Equal(t, "_acme-challenge.example.com", rec.Name)
	assert.Equal(t, "TXT", rec.RecordType)
	assert.Equal(t, "token-value", rec.Value)
}

func TestEmbeddedAuthorityRetract(t *testing.T) {
	t.Parallel()

	records := &fakeRecordStore{}
	authority := challenge.NewEmbeddedAuthority(records)

	err := authority.Retract(context.Background(), "cert-1", "www.example.com", "token-value")
	require.NoError(t, err)

	require.Len(t, records.deleted, 1)
	assert.Equal(t, [3]string{"cert-1", "_acme-challenge.www.example.com", "token-value"}, records.deleted[0])

	// Retracting again is a no-op, not an error.
	require.NoError(t, authority.Retract(context.Background(), "cert-1", "www.example.com", "token-value"))
}

type netcupCall struct {
	Action string         `json:"action"`
	Param  map[string]any `json:"param"`
}

type fakeNetcup struct {
	records []map[string]any
	failLogin bool

	calls   []netcupCall
	updates []map[string]any
	logouts int
}

func (f *fakeNetcup) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var call netcupCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.calls = append(f.calls, call)

		respond := func(data any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "responsedata": data})
		}
		switch call.Action {
		case "login":
			if f.failLogin {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "longmessage": "invalid credentials"})
				return
			}
			respond(map[string]any{"apisessionid": "session-1"})
		case "logout":
			f.logouts++
			respond(nil)
		case "infoDnsRecords":
			respond(map[string]any{"dnsrecords": f.records})
		case "updateDnsRecords":
			f.updates = append(f.updates, call.Param)
			respond(nil)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	}
}

func TestNetcupAuthorityPublish(t *testing.T) {
	t.Parallel()

	api := &fakeNetcup{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	authority := challenge.NewNetcupAuthority("1234", "key", "secret", challenge.WithNetcupEndpoint(srv.URL))
	err := authority.Publish(context.Background(), "cert-1", "www.example.com", "token-value")
	require.NoError(t, err)

	require.Len(t, api.updates, 1)
	assert.Equal(t, "example.com", api.updates[0]["domainname"])
	set, ok := api.updates[0]["dnsrecordset"].(map[string]any)
	require.True(t, ok)
	recs, ok := set["dnsrecords"].([]any)
	require.True(t, ok)
	require.Len(t, recs, 1)
	rec := recs[0].(map[string]any)
	assert.Equal(t, "_acme-challenge.www", rec["hostname"])
	assert.Equal(t, "TXT", rec["type"])
	assert.Equal(t, "token-value", rec["destination"])
	assert.Equal(t, false, rec["deleterecord"])

	assert.Equal(t, 1, api.logouts)
}

func TestNetcupAuthorityRetract(t *testing.T) {
	t.Parallel()

	api := &fakeNetcup{records: []map[string]any{
		{"id": "77", "hostname": "_acme-challenge", "type": "TXT", "destination": "token-value"},
		{"id": "78", "hostname": "www", "type": "A", "destination": "192.0.2.1"},
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	authority := challenge.NewNetcupAuthority("1234", "key", "secret", challenge.WithNetcupEndpoint(srv.URL))
	err := authority.Retract(context.Background(), "cert-1", "example.com", "token-value")
	require.NoError(t, err)

	require.Len(t, api.updates, 1)
	set := api.updates[0]["dnsrecordset"].(map[string]any)
	recs := set["dnsrecords"].([]any)
	require.Len(t, recs, 1)
	rec := recs[0].(map[string]any)
	assert.Equal(t, "77", rec["id"])
	assert.Equal(t, true, rec["deleterecord"])

	assert.Equal(t, 1, api.logouts)
}

func TestNetcupAuthorityRetractMissingRecord(t *testing.T) {
	t.Parallel()

	api := &fakeNetcup{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	authority := challenge.NewNetcupAuthority("1234", "key", "secret", challenge.WithNetcupEndpoint(srv.URL))
	err := authority.Retract(context.Background(), "cert-1", "example.com", "token-value")
	assert.ErrorIs(t, err, challenge.ErrRecordNotFound)

	// The session is closed even though the operation failed.
	assert.Equal(t, 1, api.logouts)
}

func TestNetcupAuthorityLoginRejected(t *testing.T) {
	t.Parallel()

	api := &fakeNetcup{failLogin: true}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	authority := challenge.NewNetcupAuthority("1234", "key", "wrong", challenge.WithNetcupEndpoint(srv.URL))
	err := authority.Publish(context.Background(), "cert-1", "example.com", "token-value")
	assert.ErrorIs(t, err, challenge.ErrUpstreamUnavailable)
	assert.Empty(t, api.updates)
	assert.Zero(t, api.logouts)
}
