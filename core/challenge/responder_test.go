package challenge

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sslup/sslup/core/store"
)

type staticRecordStore struct {
	records []store.ChallengeRecord
}

func (s *staticRecordStore) InsertChallenge(context.Context, store.ChallengeRecord) error {
	return nil
}

func (s *staticRecordStore) ChallengesByName(_ context.Context, name string) ([]store.ChallengeRecord, error) {
	var out []store.ChallengeRecord
	for _, rec := range s.records {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *staticRecordStore) DeleteChallenges(context.Context, string, string, string) error {
	return nil
}

func txtQuery(name string) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	return q
}

func TestResponderIdentityOnly(t *testing.T) {
	t.Parallel()

	r := NewResponder("https://ssl.example.com", &staticRecordStore{})
	resp := r.answer(txtQuery("unrelated.example.com"))

	require.Len(t, resp.Answer, 1)
	txt, ok := resp.Answer[0].(*dns.TXT)
	require.True(t, ok)
	assert.Equal(t, []string{IdentityValue("https://ssl.example.com")}, txt.Txt)
	assert.Equal(t, uint32(300), txt.Hdr.Ttl)
	assert.True(t, resp.Authoritative)
}

func TestResponderServesChallengeRecords(t *testing.T) {
	t.Parallel()

	records := &staticRecordStore{records: []store.ChallengeRecord{
		{ID: "1", CertificateID: "cert-1", Name: "_acme-challenge.example.com", RecordType: "TXT", Value: "token-a"},
		{ID: "2", CertificateID: "cert-1", Name: "_acme-challenge.other.com", RecordType: "TXT", Value: "token-b"},
	}}
	r := NewResponder("https://ssl.example.com", records)

	// Queried name is matched lowercased and without the trailing dot.
	resp := r.answer(txtQuery("_ACME-Challenge.Example.COM"))

	require.Len(t, resp.Answer, 2)
	challengeTXT, ok := resp.Answer[1].(*dns.TXT)
	require.True(t, ok)
	assert.Equal(t, []string{"token-a"}, challengeTXT.Txt)
	assert.Equal(t, uint32(10), challengeTXT.Hdr.Ttl)
}

func TestResponderIgnoresOtherQueryTypes(t *testing.T) {
	t.Parallel()

	r := NewResponder("https://ssl.example.com", &staticRecordStore{})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	resp := r.answer(q)

	assert.Empty(t, resp.Answer)
}

func TestIdentityValueStablePerURL(t *testing.T) {
	t.Parallel()

	a := IdentityValue("https://ssl.example.com")
	b := IdentityValue("https://ssl.example.com")
	c := IdentityValue("https://other.example.com")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "sslup-")
}
