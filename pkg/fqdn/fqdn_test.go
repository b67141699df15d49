package fqdn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sslup/sslup/pkg/fqdn"
)

func TestValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"a.b.c.example.co.uk", true},
		{"*.example.com", true},
		{"xn--bcher-kva.example", true},
		{"", false},
		{"example", false},
		{"example.com.", false},
		{"_acme-challenge.example.com", false},
		{"foo_bar.example.com", false},
		{"-bad.example.com", false},
		{"bad-.example.com", false},
		{"example.123", false},
		{"example.c", false},
		{"*.*.example.com", false},
		{"foo.*.example.com", false},
		{"foo..example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, fqdn.Valid(tt.domain))
		})
	}
}

func TestChallengeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "_acme-challenge.example.com", fqdn.ChallengeName("example.com"))
	assert.Equal(t, "_acme-challenge.example.com", fqdn.ChallengeName("*.example.com"))
	assert.Equal(t, "_acme-challenge.www.example.com", fqdn.ChallengeName("www.example.com"))
}

func TestRegistrableParent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", fqdn.RegistrableParent("example.com"))
	assert.Equal(t, "example.com", fqdn.RegistrableParent("a.b.example.com"))
	assert.Equal(t, "example.com", fqdn.RegistrableParent("*.example.com"))
}

func TestSubdomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", fqdn.Subdomain("example.com"))
	assert.Equal(t, "www", fqdn.Subdomain("www.example.com"))
	assert.Equal(t, "a.b", fqdn.Subdomain("a.b.example.com"))
	assert.True(t, fqdn.HasSubdomain("www.example.com"))
	assert.False(t, fqdn.HasSubdomain("example.com"))
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	got := fqdn.Dedupe([]string{"a.com", "b.com", "a.com", "c.com", "b.com"})
	assert.Equal(t, []string{"a.com", "b.com", "c.com"}, got)
}

func TestCommonName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", fqdn.CommonName([]string{"www.example.com", "example.com"}))
	assert.Equal(t, "www.example.com", fqdn.CommonName([]string{"www.example.com", "api.example.com"}))
	assert.Equal(t, "", fqdn.CommonName(nil))
}
