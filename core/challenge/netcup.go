package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sslup/sslup/pkg/fqdn"
)

const netcupEndpoint = "https://ccp.netcup.net/run/webservice/servers/endpoint.php?JSON"

// NetcupAuthority drives the Netcup CCP DNS API. Every operation opens a
// fresh API session and closes it again even when the operation fails in
// between.
type NetcupAuthority struct {
	customerNumber string
	apiKey         string
	apiPassword    string
	endpoint       string
	client         *http.Client
	log            *slog.Logger
}

// NetcupOption configures a NetcupAuthority.
type NetcupOption func(*NetcupAuthority)

// WithNetcupEndpoint overrides the API endpoint, used in tests.
func WithNetcupEndpoint(url string) NetcupOption {
	return func(a *NetcupAuthority) { a.endpoint = url }
}

// WithNetcupLogger sets the logger for session cleanup failures.
func WithNetcupLogger(log *slog.Logger) NetcupOption {
	return func(a *NetcupAuthority) { a.log = log }
}

// NewNetcupAuthority creates an authority using the given API credentials.
func NewNetcupAuthority(customerNumber, apiKey, apiPassword string, opts ...NetcupOption) *NetcupAuthority {
	a := &NetcupAuthority{
		customerNumber: customerNumber,
		apiKey:         apiKey,
		apiPassword:    apiPassword,
		endpoint:       netcupEndpoint,
		client:         &http.Client{Timeout: 10 * time.Second},
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *NetcupAuthority) Publish(ctx context.Context, certID, domain, value string) error {
	session, err := a.login(ctx)
	if err != nil {
		return err
	}
	defer a.logout(ctx, session)

	return a.updateRecords(ctx, session, fqdn.RegistrableParent(domain), []netcupRecord{{
		Hostname:    relativeChallengeHost(domain),
		Type:        "TXT",
		Destination: value,
	}})
}

func (a *NetcupAuthority) Retract(ctx context.Context, certID, domain, value string) error {
	session, err := a.login(ctx)
	if err != nil {
		return err
	}
	defer a.logout(ctx, session)

	zone := fqdn.RegistrableParent(domain)
	records, err := a.records(ctx, session, zone)
	if err != nil {
		return err
	}

	host := relativeChallengeHost(domain)
	for _, rec := range records {
		if rec.Hostname != host || rec.Destination != value {
			continue
		}
		rec.DeleteRecord = true
		return a.updateRecords(ctx, session, zone, []netcupRecord{rec})
	}
	return fmt.Errorf("%w: %s", ErrRecordNotFound, fqdn.ChallengeName(domain))
}

// Probe verifies the configured credentials by opening and closing a session.
func (a *NetcupAuthority) Probe(ctx context.Context) error {
	session, err := a.login(ctx)
	if err != nil {
		return err
	}
	a.logout(ctx, session)
	return nil
}

type netcupRecord struct {
	ID           string `json:"id,omitempty"`
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
	Destination  string `json:"destination"`
	DeleteRecord bool   `json:"deleterecord"`
}

type netcupResponse struct {
	Status       string          `json:"status"`
	LongMessage  string          `json:"longmessage"`
	ResponseData json.RawMessage `json:"responsedata"`
}

func (a *NetcupAuthority) login(ctx context.Context) (string, error) {
	data, err := a.call(ctx, "login", map[string]any{
		"customernumber": a.customerNumber,
		"apikey":         a.apiKey,
		"apipassword":    a.apiPassword,
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		APISessionID string `json:"apisessionid"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("%w: decode login response: %v", ErrUpstreamUnavailable, err)
	}
	return payload.APISessionID, nil
}

// logout pairs with login even when the surrounding context is already
// cancelled, so sessions never leak on abort.
func (a *NetcupAuthority) logout(ctx context.Context, session string) {
	_, err := a.call(context.WithoutCancel(ctx), "logout", map[string]any{
		"apisessionid":   session,
		"customernumber": a.customerNumber,
		"apikey":         a.apiKey,
	})
	if err != nil {
		a.log.Warn("netcup session logout failed", "error", err)
	}
}

func (a *NetcupAuthority) records(ctx context.Context, session, zone string) ([]netcupRecord, error) {
	data, err := a.call(ctx, "infoDnsRecords", map[string]any{
		"apisessionid":   session,
		"customernumber": a.customerNumber,
		"apikey":         a.apiKey,
		"domainname":     zone,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		DNSRecords []netcupRecord `json:"dnsrecords"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode record set: %v", ErrUpstreamUnavailable, err)
	}
	return payload.DNSRecords, nil
}

func (a *NetcupAuthority) updateRecords(ctx context.Context, session, zone string, records []netcupRecord) error {
	_, err := a.call(ctx, "updateDnsRecords", map[string]any{
		"apisessionid":   session,
		"customernumber": a.customerNumber,
		"apikey":         a.apiKey,
		"domainname":     zone,
		"dnsrecordset":   map[string]any{"dnsrecords": records},
	})
	return err
}

func (a *NetcupAuthority) call(ctx context.Context, action string, param map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"action": action, "param": param})
	if err != nil {
		return nil, fmt.Errorf("challenge: encode %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("challenge: build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, action, err)
	}
	defer resp.Body.Close()

	var decoded netcupResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, action, err)
	}
	if decoded.Status != "success" {
		return nil, fmt.Errorf("%w: %s: %s", ErrUpstreamUnavailable, action, decoded.LongMessage)
	}
	return decoded.ResponseData, nil
}

// relativeChallengeHost maps the challenge owner name into the zone of the
// registrable parent, the way the provider addresses records.
func relativeChallengeHost(domain string) string {
	if fqdn.HasSubdomain(domain) {
		return "_acme-challenge." + fqdn.Subdomain(domain)
	}
	return "_acme-challenge"
}
