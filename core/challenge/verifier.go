package challenge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/sslup/sslup/pkg/fqdn"
)

// ProgressFunc receives periodic wait-time updates while the verifier polls.
type ProgressFunc func(domain string, waited, budget time.Duration)

// Verifier polls a domain's authoritative nameservers until every one of
// them serves the expected challenge TXT value, then waits a short settle
// delay before reporting success. Caching resolvers are bypassed on purpose.
type Verifier struct {
	rounds   int
	interval time.Duration
	settle   time.Duration
	static   []string
	resolver *net.Resolver
	log      *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithRounds sets the polling round budget.
func WithRounds(n int) VerifierOption {
	return func(v *Verifier) { v.rounds = n }
}

// WithInterval sets the wait between polling rounds.
func WithInterval(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.interval = d }
}

// WithSettleDelay sets the final wait after all nameservers confirmed.
func WithSettleDelay(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.settle = d }
}

// WithStaticNameservers skips authoritative-nameserver discovery and polls
// the given host:port addresses instead.
func WithStaticNameservers(addrs ...string) VerifierOption {
	return func(v *Verifier) { v.static = addrs }
}

// WithVerifierLogger sets the logger for per-round observations.
func WithVerifierLogger(log *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.log = log }
}

// NewVerifier creates a Verifier with the default 80x30s budget.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		rounds:   80,
		interval: 30 * time.Second,
		settle:   5 * time.Second,
		resolver: net.DefaultResolver,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify blocks until every authoritative nameserver of domain serves the
// expected TXT value under the challenge name, the round budget runs out, or
// ctx is cancelled. Cancellation interrupts the in-round wait immediately.
// progress may be nil; it fires on the first round and every fourth one after
// that while nameservers are still missing the record.
func (v *Verifier) Verify(ctx context.Context, domain, expected string, progress ProgressFunc) error {
	name := recordName(domain)
	pending, err := v.nameservers(ctx, domain)
	if err != nil {
		return err
	}

	client := &dns.Client{Timeout: 10 * time.Second}
	budget := time.Duration(v.rounds) * v.interval

	for round := 1; ; round++ {
		pending = v.poll(ctx, client, name, expected, pending)
		if len(pending) == 0 {
			break
		}
		if round >= v.rounds {
			return fmt.Errorf("%w: %s on %s", ErrPropagationTimeout, name, strings.Join(pending, ", "))
		}
		if progress != nil && (round == 1 || round%4 == 0) {
			progress(domain, time.Duration(round-1)*v.interval, budget)
		}
		if err := wait(ctx, v.interval); err != nil {
			return err
		}
	}

	// Let the record settle before the CA is told to look.
	return wait(ctx, v.settle)
}

func (v *Verifier) poll(ctx context.Context, client *dns.Client, name, expected string, pending []string) []string {
	var remaining []string
	for _, server := range pending {
		if v.observed(ctx, client, server, name, expected) {
			v.log.Debug("challenge record observed", "name", name, "nameserver", server)
			continue
		}
		remaining = append(remaining, server)
	}
	return remaining
}

func (v *Verifier) observed(ctx context.Context, client *dns.Client, server, name, expected string) bool {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	resp, _, err := client.ExchangeContext(ctx, query, server)
	if err != nil || resp == nil {
		return false
	}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		if strings.TrimSuffix(strings.ToLower(txt.Hdr.Name), ".") != name {
			continue
		}
		if strings.Join(txt.Txt, "") == expected {
			return true
		}
	}
	return false
}

// nameservers resolves the authoritative nameservers once, falling back to
// the registrable parent when the domain itself has no NS delegation.
func (v *Verifier) nameservers(ctx context.Context, domain string) ([]string, error) {
	if len(v.static) > 0 {
		return append([]string(nil), v.static...), nil
	}

	host := fqdn.StripWildcard(domain)
	records, err := v.resolver.LookupNS(ctx, host)
	if err != nil || len(records) == 0 {
		records, err = v.resolver.LookupNS(ctx, fqdn.RegistrableParent(host))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNoNameservers, domain, err)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoNameservers, domain)
	}

	servers := make([]string, 0, len(records))
	for _, rec := range records {
		servers = append(servers, net.JoinHostPort(strings.TrimSuffix(rec.Host, "."), "53"))
	}
	sort.Strings(servers)
	return servers, nil
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
