package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const (
	identityTTL  = 300
	challengeTTL = 10
)

// IdentityValue derives the static TXT value that ties a delegated zone to
// this deployment. It only depends on the public base URL, so every worker
// of the same deployment serves the same proof.
func IdentityValue(publicURL string) string {
	sum := sha256.Sum256([]byte(publicURL))
	return "sslup-" + hex.EncodeToString(sum[:])
}

// Responder is the embedded authoritative nameserver. It answers TXT queries
// only: always the static identity record, plus any challenge records stored
// under the exact queried name. Records are read from the store on every
// query so publications by other workers become visible without a push
// signal.
type Responder struct {
	records  RecordStore
	identity string
	log      *slog.Logger

	udp *dns.Server
	tcp *dns.Server
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderLogger sets the logger for lookup and write failures.
func WithResponderLogger(log *slog.Logger) ResponderOption {
	return func(r *Responder) { r.log = log }
}

// NewResponder creates a responder serving records for the deployment
// reachable at publicURL.
func NewResponder(publicURL string, records RecordStore, opts ...ResponderOption) *Responder {
	r := &Responder{
		records:  records,
		identity: IdentityValue(publicURL),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run serves DNS over UDP and TCP on addr until ctx is cancelled.
func (r *Responder) Run(ctx context.Context, addr string) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.handle)
	r.udp = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	r.tcp = &dns.Server{Addr: addr, Net: "tcp", Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(r.udp.ListenAndServe)
	g.Go(r.tcp.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.udp.ShutdownContext(shutdownCtx)
		_ = r.tcp.ShutdownContext(shutdownCtx)
		return ctx.Err()
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Responder) handle(w dns.ResponseWriter, req *dns.Msg) {
	msg := r.answer(req)
	if err := w.WriteMsg(msg); err != nil {
		r.log.Error("dns response write failed", "error", err)
	}
}

func (r *Responder) answer(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative = true

	for _, q := range req.Question {
		if q.Qtype != dns.TypeTXT {
			continue
		}
		if _, ok := dns.IsDomainName(q.Name); !ok {
			continue
		}

		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: identityTTL},
			Txt: []string{r.identity},
		})

		name := strings.TrimSuffix(strings.ToLower(q.Name), ".")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		records, err := r.records.ChallengesByName(ctx, name)
		cancel()
		if err != nil {
			r.log.Error("challenge record lookup failed", "name", name, "error", err)
			continue
		}
		for _, rec := range records {
			msg.Answer = append(msg.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: challengeTTL},
				Txt: []string{rec.Value},
			})
		}
	}
	return msg
}
