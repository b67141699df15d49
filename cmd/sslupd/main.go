// Command sslupd runs the certificate control plane: the ACME issuance and
// renewal engine, the embedded DNS-01 responder and the websocket fleet
// endpoints, all in one process.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/sslup/sslup/core/challenge"
	"github.com/sslup/sslup/core/fleet"
	"github.com/sslup/sslup/core/letsencrypt"
	"github.com/sslup/sslup/core/renewal"
	"github.com/sslup/sslup/core/store"
	"github.com/sslup/sslup/integration/database/mongo"
	redisdb "github.com/sslup/sslup/integration/database/redis"
	"github.com/sslup/sslup/integration/email/postmark"
	"github.com/sslup/sslup/pkg/revocation"
	"github.com/sslup/sslup/pkg/vault"
)

type config struct {
	PublicURL     string   `env:"SSLUP_PUBLIC_URL,required"`
	HTTPAddr      string   `env:"SSLUP_HTTP_ADDR" envDefault:":8080"`
	DNSAddr       string   `env:"SSLUP_DNS_ADDR" envDefault:":53"`
	MasterToken   string   `env:"SSLUP_MASTER_TOKEN,required"`
	AdminToken    string   `env:"SSLUP_ADMIN_TOKEN,required"`
	DirectoryURL  string   `env:"SSLUP_ACME_DIRECTORY"`
	ChallengeMode string   `env:"SSLUP_CHALLENGE_MODE" envDefault:"embedded"`
	Nameservers   []string `env:"SSLUP_VERIFY_NAMESERVERS" envSeparator:","`
	RelayEnabled  bool     `env:"SSLUP_REDIS_RELAY" envDefault:"false"`

	NetcupCustomerNumber string `env:"NETCUP_CUSTOMER_NUMBER"`
	NetcupAPIKey         string `env:"NETCUP_API_KEY"`
	NetcupAPIPassword    string `env:"NETCUP_API_PASSWORD"`

	Mongo    mongo.Config
	Redis    redisdb.Config
	Postmark postmark.Config
}

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fatal(log, "configuration error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		fatal(log, "sslupd exited", err)
	}
	log.Info("sslupd stopped")
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	db, err := mongo.NewWithDatabase(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer db.Client().Disconnect(context.Background())

	st := store.New(db)
	if err := st.Bootstrap(ctx); err != nil {
		return err
	}
	ledger := store.NewLedger(db)

	vlt, err := vault.New(cfg.MasterToken)
	if err != nil {
		return err
	}

	notifier, err := postmark.New(cfg.Postmark)
	if err != nil {
		return err
	}

	authority, runResponder, err := buildAuthority(cfg, st, log)
	if err != nil {
		return err
	}

	var verifierOpts []challenge.VerifierOption
	verifierOpts = append(verifierOpts, challenge.WithVerifierLogger(log.With("component", "verifier")))
	if len(cfg.Nameservers) > 0 {
		verifierOpts = append(verifierOpts, challenge.WithStaticNameservers(cfg.Nameservers...))
	}
	verifier := challenge.NewVerifier(verifierOpts...)

	// Order progress lands in the certificate ledger, which streams every
	// entry to connected admin sessions.
	orchOpts := []letsencrypt.Option{
		letsencrypt.WithLogger(log.With("component", "acme")),
		letsencrypt.WithReporter(func(certID, message string) {
			reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ledger.Append(reportCtx, store.LedgerCertificate, certID, store.LevelInfo, message); err != nil {
				log.Error("order progress append failed", "certificateId", certID, "error", err)
			}
		}),
	}
	if cfg.DirectoryURL != "" {
		orchOpts = append(orchOpts, letsencrypt.WithDirectoryURL(cfg.DirectoryURL))
	}
	orch := letsencrypt.NewOrchestrator(authority, verifier, orchOpts...)

	hub := fleet.NewHub()

	var relay *fleet.Relay
	if cfg.RelayEnabled {
		redisClient, err := redisdb.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		relay = fleet.NewRelay(redisClient, fleet.WithRelayLogger(log.With("component", "relay")))
	}

	// The fleet service and the renewal engine reference each other: the
	// engine pushes updates through the fleet, admin issuance runs through
	// the engine. The issuer indirection breaks the construction cycle.
	var engine *renewal.Engine
	issuer := issuerFunc(func(ctx context.Context, accountID string, domains []string, autoRenew bool) (*store.Certificate, error) {
		return engine.Issue(ctx, accountID, domains, autoRenew)
	})

	fleetOpts := []fleet.ServiceOption{fleet.WithServiceLogger(log.With("component", "fleet"))}
	if relay != nil {
		fleetOpts = append(fleetOpts, fleet.WithRelay(relay))
	}
	svc := fleet.NewService(st, vlt, ledger, hub, issuer, orch, notifier,
		cfg.PublicURL, challenge.IdentityValue(cfg.PublicURL), fleetOpts...)
	svc.AttachLedgerStream()

	engine = renewal.NewEngine(st, vlt, orch, revocation.NewChecker(10*time.Second), svc, notifier, ledger,
		renewal.WithEngineLogger(log.With("component", "renewal")))
	runner := renewal.NewRunner(engine, st, ledger, svc, notifier,
		renewal.WithRunnerLogger(log.With("component", "sweeps")))

	mux := http.NewServeMux()
	mux.Handle("/fleet/agent", svc.AgentHandler())
	mux.Handle("/fleet/admin", svc.AdminHandler(tokenVerifier{token: cfg.AdminToken}))
	mux.Handle("/renew", renewal.TriggerHandler(engine, cfg.MasterToken, cfg.HTTPAddr, log))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	if runResponder {
		responder := challenge.NewResponder(cfg.PublicURL, st,
			challenge.WithResponderLogger(log.With("component", "responder")))
		g.Go(func() error { return responder.Run(ctx, cfg.DNSAddr) })
	}
	if relay != nil {
		g.Go(func() error { return relay.Run(ctx, hub) })
	}
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildAuthority picks the DNS-01 publication strategy. The embedded mode
// serves challenges itself and needs the responder running; the netcup mode
// writes records into the delegated zone through the provider API.
func buildAuthority(cfg config, st *store.Store, log *slog.Logger) (challenge.Authority, bool, error) {
	switch cfg.ChallengeMode {
	case "embedded":
		return challenge.NewEmbeddedAuthority(st), true, nil
	case "netcup":
		if cfg.NetcupCustomerNumber == "" || cfg.NetcupAPIKey == "" || cfg.NetcupAPIPassword == "" {
			return nil, false, errors.New("netcup challenge mode requires NETCUP_CUSTOMER_NUMBER, NETCUP_API_KEY and NETCUP_API_PASSWORD")
		}
		authority := challenge.NewNetcupAuthority(
			cfg.NetcupCustomerNumber, cfg.NetcupAPIKey, cfg.NetcupAPIPassword,
			challenge.WithNetcupLogger(log.With("component", "netcup")))
		return authority, false, nil
	default:
		return nil, false, errors.New("unknown challenge mode: " + cfg.ChallengeMode)
	}
}

// issuerFunc adapts a closure to the fleet service's issuer dependency.
type issuerFunc func(ctx context.Context, accountID string, domains []string, autoRenew bool) (*store.Certificate, error)

func (f issuerFunc) Issue(ctx context.Context, accountID string, domains []string, autoRenew bool) (*store.Certificate, error) {
	return f(ctx, accountID, domains, autoRenew)
}

// tokenVerifier guards the admin channel with a static bearer token.
// Interactive identity management lives outside this service.
type tokenVerifier struct {
	token string
}

func (v tokenVerifier) Verify(r *http.Request) (string, error) {
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(v.token)) != 1 {
		return "", errors.New("invalid admin token")
	}
	return "admin", nil
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
