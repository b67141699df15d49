package renewal

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/sslup/sslup/core/store"
)

// fleetMaintainer flips agents offline when no live session remains in
// their broadcast group.
type fleetMaintainer interface {
	CleanupOnlineAgents(ctx context.Context) error
}

// Runner drives the periodic maintenance sweeps: per minute, stale request
// and liveness cleanup; per hour, offline notifications and audit-log
// retention; daily at a fixed time, the renewal sweep itself.
type Runner struct {
	engine   *Engine
	store    Store
	ledger   *store.Ledger
	fleet    fleetMaintainer
	notifier Notifier
	clock    func() time.Time
	log      *slog.Logger

	dailyHour   int
	dailyMinute int

	staleRequestAge   time.Duration
	certRetention     time.Duration
	agentRetention    time.Duration
	offlineThresholds []time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// WithDailyAt moves the daily renewal sweep to the given local time.
func WithDailyAt(hour, minute int) RunnerOption {
	return func(r *Runner) { r.dailyHour, r.dailyMinute = hour, minute }
}

// WithRunnerClock overrides the time source, used in tests.
func WithRunnerClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) { r.clock = clock }
}

// NewRunner creates a Runner sweeping renewals daily at 03:15.
func NewRunner(engine *Engine, st Store, ledger *store.Ledger, fleet fleetMaintainer, notifier Notifier, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine:          engine,
		store:           st,
		ledger:          ledger,
		fleet:           fleet,
		notifier:        notifier,
		clock:           time.Now,
		log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		dailyHour:       3,
		dailyMinute:     15,
		staleRequestAge: time.Hour,
		certRetention:   7 * 24 * time.Hour,
		agentRetention:  14 * 24 * time.Hour,
		offlineThresholds: []time.Duration{
			1 * time.Hour,
			24 * time.Hour,
			7 * 24 * time.Hour,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks until ctx is cancelled, firing the sweeps on their schedules.
func (r *Runner) Run(ctx context.Context) error {
	minute := time.NewTicker(time.Minute)
	defer minute.Stop()
	hourly := time.NewTicker(time.Hour)
	defer hourly.Stop()
	daily := time.NewTimer(r.untilDaily())
	defer daily.Stop()

	r.log.Info("maintenance sweeps started",
		"dailyAt", time.Date(0, 1, 1, r.dailyHour, r.dailyMinute, 0, 0, time.UTC).Format("15:04"))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-minute.C:
			r.minuteSweep(ctx)
		case <-hourly.C:
			r.hourlySweep(ctx)
		case <-daily.C:
			if _, err := r.engine.Sweep(ctx); err != nil {
				r.log.Error("renewal sweep failed", "error", err)
			}
			daily.Reset(r.untilDaily())
		}
	}
}

func (r *Runner) untilDaily() time.Duration {
	now := r.clock()
	next := time.Date(now.Year(), now.Month(), now.Day(), r.dailyHour, r.dailyMinute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

func (r *Runner) minuteSweep(ctx context.Context) {
	if err := r.fleet.CleanupOnlineAgents(ctx); err != nil {
		r.log.Error("agent liveness cleanup failed", "error", err)
	}
	if err := r.store.DeleteStaleRunningRequests(ctx, r.clock().Add(-r.staleRequestAge)); err != nil {
		r.log.Error("stale request cleanup failed", "error", err)
	}
}

func (r *Runner) hourlySweep(ctx context.Context) {
	r.notifyOfflineAgents(ctx)

	now := r.clock()
	if err := r.ledger.DeleteBefore(ctx, store.LedgerCertificate, now.Add(-r.certRetention)); err != nil {
		r.log.Error("certificate ledger retention failed", "error", err)
	}
	if err := r.ledger.DeleteBefore(ctx, store.LedgerAgent, now.Add(-r.agentRetention)); err != nil {
		r.log.Error("agent ledger retention failed", "error", err)
	}
}

// notifyOfflineAgents emails subscribed users once per downtime threshold:
// the sweep runs hourly and each threshold opens a one-hour window, so an
// agent crossing 1h, 24h or 7d of downtime is reported exactly once.
func (r *Runner) notifyOfflineAgents(ctx context.Context) {
	agents, err := r.store.OfflineNotifiableAgents(ctx)
	if err != nil {
		r.log.Error("offline agent listing failed", "error", err)
		return
	}
	if len(agents) == 0 {
		return
	}
	users, err := r.store.Users(ctx)
	if err != nil {
		r.log.Error("user listing failed", "error", err)
		return
	}

	now := r.clock()
	for _, agent := range agents {
		downtime := now.Sub(agent.LastSeen)
		if !r.withinOfflineWindow(downtime) {
			continue
		}
		for _, user := range users {
			if !user.Notifications.AgentOffline {
				continue
			}
			if err := r.notifier.AgentOffline(ctx, user, agent, downtime); err != nil {
				r.log.Error("offline notification failed", "agentId", agent.ID, "email", user.Email, "error", err)
			}
		}
	}
}

func (r *Runner) withinOfflineWindow(downtime time.Duration) bool {
	for _, threshold := range r.offlineThresholds {
		if downtime > threshold && downtime < threshold+time.Hour {
			return true
		}
	}
	return false
}
