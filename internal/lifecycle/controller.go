// Package lifecycle implements the periodic reconciler: it hibernates
// idle servers, meters usage against credit balances, and authorises
// webhook-driven wake requests.
package lifecycle

import (
	"context"
	"crypto/subtle"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wakegate/wakegate/internal/metrics"
	"github.com/wakegate/wakegate/internal/store"
	"github.com/wakegate/wakegate/pkg/bundle"
)

// Store is the persistence surface the controller needs.
type Store interface {
	ListServersByState(ctx context.Context, state store.ServerState) ([]*store.Server, error)
	GetServer(ctx context.Context, id int64) (*store.Server, error)
	GetUser(ctx context.Context, id int64) (*store.User, error)
	CASState(ctx context.Context, serverID int64, expected, next store.ServerState) (bool, error)
	Charge(ctx context.Context, userID int64, amount decimal.Decimal, description string) error
	AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error
}

// Nodes is the node-agent surface the controller needs.
type Nodes interface {
	Wake(ctx context.Context, srv *store.Server) bool
	Hibernate(ctx context.Context, srv *store.Server) bool
	Stats(ctx context.Context, srv *store.Server) (bundle.Stats, error)
}

// WakeDeduper collapses concurrent wake requests per server. Nil-safe
// via the controller; dedup is an optimisation, wake is idempotent.
type WakeDeduper interface {
	ClaimWake(ctx context.Context, serverID int64) bool
	ReleaseWake(ctx context.Context, serverID int64)
}

// Options configures a Controller.
type Options struct {
	Secret           string
	TickInterval     time.Duration
	IdleCPUThreshold float64
	IdleAfter        time.Duration
	CreditsPerTick   decimal.Decimal
}

// Controller is the single long-lived reconciler task.
type Controller struct {
	store Store
	nodes Nodes
	dedup WakeDeduper
	opts  Options

	// now is swappable for tests.
	now func() time.Time
}

// New creates a lifecycle controller. dedup may be nil.
func New(st Store, nodes Nodes, dedup WakeDeduper, opts Options) *Controller {
	if opts.TickInterval == 0 {
		opts.TickInterval = 300 * time.Second
	}
	if opts.IdleCPUThreshold == 0 {
		opts.IdleCPUThreshold = 5.0
	}
	if opts.IdleAfter == 0 {
		opts.IdleAfter = 15 * time.Minute
	}
	if opts.CreditsPerTick.IsZero() {
		opts.CreditsPerTick = decimal.NewFromFloat(0.5)
	}
	return &Controller{
		store: st,
		nodes: nodes,
		dedup: dedup,
		opts:  opts,
		now:   time.Now,
	}
}

// Run executes the reconcile loop until the context is cancelled.
// Cancellation is checked between ticks only: a tick already in progress
// is not stopped after its current server, it runs both sweeps to the end
// and passes the cancelled context to each store and node call.
func (c *Controller) Run(ctx context.Context) {
	log.Printf("[lifecycle] Controller started (tick=%s, charge=%s credits/tick)",
		c.opts.TickInterval, c.opts.CreditsPerTick)

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[lifecycle] Controller stopped")
			return
		case <-ticker.C:
		}
		c.Tick(ctx)
	}
}

// Tick runs one reconcile pass: the idle sweep, then the billing sweep.
// The two sweeps are never interleaved.
func (c *Controller) Tick(ctx context.Context) {
	c.idleSweep(ctx)
	c.billingSweep(ctx)
}

// serverStats pairs a server with its sampled stats for the idle sweep.
type serverStats struct {
	srv   *store.Server
	stats bundle.Stats
	err   error
}

// idleSweep hibernates RUNNING servers with auto-sleep enabled that
// have been below the CPU threshold past the idle window.
func (c *Controller) idleSweep(ctx context.Context) {
	start := c.now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("idle").Observe(time.Since(start).Seconds())
	}()

	servers, err := c.store.ListServersByState(ctx, store.StateRunning)
	if err != nil {
		log.Printf("[lifecycle] Idle sweep: listing running servers failed: %v", err)
		return
	}

	// Fan out the stat queries, but await all of them before committing
	// any state change for this tick.
	results := make([]serverStats, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		if !srv.AutoSleep {
			continue
		}
		i, srv := i, srv
		g.Go(func() error {
			stats, err := c.nodes.Stats(gctx, srv)
			results[i] = serverStats{srv: srv, stats: stats, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.srv == nil {
			continue
		}
		if r.err != nil {
			log.Printf("[lifecycle] Idle sweep: stats for server %d failed: %v", r.srv.ID, r.err)
			continue
		}
		if r.stats.CPUPercent >= c.opts.IdleCPUThreshold {
			continue
		}
		if c.now().Sub(r.srv.LastStateChange) < c.opts.IdleAfter {
			continue
		}

		log.Printf("[lifecycle] Server %d idle (cpu=%.2f%%), hibernating", r.srv.ID, r.stats.CPUPercent)
		c.hibernate(ctx, r.srv, "idle")
	}
}

// billingSweep charges every RUNNING server's owner for the tick, and
// hibernates servers whose owners cannot cover the charge.
func (c *Controller) billingSweep(ctx context.Context) {
	start := c.now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("billing").Observe(time.Since(start).Seconds())
	}()

	servers, err := c.store.ListServersByState(ctx, store.StateRunning)
	if err != nil {
		log.Printf("[lifecycle] Billing sweep: listing running servers failed: %v", err)
		return
	}

	for _, srv := range servers {
		// Re-read so a concurrent user-initiated hibernate between the
		// list and this iteration is respected.
		cur, err := c.store.GetServer(ctx, srv.ID)
		if err != nil {
			log.Printf("[lifecycle] Billing sweep: reloading server %d failed: %v", srv.ID, err)
			continue
		}
		if cur == nil || cur.State != store.StateRunning {
			continue
		}

		user, err := c.store.GetUser(ctx, cur.UserID)
		if err != nil {
			log.Printf("[lifecycle] Billing sweep: loading user %d failed: %v", cur.UserID, err)
			continue
		}
		if user == nil {
			log.Printf("[lifecycle] Billing sweep: server %d has no valid user", cur.ID)
			continue
		}

		if user.Credits.LessThan(c.opts.CreditsPerTick) {
			log.Printf("[lifecycle] User %d cannot cover charge for server %d, hibernating",
				user.ID, cur.ID)
			c.hibernate(ctx, cur, "credits")
			continue
		}

		desc := "Server " + cur.FriendlyName + " usage charge"
		if err := c.store.Charge(ctx, user.ID, c.opts.CreditsPerTick, desc); err != nil {
			if err == store.ErrInsufficientCredits {
				// Balance moved under us; treat like the pre-check.
				c.hibernate(ctx, cur, "credits")
				continue
			}
			log.Printf("[lifecycle] Billing sweep: charging user %d failed: %v", user.ID, err)
			continue
		}
		metrics.Charges.Inc()
	}
}

// hibernate stops a server via the node agent and commits the state
// transition with CAS; a losing CAS drops the update without error.
func (c *Controller) hibernate(ctx context.Context, srv *store.Server, reason string) {
	if !c.nodes.Hibernate(ctx, srv) {
		log.Printf("[lifecycle] Hibernate of server %d failed", srv.ID)
		return
	}
	ok, err := c.store.CASState(ctx, srv.ID, store.StateRunning, store.StateSleeping)
	if err != nil {
		log.Printf("[lifecycle] State update for server %d failed: %v", srv.ID, err)
		return
	}
	if !ok {
		log.Printf("[lifecycle] Server %d changed state concurrently, dropping update", srv.ID)
		return
	}
	if c.dedup != nil {
		c.dedup.ReleaseWake(ctx, srv.ID)
	}
	metrics.Hibernations.WithLabelValues(reason).Inc()
}

// WakeOnWebhook authorises and executes a proxy-initiated wake. It
// returns false on any rejection, without mutation.
func (c *Controller) WakeOnWebhook(ctx context.Context, serverID int64, token string) bool {
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.opts.Secret)) != 1 {
		log.Printf("[lifecycle] Invalid webhook token for server %d", serverID)
		metrics.WakeRequests.WithLabelValues("bad_token").Inc()
		return false
	}

	srv, err := c.store.GetServer(ctx, serverID)
	if err != nil {
		log.Printf("[lifecycle] Wake: loading server %d failed: %v", serverID, err)
		metrics.WakeRequests.WithLabelValues("error").Inc()
		return false
	}
	if srv == nil {
		log.Printf("[lifecycle] Wake: server %d not found", serverID)
		metrics.WakeRequests.WithLabelValues("not_found").Inc()
		return false
	}

	user, err := c.store.GetUser(ctx, srv.UserID)
	if err != nil || user == nil {
		log.Printf("[lifecycle] Wake: loading owner of server %d failed: %v", serverID, err)
		metrics.WakeRequests.WithLabelValues("error").Inc()
		return false
	}
	if !user.Credits.IsPositive() {
		log.Printf("[lifecycle] Wake: user %d has no credits, denying wake of server %d",
			user.ID, serverID)
		metrics.WakeRequests.WithLabelValues("no_credits").Inc()
		return false
	}

	if c.dedup != nil && !c.dedup.ClaimWake(ctx, serverID) {
		// Another wake for this server is already in flight; the
		// orchestrator start is idempotent, so skipping the duplicate
		// call is safe and the request still succeeds.
		log.Printf("[lifecycle] Wake for server %d already in flight", serverID)
		metrics.WakeRequests.WithLabelValues("deduped").Inc()
		return true
	}

	log.Printf("[lifecycle] Webhook wake request for server %d", serverID)
	if !c.nodes.Wake(ctx, srv) {
		metrics.WakeRequests.WithLabelValues("wake_failed").Inc()
		return false
	}

	ok, err := c.store.CASState(ctx, serverID, srv.State, store.StateRunning)
	if err != nil {
		log.Printf("[lifecycle] Wake: state update for server %d failed: %v", serverID, err)
		metrics.WakeRequests.WithLabelValues("error").Inc()
		return false
	}
	if !ok {
		// Concurrent transition — the server is being handled elsewhere;
		// the container is started, so report success.
		log.Printf("[lifecycle] Wake: server %d changed state concurrently", serverID)
	}
	metrics.WakeRequests.WithLabelValues("ok").Inc()
	return true
}

// AddCredits deposits onto the user's balance together with its ledger
// entry.
func (c *Controller) AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	if description == "" {
		description = "Deposit"
	}
	if err := c.store.AddCredits(ctx, userID, amount, description); err != nil {
		return err
	}
	log.Printf("[lifecycle] Added %s credits to user %d", amount, userID)
	return nil
}
