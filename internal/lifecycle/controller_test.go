package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakegate/wakegate/internal/store"
	"github.com/wakegate/wakegate/pkg/bundle"
)

// fakeStore is an in-memory Store for controller tests.
type fakeStore struct {
	mu      sync.Mutex
	servers map[int64]*store.Server
	users   map[int64]*store.User
	ledger  []store.Transaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		servers: map[int64]*store.Server{},
		users:   map[int64]*store.User{},
	}
}

func (f *fakeStore) addUser(id int64, credits string) *store.User {
	u := &store.User{ID: id, Email: fmt.Sprintf("u%d@example.com", id), Credits: dec(credits)}
	f.users[id] = u
	return u
}

func (f *fakeStore) addServer(id, userID int64, state store.ServerState, autoSleep bool, lastChange time.Time) *store.Server {
	s := &store.Server{
		ID: id, UserID: userID, FriendlyName: fmt.Sprintf("srv-%d", id),
		State: state, AutoSleep: autoSleep, LastStateChange: lastChange,
		GameContainerID: fmt.Sprintf("game-%d", id),
	}
	f.servers[id] = s
	return s
}

func (f *fakeStore) ListServersByState(ctx context.Context, state store.ServerState) ([]*store.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Server
	for _, s := range f.servers {
		if s.State == state {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetServer(ctx context.Context, id int64) (*store.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) CASState(ctx context.Context, serverID int64, expected, next store.ServerState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[serverID]
	if !ok || s.State != expected {
		return false, nil
	}
	s.State = next
	s.LastStateChange = time.Now()
	return true, nil
}

func (f *fakeStore) Charge(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %d not found", userID)
	}
	if u.Credits.LessThan(amount) {
		return store.ErrInsufficientCredits
	}
	u.Credits = u.Credits.Sub(amount)
	f.ledger = append(f.ledger, store.Transaction{
		UserID: userID, Amount: amount.Neg(), Type: store.TransactionHourlyCharge, Description: description,
	})
	return nil
}

func (f *fakeStore) AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %d not found", userID)
	}
	u.Credits = u.Credits.Add(amount)
	f.ledger = append(f.ledger, store.Transaction{
		UserID: userID, Amount: amount, Type: store.TransactionDeposit, Description: description,
	})
	return nil
}

func (f *fakeStore) charges() []store.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Transaction
	for _, t := range f.ledger {
		if t.Type == store.TransactionHourlyCharge {
			out = append(out, t)
		}
	}
	return out
}

// fakeNodes is an in-memory Nodes for controller tests.
type fakeNodes struct {
	mu         sync.Mutex
	stats      map[int64]bundle.Stats
	wakes      []int64
	hibernates []int64
	failWake   bool
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{stats: map[int64]bundle.Stats{}}
}

func (f *fakeNodes) Wake(ctx context.Context, srv *store.Server) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWake {
		return false
	}
	f.wakes = append(f.wakes, srv.ID)
	return true
}

func (f *fakeNodes) Hibernate(ctx context.Context, srv *store.Server) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hibernates = append(f.hibernates, srv.ID)
	return true
}

func (f *fakeNodes) Stats(ctx context.Context, srv *store.Server) (bundle.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stats[srv.ID]
	if !ok {
		return bundle.Stats{}, fmt.Errorf("no stats for server %d", srv.ID)
	}
	return s, nil
}

// fakeDedup counts claims, letting only the first through per server.
type fakeDedup struct {
	mu      sync.Mutex
	claimed map[int64]bool
}

func (f *fakeDedup) ClaimWake(ctx context.Context, serverID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed == nil {
		f.claimed = map[int64]bool{}
	}
	if f.claimed[serverID] {
		return false
	}
	f.claimed[serverID] = true
	return true
}

func (f *fakeDedup) ReleaseWake(ctx context.Context, serverID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, serverID)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestController(st Store, nodes Nodes, dedup WakeDeduper) *Controller {
	return New(st, nodes, dedup, Options{
		Secret:           "node-secret",
		TickInterval:     time.Second,
		IdleCPUThreshold: 5.0,
		IdleAfter:        15 * time.Minute,
		CreditsPerTick:   dec("0.5"),
	})
}

func TestIdleSweepHibernatesIdleServer(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "10")
	st.addServer(100, 1, store.StateRunning, true, time.Now().Add(-20*time.Minute))
	nodes.stats[100] = bundle.Stats{CPUPercent: 2.0, Status: "running"}

	c := newTestController(st, nodes, nil)
	c.Tick(context.Background())

	assert.Contains(t, nodes.hibernates, int64(100))
	srv, _ := st.GetServer(context.Background(), 100)
	assert.Equal(t, store.StateSleeping, srv.State)
}

func TestIdleSweepSkipsBusyAndRecentServers(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "10")

	// Busy server: CPU above threshold.
	st.addServer(100, 1, store.StateRunning, true, time.Now().Add(-20*time.Minute))
	nodes.stats[100] = bundle.Stats{CPUPercent: 42.0, Status: "running"}

	// Recent server: state changed 5 minutes ago.
	st.addServer(101, 1, store.StateRunning, true, time.Now().Add(-5*time.Minute))
	nodes.stats[101] = bundle.Stats{CPUPercent: 1.0, Status: "running"}

	// Auto-sleep disabled.
	st.addServer(102, 1, store.StateRunning, false, time.Now().Add(-20*time.Minute))
	nodes.stats[102] = bundle.Stats{CPUPercent: 0.5, Status: "running"}

	c := newTestController(st, nodes, nil)
	c.idleSweep(context.Background())

	assert.Empty(t, nodes.hibernates)
	for _, id := range []int64{100, 101, 102} {
		srv, _ := st.GetServer(context.Background(), id)
		assert.Equal(t, store.StateRunning, srv.State, "server %d", id)
	}
}

func TestBillingSweepChargesRunningServers(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "10")
	st.addServer(100, 1, store.StateRunning, false, time.Now())

	c := newTestController(st, nodes, nil)
	c.billingSweep(context.Background())

	u, _ := st.GetUser(context.Background(), 1)
	assert.True(t, u.Credits.Equal(dec("9.5")), "got %s", u.Credits)

	charges := st.charges()
	require.Len(t, charges, 1)
	assert.True(t, charges[0].Amount.Equal(dec("-0.5")))
	assert.Equal(t, store.TransactionHourlyCharge, charges[0].Type)
}

func TestBillingSweepHibernatesUnfundedServer(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "0.4") // below the 0.5 charge
	st.addServer(100, 1, store.StateRunning, false, time.Now())

	c := newTestController(st, nodes, nil)
	c.billingSweep(context.Background())

	// Server hibernated, no debit, balance unchanged.
	assert.Contains(t, nodes.hibernates, int64(100))
	srv, _ := st.GetServer(context.Background(), 100)
	assert.Equal(t, store.StateSleeping, srv.State)

	u, _ := st.GetUser(context.Background(), 1)
	assert.True(t, u.Credits.Equal(dec("0.4")))
	assert.Empty(t, st.charges())
}

func TestBillingSweepSkipsConcurrentlyHibernatedServer(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "10")
	srv := st.addServer(100, 1, store.StateRunning, false, time.Now())

	c := newTestController(st, nodes, nil)

	// A user hibernates the server before the sweep lists running servers.
	srv.State = store.StateSleeping

	c.billingSweep(context.Background())
	assert.Empty(t, st.charges(), "sleeping server must not be billed")
}

func TestSweepOrderIdleBeforeBilling(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "10")
	// Idle long enough to hibernate: the billing sweep then sees it
	// SLEEPING and must not charge.
	st.addServer(100, 1, store.StateRunning, true, time.Now().Add(-30*time.Minute))
	nodes.stats[100] = bundle.Stats{CPUPercent: 0.1, Status: "running"}

	c := newTestController(st, nodes, nil)
	c.Tick(context.Background())

	assert.Empty(t, st.charges(), "a server hibernated by the idle sweep is not billed the same tick")
}

func TestWakeOnWebhookRejectsBadToken(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "10")
	st.addServer(100, 1, store.StateSleeping, true, time.Now())

	c := newTestController(st, nodes, nil)

	assert.False(t, c.WakeOnWebhook(context.Background(), 100, "wrong"))
	assert.Empty(t, nodes.wakes)
	srv, _ := st.GetServer(context.Background(), 100)
	assert.Equal(t, store.StateSleeping, srv.State)
}

func TestWakeOnWebhookRejectsUnknownServer(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()

	c := newTestController(st, nodes, nil)
	assert.False(t, c.WakeOnWebhook(context.Background(), 999, "node-secret"))
}

func TestWakeOnWebhookRejectsZeroCredits(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "0")
	st.addServer(100, 1, store.StateSleeping, true, time.Now())

	c := newTestController(st, nodes, nil)

	assert.False(t, c.WakeOnWebhook(context.Background(), 100, "node-secret"))
	assert.Empty(t, nodes.wakes)
	srv, _ := st.GetServer(context.Background(), 100)
	assert.Equal(t, store.StateSleeping, srv.State)
}

func TestWakeOnWebhookWakesAndTransitions(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "5")
	st.addServer(100, 1, store.StateSleeping, true, time.Now())

	c := newTestController(st, nodes, nil)

	assert.True(t, c.WakeOnWebhook(context.Background(), 100, "node-secret"))
	assert.Equal(t, []int64{100}, nodes.wakes)
	srv, _ := st.GetServer(context.Background(), 100)
	assert.Equal(t, store.StateRunning, srv.State)
}

func TestWakeOnWebhookDedupesConcurrentWakes(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "5")
	st.addServer(100, 1, store.StateSleeping, true, time.Now())

	c := newTestController(st, nodes, &fakeDedup{})

	// A burst of webhook wakes: all succeed, one orchestrator start.
	var wg sync.WaitGroup
	results := make([]bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.WakeOnWebhook(context.Background(), 100, "node-secret")
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "request %d", i)
	}
	assert.Len(t, nodes.wakes, 1, "exactly one container start")
}

func TestWakeOnWebhookFailedWakeReturnsFalse(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	nodes.failWake = true
	st.addUser(1, "5")
	st.addServer(100, 1, store.StateSleeping, true, time.Now())

	c := newTestController(st, nodes, nil)

	assert.False(t, c.WakeOnWebhook(context.Background(), 100, "node-secret"))
	srv, _ := st.GetServer(context.Background(), 100)
	assert.Equal(t, store.StateSleeping, srv.State)
}

func TestAddCreditsRecordsDeposit(t *testing.T) {
	st := newFakeStore()
	nodes := newFakeNodes()
	st.addUser(1, "1")

	c := newTestController(st, nodes, nil)
	require.NoError(t, c.AddCredits(context.Background(), 1, dec("9"), ""))

	u, _ := st.GetUser(context.Background(), 1)
	assert.True(t, u.Credits.Equal(dec("10")))

	var deposits int
	for _, tr := range st.ledger {
		if tr.Type == store.TransactionDeposit {
			deposits++
			assert.True(t, tr.Amount.Equal(dec("9")))
		}
	}
	assert.Equal(t, 1, deposits)
}
