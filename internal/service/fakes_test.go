package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiwari-pos/till/internal/database"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/events"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/kiwari-pos/till/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

// --- In-memory store ---

// memDB mimics the SQL in internal/database closely enough for the engine
// tests: conditional upserts, one active overlay per slot, row locks as
// no-ops and transactions as copy-on-begin, swap-on-commit.
type memDB struct {
	mu       sync.Mutex
	slots    map[string]model.Slot
	overlays map[string]model.Overlay
	counters map[string]int64
	clock    func() time.Time

	down           bool
	failSlotUpdate string
}

func newMemDB(clock func() time.Time) *memDB {
	return &memDB{
		slots:    make(map[string]model.Slot),
		overlays: make(map[string]model.Overlay),
		counters: make(map[string]int64),
		clock:    clock,
	}
}

func cp(o model.Overlay) model.Overlay { return *o.Clone() }

func (m *memDB) setDown(v bool) {
	m.mu.Lock()
	m.down = v
	m.mu.Unlock()
}

func (m *memDB) fail() error {
	if m.down {
		return errConnRefused
	}
	return nil
}

func (m *memDB) overlay(id string) (model.Overlay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overlays[id]
	if !ok {
		return model.Overlay{}, false
	}
	return cp(o), true
}

func (m *memDB) slot(id string) model.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id]
}

func (m *memDB) put(o model.Overlay) {
	m.mu.Lock()
	m.overlays[o.ID] = cp(o)
	m.mu.Unlock()
}

func (m *memDB) putSlot(s model.Slot) {
	m.mu.Lock()
	m.slots[s.ID] = s
	m.mu.Unlock()
}

func (m *memDB) activeCount(slotID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.overlays {
		if o.SlotID == slotID && o.Status == enum.OverlayActive {
			n++
		}
	}
	return n
}

func (m *memDB) NextOrderNumber(ctx context.Context, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return 0, err
	}
	m.counters[scope]++
	return m.counters[scope], nil
}

func (m *memDB) UpsertOverlay(ctx context.Context, arg database.UpsertOverlayParams) (model.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return model.Overlay{}, err
	}
	now := m.clock()
	cur, exists := m.overlays[arg.ID]
	if exists {
		if cur.Status != enum.OverlayActive || cur.Seq > arg.Seq {
			return model.Overlay{}, pgx.ErrNoRows
		}
	} else {
		for _, o := range m.overlays {
			if o.SlotID == arg.SlotID && o.Status == enum.OverlayActive {
				return model.Overlay{}, &pgconn.PgError{Code: "23505", Message: "duplicate active overlay"}
			}
		}
		cur = model.Overlay{ID: arg.ID, Status: enum.OverlayActive, SyncStatus: enum.SyncPending, CreatedAt: now}
	}
	cur.SlotID = arg.SlotID
	cur.OrderType = arg.OrderType
	cur.Items = arg.Items
	cur.Customer = arg.Customer
	cur.Subtotal = arg.Totals.Subtotal
	cur.Tax = arg.Totals.Tax
	cur.Discount = arg.Totals.Discount
	cur.Total = arg.Totals.Total
	cur.PaymentStatus = arg.PaymentStatus
	if arg.PaymentMethod != "" {
		cur.PaymentMethod = arg.PaymentMethod
	}
	if arg.TillSessionID != "" {
		cur.TillSessionID = arg.TillSessionID
	}
	cur.Seq = arg.Seq
	cur.UpdatedAt = now
	m.overlays[arg.ID] = cp(cur)
	return cp(cur), nil
}

func (m *memDB) GetOverlay(ctx context.Context, id string) (model.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return model.Overlay{}, err
	}
	o, ok := m.overlays[id]
	if !ok {
		return model.Overlay{}, pgx.ErrNoRows
	}
	return cp(o), nil
}

func (m *memDB) GetOverlayForUpdate(ctx context.Context, id string) (model.Overlay, error) {
	return m.GetOverlay(ctx, id)
}

func (m *memDB) GetActiveOverlayBySlot(ctx context.Context, slotID string) (model.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return model.Overlay{}, err
	}
	for _, o := range m.overlays {
		if o.SlotID == slotID && o.Status == enum.OverlayActive {
			return cp(o), nil
		}
	}
	return model.Overlay{}, pgx.ErrNoRows
}

func (m *memDB) CloseOverlay(ctx context.Context, arg database.CloseOverlayParams) (model.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return model.Overlay{}, err
	}
	o, ok := m.overlays[arg.ID]
	if !ok || o.Status != enum.OverlayActive {
		return model.Overlay{}, pgx.ErrNoRows
	}
	now := m.clock()
	o.Status = arg.Status
	if arg.Status == enum.OverlayCompleted {
		o.CompletedAt = &now
	}
	o.UpdatedAt = now
	m.overlays[o.ID] = o
	return cp(o), nil
}

func (m *memDB) DeleteOverlay(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return 0, err
	}
	o, ok := m.overlays[id]
	if !ok || o.Status != enum.OverlayActive || o.HasPaidItems() {
		return 0, nil
	}
	delete(m.overlays, id)
	return 1, nil
}

func (m *memDB) UpdateOverlaySlot(ctx context.Context, arg database.UpdateOverlaySlotParams) (model.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return model.Overlay{}, err
	}
	o, ok := m.overlays[arg.ID]
	if !ok {
		return model.Overlay{}, pgx.ErrNoRows
	}
	o.SlotID = arg.SlotID
	o.UpdatedAt = m.clock()
	m.overlays[o.ID] = o
	return cp(o), nil
}

func (m *memDB) ListOverlaysSince(ctx context.Context, since time.Time) ([]model.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := []model.Overlay{}
	for _, o := range m.overlays {
		if !o.CreatedAt.Before(since) {
			out = append(out, cp(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memDB) ListUnsyncedOverlays(ctx context.Context, arg database.ListUnsyncedOverlaysParams) ([]model.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := []model.Overlay{}
	for _, o := range m.overlays {
		if o.Status != enum.OverlayCompleted {
			continue
		}
		switch o.SyncStatus {
		case enum.SyncPending, enum.SyncFailed:
		case enum.SyncSyncing:
			if o.LastSyncAttempt != nil && !o.LastSyncAttempt.Before(arg.StaleBefore) {
				continue
			}
		default:
			continue
		}
		out = append(out, cp(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int32(len(out)) > arg.Limit {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (m *memDB) UpdateOverlaySync(ctx context.Context, arg database.UpdateOverlaySyncParams) (model.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return model.Overlay{}, err
	}
	o, ok := m.overlays[arg.ID]
	if !ok {
		return model.Overlay{}, pgx.ErrNoRows
	}
	o.SyncStatus = arg.SyncStatus
	if arg.BackendOrderID != "" {
		o.BackendOrderID = arg.BackendOrderID
	}
	t := arg.LastSyncAttempt
	o.LastSyncAttempt = &t
	m.overlays[o.ID] = o
	return cp(o), nil
}

func (m *memDB) DeleteSyncedOverlaysBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return 0, err
	}
	var n int64
	for id, o := range m.overlays {
		at := o.UpdatedAt
		if o.CompletedAt != nil {
			at = *o.CompletedAt
		}
		if o.SyncStatus == enum.SyncSynced && o.Status.Terminal() && at.Before(before) {
			delete(m.overlays, id)
			n++
		}
	}
	return n, nil
}

func (m *memDB) CreateSlot(ctx context.Context, arg database.CreateSlotParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if _, ok := m.slots[arg.ID]; ok {
		return nil
	}
	m.slots[arg.ID] = model.Slot{
		ID:        arg.ID,
		Number:    arg.Number,
		OrderType: arg.OrderType,
		Status:    enum.SlotAvailable,
		IsActive:  true,
		UpdatedAt: m.clock(),
	}
	return nil
}

func (m *memDB) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return model.Slot{}, err
	}
	s, ok := m.slots[id]
	if !ok {
		return model.Slot{}, pgx.ErrNoRows
	}
	return s, nil
}

func (m *memDB) GetSlotForUpdate(ctx context.Context, id string) (model.Slot, error) {
	return m.GetSlot(ctx, id)
}

func (m *memDB) ListSlots(ctx context.Context) ([]model.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := make([]model.Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDB) UpdateSlotState(ctx context.Context, arg database.UpdateSlotStateParams) (model.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return model.Slot{}, err
	}
	if arg.ID == m.failSlotUpdate {
		return model.Slot{}, &pgconn.PgError{Code: "XX000", Message: "injected failure"}
	}
	s, ok := m.slots[arg.ID]
	if !ok {
		return model.Slot{}, pgx.ErrNoRows
	}
	s.Status = arg.Status
	s.StartTime = nil
	if arg.StartTime != nil {
		t := *arg.StartTime
		s.StartTime = &t
	}
	s.PaymentStatus = arg.PaymentStatus
	s.PaymentMethod = arg.PaymentMethod
	s.OrderRefID = arg.OrderRefID
	s.UpdatedAt = m.clock()
	m.slots[s.ID] = s
	return s, nil
}

// Begin implements TxBeginner. The transaction works on a copy that
// replaces the parent state on commit.
func (m *memDB) Begin(ctx context.Context) (pgx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	work := newMemDB(m.clock)
	work.failSlotUpdate = m.failSlotUpdate
	for k, v := range m.slots {
		work.slots[k] = v
	}
	for k, v := range m.overlays {
		work.overlays[k] = cp(v)
	}
	return &memTx{parent: m, work: work}, nil
}

func newMemTransferStore(db database.DBTX) TransferStore {
	return db.(*memTx).work
}

// memTx implements pgx.Tx with only the methods we need.
// The unused methods panic so we catch accidental calls.
type memTx struct {
	parent    *memDB
	work      *memDB
	committed bool
}

func (m *memTx) Begin(ctx context.Context) (pgx.Tx, error) { panic("not implemented") }
func (m *memTx) Commit(ctx context.Context) error {
	m.parent.mu.Lock()
	defer m.parent.mu.Unlock()
	m.parent.slots = m.work.slots
	m.parent.overlays = m.work.overlays
	m.committed = true
	return nil
}
func (m *memTx) Rollback(ctx context.Context) error { return nil }
func (m *memTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (m *memTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}
func (m *memTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }
func (m *memTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (m *memTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (m *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (m *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}
func (m *memTx) Conn() *pgx.Conn { panic("not implemented") }

// --- Collaborators ---

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePusher struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (p *fakePusher) PushOrder(ctx context.Context, o model.Overlay) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, o.ID)
	if p.err != nil {
		return "", p.err
	}
	return "srv-" + o.ID, nil
}

func (p *fakePusher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type ticket struct {
	orderID    string
	items      []model.Item
	additional bool
}

type fakeKitchen struct {
	mu      sync.Mutex
	tickets []ticket
	// hold, when set, keeps Notify from returning until it is closed
	hold chan struct{}
}

func (k *fakeKitchen) Notify(ctx context.Context, o model.Overlay, items []model.Item, additional bool) error {
	k.mu.Lock()
	k.tickets = append(k.tickets, ticket{orderID: o.ID, items: items, additional: additional})
	hold := k.hold
	k.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return nil
}

func (k *fakeKitchen) all() []ticket {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]ticket(nil), k.tickets...)
}

// --- Harness ---

type harness struct {
	ctx      context.Context
	clock    *testClock
	db       *memDB
	bus      *events.Bus
	overlays *OverlayService
	slots    *SlotService
	alloc    *Allocator
	bridge   *Bridge
	carts    *CartService
	syncer   *SyncService
	checkout *CheckoutService
	pusher   *fakePusher
	kitchen  *fakeKitchen
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local)}
	db := newMemDB(clock.Now)
	bus := events.NewBus()

	overlays := NewOverlayService(db, bus)
	overlays.now = clock.Now
	slots := NewSlotService(db, overlays, db, newMemTransferStore, bus,
		model.TimerThresholds{Warning: 15 * time.Minute, Overdue: 30 * time.Minute})
	slots.now = clock.Now
	require.NoError(t, slots.Bootstrap(ctx, Layout(4, 2, 1)))

	alloc := NewAllocator(db, "KWR", "P1")
	alloc.now = clock.Now
	bridge := NewBridge(overlays)
	carts := NewCartService(slots, overlays, bridge, alloc, pricing.NewEngine(), decimal.Zero)
	pusher := &fakePusher{}
	syncer := NewSyncService(overlays, pusher, time.Second)
	kitchen := &fakeKitchen{}
	checkout := NewCheckoutService(carts, overlays, slots, syncer, kitchen)

	return &harness{
		ctx:      ctx,
		clock:    clock,
		db:       db,
		bus:      bus,
		overlays: overlays,
		slots:    slots,
		alloc:    alloc,
		bridge:   bridge,
		carts:    carts,
		syncer:   syncer,
		checkout: checkout,
		pusher:   pusher,
		kitchen:  kitchen,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tea(qty int32) NewItem {
	return NewItem{ID: "tea", Name: "Tea", Quantity: qty, BasePrice: dec("100")}
}

func (h *harness) wait() {
	h.checkout.Wait()
	h.syncer.Wait()
}
