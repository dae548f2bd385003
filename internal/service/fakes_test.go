package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

// memDB is an in-memory store whose conditional updates behave like the SQL
// ones: every mutation runs under one mutex, so a CAS is atomic.
type memDB struct {
	mu         sync.Mutex
	sessions   map[string]domain.Session
	trades     map[string]domain.Trade
	users      map[string]domain.User
	entries    []domain.BalanceEntry
	deposits   map[string]domain.Deposit
	activities []domain.AdminActivity

	failGetAt    int
	failCountDue int
	failSettle   map[string]error
	countDueCall int
}

func newMemDB() *memDB {
	return &memDB{
		sessions:   make(map[string]domain.Session),
		trades:     make(map[string]domain.Trade),
		users:      make(map[string]domain.User),
		deposits:   make(map[string]domain.Deposit),
		failSettle: make(map[string]error),
	}
}

func (db *memDB) addUser(id string, available int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[id] = domain.User{ID: id, Username: id, Role: domain.RoleUser, Balance: domain.Balance{Available: available}}
}

func (db *memDB) addSession(s domain.Session) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.sessions[s.ID] = s
}

func (db *memDB) addTrade(t domain.Trade) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.trades[t.ID] = t
}

func (db *memDB) balance(userID string) domain.Balance {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.users[userID].Balance
}

func (db *memDB) trade(id string) domain.Trade {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.trades[id]
}

func (db *memDB) session(id string) domain.Session {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sessions[id]
}

// applyLocked mirrors the guarded relative UPDATE in the postgres store.
func (db *memDB) applyLocked(userID string, delta, frozenDelta int64, kind domain.EntryKind, ref string) (domain.Balance, error) {
	u, ok := db.users[userID]
	if !ok {
		return domain.Balance{}, fmt.Errorf("mem: user %s: %w", userID, domain.ErrNotFound)
	}
	if u.Balance.Available+delta < 0 || u.Balance.Frozen+frozenDelta < 0 {
		return domain.Balance{}, fmt.Errorf("mem: user %s: %w", userID, domain.ErrInsufficientFunds)
	}
	u.Balance.Available += delta
	u.Balance.Frozen += frozenDelta
	db.users[userID] = u
	db.entries = append(db.entries, domain.BalanceEntry{
		ID:             int64(len(db.entries) + 1),
		UserID:         userID,
		Kind:           kind,
		Delta:          delta,
		FrozenDelta:    frozenDelta,
		AvailableAfter: u.Balance.Available,
		FrozenAfter:    u.Balance.Frozen,
		RefID:          ref,
	})
	return u.Balance, nil
}

func window[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

type memSessions struct{ db *memDB }

func (m memSessions) Get(_ context.Context, id string) (domain.Session, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s, ok := m.db.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("mem: session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (m memSessions) GetAt(_ context.Context, t time.Time) (domain.Session, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.failGetAt > 0 {
		m.db.failGetAt--
		return domain.Session{}, fmt.Errorf("mem: get at: %w", domain.ErrTransient)
	}
	for _, s := range m.db.sessions {
		if s.Contains(t) {
			return s, nil
		}
	}
	return domain.Session{}, fmt.Errorf("mem: session at %s: %w", t, domain.ErrNotFound)
}

func (m memSessions) CountAfter(_ context.Context, t time.Time) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n := 0
	for _, s := range m.db.sessions {
		if s.StartTime.After(t) {
			n++
		}
	}
	return n, nil
}

func (m memSessions) ExistingIDs(_ context.Context, ids []string) (map[string]bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := m.db.sessions[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m memSessions) InsertBatch(_ context.Context, sessions []domain.Session) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if _, ok := m.db.sessions[s.ID]; ok {
			continue
		}
		m.db.sessions[s.ID] = s
		n++
	}
	return n, nil
}

func (m memSessions) sortedLocked(keep func(domain.Session) bool) []domain.Session {
	var out []domain.Session
	for _, s := range m.db.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m memSessions) ListAfter(_ context.Context, t time.Time, opts domain.ListOpts) ([]domain.Session, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return window(m.sortedLocked(func(s domain.Session) bool { return s.StartTime.After(t) }), opts), nil
}

func (m memSessions) ListByIDs(_ context.Context, ids []string) ([]domain.Session, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return m.sortedLocked(func(s domain.Session) bool { return want[s.ID] }), nil
}

func (m memSessions) StampOutcome(_ context.Context, id string, outcome domain.Outcome, by domain.Creator, at time.Time) (domain.Session, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s, ok := m.db.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("mem: stamp %s: %w", id, domain.ErrNotFound)
	}
	if s.Status != domain.SessionActive {
		return domain.Session{}, fmt.Errorf("mem: stamp %s: %w: status is %s", id, domain.ErrInvalidState, s.Status)
	}
	s.Status = domain.SessionCompleted
	s.Outcome = outcome
	s.CreatedBy = by
	s.UpdatedAt = at
	m.db.sessions[id] = s
	return s, nil
}

func (m memSessions) ListCompletedBetween(_ context.Context, from, to time.Time) ([]domain.Session, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.sortedLocked(func(s domain.Session) bool {
		return s.Status == domain.SessionCompleted && !s.EndTime.Before(from) && s.EndTime.Before(to)
	}), nil
}

type memTrades struct{ db *memDB }

func (m memTrades) Place(_ context.Context, t domain.Trade, at time.Time) (domain.Trade, domain.Balance, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s, ok := m.db.sessions[t.SessionID]
	if !ok || !s.Tradable(at) {
		return domain.Trade{}, domain.Balance{}, fmt.Errorf("mem: place: %w", domain.ErrInvalidState)
	}
	bal, err := m.db.applyLocked(t.UserID, -t.Amount, t.Amount, domain.EntryStake, t.ID)
	if err != nil {
		return domain.Trade{}, domain.Balance{}, err
	}
	t.Status = domain.TradePending
	t.CreatedAt = at
	m.db.trades[t.ID] = t
	return t, bal, nil
}

func (m memTrades) Get(_ context.Context, id string) (domain.Trade, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, ok := m.db.trades[id]
	if !ok {
		return domain.Trade{}, fmt.Errorf("mem: trade %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (m memTrades) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []domain.Trade
	for _, t := range m.db.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return window(out, opts), nil
}

func (m memTrades) dueLocked(userID string) []domain.DueTrade {
	var out []domain.DueTrade
	for _, t := range m.db.trades {
		if t.Status != domain.TradePending || (userID != "" && t.UserID != userID) {
			continue
		}
		s, found := m.db.sessions[t.SessionID]
		if found && s.Status != domain.SessionCompleted {
			continue
		}
		out = append(out, domain.DueTrade{Trade: t, SessionFound: found, Outcome: s.Outcome})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionFound != out[j].SessionFound {
			return out[i].SessionFound
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m memTrades) ListDue(_ context.Context, f domain.DueFilter) ([]domain.DueTrade, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return window(m.dueLocked(f.UserID), domain.ListOpts{Limit: f.Limit}), nil
}

func (m memTrades) CountDue(_ context.Context, userID string) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.countDueCall++
	if m.db.failCountDue > 0 {
		m.db.failCountDue--
		return 0, fmt.Errorf("mem: count due: %w", domain.ErrTransient)
	}
	n := 0
	for _, d := range m.dueLocked(userID) {
		if d.SessionFound {
			n++
		}
	}
	return n, nil
}

func (m memTrades) Settle(_ context.Context, st domain.Settlement) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if err := m.db.failSettle[st.TradeID]; err != nil {
		return false, err
	}
	t, ok := m.db.trades[st.TradeID]
	if !ok || t.Status != domain.TradePending {
		return false, nil
	}
	if _, err := m.db.applyLocked(t.UserID, st.Credit, -st.Release, domain.EntryPayout, t.ID); err != nil {
		return false, err
	}
	at := st.SettledAt
	t.Status = domain.TradeCompleted
	t.Result = st.Result
	t.Profit = st.Profit
	t.SettledAt = &at
	m.db.trades[t.ID] = t
	return true, nil
}

func (m memTrades) ListSettledBetween(_ context.Context, from, to time.Time) ([]domain.Trade, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []domain.Trade
	for _, t := range m.db.trades {
		if t.SettledAt != nil && !t.SettledAt.Before(from) && t.SettledAt.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

type memBalances struct{ db *memDB }

func (m memBalances) Get(_ context.Context, userID string) (domain.Balance, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[userID]
	if !ok {
		return domain.Balance{}, fmt.Errorf("mem: balance %s: %w", userID, domain.ErrNotFound)
	}
	return u.Balance, nil
}

func (m memBalances) Adjust(_ context.Context, userID string, delta int64, kind domain.EntryKind, ref string) (domain.Balance, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.applyLocked(userID, delta, 0, kind, ref)
}

func (m memBalances) ListEntries(_ context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []domain.BalanceEntry
	for i := len(m.db.entries) - 1; i >= 0; i-- {
		if m.db.entries[i].UserID == userID {
			out = append(out, m.db.entries[i])
		}
	}
	return window(out, opts), nil
}

type memUsers struct{ db *memDB }

func (m memUsers) Create(_ context.Context, u domain.User) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, existing := range m.db.users {
		if existing.Username == u.Username {
			return fmt.Errorf("mem: user %s: %w", u.Username, domain.ErrAlreadyExists)
		}
	}
	m.db.users[u.ID] = u
	return nil
}

func (m memUsers) Get(_ context.Context, id string) (domain.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("mem: user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (m memUsers) GetByUsername(_ context.Context, username string) (domain.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, u := range m.db.users {
		if u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("mem: user %s: %w", username, domain.ErrNotFound)
}

func (m memUsers) SetPassword(_ context.Context, id, hash string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok {
		return fmt.Errorf("mem: user %s: %w", id, domain.ErrNotFound)
	}
	u.PasswordHash = hash
	u.UpdatedAt = at
	m.db.users[id] = u
	return nil
}

type memDeposits struct{ db *memDB }

func (m memDeposits) Create(_ context.Context, d domain.Deposit) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.deposits[d.ID] = d
	return nil
}

func (m memDeposits) Get(_ context.Context, id string) (domain.Deposit, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	d, ok := m.db.deposits[id]
	if !ok {
		return domain.Deposit{}, fmt.Errorf("mem: deposit %s: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

func (m memDeposits) sortedLocked(keep func(domain.Deposit) bool) []domain.Deposit {
	var out []domain.Deposit
	for _, d := range m.db.deposits {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m memDeposits) List(_ context.Context, opts domain.ListOpts) ([]domain.Deposit, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	all := m.sortedLocked(func(domain.Deposit) bool { return true })
	return window(all, opts), len(all), nil
}

func (m memDeposits) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Deposit, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return window(m.sortedLocked(func(d domain.Deposit) bool { return d.UserID == userID }), opts), nil
}

func (m memDeposits) Resolve(_ context.Context, id string, status domain.DepositStatus, admin domain.Actor, at time.Time) (domain.Deposit, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	d, ok := m.db.deposits[id]
	if !ok {
		return domain.Deposit{}, fmt.Errorf("mem: deposit %s: %w", id, domain.ErrNotFound)
	}
	if d.Status != domain.DepositPending {
		return domain.Deposit{}, fmt.Errorf("mem: deposit %s: %w", id, domain.ErrInvalidState)
	}
	if status == domain.DepositCompleted {
		if _, err := m.db.applyLocked(d.UserID, d.Amount, 0, domain.EntryDeposit, d.ID); err != nil {
			return domain.Deposit{}, err
		}
	}
	d.Status = status
	d.AdminID = admin.ID
	d.AdminUsername = admin.Username
	d.UpdatedAt = at
	m.db.deposits[id] = d
	return d, nil
}

func (m memDeposits) CreateCompleted(_ context.Context, d domain.Deposit) (domain.Balance, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	bal, err := m.db.applyLocked(d.UserID, d.Amount, 0, domain.EntryAdminCredit, d.ID)
	if err != nil {
		return domain.Balance{}, err
	}
	d.Status = domain.DepositCompleted
	m.db.deposits[d.ID] = d
	return bal, nil
}

type memActivity struct{ db *memDB }

func (m memActivity) Log(_ context.Context, a domain.AdminActivity) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	a.ID = int64(len(m.db.activities) + 1)
	m.db.activities = append(m.db.activities, a)
	return nil
}

func (m memActivity) List(_ context.Context, opts domain.ListOpts) ([]domain.AdminActivity, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]domain.AdminActivity, 0, len(m.db.activities))
	for i := len(m.db.activities) - 1; i >= 0; i-- {
		out = append(out, m.db.activities[i])
	}
	return window(out, opts), nil
}

func (db *memDB) actions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.activities))
	for _, a := range db.activities {
		out = append(out, a.Action)
	}
	return out
}

// fakeBus records publishes and stream appends.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    [][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) StreamRecent(_ context.Context, _ string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for i := len(b.stream) - 1; i >= 0 && len(out) < count; i-- {
		out = append(out, domain.StreamMessage{ID: fmt.Sprintf("%d-0", i+1), Payload: b.stream[i]})
	}
	return out, nil
}

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocks() *fakeLocks { return &fakeLocks{held: make(map[string]bool)} }

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("fake lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return f.allow, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var (
	_ domain.SessionStore  = memSessions{}
	_ domain.TradeStore    = memTrades{}
	_ domain.BalanceStore  = memBalances{}
	_ domain.UserStore     = memUsers{}
	_ domain.DepositStore  = memDeposits{}
	_ domain.ActivityStore = memActivity{}
	_ domain.SignalBus     = (*fakeBus)(nil)
	_ domain.LockManager   = (*fakeLocks)(nil)
	_ domain.RateLimiter   = fakeLimiter{}
)
