package waitroom

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/ratelimit"
	"github.com/flashgate/flashgate/internal/core/store/membucket"
)

type memStore struct {
	mu      sync.Mutex
	seq     map[string]int64
	entries map[string]core.QueueEntry
	err     error
}

func newMemStore() *memStore {
	return &memStore{seq: map[string]int64{}, entries: map[string]core.QueueEntry{}}
}

func (m *memStore) NextSequence(ctx context.Context, saleID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.seq[saleID]++
	return m.seq[saleID], nil
}

func (m *memStore) InsertEntry(ctx context.Context, entry core.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries[entry.Token] = entry
	return nil
}

func (m *memStore) SaveEntry(ctx context.Context, entry core.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.entries[entry.Token]; !ok {
		return core.ErrQueueExpired
	}
	m.entries[entry.Token] = entry
	return nil
}

func (m *memStore) ClaimTicket(ctx context.Context, saleID, ticketID string) (core.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, entry := range m.entries {
		if entry.SaleID == saleID && entry.TicketID == ticketID && entry.InFlight() {
			entry.TicketConsumed = true
			m.entries[token] = entry
			return entry, nil
		}
	}
	return core.QueueEntry{}, core.ErrInvalidTicket
}

func (m *memStore) LoadActiveEntries(ctx context.Context, saleID string) ([]core.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []core.QueueEntry
	for _, entry := range m.entries {
		if entry.SaleID == saleID && (entry.State == core.EntryWaiting || entry.InFlight()) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	room  *Room
	store *memStore
	clock *fakeClock
	pacer *ratelimit.Limiter
}

func newFixture(t *testing.T, sale core.SaleConfig) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	store := newMemStore()
	pacer := &ratelimit.Limiter{Store: membucket.New(membucket.WithCleanupEvery(0)), Clock: clock.Now}
	room, err := New(store, pacer, []core.SaleConfig{sale}, WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{room: room, store: store, clock: clock, pacer: pacer}
}

func saleConfig() core.SaleConfig {
	return core.SaleConfig{
		ID:                     "spring",
		AdmissionRatePerSecond: 1,
		AdmissionBurst:         1,
		MaxInFlight:            10,
		DwellTimeout:           time.Minute,
	}
}

func (f *fixture) poll(t *testing.T, token string) core.PollResult {
	t.Helper()
	res, err := f.room.Poll(context.Background(), token)
	require.NoError(t, err)
	return res
}

func TestEnqueueReleasesInOrderAtAdmissionRate(t *testing.T) {
	f := newFixture(t, saleConfig())
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 4; i++ {
		token, err := f.room.Enqueue(ctx, "spring", fmt.Sprintf("user-%d", i), core.TierAuthenticated)
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	require.Equal(t, core.PollAdmitted, f.poll(t, tokens[0]).Status)
	res := f.poll(t, tokens[1])
	require.Equal(t, core.PollWaiting, res.Status)
	require.Equal(t, 1, res.Position)
	require.Equal(t, time.Second, res.EstimatedWait)
	require.Equal(t, 3, f.poll(t, tokens[3]).Position)

	for i := 1; i < 4; i++ {
		f.clock.Advance(time.Second)
		res := f.poll(t, tokens[i])
		require.Equal(t, core.PollAdmitted, res.Status, "entry %d", i)
		require.NotNil(t, res.Ticket)
		if i+1 < len(tokens) {
			require.Equal(t, core.PollWaiting, f.poll(t, tokens[i+1]).Status)
		}
	}
}

func TestConcurrentEnqueueIsFIFO(t *testing.T) {
	cfg := saleConfig()
	cfg.AdmissionRatePerSecond = 1000
	cfg.AdmissionBurst = 1000
	cfg.MaxInFlight = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	const n = 40
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := f.room.Enqueue(ctx, "spring", fmt.Sprintf("user-%d", i), core.TierAuthenticated)
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	sort.Slice(tokens, func(i, j int) bool {
		_, a, _ := DecodeToken(tokens[i])
		_, b, _ := DecodeToken(tokens[j])
		return a < b
	})
	for i, token := range tokens {
		_, seq, ok := DecodeToken(token)
		require.True(t, ok)
		require.Equal(t, int64(i+1), seq)
	}

	for i, token := range tokens {
		res := f.poll(t, token)
		require.Equal(t, core.PollAdmitted, res.Status, "sequence %d", i+1)
		for _, later := range tokens[i+1:] {
			require.Equal(t, core.PollWaiting, f.poll(t, later).Status)
		}
		require.NoError(t, f.room.ConsumeTicket(ctx, *res.Ticket, ""))
	}
}

func TestMaxInFlightCapsAdmissions(t *testing.T) {
	cfg := saleConfig()
	cfg.AdmissionBurst = 10
	cfg.MaxInFlight = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 5; i++ {
		token, err := f.room.Enqueue(ctx, "spring", fmt.Sprintf("user-%d", i), core.TierAnonymous)
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	stats, err := f.room.Stats(ctx, "spring")
	require.NoError(t, err)
	require.Equal(t, 2, stats.InFlight)
	require.Equal(t, 3, stats.Waiting)
	require.Equal(t, int64(6), stats.NextSequence)

	first := f.poll(t, tokens[0])
	require.Equal(t, core.PollAdmitted, first.Status)
	require.Equal(t, 1, f.poll(t, tokens[2]).Position)

	require.NoError(t, f.room.ConsumeTicket(ctx, *first.Ticket, "user-0"))
	require.Equal(t, core.PollAdmitted, f.poll(t, tokens[2]).Status)
	require.Equal(t, core.PollWaiting, f.poll(t, tokens[3]).Status)
}

func TestTicketIsSingleUse(t *testing.T) {
	f := newFixture(t, saleConfig())
	ctx := context.Background()

	token, err := f.room.Enqueue(ctx, "spring", "alice", core.TierAuthenticated)
	require.NoError(t, err)
	res := f.poll(t, token)
	require.Equal(t, core.PollAdmitted, res.Status)
	ticket := *res.Ticket

	require.ErrorIs(t, f.room.ConsumeTicket(ctx, ticket, "mallory"), core.ErrInvalidTicket)
	require.NoError(t, f.room.ConsumeTicket(ctx, ticket, "alice"))
	require.ErrorIs(t, f.room.ConsumeTicket(ctx, ticket, "alice"), core.ErrInvalidTicket)

	forged := ticket
	forged.ID = "forged"
	require.ErrorIs(t, f.room.ConsumeTicket(ctx, forged, "alice"), core.ErrInvalidTicket)

	require.Equal(t, core.PollExpired, f.poll(t, token).Status)
}

func TestDwellTimeoutExpiresEntries(t *testing.T) {
	cfg := saleConfig()
	cfg.MaxInFlight = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	admitted, err := f.room.Enqueue(ctx, "spring", "alice", core.TierAuthenticated)
	require.NoError(t, err)
	waiting, err := f.room.Enqueue(ctx, "spring", "bob", core.TierAuthenticated)
	require.NoError(t, err)
	idle, err := f.room.Enqueue(ctx, "spring", "carol", core.TierAuthenticated)
	require.NoError(t, err)

	ticket := f.poll(t, admitted).Ticket
	require.NotNil(t, ticket)

	f.clock.Advance(40 * time.Second)
	require.Equal(t, core.PollWaiting, f.poll(t, waiting).Status)

	f.clock.Advance(20 * time.Second)
	expired, err := f.room.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), expired, "unclaimed admission and unpolled waiter expire")

	require.ErrorIs(t, f.room.ConsumeTicket(ctx, *ticket, "alice"), core.ErrInvalidTicket)
	require.Equal(t, core.PollExpired, f.poll(t, admitted).Status)
	require.Equal(t, core.PollExpired, f.poll(t, idle).Status)
	require.Equal(t, core.PollAdmitted, f.poll(t, waiting).Status, "freed slot goes to the next waiter")
}

func TestPremiumSlots(t *testing.T) {
	cfg := saleConfig()
	cfg.AdmissionBurst = 10
	cfg.AdmissionRatePerSecond = 10
	cfg.MaxInFlight = 4
	cfg.PremiumShare = 0.25
	f := newFixture(t, cfg)
	ctx := context.Background()

	var standard []string
	for i := 0; i < 4; i++ {
		token, err := f.room.Enqueue(ctx, "spring", fmt.Sprintf("std-%d", i), core.TierAuthenticated)
		require.NoError(t, err)
		standard = append(standard, token)
	}
	premium, err := f.room.Enqueue(ctx, "spring", "vip", core.TierPremium)
	require.NoError(t, err)

	for _, token := range standard[:3] {
		require.Equal(t, core.PollAdmitted, f.poll(t, token).Status)
	}
	require.Equal(t, core.PollWaiting, f.poll(t, standard[3]).Status)
	require.Equal(t, core.PollAdmitted, f.poll(t, premium).Status)
}

func TestEnqueueIsIdempotentPerIdentity(t *testing.T) {
	f := newFixture(t, saleConfig())
	ctx := context.Background()

	first, err := f.room.Enqueue(ctx, "spring", "alice", core.TierAuthenticated)
	require.NoError(t, err)
	second, err := f.room.Enqueue(ctx, "spring", "alice", core.TierAuthenticated)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRoomResumesAfterRestart(t *testing.T) {
	cfg := saleConfig()
	f := newFixture(t, cfg)
	ctx := context.Background()

	a, err := f.room.Enqueue(ctx, "spring", "alice", core.TierAuthenticated)
	require.NoError(t, err)
	b, err := f.room.Enqueue(ctx, "spring", "bob", core.TierAuthenticated)
	require.NoError(t, err)

	restarted, err := New(f.store, f.pacer, []core.SaleConfig{cfg}, WithClock(f.clock.Now))
	require.NoError(t, err)

	res, err := restarted.Poll(ctx, a)
	require.NoError(t, err)
	require.Equal(t, core.PollAdmitted, res.Status)

	res, err = restarted.Poll(ctx, b)
	require.NoError(t, err)
	require.Equal(t, core.PollWaiting, res.Status)
	require.Equal(t, 1, res.Position)

	c, err := restarted.Enqueue(ctx, "spring", "carol", core.TierAuthenticated)
	require.NoError(t, err)
	_, seq, _ := DecodeToken(c)
	require.Equal(t, int64(3), seq)
}

func TestLeaveFreesPlace(t *testing.T) {
	f := newFixture(t, saleConfig())
	ctx := context.Background()

	_, err := f.room.Enqueue(ctx, "spring", "alice", core.TierAuthenticated)
	require.NoError(t, err)
	b, err := f.room.Enqueue(ctx, "spring", "bob", core.TierAuthenticated)
	require.NoError(t, err)
	c, err := f.room.Enqueue(ctx, "spring", "carol", core.TierAuthenticated)
	require.NoError(t, err)

	require.Equal(t, 2, f.poll(t, c).Position)
	require.NoError(t, f.room.Leave(ctx, b))
	require.NoError(t, f.room.Leave(ctx, b))
	require.Equal(t, core.PollExpired, f.poll(t, b).Status)
	require.Equal(t, 1, f.poll(t, c).Position)
}

func TestUnknownSaleAndBadTokens(t *testing.T) {
	f := newFixture(t, saleConfig())
	ctx := context.Background()

	_, err := f.room.Enqueue(ctx, "winter", "alice", core.TierAuthenticated)
	require.ErrorIs(t, err, core.ErrUnknownSale)

	require.Equal(t, core.PollExpired, f.poll(t, "garbage").Status)
	require.Equal(t, core.PollExpired, f.poll(t, EncodeToken("winter", 1)).Status)
	require.Equal(t, core.PollExpired, f.poll(t, EncodeToken("spring", 99)).Status)
}

func TestStoreFailureIsDownstreamUnavailable(t *testing.T) {
	f := newFixture(t, saleConfig())
	f.store.err = errors.New("disk I/O error")

	_, err := f.room.Enqueue(context.Background(), "spring", "alice", core.TierAuthenticated)
	require.ErrorIs(t, err, core.ErrDownstreamUnavailable)
}

func TestTokenRoundTrip(t *testing.T) {
	token := EncodeToken("sale.with.dots", 42)
	sale, seq, ok := DecodeToken(token)
	require.True(t, ok)
	assert.Equal(t, "sale.with.dots", sale)
	assert.Equal(t, int64(42), seq)

	_, _, ok = DecodeToken("a.b")
	assert.False(t, ok)
}
