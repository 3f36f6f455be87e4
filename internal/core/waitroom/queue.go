package waitroom

import (
	"sort"
	"sync"

	"github.com/flashgate/flashgate/internal/core"
)

// saleQueue is the in-memory view of one sale. All access goes through mu,
// which makes it the single writer for the sale's sequence and releases.
type saleQueue struct {
	mu     sync.Mutex
	cfg    core.SaleConfig
	loaded bool

	// waiting is ordered by sequence.
	waiting    []*core.QueueEntry
	admitted   map[string]*core.QueueEntry
	byToken    map[string]*core.QueueEntry
	byTicket   map[string]*core.QueueEntry
	byIdentity map[string]*core.QueueEntry

	premiumInFlight int
	lastSequence    int64
}

func newSaleQueue(cfg core.SaleConfig) *saleQueue {
	return &saleQueue{
		cfg:        cfg,
		admitted:   make(map[string]*core.QueueEntry),
		byToken:    make(map[string]*core.QueueEntry),
		byTicket:   make(map[string]*core.QueueEntry),
		byIdentity: make(map[string]*core.QueueEntry),
	}
}

func (q *saleQueue) push(entry *core.QueueEntry) {
	if entry.Sequence > q.lastSequence {
		q.lastSequence = entry.Sequence
	}
	q.byToken[entry.Token] = entry
	q.byIdentity[entry.Identity] = entry

	if entry.InFlight() {
		q.admitted[entry.Token] = entry
		q.byTicket[entry.TicketID] = entry
		if entry.Tier == core.TierPremium {
			q.premiumInFlight++
		}
		return
	}

	// Appends are in sequence order except while hydrating.
	idx := sort.Search(len(q.waiting), func(i int) bool { return q.waiting[i].Sequence > entry.Sequence })
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[idx+1:], q.waiting[idx:])
	q.waiting[idx] = entry
}

func (q *saleQueue) remove(entry *core.QueueEntry) {
	delete(q.byToken, entry.Token)
	if current, ok := q.byIdentity[entry.Identity]; ok && current == entry {
		delete(q.byIdentity, entry.Identity)
	}
	if _, ok := q.admitted[entry.Token]; ok {
		delete(q.admitted, entry.Token)
		delete(q.byTicket, entry.TicketID)
		if entry.Tier == core.TierPremium {
			q.premiumInFlight--
		}
		return
	}
	if idx := q.waitingIndex(entry); idx >= 0 {
		q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
	}
}

// admit replaces a waiting entry with its admitted form.
func (q *saleQueue) admit(entry *core.QueueEntry, next core.QueueEntry) {
	if idx := q.waitingIndex(entry); idx >= 0 {
		q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
	}
	*entry = next
	q.admitted[entry.Token] = entry
	q.byTicket[entry.TicketID] = entry
	if entry.Tier == core.TierPremium {
		q.premiumInFlight++
	}
}

func (q *saleQueue) waitingIndex(entry *core.QueueEntry) int {
	idx := sort.Search(len(q.waiting), func(i int) bool { return q.waiting[i].Sequence >= entry.Sequence })
	if idx < len(q.waiting) && q.waiting[idx] == entry {
		return idx
	}
	return -1
}

// position is the 1-based place of a waiting entry.
func (q *saleQueue) position(entry *core.QueueEntry) int {
	return sort.Search(len(q.waiting), func(i int) bool { return q.waiting[i].Sequence >= entry.Sequence }) + 1
}

func (q *saleQueue) inFlight() int {
	return len(q.admitted)
}

// nextEligible picks the entry to release next. Entries leave in sequence
// order. When premium slots are configured, standard entries may only use
// MaxInFlight minus those slots, so the oldest premium entry can pass a
// blocked standard head.
func (q *saleQueue) nextEligible() *core.QueueEntry {
	if len(q.waiting) == 0 || q.inFlight() >= q.cfg.MaxInFlight {
		return nil
	}

	standardLimit := q.cfg.MaxInFlight - q.cfg.PremiumSlots()
	standardInFlight := q.inFlight() - q.premiumInFlight
	for _, entry := range q.waiting {
		if entry.Tier == core.TierPremium {
			return entry
		}
		if standardInFlight < standardLimit {
			return entry
		}
	}
	return nil
}
