package settlement

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/minjekim/veriswap/pkg/core/order"
)

// Book holds the signed orders makers have published for takers to
// discover. It is the source of the keeper's order feed; the hash is the
// stable identifier. Orders leave the book when filled; expired and
// settled orders are filtered out at read time.
type Book struct {
	mu     sync.RWMutex
	orders map[common.Hash]order.Signed
	seq    []common.Hash // insertion order, the feed's only ordering
}

func NewBook() *Book {
	return &Book{orders: make(map[common.Hash]order.Signed)}
}

// Add stores a signed order under its hash. Re-adding the same hash is a
// no-op; the first submission wins.
func (b *Book) Add(h common.Hash, s order.Signed) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.orders[h]; exists {
		return
	}
	b.orders[h] = s
	b.seq = append(b.seq, h)
}

// Remove drops an order from the book.
func (b *Book) Remove(h common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.orders[h]; !exists {
		return
	}
	delete(b.orders, h)
	for i, hash := range b.seq {
		if hash == h {
			b.seq = append(b.seq[:i], b.seq[i+1:]...)
			break
		}
	}
}

// Get returns the signed order stored under h.
func (b *Book) Get(h common.Hash) (order.Signed, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.orders[h]
	return s, ok
}

// List returns all stored orders in insertion order, filtered by keep.
func (b *Book) List(keep func(h common.Hash, s order.Signed) bool) []order.Signed {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]order.Signed, 0, len(b.seq))
	for _, h := range b.seq {
		s := b.orders[h]
		if keep == nil || keep(h, s) {
			out = append(out, s)
		}
	}
	return out
}
