// Package events carries settlement events to in-process subscribers;
// the API server relays them to the UI collaborator over WebSocket.
package events

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Type string

const (
	TypeDeposited   Type = "Deposited"
	TypeWithdrawn   Type = "Withdrawn"
	TypeOrderFilled Type = "OrderFilled"
)

// Event is the wire shape broadcast to subscribers. Amounts are decimal
// strings; addresses and hashes are 0x-hex.
type Event struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
	Time int64  `json:"time"` // unix milliseconds

	Account string `json:"account,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount,omitempty"`

	OrderHash string `json:"orderHash,omitempty"`
	Taker     string `json:"taker,omitempty"`
	Maker     string `json:"maker,omitempty"`
}

func Deposited(account, asset common.Address, amount *big.Int) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    TypeDeposited,
		Time:    time.Now().UnixMilli(),
		Account: account.Hex(),
		Asset:   asset.Hex(),
		Amount:  amount.String(),
	}
}

func Withdrawn(account, asset common.Address, amount *big.Int) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    TypeWithdrawn,
		Time:    time.Now().UnixMilli(),
		Account: account.Hex(),
		Asset:   asset.Hex(),
		Amount:  amount.String(),
	}
}

func OrderFilled(orderHash common.Hash, taker, maker common.Address) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeOrderFilled,
		Time:      time.Now().UnixMilli(),
		OrderHash: orderHash.Hex(),
		Taker:     taker.Hex(),
		Maker:     maker.Hex(),
	}
}

// Feed fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling
// settlement.
type Feed struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel function.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	ch := make(chan Event, 64)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (f *Feed) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
