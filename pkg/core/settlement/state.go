package settlement

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/minjekim/veriswap/pkg/storage"
)

// Status is the lifecycle state of an order hash. The storage leaves room
// for further terminal states, but no cancellation entrypoint exists on
// the settlement surface: Open -> Filled is the only transition, and
// Filled is irreversible. Expiry is observed, not stored.
type Status uint8

const (
	StatusOpen Status = iota
	StatusFilled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// StateStore is the replay-protection map: order hash -> status. The
// in-memory map is authoritative for the process lifetime; pebble holds
// the durable copy so replay protection survives restarts.
type StateStore struct {
	mu     sync.RWMutex
	db     *storage.DB
	states map[common.Hash]Status
}

const statePrefix = "ost:"

func stateKey(h common.Hash) []byte {
	return append([]byte(statePrefix), h.Bytes()...)
}

func NewStateStore(db *storage.DB) (*StateStore, error) {
	s := &StateStore{
		db:     db,
		states: make(map[common.Hash]Status),
	}

	err := db.ScanPrefix([]byte(statePrefix), func(key, value []byte) error {
		rest := key[len(statePrefix):]
		if len(rest) != common.HashLength {
			return fmt.Errorf("invalid order state key length: %d", len(rest))
		}
		var status Status
		if ok, err := db.GetJSON(key, &status); err != nil || !ok {
			return err
		}
		s.states[common.BytesToHash(rest)] = status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load order states: %w", err)
	}

	return s, nil
}

// Get returns the status for a hash; hashes never seen are Open.
func (s *StateStore) Get(h common.Hash) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[h]
}

// SetFilled marks a hash terminally filled. The in-memory map is updated
// first and remains correct even if the durable write fails; a persist
// failure degrades restart durability, not serial correctness, and is
// reported to the caller for logging.
func (s *StateStore) SetFilled(h common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[h] = StatusFilled
	return s.db.SetJSON(stateKey(h), StatusFilled)
}
