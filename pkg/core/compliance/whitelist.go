package compliance

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
	"github.com/minjekim/veriswap/pkg/storage"
)

// Entry is the per-account compliance record. AttestationHash opaquely
// binds the whitelist decision to an off-ledger attestation document.
type Entry struct {
	Whitelisted     bool        `json:"whitelisted"`
	AttestationHash common.Hash `json:"attestationHash"`
}

// Whitelist is the reference policy: a transfer is allowed iff both ends
// are whitelisted in its own table. Mutations are admin-gated; the table
// persists in pebble and lives for the lifetime of the protocol instance.
type Whitelist struct {
	mu      sync.RWMutex
	db      *storage.DB
	admin   common.Address
	entries map[common.Address]Entry
	log     *zap.SugaredLogger
}

const whitelistPrefix = "wl:"

func whitelistKey(account common.Address) []byte {
	return []byte(whitelistPrefix + account.Hex())
}

func NewWhitelist(db *storage.DB, admin common.Address, log *zap.SugaredLogger) (*Whitelist, error) {
	w := &Whitelist{
		db:      db,
		admin:   admin,
		entries: make(map[common.Address]Entry),
		log:     log,
	}

	err := db.ScanPrefix([]byte(whitelistPrefix), func(key, value []byte) error {
		addrHex := string(key[len(whitelistPrefix):])
		if !common.IsHexAddress(addrHex) {
			return fmt.Errorf("invalid address in whitelist key: %s", addrHex)
		}
		var entry Entry
		if ok, err := db.GetJSON(key, &entry); err != nil || !ok {
			return err
		}
		w.entries[common.HexToAddress(addrHex)] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load whitelist: %w", err)
	}

	return w, nil
}

// SetWhitelisted flips an account's whitelist flag. Admin only.
func (w *Whitelist) SetWhitelisted(caller, account common.Address, allowed bool) error {
	if caller != w.admin {
		return fmt.Errorf("%w: %s is not the compliance admin", core.ErrUnauthorized, caller.Hex())
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := w.entries[account]
	entry.Whitelisted = allowed
	w.entries[account] = entry

	if err := w.db.SetJSON(whitelistKey(account), entry); err != nil {
		return err
	}
	w.log.Infow("whitelist_updated", "account", account.Hex(), "whitelisted", allowed)
	return nil
}

// SetAttestation records the hash binding the account's whitelist status
// to an off-ledger attestation. Admin only.
func (w *Whitelist) SetAttestation(caller, account common.Address, attestation common.Hash) error {
	if caller != w.admin {
		return fmt.Errorf("%w: %s is not the compliance admin", core.ErrUnauthorized, caller.Hex())
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := w.entries[account]
	entry.AttestationHash = attestation
	w.entries[account] = entry

	return w.db.SetJSON(whitelistKey(account), entry)
}

func (w *Whitelist) IsWhitelisted(account common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.entries[account].Whitelisted
}

func (w *Whitelist) Entry(account common.Address) (Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	entry, ok := w.entries[account]
	return entry, ok
}

func (w *Whitelist) TransferAllowed(operator, from, to common.Address, amount *big.Int) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.entries[from].Whitelisted && w.entries[to].Whitelisted
}
