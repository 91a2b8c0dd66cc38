// Package escrow tracks pre-funded maker liquidity per (account, asset).
// Value deposited here sits under the custodian address on the token
// ledger; entries only grow via deposit and only shrink via withdraw or a
// successful fill, and are never negative.
package escrow

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
	"github.com/minjekim/veriswap/pkg/core/events"
	"github.com/minjekim/veriswap/pkg/core/token"
	"github.com/minjekim/veriswap/pkg/storage"
)

type entryKey struct {
	Account common.Address
	Asset   common.Address
}

// Ledger is the escrow balance table. The cache is authoritative for the
// process lifetime; pebble holds the durable copy, written after each
// successful mutation.
type Ledger struct {
	mu        sync.Mutex
	db        *storage.DB
	tokens    *token.Ledger
	custodian common.Address
	entries   map[entryKey]*big.Int
	feed      *events.Feed
	log       *zap.SugaredLogger
}

const escrowPrefix = "esc:"

func escrowKey(account, asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", escrowPrefix, account.Hex(), asset.Hex()))
}

func NewLedger(db *storage.DB, tokens *token.Ledger, custodian common.Address, feed *events.Feed, log *zap.SugaredLogger) (*Ledger, error) {
	l := &Ledger{
		db:        db,
		tokens:    tokens,
		custodian: custodian,
		entries:   make(map[entryKey]*big.Int),
		feed:      feed,
		log:       log,
	}

	err := db.ScanPrefix([]byte(escrowPrefix), func(key, value []byte) error {
		rest := string(key[len(escrowPrefix):])
		// "{account}:{asset}", both 42-char 0x-hex
		if len(rest) != 42+1+42 || !common.IsHexAddress(rest[:42]) || !common.IsHexAddress(rest[43:]) {
			return fmt.Errorf("invalid escrow key: %s", rest)
		}
		var balance string
		if ok, err := db.GetJSON(key, &balance); err != nil || !ok {
			return err
		}
		v, ok := new(big.Int).SetString(balance, 10)
		if !ok {
			return fmt.Errorf("invalid escrow balance %q for %s", balance, rest)
		}
		l.entries[entryKey{common.HexToAddress(rest[:42]), common.HexToAddress(rest[43:])}] = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow entries: %w", err)
	}

	return l, nil
}

// Custodian returns the address escrowed value is held under on the token
// ledger. Depositors approve this address before calling Deposit.
func (l *Ledger) Custodian() common.Address {
	return l.custodian
}

// Balance returns a copy of the escrow entry for (account, asset).
func (l *Ledger) Balance(account, asset common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bal, ok := l.entries[entryKey{account, asset}]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Deposit pulls amount of asset from the account into custody and credits
// the escrow entry. The pull runs through the token ledger's gated
// TransferFrom, so compliance denial or a missing allowance surfaces as
// TransferRejected before the entry changes.
func (l *Ledger) Deposit(account, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.tokens.TransferFrom(asset, l.custodian, account, l.custodian, amount); err != nil {
		return err
	}

	key := entryKey{account, asset}
	if l.entries[key] == nil {
		l.entries[key] = new(big.Int)
	}
	l.entries[key].Add(l.entries[key], amount)

	if err := l.persist(key); err != nil {
		l.log.Errorw("escrow_persist_failed", "account", account.Hex(), "asset", asset.Hex(), "err", err)
	}

	l.feed.Publish(events.Deposited(account, asset, amount))
	l.log.Infow("escrow_deposit", "account", account.Hex(), "asset", asset.Hex(), "amount", amount.String())
	return nil
}

// Withdraw releases amount of asset from the account's entry back to the
// account. The decrement is staged first and rolled back if the token
// release fails, so a failed withdrawal is never observable in the entry.
func (l *Ledger) Withdraw(account, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("withdraw amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.releaseLocked(account, asset, amount, account); err != nil {
		return err
	}

	l.feed.Publish(events.Withdrawn(account, asset, amount))
	l.log.Infow("escrow_withdraw", "account", account.Hex(), "asset", asset.Hex(), "amount", amount.String())
	return nil
}

// Release consumes amount of the owner's entry and sends the tokens to a
// third party. This is the fill path: the settlement engine directs the
// maker's escrowed tokenIn to the taker. Same staged-rollback contract as
// Withdraw; the caller emits the settlement event.
func (l *Ledger) Release(owner, asset common.Address, amount *big.Int, to common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked(owner, asset, amount, to)
}

func (l *Ledger) releaseLocked(owner, asset common.Address, amount *big.Int, to common.Address) error {
	key := entryKey{owner, asset}
	bal := l.entries[key]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: account %s, asset %s", core.ErrInsufficientEscrow, owner.Hex(), asset.Hex())
	}

	// Stage the decrement; undo it if the release transfer fails.
	bal.Sub(bal, amount)
	if err := l.tokens.Transfer(asset, l.custodian, to, amount); err != nil {
		bal.Add(bal, amount)
		return err
	}

	if err := l.persist(key); err != nil {
		l.log.Errorw("escrow_persist_failed", "account", owner.Hex(), "asset", asset.Hex(), "err", err)
	}
	return nil
}

func (l *Ledger) persist(key entryKey) error {
	return l.db.SetJSON(escrowKey(key.Account, key.Asset), l.entries[key].String())
}
