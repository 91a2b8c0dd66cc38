// Package token is the asset transfer mechanism the escrow and settlement
// layers delegate to. It is an in-process multi-asset ledger with ERC-20
// shaped semantics: balances, allowances, and a compliance gate consulted
// on every transfer.
package token

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
)

// Gate is the compliance predicate consulted before value moves.
// Satisfied by compliance.Policy.
type Gate interface {
	TransferAllowed(operator, from, to common.Address, amount *big.Int) bool
}

// Ledger tracks balances and allowances per asset. Minting is admin-gated;
// every transfer (direct or delegated) consults the gate first, so a
// compliance denial surfaces before any balance changes.
type Ledger struct {
	mu    sync.RWMutex
	admin common.Address
	gate  Gate
	log   *zap.SugaredLogger

	// asset -> holder -> balance
	balances map[common.Address]map[common.Address]*big.Int
	// asset -> owner -> spender -> remaining allowance
	allowances map[common.Address]map[common.Address]map[common.Address]*big.Int
}

func NewLedger(admin common.Address, gate Gate, log *zap.SugaredLogger) *Ledger {
	return &Ledger{
		admin:      admin,
		gate:       gate,
		log:        log,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
	}
}

// Mint credits newly issued units to an account. Admin only. Issuance is
// not a transfer between investors, so the gate is not consulted here.
func (l *Ledger) Mint(caller, asset, to common.Address, amount *big.Int) error {
	if caller != l.admin {
		return fmt.Errorf("%w: %s is not the ledger admin", core.ErrUnauthorized, caller.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.credit(asset, to, amount)
	l.log.Infow("minted", "asset", asset.Hex(), "to", to.Hex(), "amount", amount.String())
	return nil
}

// BalanceOf returns a copy of the account's balance for asset.
func (l *Ledger) BalanceOf(asset, account common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if bal, ok := l.balances[asset][account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Approve sets the spender's allowance over the owner's asset balance.
func (l *Ledger) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("allowance must be non-negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowances[asset] == nil {
		l.allowances[asset] = make(map[common.Address]map[common.Address]*big.Int)
	}
	if l.allowances[asset][owner] == nil {
		l.allowances[asset][owner] = make(map[common.Address]*big.Int)
	}
	l.allowances[asset][owner][spender] = new(big.Int).Set(amount)
	return nil
}

// Allowance returns a copy of the spender's remaining allowance.
func (l *Ledger) Allowance(asset, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if a, ok := l.allowances[asset][owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Transfer moves amount of asset from from to to; from itself is the
// operator the gate sees. Fails with ErrTransferRejected wrapping the
// underlying reason.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(asset, from, from, to, amount, false)
}

// TransferFrom moves amount on behalf of operator, spending operator's
// allowance over from's balance (no allowance needed when operator == from).
func (l *Ledger) TransferFrom(asset, operator, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(asset, operator, from, to, amount, operator != from)
}

// Reverse undoes a transfer that was already applied as one leg of a
// multi-leg settlement whose later leg failed. Arguments name the original
// transfer: value moves from to back to from, and any allowance the
// original spent is restored. The value is returning to the account it
// just left, so the gate is not re-consulted; balances are guaranteed
// sufficient by the leg being undone.
func (l *Ledger) Reverse(asset, operator, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[asset][to]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("cannot reverse %s of %s from %s: balance too low", amount, asset.Hex(), to.Hex())
	}
	bal.Sub(bal, amount)
	l.credit(asset, from, amount)

	if operator != from {
		if l.allowances[asset] == nil {
			l.allowances[asset] = make(map[common.Address]map[common.Address]*big.Int)
		}
		if l.allowances[asset][from] == nil {
			l.allowances[asset][from] = make(map[common.Address]*big.Int)
		}
		if l.allowances[asset][from][operator] == nil {
			l.allowances[asset][from][operator] = new(big.Int)
		}
		a := l.allowances[asset][from][operator]
		a.Add(a, amount)
	}
	return nil
}

func (l *Ledger) transferLocked(asset, operator, from, to common.Address, amount *big.Int, spendAllowance bool) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", core.ErrTransferRejected)
	}

	if !l.gate.TransferAllowed(operator, from, to, amount) {
		return fmt.Errorf("%w: %w: %s -> %s", core.ErrTransferRejected, core.ErrComplianceDenied, from.Hex(), to.Hex())
	}

	bal := l.balances[asset][from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %w: account %s, asset %s", core.ErrTransferRejected, core.ErrInsufficientBalance, from.Hex(), asset.Hex())
	}

	if spendAllowance {
		allowance := l.allowances[asset][from][operator]
		if allowance == nil || allowance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %w: operator %s over %s", core.ErrTransferRejected, core.ErrInsufficientAllowance, operator.Hex(), from.Hex())
		}
		allowance.Sub(allowance, amount)
	}

	bal.Sub(bal, amount)
	l.credit(asset, to, amount)
	return nil
}

func (l *Ledger) credit(asset, to common.Address, amount *big.Int) {
	if l.balances[asset] == nil {
		l.balances[asset] = make(map[common.Address]*big.Int)
	}
	if l.balances[asset][to] == nil {
		l.balances[asset][to] = new(big.Int)
	}
	l.balances[asset][to].Add(l.balances[asset][to], amount)
}
