// Package settlement composes the order model, escrow ledger, signature
// recovery and compliance-gated token ledger into one atomic fill
// operation. The engine owns no balances of its own: it operates over the
// escrow ledger and the order-state map.
package settlement

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
	"github.com/minjekim/veriswap/pkg/core/escrow"
	"github.com/minjekim/veriswap/pkg/core/events"
	"github.com/minjekim/veriswap/pkg/core/order"
	"github.com/minjekim/veriswap/pkg/core/token"
	vcrypto "github.com/minjekim/veriswap/pkg/crypto"
	"github.com/minjekim/veriswap/pkg/util"
)

// Engine serializes every state-mutating call under one mutex, standing in
// for the host ledger's global commit order: exactly one FillOrder per
// order hash commits, every later one fails AlreadySettled with no side
// effects.
type Engine struct {
	mu     sync.Mutex
	clock  util.Clock
	tokens *token.Ledger
	escrow *escrow.Ledger
	states *StateStore
	book   *Book
	feed   *events.Feed
	log    *zap.SugaredLogger
}

func NewEngine(clock util.Clock, tokens *token.Ledger, esc *escrow.Ledger, states *StateStore, feed *events.Feed, log *zap.SugaredLogger) *Engine {
	return &Engine{
		clock:  clock,
		tokens: tokens,
		escrow: esc,
		states: states,
		book:   NewBook(),
		feed:   feed,
		log:    log,
	}
}

// Deposit moves amount of asset from the account into escrow custody.
func (e *Engine) Deposit(account, asset common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escrow.Deposit(account, asset, amount)
}

// Withdraw releases amount of asset from the account's escrow entry.
func (e *Engine) Withdraw(account, asset common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escrow.Withdraw(account, asset, amount)
}

// Status returns the lifecycle state for an order hash.
func (e *Engine) Status(h common.Hash) Status {
	return e.states.Get(h)
}

// SubmitOrder validates a maker-signed order and adds it to the open-order
// book so takers and keepers can discover it. Validation mirrors the fill
// preconditions that do not depend on the taker.
func (e *Engine) SubmitOrder(s order.Signed) (common.Hash, error) {
	h, err := s.Order.Hash()
	if err != nil {
		return common.Hash{}, err
	}

	if s.Order.ExpiredAt(e.clock.Now()) {
		return h, fmt.Errorf("%w: expiry %d", core.ErrExpired, s.Order.Expiry)
	}
	if e.states.Get(h) != StatusOpen {
		return h, fmt.Errorf("%w: order %s", core.ErrAlreadySettled, h.Hex())
	}

	signer, err := vcrypto.RecoverAddress(h.Bytes(), s.Signature)
	if err != nil {
		return h, fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	}
	if signer != s.Order.Maker {
		return h, fmt.Errorf("%w: signed by %s, maker is %s", core.ErrInvalidSignature, signer.Hex(), s.Order.Maker.Hex())
	}

	e.book.Add(h, s)
	e.log.Infow("order_submitted", "hash", h.Hex(), "maker", s.Order.Maker.Hex())
	return h, nil
}

// OpenOrders returns the book's orders that are still fillable: open state
// and not past expiry. This is the keeper's order feed.
func (e *Engine) OpenOrders() []order.Signed {
	now := e.clock.Now()
	return e.book.List(func(h common.Hash, s order.Signed) bool {
		return e.states.Get(h) == StatusOpen && !s.Order.ExpiredAt(now)
	})
}

// FillOrder executes a single atomic fill: either every leg commits or no
// ledger state changes. The caller is the taker; amounts are filled in
// full or not at all.
func (e *Engine) FillOrder(o order.Order, signature []byte, taker common.Address) (common.Hash, error) {
	h, err := o.Hash()
	if err != nil {
		return common.Hash{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if o.ExpiredAt(e.clock.Now()) {
		return h, fmt.Errorf("%w: expiry %d", core.ErrExpired, o.Expiry)
	}

	if e.states.Get(h) != StatusOpen {
		return h, fmt.Errorf("%w: order %s", core.ErrAlreadySettled, h.Hex())
	}

	signer, err := vcrypto.RecoverAddress(h.Bytes(), signature)
	if err != nil {
		return h, fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	}
	if signer != o.Maker {
		return h, fmt.Errorf("%w: signed by %s, maker is %s", core.ErrInvalidSignature, signer.Hex(), o.Maker.Hex())
	}

	if e.escrow.Balance(o.Maker, o.TokenIn).Cmp(o.AmountIn) < 0 {
		return h, fmt.Errorf("%w: maker %s, asset %s", core.ErrInsufficientEscrow, o.Maker.Hex(), o.TokenIn.Hex())
	}

	// Taker leg: amountOut of tokenOut, taker -> maker, through the gated
	// token path. The taker approved the escrow custodian beforehand.
	// Nothing has changed yet, so a rejection here needs no cleanup.
	if err := e.tokens.TransferFrom(o.TokenOut, e.escrow.Custodian(), taker, o.Maker, o.AmountOut); err != nil {
		return h, err
	}

	// Maker leg: consume amountIn of tokenIn from the maker's escrow entry
	// and release it to the taker. If this leg fails, undo the taker leg so
	// the whole call is one all-or-nothing unit.
	if err := e.escrow.Release(o.Maker, o.TokenIn, o.AmountIn, taker); err != nil {
		if rerr := e.tokens.Reverse(o.TokenOut, e.escrow.Custodian(), taker, o.Maker, o.AmountOut); rerr != nil {
			// Unreachable while the engine lock serializes fills: the maker
			// was credited amountOut within this call.
			e.log.Errorw("fill_compensation_failed", "hash", h.Hex(), "err", rerr)
		}
		return h, err
	}

	if err := e.states.SetFilled(h); err != nil {
		e.log.Errorw("order_state_persist_failed", "hash", h.Hex(), "err", err)
	}
	e.book.Remove(h)

	e.feed.Publish(events.OrderFilled(h, taker, o.Maker))
	e.log.Infow("order_filled",
		"hash", h.Hex(),
		"maker", o.Maker.Hex(),
		"taker", taker.Hex(),
		"amountIn", o.AmountIn.String(),
		"amountOut", o.AmountOut.String(),
	)
	return h, nil
}
