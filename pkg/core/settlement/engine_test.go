package settlement

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
	"github.com/minjekim/veriswap/pkg/core/escrow"
	"github.com/minjekim/veriswap/pkg/core/events"
	"github.com/minjekim/veriswap/pkg/core/order"
	"github.com/minjekim/veriswap/pkg/core/token"
	vcrypto "github.com/minjekim/veriswap/pkg/crypto"
	"github.com/minjekim/veriswap/pkg/storage"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000Ad111")
	custodian = common.HexToAddress("0x000000000000000000000000000000000000E5c0")
	tokenA    = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	tokenB    = common.HexToAddress("0x00000000000000000000000000000000000000B2")
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time                       { return c.now }
func (c *fakeClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (c *fakeClock) advance(d time.Duration)              { c.now = c.now.Add(d) }

// revocableGate denies any transfer touching a revoked address, modeling a
// compliance table that can flip between the legs of a settlement.
type revocableGate struct{ revoked map[common.Address]bool }

func (g *revocableGate) TransferAllowed(_, from, to common.Address, _ *big.Int) bool {
	return !g.revoked[from] && !g.revoked[to]
}

type fixture struct {
	engine *Engine
	tokens *token.Ledger
	escrow *escrow.Ledger
	gate   *revocableGate
	clock  *fakeClock

	maker *vcrypto.Signer
	taker *vcrypto.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	gate := &revocableGate{revoked: make(map[common.Address]bool)}
	log := zap.NewNop().Sugar()
	feed := events.NewFeed()

	tokens := token.NewLedger(admin, gate, log)
	esc, err := escrow.NewLedger(db, tokens, custodian, feed, log)
	if err != nil {
		t.Fatalf("new escrow ledger: %v", err)
	}
	states, err := NewStateStore(db)
	if err != nil {
		t.Fatalf("new state store: %v", err)
	}

	clock := &fakeClock{now: time.Unix(1_000_000, 0)}
	maker, err := vcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate maker key: %v", err)
	}
	taker, err := vcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate taker key: %v", err)
	}

	return &fixture{
		engine: NewEngine(clock, tokens, esc, states, feed, log),
		tokens: tokens,
		escrow: esc,
		gate:   gate,
		clock:  clock,
		maker:  maker,
		taker:  taker,
	}
}

// fundAndEscrow mints tokenA to the maker and deposits all of it, and mints
// tokenB to the taker with a custodian allowance for the taker leg.
func (f *fixture) fundAndEscrow(t *testing.T, makerA, takerB int64) {
	t.Helper()

	if makerA > 0 {
		if err := f.tokens.Mint(admin, tokenA, f.maker.Address(), big.NewInt(makerA)); err != nil {
			t.Fatalf("mint tokenA: %v", err)
		}
		if err := f.tokens.Approve(tokenA, f.maker.Address(), custodian, big.NewInt(makerA)); err != nil {
			t.Fatalf("approve tokenA: %v", err)
		}
		if err := f.engine.Deposit(f.maker.Address(), tokenA, big.NewInt(makerA)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	if takerB > 0 {
		if err := f.tokens.Mint(admin, tokenB, f.taker.Address(), big.NewInt(takerB)); err != nil {
			t.Fatalf("mint tokenB: %v", err)
		}
		if err := f.tokens.Approve(tokenB, f.taker.Address(), custodian, big.NewInt(takerB)); err != nil {
			t.Fatalf("approve tokenB: %v", err)
		}
	}
}

func (f *fixture) signedOrder(t *testing.T, amountIn, amountOut int64) order.Signed {
	t.Helper()

	o := order.Order{
		Maker:     f.maker.Address(),
		TokenIn:   tokenA,
		TokenOut:  tokenB,
		AmountIn:  big.NewInt(amountIn),
		AmountOut: big.NewInt(amountOut),
		Expiry:    uint64(f.clock.now.Add(time.Hour).Unix()),
		Salt:      big.NewInt(1),
	}
	signed, err := order.Sign(o, f.maker)
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}
	return signed
}

func (f *fixture) assertBalances(t *testing.T, label string, account, asset common.Address, want int64) {
	t.Helper()
	if got := f.tokens.BalanceOf(asset, account); got.Cmp(big.NewInt(want)) != 0 {
		t.Errorf("%s: balance = %s, want %d", label, got, want)
	}
}

func TestFillSwapsBothLegs(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	h, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address())
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	if got := f.engine.Status(h); got != StatusFilled {
		t.Errorf("status = %s, want filled", got)
	}
	if got := f.escrow.Balance(f.maker.Address(), tokenA); got.Cmp(big.NewInt(5)) != 0 {
		t.Errorf("maker escrow = %s, want 5", got)
	}
	f.assertBalances(t, "taker tokenA", f.taker.Address(), tokenA, 5)
	f.assertBalances(t, "maker tokenB", f.maker.Address(), tokenB, 6)
	f.assertBalances(t, "taker tokenB", f.taker.Address(), tokenB, 0)
	f.assertBalances(t, "custodian tokenA", custodian, tokenA, 5)
}

func TestFillIsReplayProtected(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	if _, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address()); err != nil {
		t.Fatalf("first fill: %v", err)
	}

	// A second taker with funds and allowance races the same order.
	taker2, err := vcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := f.tokens.Mint(admin, tokenB, taker2.Address(), big.NewInt(6)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.tokens.Approve(tokenB, taker2.Address(), custodian, big.NewInt(6)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err = f.engine.FillOrder(signed.Order, signed.Signature, taker2.Address())
	if !errors.Is(err, core.ErrAlreadySettled) {
		t.Fatalf("second fill: err = %v, want ErrAlreadySettled", err)
	}
	f.assertBalances(t, "taker2 tokenB", taker2.Address(), tokenB, 6)
	f.assertBalances(t, "taker2 tokenA", taker2.Address(), tokenA, 0)
}

func TestFillRejectsExpiredOrder(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	f.clock.advance(2 * time.Hour)

	_, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address())
	if !errors.Is(err, core.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	f.assertBalances(t, "taker tokenB", f.taker.Address(), tokenB, 6)
	if got := f.escrow.Balance(f.maker.Address(), tokenA); got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("maker escrow = %s, want 10", got)
	}
}

func TestFillRejectsTamperedSignature(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	tampered := bytes.Clone(signed.Signature)
	tampered[10] ^= 0xFF

	_, err := f.engine.FillOrder(signed.Order, tampered, f.taker.Address())
	if !errors.Is(err, core.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	f.assertBalances(t, "taker tokenB", f.taker.Address(), tokenB, 6)
}

func TestFillRejectsWrongSigner(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	// The order claims the maker but is signed by someone else.
	mallory, err := vcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged, err := order.Sign(signed.Order, mallory)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = f.engine.FillOrder(forged.Order, forged.Signature, f.taker.Address())
	if !errors.Is(err, core.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestFillRejectsUnderfundedEscrow(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 4, 6) // order wants 5 of tokenA
	signed := f.signedOrder(t, 5, 6)

	_, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address())
	if !errors.Is(err, core.ErrInsufficientEscrow) {
		t.Fatalf("err = %v, want ErrInsufficientEscrow", err)
	}
	f.assertBalances(t, "taker tokenB", f.taker.Address(), tokenB, 6)
	f.assertBalances(t, "maker tokenB", f.maker.Address(), tokenB, 0)
}

func TestFillRejectsRevokedTaker(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	f.gate.revoked[f.taker.Address()] = true

	_, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address())
	if !errors.Is(err, core.ErrTransferRejected) {
		t.Fatalf("err = %v, want ErrTransferRejected", err)
	}
	f.assertBalances(t, "taker tokenB", f.taker.Address(), tokenB, 6)
	if got := f.escrow.Balance(f.maker.Address(), tokenA); got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("maker escrow = %s, want 10", got)
	}
}

func TestFillRejectsRevokedMaker(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	f.gate.revoked[f.maker.Address()] = true

	_, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address())
	if !errors.Is(err, core.ErrTransferRejected) {
		t.Fatalf("err = %v, want ErrTransferRejected", err)
	}
	f.assertBalances(t, "taker tokenB", f.taker.Address(), tokenB, 6)
	f.assertBalances(t, "maker tokenB", f.maker.Address(), tokenB, 0)
}

func TestFillCompensatesWhenReleaseFails(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	// The taker leg (taker -> maker) passes, but releasing escrowed value
	// from the custodian is denied, so the taker leg must be undone.
	f.gate.revoked[custodian] = true

	h, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address())
	if !errors.Is(err, core.ErrTransferRejected) {
		t.Fatalf("err = %v, want ErrTransferRejected", err)
	}

	if got := f.engine.Status(h); got != StatusOpen {
		t.Errorf("status = %s, want open after failed fill", got)
	}
	f.assertBalances(t, "taker tokenB", f.taker.Address(), tokenB, 6)
	f.assertBalances(t, "maker tokenB", f.maker.Address(), tokenB, 0)
	f.assertBalances(t, "taker tokenA", f.taker.Address(), tokenA, 0)
	if got := f.escrow.Balance(f.maker.Address(), tokenA); got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("maker escrow = %s, want 10", got)
	}
	// Compensation restored the allowance the taker leg spent.
	if got := f.tokens.Allowance(tokenB, f.taker.Address(), custodian); got.Cmp(big.NewInt(6)) != 0 {
		t.Errorf("taker allowance = %s, want 6", got)
	}

	// Once custody is restored the same order fills cleanly.
	f.gate.revoked[custodian] = false
	if _, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address()); err != nil {
		t.Fatalf("fill after restore: %v", err)
	}
}

func TestSubmitOrderAndOpenOrders(t *testing.T) {
	f := newFixture(t)
	f.fundAndEscrow(t, 10, 6)
	signed := f.signedOrder(t, 5, 6)

	h, err := f.engine.SubmitOrder(signed)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	open := f.engine.OpenOrders()
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}
	if oh, _ := open[0].Hash(); oh != h {
		t.Errorf("open order hash = %s, want %s", oh.Hex(), h.Hex())
	}

	// Filling removes it from the feed.
	if _, err := f.engine.FillOrder(signed.Order, signed.Signature, f.taker.Address()); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if open := f.engine.OpenOrders(); len(open) != 0 {
		t.Errorf("open orders after fill = %d, want 0", len(open))
	}

	// A filled order cannot be resubmitted.
	if _, err := f.engine.SubmitOrder(signed); !errors.Is(err, core.ErrAlreadySettled) {
		t.Errorf("resubmit: err = %v, want ErrAlreadySettled", err)
	}
}

func TestSubmitOrderRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	signed := f.signedOrder(t, 5, 6)

	tampered := signed
	tampered.Signature = bytes.Clone(signed.Signature)
	tampered.Signature[10] ^= 0xFF

	if _, err := f.engine.SubmitOrder(tampered); !errors.Is(err, core.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
	if open := f.engine.OpenOrders(); len(open) != 0 {
		t.Errorf("rejected order landed in the book")
	}
}

func TestOpenOrdersFiltersExpired(t *testing.T) {
	f := newFixture(t)
	signed := f.signedOrder(t, 5, 6)

	if _, err := f.engine.SubmitOrder(signed); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if open := f.engine.OpenOrders(); len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}

	f.clock.advance(2 * time.Hour)
	if open := f.engine.OpenOrders(); len(open) != 0 {
		t.Errorf("expired order still listed")
	}
}

func TestReplayProtectionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	states, err := NewStateStore(db)
	if err != nil {
		t.Fatalf("new state store: %v", err)
	}
	h := common.HexToHash("0xdddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd")
	if err := states.SetFilled(h); err != nil {
		t.Fatalf("SetFilled: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	db2, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db2.Close()

	reloaded, err := NewStateStore(db2)
	if err != nil {
		t.Fatalf("reload state store: %v", err)
	}
	if got := reloaded.Get(h); got != StatusFilled {
		t.Errorf("status after restart = %s, want filled", got)
	}
	if got := reloaded.Get(common.Hash{0x01}); got != StatusOpen {
		t.Errorf("unknown hash = %s, want open", got)
	}
}
