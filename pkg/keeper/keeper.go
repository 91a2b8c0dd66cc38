// Package keeper is the reference matching driver: it periodically scans
// the order feed, picks one candidate and submits a fill. It is
// deliberately unsophisticated — no price-time priority, no partial fills,
// no retries. A production matching policy plugs in through Select while
// consuming the same FillOrder contract.
package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
	"github.com/minjekim/veriswap/pkg/core/order"
	"github.com/minjekim/veriswap/pkg/util"
)

// Filler is the settlement entrypoint the keeper drives.
// Satisfied by *settlement.Engine.
type Filler interface {
	FillOrder(o order.Order, signature []byte, taker common.Address) (common.Hash, error)
}

// Select picks the order to fill from the feed's list, or nil to skip the
// round. Matching policy is swappable; fairness is not promised here.
type Select func(open []order.Signed) *order.Signed

// First is the reference policy: take the first element.
func First(open []order.Signed) *order.Signed {
	if len(open) == 0 {
		return nil
	}
	return &open[0]
}

type Config struct {
	Taker    common.Address
	Interval time.Duration
}

type Keeper struct {
	cfg    Config
	feed   Feed
	filler Filler
	sel    Select
	clock  util.Clock
	log    *zap.SugaredLogger
}

func New(cfg Config, feed Feed, filler Filler, sel Select, clock util.Clock, log *zap.SugaredLogger) *Keeper {
	if sel == nil {
		sel = First
	}
	return &Keeper{
		cfg:    cfg,
		feed:   feed,
		filler: filler,
		sel:    sel,
		clock:  clock,
		log:    log,
	}
}

// Run loops until the context is cancelled, attempting one fill per
// interval. Failures are logged, never retried: losing a race
// (AlreadySettled) or finding an order gone stale (Expired) is expected
// when several keepers watch the same feed.
func (k *Keeper) Run(ctx context.Context) {
	k.log.Infow("keeper_started", "taker", k.cfg.Taker.Hex(), "interval", k.cfg.Interval.String())

	for {
		select {
		case <-ctx.Done():
			k.log.Infow("keeper_stopped")
			return
		case <-k.clock.After(k.cfg.Interval):
			k.Tick(ctx)
		}
	}
}

// Tick runs one discover-and-fill round.
func (k *Keeper) Tick(ctx context.Context) {
	open, err := k.feed.OpenOrders(ctx)
	if err != nil {
		k.log.Warnw("order_feed_failed", "err", err)
		return
	}

	candidate := k.sel(open)
	if candidate == nil {
		return
	}

	h, err := k.filler.FillOrder(candidate.Order, candidate.Signature, k.cfg.Taker)
	switch {
	case err == nil:
		k.log.Infow("fill_submitted", "hash", h.Hex(), "maker", candidate.Order.Maker.Hex())
	case errors.Is(err, core.ErrAlreadySettled), errors.Is(err, core.ErrExpired):
		// Lost the race or the order aged out; not an error condition.
		k.log.Infow("fill_skipped", "hash", h.Hex(), "reason", err.Error())
	default:
		k.log.Warnw("fill_failed", "hash", h.Hex(), "err", err)
	}
}
