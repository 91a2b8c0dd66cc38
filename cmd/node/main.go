package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/minjekim/veriswap/params"
	"github.com/minjekim/veriswap/pkg/api"
	"github.com/minjekim/veriswap/pkg/core/compliance"
	"github.com/minjekim/veriswap/pkg/core/escrow"
	"github.com/minjekim/veriswap/pkg/core/events"
	"github.com/minjekim/veriswap/pkg/core/identity"
	"github.com/minjekim/veriswap/pkg/core/settlement"
	"github.com/minjekim/veriswap/pkg/core/token"
	vcrypto "github.com/minjekim/veriswap/pkg/crypto"
	"github.com/minjekim/veriswap/pkg/keeper"
	"github.com/minjekim/veriswap/pkg/storage"
	"github.com/minjekim/veriswap/pkg/util"
)

// Default privileged addresses for devnet runs; override via env.
const (
	defaultAdmin     = "0x00000000000000000000000000000000000Ad111"
	defaultCustodian = "0x000000000000000000000000000000000000E5c0"
)

func main() {
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	db, err := storage.Open(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("storage_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer db.Close()

	complianceAdmin := addrOr(cfg.Compliance.Admin, defaultAdmin)
	identityOwner := addrOr(cfg.Identity.Owner, defaultAdmin)
	ledgerAdmin := addrOr(cfg.Ledger.Admin, defaultAdmin)
	custodian := addrOr(cfg.Ledger.Custodian, defaultCustodian)

	whitelist, err := compliance.NewWhitelist(db, complianceAdmin, sugar)
	if err != nil {
		sugar.Fatalw("whitelist_init_failed", "err", err)
	}
	registry, err := identity.NewRegistry(db, identityOwner, sugar)
	if err != nil {
		sugar.Fatalw("registry_init_failed", "err", err)
	}

	var policy compliance.Policy
	switch cfg.Compliance.Policy {
	case "identity":
		policy = compliance.NewIdentityPolicy(registry, cfg.Compliance.BlockedCountries)
	case "both":
		policy = compliance.AllOf(whitelist, compliance.NewIdentityPolicy(registry, cfg.Compliance.BlockedCountries))
	default:
		policy = whitelist
	}
	sugar.Infow("compliance_policy_selected", "policy", cfg.Compliance.Policy)

	tokens := token.NewLedger(ledgerAdmin, policy, sugar)
	feed := events.NewFeed()

	esc, err := escrow.NewLedger(db, tokens, custodian, feed, sugar)
	if err != nil {
		sugar.Fatalw("escrow_init_failed", "err", err)
	}
	states, err := settlement.NewStateStore(db)
	if err != nil {
		sugar.Fatalw("order_state_init_failed", "err", err)
	}

	engine := settlement.NewEngine(util.RealClock{}, tokens, esc, states, feed, sugar)
	server := api.NewServer(engine, tokens, esc, registry, whitelist, feed, sugar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Keeper.Enabled {
		signer, err := vcrypto.FromPrivateKeyHex(cfg.Keeper.TakerKey)
		if err != nil {
			sugar.Fatalw("keeper_key_invalid", "err", err)
		}
		k := keeper.New(
			keeper.Config{Taker: signer.Address(), Interval: cfg.Keeper.Interval},
			&keeper.LocalFeed{Engine: engine},
			engine,
			keeper.First,
			util.RealClock{},
			sugar,
		)
		go k.Run(ctx)
	}

	go func() {
		if err := server.Start(cfg.Node.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("shutting_down", "signal", sig.String())
}

func addrOr(hexAddr, fallback string) common.Address {
	if hexAddr != "" && common.IsHexAddress(hexAddr) {
		return common.HexToAddress(hexAddr)
	}
	return common.HexToAddress(fallback)
}
