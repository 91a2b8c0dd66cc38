package compliance

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
	"github.com/minjekim/veriswap/pkg/core/identity"
	"github.com/minjekim/veriswap/pkg/storage"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000Ad111")
	operator = common.HexToAddress("0x000000000000000000000000000000000000E5c0")
	alice    = common.HexToAddress("0x000000000000000000000000000000000000A11c")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000B0b")

	one = big.NewInt(1)
)

func newTestWhitelist(t *testing.T) *Whitelist {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	w, err := NewWhitelist(db, admin, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("new whitelist: %v", err)
	}
	return w
}

func TestWhitelistRequiresBothEnds(t *testing.T) {
	w := newTestWhitelist(t)

	if w.TransferAllowed(operator, alice, bob, one) {
		t.Error("transfer allowed with empty whitelist")
	}

	if err := w.SetWhitelisted(admin, alice, true); err != nil {
		t.Fatalf("whitelist alice: %v", err)
	}
	if w.TransferAllowed(operator, alice, bob, one) {
		t.Error("transfer allowed with only the sender whitelisted")
	}

	if err := w.SetWhitelisted(admin, bob, true); err != nil {
		t.Fatalf("whitelist bob: %v", err)
	}
	if !w.TransferAllowed(operator, alice, bob, one) {
		t.Error("transfer denied with both ends whitelisted")
	}

	if err := w.SetWhitelisted(admin, bob, false); err != nil {
		t.Fatalf("de-whitelist bob: %v", err)
	}
	if w.TransferAllowed(operator, alice, bob, one) {
		t.Error("transfer allowed after de-whitelisting the receiver")
	}
}

func TestWhitelistMutationIsAdminGated(t *testing.T) {
	w := newTestWhitelist(t)

	if err := w.SetWhitelisted(alice, alice, true); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("SetWhitelisted by non-admin: err = %v, want ErrUnauthorized", err)
	}
	if err := w.SetAttestation(alice, alice, common.Hash{0x01}); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("SetAttestation by non-admin: err = %v, want ErrUnauthorized", err)
	}
	if w.IsWhitelisted(alice) {
		t.Error("rejected mutation still landed")
	}
}

func TestWhitelistAttestation(t *testing.T) {
	w := newTestWhitelist(t)
	attestation := common.HexToHash("0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")

	if err := w.SetWhitelisted(admin, alice, true); err != nil {
		t.Fatalf("SetWhitelisted: %v", err)
	}
	if err := w.SetAttestation(admin, alice, attestation); err != nil {
		t.Fatalf("SetAttestation: %v", err)
	}

	entry, ok := w.Entry(alice)
	if !ok {
		t.Fatal("entry missing after mutation")
	}
	if !entry.Whitelisted || entry.AttestationHash != attestation {
		t.Errorf("entry = %+v, want whitelisted with attestation %s", entry, attestation.Hex())
	}
}

func TestWhitelistSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	w, err := NewWhitelist(db, admin, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("new whitelist: %v", err)
	}
	if err := w.SetWhitelisted(admin, alice, true); err != nil {
		t.Fatalf("SetWhitelisted: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	db2, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db2.Close()

	reloaded, err := NewWhitelist(db2, admin, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("reload whitelist: %v", err)
	}
	if !reloaded.IsWhitelisted(alice) {
		t.Error("whitelist entry did not survive restart")
	}
}

func TestAllOfComposition(t *testing.T) {
	deny := PolicyFunc(func(common.Address, common.Address, common.Address, *big.Int) bool { return false })

	if !AllOf(AllowAll, AllowAll).TransferAllowed(operator, alice, bob, one) {
		t.Error("AllOf(allow, allow) denied")
	}
	if AllOf(AllowAll, deny).TransferAllowed(operator, alice, bob, one) {
		t.Error("AllOf(allow, deny) allowed")
	}
	if !AllOf().TransferAllowed(operator, alice, bob, one) {
		t.Error("empty AllOf denied")
	}
}

func TestIdentityPolicy(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	registry, err := identity.NewRegistry(db, admin, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	policy := NewIdentityPolicy(registry, []uint16{408})

	if policy.TransferAllowed(operator, alice, bob, one) {
		t.Error("transfer allowed between unregistered accounts")
	}

	if err := registry.RegisterIdentity(admin, alice, common.Hash{0x0a}, 840); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := registry.RegisterIdentity(admin, bob, common.Hash{0x0b}, 408); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if err := registry.SetVerified(admin, alice, true); err != nil {
		t.Fatalf("verify alice: %v", err)
	}

	// Bob is registered but not verified.
	if policy.TransferAllowed(operator, alice, bob, one) {
		t.Error("transfer allowed with an unverified receiver")
	}

	if err := registry.SetVerified(admin, bob, true); err != nil {
		t.Fatalf("verify bob: %v", err)
	}
	// Bob is verified but his country is blocked.
	if policy.TransferAllowed(operator, alice, bob, one) {
		t.Error("transfer allowed into a blocked country")
	}

	if err := registry.UpdateCountry(admin, bob, 276); err != nil {
		t.Fatalf("update country: %v", err)
	}
	if !policy.TransferAllowed(operator, alice, bob, one) {
		t.Error("transfer denied between verified accounts in allowed countries")
	}
}
