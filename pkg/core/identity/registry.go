// Package identity is the system of record mapping accounts to verified
// real-world identity attributes. Writes are agent-gated; the registry
// stores only an opaque identity reference, a country code and the
// verification outcome — raw claim payloads stay with the external claim
// issuer.
package identity

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/minjekim/veriswap/pkg/core"
	"github.com/minjekim/veriswap/pkg/storage"
)

// Record is the per-account identity entry. Verified becomes true only
// once a record exists and its claim validation has succeeded (KYC, AML,
// accreditation, jurisdiction — validated by the external claim issuer,
// reported back by an agent).
type Record struct {
	IdentityRef common.Hash `json:"identityRef"`
	Country     uint16      `json:"country"` // ISO-3166 numeric
	Verified    bool        `json:"verified"`
}

// Registry holds identity records and the agent set. The owner is an
// implicit agent and the only account that may change agent membership.
type Registry struct {
	mu      sync.RWMutex
	db      *storage.DB
	owner   common.Address
	agents  map[common.Address]bool
	records map[common.Address]*Record
	log     *zap.SugaredLogger
}

const (
	recordPrefix = "idr:"
	agentPrefix  = "agt:"
)

func recordKey(account common.Address) []byte { return []byte(recordPrefix + account.Hex()) }
func agentKey(account common.Address) []byte  { return []byte(agentPrefix + account.Hex()) }

func NewRegistry(db *storage.DB, owner common.Address, log *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{
		db:      db,
		owner:   owner,
		agents:  make(map[common.Address]bool),
		records: make(map[common.Address]*Record),
		log:     log,
	}

	err := db.ScanPrefix([]byte(recordPrefix), func(key, value []byte) error {
		addrHex := string(key[len(recordPrefix):])
		if !common.IsHexAddress(addrHex) {
			return fmt.Errorf("invalid address in record key: %s", addrHex)
		}
		var rec Record
		if ok, err := db.GetJSON(key, &rec); err != nil || !ok {
			return err
		}
		r.records[common.HexToAddress(addrHex)] = &rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load identity records: %w", err)
	}

	err = db.ScanPrefix([]byte(agentPrefix), func(key, value []byte) error {
		addrHex := string(key[len(agentPrefix):])
		if !common.IsHexAddress(addrHex) {
			return fmt.Errorf("invalid address in agent key: %s", addrHex)
		}
		r.agents[common.HexToAddress(addrHex)] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	return r, nil
}

func (r *Registry) isAgentLocked(account common.Address) bool {
	return account == r.owner || r.agents[account]
}

// IsAgent reports whether account holds agent privilege.
func (r *Registry) IsAgent(account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isAgentLocked(account)
}

// AddAgent grants agent privilege. Owner only; role membership is state in
// the same persistent store, not a language-level access modifier.
func (r *Registry) AddAgent(caller, agent common.Address) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s is not the registry owner", core.ErrUnauthorized, caller.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[agent] = true
	if err := r.db.SetJSON(agentKey(agent), true); err != nil {
		return err
	}
	r.log.Infow("agent_added", "agent", agent.Hex())
	return nil
}

// RemoveAgent revokes agent privilege. Owner only.
func (r *Registry) RemoveAgent(caller, agent common.Address) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s is not the registry owner", core.ErrUnauthorized, caller.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.agents, agent)
	if err := r.db.Delete(agentKey(agent)); err != nil {
		return err
	}
	r.log.Infow("agent_removed", "agent", agent.Hex())
	return nil
}

// RegisterIdentity creates a record for account. Agent only; fails if a
// record already exists.
func (r *Registry) RegisterIdentity(caller, account common.Address, identityRef common.Hash, country uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(caller, account, identityRef, country)
}

func (r *Registry) registerLocked(caller, account common.Address, identityRef common.Hash, country uint16) error {
	if !r.isAgentLocked(caller) {
		return fmt.Errorf("%w: %s is not a registry agent", core.ErrUnauthorized, caller.Hex())
	}
	if _, exists := r.records[account]; exists {
		return fmt.Errorf("identity already registered for %s", account.Hex())
	}

	rec := &Record{IdentityRef: identityRef, Country: country}
	r.records[account] = rec
	if err := r.db.SetJSON(recordKey(account), rec); err != nil {
		return err
	}
	r.log.Infow("identity_registered", "account", account.Hex(), "country", country)
	return nil
}

// UpdateIdentity replaces the identity reference of an existing record.
// Verification does not carry over to the new identity object.
func (r *Registry) UpdateIdentity(caller, account common.Address, identityRef common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isAgentLocked(caller) {
		return fmt.Errorf("%w: %s is not a registry agent", core.ErrUnauthorized, caller.Hex())
	}
	rec, exists := r.records[account]
	if !exists {
		return fmt.Errorf("no identity registered for %s", account.Hex())
	}

	rec.IdentityRef = identityRef
	rec.Verified = false
	return r.db.SetJSON(recordKey(account), rec)
}

// UpdateCountry changes the investor country of an existing record.
func (r *Registry) UpdateCountry(caller, account common.Address, country uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateCountryLocked(caller, account, country)
}

func (r *Registry) updateCountryLocked(caller, account common.Address, country uint16) error {
	if !r.isAgentLocked(caller) {
		return fmt.Errorf("%w: %s is not a registry agent", core.ErrUnauthorized, caller.Hex())
	}
	rec, exists := r.records[account]
	if !exists {
		return fmt.Errorf("no identity registered for %s", account.Hex())
	}

	rec.Country = country
	return r.db.SetJSON(recordKey(account), rec)
}

// SetVerified records the outcome of claim validation for account.
// Agent only; the record must exist.
func (r *Registry) SetVerified(caller, account common.Address, verified bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isAgentLocked(caller) {
		return fmt.Errorf("%w: %s is not a registry agent", core.ErrUnauthorized, caller.Hex())
	}
	rec, exists := r.records[account]
	if !exists {
		return fmt.Errorf("no identity registered for %s", account.Hex())
	}

	rec.Verified = verified
	if err := r.db.SetJSON(recordKey(account), rec); err != nil {
		return err
	}
	r.log.Infow("identity_verification_set", "account", account.Hex(), "verified", verified)
	return nil
}

// DeleteIdentity removes a record. Agent only.
func (r *Registry) DeleteIdentity(caller, account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isAgentLocked(caller) {
		return fmt.Errorf("%w: %s is not a registry agent", core.ErrUnauthorized, caller.Hex())
	}
	if _, exists := r.records[account]; !exists {
		return fmt.Errorf("no identity registered for %s", account.Hex())
	}

	delete(r.records, account)
	if err := r.db.Delete(recordKey(account)); err != nil {
		return err
	}
	r.log.Infow("identity_deleted", "account", account.Hex())
	return nil
}

// RecoverIdentity moves a record from a lost wallet to a new one,
// preserving the identity reference, country and verification status.
// The old key is removed; the new key must be unused.
func (r *Registry) RecoverIdentity(caller, oldAccount, newAccount common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isAgentLocked(caller) {
		return fmt.Errorf("%w: %s is not a registry agent", core.ErrUnauthorized, caller.Hex())
	}
	rec, exists := r.records[oldAccount]
	if !exists {
		return fmt.Errorf("no identity registered for %s", oldAccount.Hex())
	}
	if _, taken := r.records[newAccount]; taken {
		return fmt.Errorf("identity already registered for %s", newAccount.Hex())
	}

	delete(r.records, oldAccount)
	r.records[newAccount] = rec

	if err := r.db.Delete(recordKey(oldAccount)); err != nil {
		return err
	}
	if err := r.db.SetJSON(recordKey(newAccount), rec); err != nil {
		return err
	}
	r.log.Infow("identity_recovered", "old", oldAccount.Hex(), "new", newAccount.Hex())
	return nil
}

// BatchRegisterIdentity registers several accounts in one call, for bulk
// onboarding. Slices must be equal length; the batch stops at the first
// failure.
func (r *Registry) BatchRegisterIdentity(caller common.Address, accounts []common.Address, identityRefs []common.Hash, countries []uint16) error {
	if len(accounts) != len(identityRefs) || len(accounts) != len(countries) {
		return fmt.Errorf("batch length mismatch: %d accounts, %d refs, %d countries",
			len(accounts), len(identityRefs), len(countries))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, account := range accounts {
		if err := r.registerLocked(caller, account, identityRefs[i], countries[i]); err != nil {
			return err
		}
	}
	return nil
}

// BatchUpdateCountry updates several investor countries in one call.
func (r *Registry) BatchUpdateCountry(caller common.Address, accounts []common.Address, countries []uint16) error {
	if len(accounts) != len(countries) {
		return fmt.Errorf("batch length mismatch: %d accounts, %d countries", len(accounts), len(countries))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, account := range accounts {
		if err := r.updateCountryLocked(caller, account, countries[i]); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether a record exists for account.
func (r *Registry) Contains(account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[account]
	return ok
}

// Identity returns the opaque identity reference for account.
func (r *Registry) Identity(account common.Address) (common.Hash, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[account]
	if !ok {
		return common.Hash{}, false
	}
	return rec.IdentityRef, true
}

// InvestorCountry returns the ISO-3166 numeric country code for account.
func (r *Registry) InvestorCountry(account common.Address) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[account]
	if !ok {
		return 0, false
	}
	return rec.Country, true
}

// IsVerified is true only once a record exists and its claim validation
// has succeeded.
func (r *Registry) IsVerified(account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[account]
	return ok && rec.Verified
}
