package core

// tenant.go – tenant open/close lifecycle: a closed tenant rejects
// postByJson. State is persisted as reserved, tagged txs posted under the
// administration identifier (landing in defaultTenantId, same as the
// keyring's public-key entries) and cached in memory, keyed by tenant, for
// fast gating on the write path.

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

const tenantStateTag = "system.v3.tenant.config.state"

type tenantState struct {
	CcTx   string `json:"cc_tx"`
	Tenant string `json:"tenant"`
	Open   bool   `json:"open"`
}

// TenantRegistry gates writes by tenant open/closed state, caching results
// from the chain the same way the keyring caches public keys.
type TenantRegistry struct {
	main             *Main
	administrationId string

	mu    sync.Mutex
	cache map[string]bool // tenant -> open
}

// NewTenantRegistry wires a TenantRegistry over main. Tenants default open:
// a tenant absent from the cache and the chain has never been closed.
func NewTenantRegistry(main *Main, administrationId string) *TenantRegistry {
	return &TenantRegistry{main: main, administrationId: administrationId, cache: make(map[string]bool)}
}

// IsOpen reports whether tenant accepts writes, refreshing from the chain
// on a cache miss.
func (t *TenantRegistry) IsOpen(ctx context.Context, tenant string) (bool, error) {
	t.mu.Lock()
	open, ok := t.cache[tenant]
	t.mu.Unlock()
	if ok {
		return open, nil
	}
	if err := t.refresh(ctx); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	open, ok = t.cache[tenant]
	if !ok {
		return true, nil // never closed
	}
	return open, nil
}

// PostOpenParcel marks tenant open.
func (t *TenantRegistry) PostOpenParcel(ctx context.Context, tenant string) error {
	return t.setState(ctx, tenant, true)
}

// PostCloseParcel marks tenant closed; subsequent PostByJson calls for it
// are rejected with Forbidden.
func (t *TenantRegistry) PostCloseParcel(ctx context.Context, tenant string) error {
	return t.setState(ctx, tenant, false)
}

func (t *TenantRegistry) setState(ctx context.Context, tenant string, open bool) error {
	state := tenantState{CcTx: tenantStateTag, Tenant: tenant, Open: open}
	data, err := json.Marshal(state)
	if err != nil {
		return NewErr(KindInternal, "TenantRegistry", "setState", "Marshal", err.Error(), err)
	}
	if _, err := t.main.PostByJson(ctx, PostByJsonOpts{Tenant: t.administrationId, Type: TxNew, Data: data}); err != nil {
		return err
	}
	t.mu.Lock()
	t.cache[tenant] = open
	t.mu.Unlock()
	return nil
}

// refresh reads every tenant-state tx newest-first and merges into the
// cache, first occurrence per tenant wins (the newest write).
func (t *TenantRegistry) refresh(ctx context.Context) error {
	txs, err := t.main.GetAll(ctx, GetAllOpts{Tenant: t.administrationId, SortDir: -1})
	if err != nil {
		return err
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Id > txs[j].Id })
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tx := range txs {
		var probe struct {
			CcTx string `json:"cc_tx"`
		}
		if err := json.Unmarshal(tx.Data, &probe); err != nil || probe.CcTx != tenantStateTag {
			continue
		}
		var state tenantState
		if err := json.Unmarshal(tx.Data, &state); err != nil {
			continue
		}
		if _, seen := t.cache[state.Tenant]; seen {
			continue
		}
		t.cache[state.Tenant] = state.Open
	}
	return nil
}
