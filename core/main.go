package core

// main.go – tenant-scoped read/write facade over Datastore. Every operation
// takes a small fielded options struct instead of a heterogeneous bag, one
// struct per operation, so an unknown field is a compile error rather than a
// silently ignored key.

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// GetPoolOpts configures a pool read.
type GetPoolOpts struct {
	Tenant          string
	SortDir         int
	ConstrainedSize int64
}

// GetBlockOpts configures a block read.
type GetBlockOpts struct {
	Tenant          string
	SortDir         int
	ConstrainedSize int64
	BareTransaction bool // flatten+resort block.data instead of returning blocks
}

// GetAllOpts configures the combined pool+block read.
type GetAllOpts struct {
	Tenant              string
	SortDir             int
	ConstrainedSize     int64
	ExcludeNonpropagate bool // keep only deliveryF=true in the pool portion
}

// GetLastBlockOpts configures the newest-block read.
type GetLastBlockOpts struct {
	Tenant string
}

// GetSearchByOidOpts configures an id lookup.
type GetSearchByOidOpts struct {
	Tenant        string
	TargetIsBlock bool
}

// GetSearchByJsonOpts configures a keyed data search. MatcherType currently
// supports only "strict" (equality on data[key]).
type GetSearchByJsonOpts struct {
	Tenant      string
	Key         string
	Value       any
	MatcherType string
}

// PostByJsonOpts is the input to postByJson.
type PostByJsonOpts struct {
	Tenant         string
	Type           TxType
	PrevId         string
	Data           json.RawMessage
	CompatDateTime bool // settime as locale-formatted string instead of unix-ms
}

// Main is the thin tenant-scoped facade over Datastore described in the
// component design.
type Main struct {
	ds               *Datastore
	administrationId string
	defaultTenantId  string
	enableDefault    bool
	immediateDelivery func()
	tenantGate        func(ctx context.Context, tenant string) (bool, error)
}

// SetTenantGateHook lets the tenant registry gate postByJson without Main
// importing TenantRegistry.
func (m *Main) SetTenantGateHook(fn func(ctx context.Context, tenant string) (bool, error)) {
	m.tenantGate = fn
}

// NewMain wires a Main over ds. defaultTenantId/enableDefault implement the
// stricter reading of the open question on default-tenant fallback: when
// enableDefault is false, a request with no tenant is rejected with
// Forbidden rather than silently falling back to defaultTenantId.
func NewMain(ds *Datastore, administrationId, defaultTenantId string, enableDefault bool) *Main {
	return &Main{ds: ds, administrationId: administrationId, defaultTenantId: defaultTenantId, enableDefault: enableDefault}
}

func (m *Main) resolveTenant(tenant string) (string, error) {
	if tenant != "" {
		return tenant, nil
	}
	if !m.enableDefault {
		return "", NewErr(KindForbidden, "Main", "resolveTenant", "DefaultTenant", "no tenant supplied and default_tenant_id is disabled", nil)
	}
	return m.defaultTenantId, nil
}

//---------------------------------------------------------------------
// Pool reads
//---------------------------------------------------------------------

func (m *Main) drainPool(ctx context.Context, tenant string, opts PoolCursorOpts) ([]Tx, error) {
	cur, err := m.ds.GetPoolCursor(ctx, tenant, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Tx
	for cur.Next(ctx) {
		var tx Tx
		if err := cur.Decode(&tx); err != nil {
			return nil, NewErr(KindInternal, "Main", "drainPool", "Decode", err.Error(), err)
		}
		out = append(out, tx)
	}
	if err := cur.Err(); err != nil {
		return nil, NewErr(KindDbTransient, "Main", "drainPool", "CursorErr", err.Error(), err)
	}
	return out, nil
}

// GetAllPool returns every pool tx for the tenant, irrespective of deliveryF.
func (m *Main) GetAllPool(ctx context.Context, opts GetPoolOpts) ([]Tx, error) {
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return nil, err
	}
	return m.drainPool(ctx, tenant, PoolCursorOpts{SortDir: opts.SortDir, ConstrainedSize: opts.ConstrainedSize})
}

// GetAllDeliveredPool returns pool txs with deliveryF=true.
func (m *Main) GetAllDeliveredPool(ctx context.Context, opts GetPoolOpts) ([]Tx, error) {
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return nil, err
	}
	return m.drainPool(ctx, tenant, PoolCursorOpts{SortDir: opts.SortDir, ConstrainedSize: opts.ConstrainedSize, OnlyDelivered: true})
}

// GetAllUndeliveredPool returns pool txs with deliveryF=false.
func (m *Main) GetAllUndeliveredPool(ctx context.Context, opts GetPoolOpts) ([]Tx, error) {
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return nil, err
	}
	return m.drainPool(ctx, tenant, PoolCursorOpts{SortDir: opts.SortDir, ConstrainedSize: opts.ConstrainedSize, OnlyUndelivered: true})
}

//---------------------------------------------------------------------
// Block reads
//---------------------------------------------------------------------

func (m *Main) drainBlocks(ctx context.Context, tenant string, opts BlockCursorOpts) ([]Blk, error) {
	cur, err := m.ds.GetBlockCursor(ctx, tenant, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Blk
	for cur.Next(ctx) {
		var blk Blk
		if err := cur.Decode(&blk); err != nil {
			return nil, NewErr(KindInternal, "Main", "drainBlocks", "Decode", err.Error(), err)
		}
		out = append(out, blk)
	}
	if err := cur.Err(); err != nil {
		return nil, NewErr(KindDbTransient, "Main", "drainBlocks", "CursorErr", err.Error(), err)
	}
	return out, nil
}

// GetAllBlock returns blocks for the tenant; when opts.BareTransaction is
// set it instead flattens every block's embedded txs into one re-sorted
// slice, dropping the block envelope entirely.
func (m *Main) GetAllBlock(ctx context.Context, opts GetBlockOpts) ([]Blk, []Tx, error) {
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return nil, nil, err
	}
	blocks, err := m.drainBlocks(ctx, tenant, BlockCursorOpts{SortDir: opts.SortDir, ConstrainedSize: opts.ConstrainedSize})
	if err != nil {
		return nil, nil, err
	}
	if !opts.BareTransaction {
		return blocks, nil, nil
	}
	var txs []Tx
	for _, b := range blocks {
		txs = append(txs, b.Data...)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Id < txs[j].Id })
	return nil, txs, nil
}

// GetLastBlock returns the newest block by id descending, with Data
// stripped for transport efficiency.
func (m *Main) GetLastBlock(ctx context.Context, opts GetLastBlockOpts) (*Blk, error) {
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return nil, err
	}
	blocks, err := m.drainBlocks(ctx, tenant, BlockCursorOpts{SortDir: -1, ConstrainedSize: 1})
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, NewErr(KindNotFound, "Main", "getLastBlock", "DrainBlocks", "no block for tenant", nil)
	}
	last := blocks[0]
	last.Data = nil
	return &last, nil
}

//---------------------------------------------------------------------
// Combined reads
//---------------------------------------------------------------------

// GetAll returns pool ∪ flatten(blocks). When opts.ExcludeNonpropagate is
// set, only delivered pool txs are included; block-embedded txs are always
// included since they are by definition already propagated.
func (m *Main) GetAll(ctx context.Context, opts GetAllOpts) ([]Tx, error) {
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return nil, err
	}
	poolOpts := PoolCursorOpts{SortDir: opts.SortDir, ConstrainedSize: opts.ConstrainedSize}
	if opts.ExcludeNonpropagate {
		poolOpts.OnlyDelivered = true
	}
	pool, err := m.drainPool(ctx, tenant, poolOpts)
	if err != nil {
		return nil, err
	}
	blocks, err := m.drainBlocks(ctx, tenant, BlockCursorOpts{SortDir: opts.SortDir, ConstrainedSize: opts.ConstrainedSize})
	if err != nil {
		return nil, err
	}
	out := make([]Tx, 0, len(pool))
	for _, b := range blocks {
		out = append(out, b.Data...)
	}
	out = append(out, pool...)
	return out, nil
}

//---------------------------------------------------------------------
// Targeted search
//---------------------------------------------------------------------

// GetSearchByOid scans the pool then, unless opts.TargetIsBlock, every
// block's embedded tx array for a matching id.
func (m *Main) GetSearchByOid(ctx context.Context, id string, opts GetSearchByOidOpts) (*Tx, error) {
	if !IsValidObjectId(id) {
		return nil, NewErr(KindValidation, "Main", "getSearchByOid", "CheckId", fmt.Sprintf("not a valid object id: %s", id), nil)
	}
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return nil, err
	}
	if opts.TargetIsBlock {
		blocks, err := m.drainBlocks(ctx, tenant, BlockCursorOpts{SortDir: 1})
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			for _, tx := range b.Data {
				if tx.Id == id {
					return &tx, nil
				}
			}
		}
		return nil, NewErr(KindNotFound, "Main", "getSearchByOid", "ScanBlocks", fmt.Sprintf("id %s not found", id), nil)
	}
	pool, err := m.drainPool(ctx, tenant, PoolCursorOpts{SortDir: 1})
	if err != nil {
		return nil, err
	}
	for _, tx := range pool {
		if tx.Id == id {
			return &tx, nil
		}
	}
	blocks, err := m.drainBlocks(ctx, tenant, BlockCursorOpts{SortDir: 1})
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		for _, tx := range b.Data {
			if tx.Id == id {
				return &tx, nil
			}
		}
	}
	return nil, NewErr(KindNotFound, "Main", "getSearchByOid", "ScanPoolAndBlocks", fmt.Sprintf("id %s not found", id), nil)
}

// GetSearchByJson supports only MatcherType == "strict" (equality on
// data[key]); any other matcher type is NotImplemented.
func (m *Main) GetSearchByJson(ctx context.Context, opts GetSearchByJsonOpts) ([]Tx, error) {
	if opts.MatcherType != "" && opts.MatcherType != "strict" {
		return nil, NewErr(KindNotImplemented, "Main", "getSearchByJson", "CheckMatcherType", fmt.Sprintf("matcherType %q not implemented", opts.MatcherType), nil)
	}
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return nil, err
	}
	all, err := m.GetAll(ctx, GetAllOpts{Tenant: tenant, SortDir: 1})
	if err != nil {
		return nil, err
	}
	var out []Tx
	for _, tx := range all {
		if len(tx.Data) == 0 {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(tx.Data, &fields); err != nil {
			continue
		}
		if v, ok := fields[opts.Key]; ok && fmt.Sprint(v) == fmt.Sprint(opts.Value) {
			out = append(out, tx)
		}
	}
	return out, nil
}

//---------------------------------------------------------------------
// Write path
//---------------------------------------------------------------------

// PostByJson validates, stamps settime, generates an id, sets
// deliveryF=false and writes to the pool. Admin-identifier posts are
// accepted but stored under defaultTenantId.
func (m *Main) PostByJson(ctx context.Context, opts PostByJsonOpts) (string, error) {
	tenant, err := m.resolveTenant(opts.Tenant)
	if err != nil {
		return "", err
	}
	if tenant == m.administrationId {
		tenant = m.defaultTenantId
	}
	if m.tenantGate != nil {
		open, err := m.tenantGate(ctx, tenant)
		if err != nil {
			return "", err
		}
		if !open {
			return "", NewErr(KindForbidden, "Main", "postByJson", "TenantGate", fmt.Sprintf("tenant %q is closed", tenant), nil)
		}
	}
	switch opts.Type {
	case TxNew, TxUpdate, TxDelete:
	default:
		return "", NewErr(KindValidation, "Main", "postByJson", "CheckKeys", fmt.Sprintf("unknown tx type %q", opts.Type), nil)
	}
	if (opts.Type == TxUpdate || opts.Type == TxDelete) && opts.PrevId == "" {
		return "", NewErr(KindValidation, "Main", "postByJson", "CheckKeys", "prevId required for update/delete", nil)
	}
	if len(opts.Data) == 0 {
		return "", NewErr(KindValidation, "Main", "postByJson", "CheckKeys", "data is required", nil)
	}
	var probe map[string]any
	if err := json.Unmarshal(opts.Data, &probe); err != nil {
		return "", NewErr(KindValidation, "Main", "postByJson", "CheckKeys", "data must be a JSON object", nil)
	}
	if len(opts.Data) > MaxDataBytes {
		return "", NewErr(KindValidation, "Main", "postByJson", "CheckSize", fmt.Sprintf("data exceeds %d bytes", MaxDataBytes), nil)
	}

	id, err := NewObjectId()
	if err != nil {
		return "", NewErr(KindInternal, "Main", "postByJson", "NewObjectId", err.Error(), err)
	}
	var setTime any
	if opts.CompatDateTime {
		setTime = time.Now().UTC().Format("2006-01-02 15:04:05")
	} else {
		setTime = time.Now().UnixMilli()
	}
	tx := Tx{
		Id:        id,
		Tenant:    tenant,
		Type:      opts.Type,
		SetTime:   setTime,
		PrevId:    opts.PrevId,
		DeliveryF: false,
		Data:      opts.Data,
	}
	if err := m.ds.SetPoolNewData(ctx, tx, tenant); err != nil {
		return "", err
	}
	return id, nil
}

//---------------------------------------------------------------------
// History
//---------------------------------------------------------------------

// GetHistoryByOid recursively follows prevId edges from id backward across
// pool and blocks, tolerating a missing predecessor by returning the
// partial chain built so far.
func (m *Main) GetHistoryByOid(ctx context.Context, id string, tenant string) ([]Tx, error) {
	var chain []Tx
	seen := map[string]bool{}
	cur := id
	for cur != "" {
		if seen[cur] {
			break // defensive: a prevId cycle would otherwise loop forever
		}
		seen[cur] = true
		tx, err := m.GetSearchByOid(ctx, cur, GetSearchByOidOpts{Tenant: tenant})
		if err != nil {
			break
		}
		chain = append(chain, *tx)
		cur = tx.PrevId
	}
	return chain, nil
}

//---------------------------------------------------------------------
// Keyring integration points (used by Keyring.postSelfPublicKeys/refresh)
//---------------------------------------------------------------------

func (m *Main) getAllPubkeyTxs() ([]PublicKeyEntry, error) {
	ctx := context.Background()
	txs, err := m.GetAll(ctx, GetAllOpts{Tenant: m.administrationId, SortDir: -1})
	if err != nil {
		return nil, err
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Id > txs[j].Id })
	var out []PublicKeyEntry
	for _, tx := range txs {
		var probe struct {
			CcTx string `json:"cc_tx"`
		}
		if err := json.Unmarshal(tx.Data, &probe); err != nil || probe.CcTx != PubkeyTag {
			continue
		}
		var entry PublicKeyEntry
		if err := json.Unmarshal(tx.Data, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *Main) postPubkeyTx(entry PublicKeyEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = m.PostByJson(context.Background(), PostByJsonOpts{
		Tenant: m.administrationId,
		Type:   TxNew,
		Data:   data,
	})
	return err
}

// requestImmediateDelivery is a no-op hook point; System wires its own
// implementation in once the event loop and delivery flow exist, via
// SetImmediateDeliveryHook.
func (m *Main) requestImmediateDelivery() {
	if m.immediateDelivery != nil {
		m.immediateDelivery()
	}
}

// SetImmediateDeliveryHook lets System register postDeliveryPool(immediate)
// without Main importing System.
func (m *Main) SetImmediateDeliveryHook(fn func()) { m.immediateDelivery = fn }
