package core

// datastore.go – typed pool/block collection access over a document store,
// tenant-scoped cursors, atomic multi-doc write sessions.
//
// The concrete document store (MongoDB in production, an in-memory fake in
// tests and in queueOnDisk=false deployments) is a "rawStore" implementation;
// Datastore only knows the generic shape, accepting a narrow interface at
// the construction site rather than depending on either backend directly.

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// rawFilter is a tiny, intentionally narrow query language: equality on a
// set of named fields, optionally with an "in" match on one field. Both
// backends (mongo, memory) interpret it identically.
type rawFilter struct {
	Eq map[string]any   // field -> exact value
	In map[string][]any // field -> set of values (OR)
}

func newFilter() rawFilter { return rawFilter{Eq: map[string]any{}, In: map[string][]any{}} }

// rawCursor streams decoded documents of one collection, newest call to
// Next() advancing one position. Close must be safe to call multiple times
// and on every exit path (including after a Next/Decode error).
type rawCursor interface {
	Next(ctx context.Context) bool
	// Decode mirrors mongo-driver's cursor.Decode(v any) shape: out must be a
	// pointer to a Tx or Blk matching the collection being scanned.
	Decode(out any) error
	Err() error
	Close(ctx context.Context) error
}

// rawStore is the document-store contract Datastore consumes. "tenant" is
// applied by the caller inside the filter — rawStore itself has no tenant
// concept, keeping Datastore the sole owner of the tenant-isolation rule.
type rawStore interface {
	Insert(ctx context.Context, doc any) error
	Find(ctx context.Context, f rawFilter, sortDir int) (rawCursor, error)
	UpdateMany(ctx context.Context, f rawFilter, apply func(doc any)) (int, error)
	DeleteMany(ctx context.Context, f rawFilter) (int, error)
	// RunInSession allocates a session/transaction, invokes fn, and commits
	// on success or aborts on error/panic. The session is always released.
	RunInSession(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolCursorOpts configures a pool scan.
type PoolCursorOpts struct {
	SortDir         int   // +1 ascending (default), -1 descending
	ConstrainedSize int64 // 0 = unbounded; stop once cumulative |Data| exceeds this
	OnlyDelivered   bool
	OnlyUndelivered bool
}

// BlockCursorOpts configures a block scan.
type BlockCursorOpts struct {
	SortDir         int
	ConstrainedSize int64
}

// Datastore provides tenant-scoped iterators and mutators over the pool and
// block collections. It is the exclusive owner of on-disk state; when
// queueOnDisk is false cmd/casualchain backs both collections with in-memory
// stores instead, but Datastore remains the sole accessor either way.
type Datastore struct {
	logger           *logrus.Logger
	administrationId string
	pool             rawStore
	block            rawStore
	queueOnDisk      bool

	mu sync.Mutex // guards nothing shared beyond logging today; reserved for future counters
}

// NewDatastore wires a Datastore over the given pool/block backends.
// pool is expected to be a memoryStore when queueOnDisk is false and a
// mongoStore otherwise; Datastore does not care which, only rawStore.
func NewDatastore(logger *logrus.Logger, administrationId string, pool, block rawStore, queueOnDisk bool) *Datastore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Datastore{logger: logger, administrationId: administrationId, pool: pool, block: block, queueOnDisk: queueOnDisk}
}

func (d *Datastore) tenantFilter(tenant string) rawFilter {
	f := newFilter()
	if tenant != "" && tenant != d.administrationId {
		f.Eq["tenant"] = tenant
	}
	return f
}

//---------------------------------------------------------------------
// Cursors
//---------------------------------------------------------------------

// PoolCursor is a finite, forward-only, restartable-only-by-requery stream
// of pool transactions.
type PoolCursor struct {
	raw             rawCursor
	constrainedSize int64
	cumSize         int64
	closed          bool
}

func (c *PoolCursor) Next(ctx context.Context) bool {
	if c.closed {
		return false
	}
	if c.constrainedSize > 0 && c.cumSize > c.constrainedSize {
		return false
	}
	return c.raw.Next(ctx)
}

// Decode mirrors rawCursor.Decode: out must be *Tx.
func (c *PoolCursor) Decode(out *Tx) error {
	if err := c.raw.Decode(out); err != nil {
		return NewErr(KindInternal, "Datastore", "getPoolCursor", "Decode", err.Error(), err)
	}
	c.cumSize += int64(len(out.Data))
	return nil
}

func (c *PoolCursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close(ctx)
}

// Err reports any error encountered by the underlying cursor during
// iteration; callers check it once Next returns false.
func (c *PoolCursor) Err() error { return c.raw.Err() }

// BlockCursor streams blocks ordered by id.
type BlockCursor struct {
	raw             rawCursor
	constrainedSize int64
	cumSize         int64
	closed          bool
}

func (c *BlockCursor) Next(ctx context.Context) bool {
	if c.closed {
		return false
	}
	if c.constrainedSize > 0 && c.cumSize > c.constrainedSize {
		return false
	}
	return c.raw.Next(ctx)
}

// Decode mirrors rawCursor.Decode: out must be *Blk.
func (c *BlockCursor) Decode(out *Blk) error {
	if err := c.raw.Decode(out); err != nil {
		return NewErr(KindInternal, "Datastore", "getBlockCursor", "Decode", err.Error(), err)
	}
	for _, tx := range out.Data {
		c.cumSize += int64(len(tx.Data))
	}
	return nil
}

func (c *BlockCursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close(ctx)
}

// Err reports any error encountered by the underlying cursor during
// iteration; callers check it once Next returns false.
func (c *BlockCursor) Err() error { return c.raw.Err() }

//---------------------------------------------------------------------
// Reads
//---------------------------------------------------------------------

// GetPoolCursor returns pool txs for tenant (or all tenants when tenant ==
// administrationId), ordered by id per opts.SortDir. The cursor's backing
// session is allocated here and MUST be released via Close on every exit
// path, including when the caller abandons iteration early.
func (d *Datastore) GetPoolCursor(ctx context.Context, tenant string, opts PoolCursorOpts) (*PoolCursor, error) {
	f := d.tenantFilter(tenant)
	if opts.OnlyDelivered {
		f.Eq["deliveryF"] = true
	} else if opts.OnlyUndelivered {
		f.Eq["deliveryF"] = false
	}
	dir := opts.SortDir
	if dir == 0 {
		dir = 1
	}
	raw, err := d.pool.Find(ctx, f, dir)
	if err != nil {
		return nil, NewErr(KindDbTransient, "Datastore", "getPoolCursor", "Find", err.Error(), err)
	}
	return &PoolCursor{raw: raw, constrainedSize: opts.ConstrainedSize}, nil
}

// GetBlockCursor returns blocks for tenant ordered by id per opts.SortDir.
func (d *Datastore) GetBlockCursor(ctx context.Context, tenant string, opts BlockCursorOpts) (*BlockCursor, error) {
	f := d.tenantFilter(tenant)
	dir := opts.SortDir
	if dir == 0 {
		dir = 1
	}
	raw, err := d.block.Find(ctx, f, dir)
	if err != nil {
		return nil, NewErr(KindDbTransient, "Datastore", "getBlockCursor", "Find", err.Error(), err)
	}
	return &BlockCursor{raw: raw, constrainedSize: opts.ConstrainedSize}, nil
}

//---------------------------------------------------------------------
// Writes
//---------------------------------------------------------------------

// SetPoolNewData appends tx to the pool. Rejected when tx.Tenant disagrees
// with tenant, unless tenant is the administration id.
func (d *Datastore) SetPoolNewData(ctx context.Context, tx Tx, tenant string) error {
	if tx.Tenant != tenant && tenant != d.administrationId {
		return NewErr(KindForbidden, "Datastore", "setPoolNewData", "TenantCheck", fmt.Sprintf("tx tenant %q does not match caller tenant %q", tx.Tenant, tenant), nil)
	}
	if err := d.pool.Insert(ctx, tx); err != nil {
		return NewErr(KindDbTransient, "Datastore", "setPoolNewData", "Insert", err.Error(), err)
	}
	return nil
}

// SetBlockNewData appends blk to the block collection.
func (d *Datastore) SetBlockNewData(ctx context.Context, blk Blk, tenant string) error {
	if blk.Tenant != tenant && tenant != d.administrationId {
		return NewErr(KindForbidden, "Datastore", "setBlockNewData", "TenantCheck", fmt.Sprintf("block tenant %q does not match caller tenant %q", blk.Tenant, tenant), nil)
	}
	if err := d.block.Insert(ctx, blk); err != nil {
		return NewErr(KindDbTransient, "Datastore", "setBlockNewData", "Insert", err.Error(), err)
	}
	return nil
}

// PoolModifyReadsFlag sets deliveryF=true on the given ids. Only the
// administration identifier may call this.
func (d *Datastore) PoolModifyReadsFlag(ctx context.Context, ids []string, tenant string) error {
	if tenant != d.administrationId {
		return NewErr(KindForbidden, "Datastore", "poolModifyReadsFlag", "AdminCheck", "administration identifier required", nil)
	}
	f := newFilter()
	f.In["id"] = toAnySlice(ids)
	_, err := d.pool.UpdateMany(ctx, f, func(doc any) {
		if tx, ok := doc.(*Tx); ok {
			tx.DeliveryF = true
		}
	})
	if err != nil {
		return NewErr(KindDbTransient, "Datastore", "poolModifyReadsFlag", "UpdateMany", err.Error(), err)
	}
	return nil
}

// PoolDeleteTransactions removes pool rows by id. Administrative operation.
//
// Deletes one id per iteration with a single range loop and no separate
// index variable, so there's nothing that can drift out of step with the
// range index regardless of how many ids match.
func (d *Datastore) PoolDeleteTransactions(ctx context.Context, ids []string, tenant string) error {
	if tenant != d.administrationId {
		return NewErr(KindForbidden, "Datastore", "poolDeleteTransactions", "AdminCheck", "administration identifier required", nil)
	}
	for _, id := range ids {
		f := newFilter()
		f.Eq["id"] = id
		if _, err := d.pool.DeleteMany(ctx, f); err != nil {
			return NewErr(KindDbTransient, "Datastore", "poolDeleteTransactions", "DeleteMany", err.Error(), err)
		}
		continue
	}
	return nil
}

// BlockDeleteBlocks removes block rows by id. Administrative operation, used
// by ScanAndFixBlock when replacing divergent heights.
func (d *Datastore) BlockDeleteBlocks(ctx context.Context, ids []string, tenant string) error {
	if tenant != d.administrationId {
		return NewErr(KindForbidden, "Datastore", "blockDeleteBlocks", "AdminCheck", "administration identifier required", nil)
	}
	f := newFilter()
	f.In["id"] = toAnySlice(ids)
	if _, err := d.block.DeleteMany(ctx, f); err != nil {
		return NewErr(KindDbTransient, "Datastore", "blockDeleteBlocks", "DeleteMany", err.Error(), err)
	}
	return nil
}

// BlockUpdateBlocks replaces whichever block occupies each result's height,
// wholesale. Used when majority sync overrides a locally divergent height:
// the winning block is a different document (its own Id, minted by whichever
// node mined it) than whatever this node had stored there, so the match has
// to be by height/tenant, not by the incoming block's Id.
func (d *Datastore) BlockUpdateBlocks(ctx context.Context, results []Blk, tenant string) error {
	if tenant != d.administrationId {
		return NewErr(KindForbidden, "Datastore", "blockUpdateBlocks", "AdminCheck", "administration identifier required", nil)
	}
	for _, blk := range results {
		f := newFilter()
		f.Eq["height"] = blk.Height
		f.Eq["tenant"] = blk.Tenant
		replacement := blk
		if _, err := d.block.UpdateMany(ctx, f, func(doc any) {
			if b, ok := doc.(*Blk); ok {
				*b = replacement
			}
		}); err != nil {
			return NewErr(KindDbTransient, "Datastore", "blockUpdateBlocks", "UpdateMany", err.Error(), err)
		}
	}
	return nil
}

// RunPoolSession runs fn inside a transactional session over the pool store,
// committing on success and aborting on error.
func (d *Datastore) RunPoolSession(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := d.pool.RunInSession(ctx, fn); err != nil {
		return NewErr(KindDbTransient, "Datastore", "RunPoolSession", "Session", err.Error(), err)
	}
	return nil
}

// RunBlockSession runs fn inside a transactional session over the block
// store, committing on success and aborting on error.
func (d *Datastore) RunBlockSession(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := d.block.RunInSession(ctx, fn); err != nil {
		return NewErr(KindDbTransient, "Datastore", "RunBlockSession", "Session", err.Error(), err)
	}
	return nil
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
