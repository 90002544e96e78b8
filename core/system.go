package core

// system.go – C6, the system orchestrator: the flows behind the admin API
// (deliverpooling, blocking, initbc, syncblocked, syncpooling, synccache,
// opentenant, closetenant) and the internodeServices implementation that
// lets Internode route an inbound request into the right local call.
//
// System holds no state of its own beyond cluster membership and batching
// thresholds — every read/write goes through Main, Datastore, CA3 or
// Keyring, so System stays safe to re-run on every event tick without its
// own locking (the event loop already guarantees no two registered tasks
// run concurrently with each other).

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// systemPeer is the narrow slice of Internode that System needs to drive its
// peer-facing delivery/sync flows. Internode implements this once C5 is
// built; System never depends on transport internals beyond this, which lets
// tests substitute an in-process double for a multi-node fixture.
type systemPeer interface {
	AddPool(ctx context.Context, peer string, txs []Tx) error
	ExaminePoolDifference(ctx context.Context, peer, tenant string, ids []string) (examinePoolDifferenceResponse, error)
	ExamineBlockDifference(ctx context.Context, peer, tenant string, list []heightHashPair) ([]int64, error)
	GetBlockDigest(ctx context.Context, peer, tenant string, failIfUnhealthy bool) (blockDigestResponse, error)
	GetBlockByHeight(ctx context.Context, peer, tenant string, height int64) (*Blk, error)
}

// System wires the cluster-facing flows over the already-constructed
// single-node components. nodes is this node's view of cluster membership,
// including itself, used for round-robin miner selection and quorum.
type System struct {
	logger           *logrus.Logger
	ds               *Datastore
	main             *Main
	ca3              *CA3
	keyring          *Keyring
	inode            systemPeer
	tenants          *TenantRegistry
	nodeName         string
	administrationId string
	defaultTenantId  string
	nodes            []string
	minBatchSize     int
	maxBatchAge      time.Duration
}

// NewSystem wires a System over its already-constructed collaborators.
func NewSystem(logger *logrus.Logger, ds *Datastore, main *Main, ca3 *CA3, keyring *Keyring, inode systemPeer, tenants *TenantRegistry, nodeName, administrationId, defaultTenantId string, nodes []string, minBatchSize int, maxBatchAge time.Duration) *System {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &System{
		logger:           logger,
		ds:               ds,
		main:             main,
		ca3:              ca3,
		keyring:          keyring,
		inode:            inode,
		tenants:          tenants,
		nodeName:         nodeName,
		administrationId: administrationId,
		defaultTenantId:  defaultTenantId,
		nodes:            nodes,
		minBatchSize:     minBatchSize,
		maxBatchAge:      maxBatchAge,
	}
}

func (s *System) resolveTenant(tenant string) string {
	if tenant == "" {
		return s.administrationId
	}
	return tenant
}

// peerNodes returns every cluster member except this node.
func (s *System) peerNodes() []string {
	out := make([]string, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n != s.nodeName {
			out = append(out, n)
		}
	}
	return out
}

//---------------------------------------------------------------------
// PostDeliveryPool – broadcast undelivered txs, then mark them delivered
//---------------------------------------------------------------------

// PostDeliveryPool pushes every undelivered pool tx for tenant to every
// peer, then flips deliveryF once every peer has accepted them. A peer that
// is unreachable is skipped, never fails the whole round: the txs stay
// undelivered and the next tick resends them to every peer (peers skip txs
// they already hold).
func (s *System) PostDeliveryPool(ctx context.Context, tenant string) error {
	t := s.resolveTenant(tenant)
	txs, err := s.main.GetAllUndeliveredPool(ctx, GetPoolOpts{Tenant: t, SortDir: 1})
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return nil
	}
	allOk := true
	for _, peer := range s.peerNodes() {
		if err := s.inode.AddPool(ctx, peer, txs); err != nil {
			s.logger.Warnf("system: deliverpool to %s failed: %v", peer, err)
			allOk = false
		}
	}
	if !allOk {
		return nil
	}
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.Id)
	}
	return s.ds.PoolModifyReadsFlag(ctx, ids, s.administrationId)
}

//---------------------------------------------------------------------
// PostAppendBlocks – form a block if this node is the designated miner
//---------------------------------------------------------------------

// PostAppendBlocks runs a CA3 round for tenant if this node is the
// designated miner for the next height and there is a batch ready: either
// minBatchSize delivered txs, or any txs older than maxBatchAge.
func (s *System) PostAppendBlocks(ctx context.Context, tenant string) error {
	t := s.resolveTenant(tenant)
	parentPtr, err := s.lastBlockOrNil(ctx, t)
	if err != nil {
		return err
	}
	miner := DesignatedMiner(s.nodes, nextHeight(parentPtr))
	if miner != s.nodeName {
		return nil
	}
	delivered, err := s.main.GetAllDeliveredPool(ctx, GetPoolOpts{Tenant: t, SortDir: 1})
	if err != nil {
		return err
	}
	if len(delivered) == 0 {
		return nil
	}
	if s.minBatchSize > 0 && len(delivered) < s.minBatchSize {
		if ageOfTx(delivered[0]) < s.maxBatchAge {
			return nil
		}
	}
	_, err = s.ca3.Declare(ctx, t, parentPtr, delivered, s.nodes)
	return err
}

func (s *System) lastBlockOrNil(ctx context.Context, tenant string) (*Blk, error) {
	blk, err := s.main.GetLastBlock(ctx, GetLastBlockOpts{Tenant: tenant})
	if err != nil {
		if Is(err, KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return blk, nil
}

func ageOfTx(tx Tx) time.Duration {
	switch v := tx.SetTime.(type) {
	case int64:
		return time.Since(time.UnixMilli(v))
	case float64:
		return time.Since(time.UnixMilli(int64(v)))
	default:
		return 0
	}
}

//---------------------------------------------------------------------
// PostGenesisBlock
//---------------------------------------------------------------------

// PostGenesisBlock creates tenant's height-0 block. ConflictingBlock when a
// block already exists, and forwarded as whatever CA3.Declare reports when this
// node is not the designated height-0 miner.
func (s *System) PostGenesisBlock(ctx context.Context, tenant string) error {
	t := s.resolveTenant(tenant)
	if _, err := s.main.GetLastBlock(ctx, GetLastBlockOpts{Tenant: t}); err == nil {
		return NewErr(KindConflictingBlock, "System", "PostGenesisBlock", "AlreadyExists", fmt.Sprintf("tenant %q already has a genesis block", t), nil)
	} else if !Is(err, KindNotFound) {
		return err
	}
	_, err := s.ca3.Declare(ctx, t, nil, nil, s.nodes)
	return err
}

//---------------------------------------------------------------------
// PostScanAndFixPool – gossip pool differences with every peer
//---------------------------------------------------------------------

// PostScanAndFixPool pushes this node's pool txs that a peer is missing.
// Txs this node is missing are not pulled directly (the wire protocol has
// no by-id pool fetch); they arrive once the peer runs its own
// PostScanAndFixPool and pushes its "extra" set back to us.
func (s *System) PostScanAndFixPool(ctx context.Context, tenant string) error {
	t := s.resolveTenant(tenant)
	localTxs, err := s.main.GetAllPool(ctx, GetPoolOpts{Tenant: t, SortDir: 1})
	if err != nil {
		return err
	}
	localById := make(map[string]Tx, len(localTxs))
	localIds := make([]string, 0, len(localTxs))
	for _, tx := range localTxs {
		localById[tx.Id] = tx
		localIds = append(localIds, tx.Id)
	}
	for _, peer := range s.peerNodes() {
		diff, err := s.inode.ExaminePoolDifference(ctx, peer, t, localIds)
		if err != nil {
			s.logger.Warnf("system: scanpool examine %s failed: %v", peer, err)
			continue
		}
		if len(diff.Missing) > 0 {
			s.logger.Debugf("system: scanpool: %d tx(s) from %s not yet local, awaiting peer push", len(diff.Missing), peer)
		}
		if len(diff.Extra) == 0 {
			continue
		}
		push := make([]Tx, 0, len(diff.Extra))
		for _, id := range diff.Extra {
			if tx, ok := localById[id]; ok {
				push = append(push, tx)
			}
		}
		if len(push) == 0 {
			continue
		}
		if err := s.inode.AddPool(ctx, peer, push); err != nil {
			s.logger.Warnf("system: scanpool push to %s failed: %v", peer, err)
		}
	}
	return nil
}

//---------------------------------------------------------------------
// PostScanAndFixBlock – resolve divergent heights by majority vote
//---------------------------------------------------------------------

// PostScanAndFixBlock compares this node's block hashes against every
// peer's and, for any height a peer disagrees on, fetches every
// node's block at that height and adopts whichever hash has the most
// votes (this node's own block counts as one vote). Each peer's
// GetBlockDigest is consulted as well so heights this node has never seen
// at all (not just heights it disagrees on) are pulled in too.
func (s *System) PostScanAndFixBlock(ctx context.Context, tenant string) error {
	t := s.resolveTenant(tenant)
	localBlocks, _, err := s.main.GetAllBlock(ctx, GetBlockOpts{Tenant: t, SortDir: 1})
	if err != nil {
		return err
	}
	localByHeight := make(map[int64]Blk, len(localBlocks))
	pairs := make([]heightHashPair, 0, len(localBlocks))
	localMaxHeight := int64(-1)
	for _, b := range localBlocks {
		localByHeight[b.Height] = b
		pairs = append(pairs, heightHashPair{Height: b.Height, Hash: b.Hash})
		if b.Height > localMaxHeight {
			localMaxHeight = b.Height
		}
	}

	divergent := map[int64]bool{}
	for _, peer := range s.peerNodes() {
		heights, err := s.inode.ExamineBlockDifference(ctx, peer, t, pairs)
		if err != nil {
			s.logger.Warnf("system: scanblock examine %s failed: %v", peer, err)
			continue
		}
		for _, h := range heights {
			divergent[h] = true
		}

		digest, err := s.inode.GetBlockDigest(ctx, peer, t, false)
		if err != nil {
			s.logger.Warnf("system: scanblock digest %s failed: %v", peer, err)
			continue
		}
		for h := localMaxHeight + 1; h <= digest.Height; h++ {
			divergent[h] = true
		}
	}

	for height := range divergent {
		if err := s.resolveDivergentHeight(ctx, t, height, localByHeight); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) resolveDivergentHeight(ctx context.Context, tenant string, height int64, localByHeight map[int64]Blk) error {
	votes := map[string]int{}
	byHash := map[string]Blk{}
	if local, ok := localByHeight[height]; ok {
		votes[local.Hash]++
		byHash[local.Hash] = local
	}
	for _, peer := range s.peerNodes() {
		blk, err := s.inode.GetBlockByHeight(ctx, peer, tenant, height)
		if err != nil || blk == nil {
			continue
		}
		votes[blk.Hash]++
		byHash[blk.Hash] = *blk
	}
	winnerHash, winnerVotes := "", 0
	for hash, v := range votes {
		if v > winnerVotes {
			winnerHash, winnerVotes = hash, v
		}
	}
	if winnerHash == "" {
		return nil
	}
	local, haveLocal := localByHeight[height]
	if haveLocal && local.Hash == winnerHash {
		return nil
	}
	winner := byHash[winnerHash]
	if haveLocal {
		return s.ds.BlockUpdateBlocks(ctx, []Blk{winner}, s.administrationId)
	}
	return s.ds.SetBlockNewData(ctx, winner, tenant)
}

//---------------------------------------------------------------------
// PostSyncCaches – refresh the keyring and tenant-registry caches
//---------------------------------------------------------------------

// PostSyncCaches refreshes the keyring's public-key cache and the tenant
// registry's open/closed cache from the chain.
func (s *System) PostSyncCaches(ctx context.Context) error {
	if err := s.keyring.RefreshPublicKeyCache(); err != nil {
		return err
	}
	return s.tenants.refresh(ctx)
}

//---------------------------------------------------------------------
// Tenant lifecycle (thin delegation, kept here so the admin API only ever
// talks to System)
//---------------------------------------------------------------------

func (s *System) PostOpenParcel(ctx context.Context, tenant string) error {
	return s.tenants.PostOpenParcel(ctx, s.resolveTenant(tenant))
}

func (s *System) PostCloseParcel(ctx context.Context, tenant string) error {
	return s.tenants.PostCloseParcel(ctx, s.resolveTenant(tenant))
}

//---------------------------------------------------------------------
// internodeServices implementation
//---------------------------------------------------------------------

func (s *System) handleAddPool(ctx context.Context, tenant string, txs []Tx) error {
	for _, tx := range txs {
		if tx.Tenant == "" {
			continue
		}
		if _, err := s.main.GetSearchByOid(ctx, tx.Id, GetSearchByOidOpts{Tenant: tx.Tenant}); err == nil {
			continue
		}
		if err := s.ds.SetPoolNewData(ctx, tx, tx.Tenant); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) handleGetPoolHeight(ctx context.Context, tenant string) (int, error) {
	txs, err := s.main.GetAllPool(ctx, GetPoolOpts{Tenant: tenant})
	if err != nil {
		return 0, err
	}
	return len(txs), nil
}

func (s *System) handleGetBlockHeight(ctx context.Context, tenant string) (int64, error) {
	blk, err := s.lastBlockOrNil(ctx, tenant)
	if err != nil {
		return 0, err
	}
	if blk == nil {
		return -1, nil
	}
	return blk.Height, nil
}

func (s *System) handleGetBlockDigest(ctx context.Context, tenant string) (blockDigestResponse, error) {
	blk, err := s.main.GetLastBlock(ctx, GetLastBlockOpts{Tenant: tenant})
	if err != nil {
		return blockDigestResponse{}, err
	}
	return blockDigestResponse{LastHash: blk.Hash, Height: blk.Height}, nil
}

func (s *System) handleGetBlock(ctx context.Context, oid, tenant string) (*Blk, error) {
	return s.findBlockByOid(ctx, oid, tenant)
}

func (s *System) handleGetBlockByHeight(ctx context.Context, tenant string, height int64) (*Blk, error) {
	cur, err := s.ds.GetBlockCursor(ctx, tenant, BlockCursorOpts{SortDir: 1})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var blk Blk
		if err := cur.Decode(&blk); err != nil {
			return nil, err
		}
		if blk.Height == height {
			return &blk, nil
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return nil, NewErr(KindNotFound, "System", "handleGetBlockByHeight", "Scan", fmt.Sprintf("no block at height %d", height), nil)
}

func (s *System) findBlockByOid(ctx context.Context, oid, tenant string) (*Blk, error) {
	cur, err := s.ds.GetBlockCursor(ctx, tenant, BlockCursorOpts{SortDir: 1})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var blk Blk
		if err := cur.Decode(&blk); err != nil {
			return nil, err
		}
		if blk.Id == oid {
			return &blk, nil
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return nil, NewErr(KindNotFound, "System", "findBlockByOid", "Scan", fmt.Sprintf("block %s not found", oid), nil)
}

func (s *System) handleExamineBlockDifference(ctx context.Context, tenant string, list []heightHashPair) ([]int64, error) {
	cur, err := s.ds.GetBlockCursor(ctx, tenant, BlockCursorOpts{SortDir: 1})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	local := map[int64]string{}
	for cur.Next(ctx) {
		var blk Blk
		if err := cur.Decode(&blk); err != nil {
			return nil, err
		}
		local[blk.Height] = blk.Hash
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	var divergent []int64
	for _, item := range list {
		if h, ok := local[item.Height]; !ok || h != item.Hash {
			divergent = append(divergent, item.Height)
		}
	}
	return divergent, nil
}

// handleExaminePoolDifference compares the caller's ids (its own pool) with
// this node's pool, from the caller's point of view: Missing is present on
// this node (the "peer" being queried) and absent from the caller's set;
// Extra is present in the caller's set and absent here.
func (s *System) handleExaminePoolDifference(ctx context.Context, tenant string, ids []string) (examinePoolDifferenceResponse, error) {
	localTxs, err := s.main.GetAllPool(ctx, GetPoolOpts{Tenant: tenant})
	if err != nil {
		return examinePoolDifferenceResponse{}, err
	}
	localSet := make(map[string]bool, len(localTxs))
	for _, tx := range localTxs {
		localSet[tx.Id] = true
	}
	callerSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		callerSet[id] = true
	}
	var missing, extra []string
	for id := range localSet {
		if !callerSet[id] {
			missing = append(missing, id)
		}
	}
	for _, id := range ids {
		if !localSet[id] {
			extra = append(extra, id)
		}
	}
	return examinePoolDifferenceResponse{Missing: missing, Extra: extra}, nil
}

func (s *System) handleDeclareOrSign(ctx context.Context, candidate Blk) (Blk, SignOutcome, error) {
	parentPtr, err := s.lastBlockOrNil(ctx, candidate.Tenant)
	if err != nil {
		return candidate, OutcomeStore, err
	}
	poolTxs, err := s.main.GetAllPool(ctx, GetPoolOpts{Tenant: candidate.Tenant})
	if err != nil {
		return candidate, OutcomeStore, err
	}
	poolIds := make(map[string]bool, len(poolTxs))
	for _, tx := range poolTxs {
		poolIds[tx.Id] = true
	}
	return s.ca3.HandleSignRequest(ctx, candidate, parentPtr, poolIds)
}

func (s *System) handleAddBlockCa3(ctx context.Context, tenant string, candidate Blk, removeFromPool bool) error {
	return s.ca3.Persist(ctx, candidate, tenant, removeFromPool)
}
