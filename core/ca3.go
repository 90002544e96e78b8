package core

// ca3.go – the CA3 cooperative-signing block formation protocol:
// Declare -> Sign-and-forward -> Seal -> Persist. One tenant forms one
// block at a time; the miner for a given height is chosen round-robin by
// height mod len(nodes).

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// CandidateState is the per-block-candidate lifecycle state.
type CandidateState string

const (
	StateProposing CandidateState = "Proposing"
	StateSigning   CandidateState = "Signing"
	StateSealed    CandidateState = "Sealed"
	StatePersisted CandidateState = "Persisted"
)

// SignOutcome is what a peer's Sign-and-forward step reports back.
type SignOutcome string

const (
	OutcomeForward SignOutcome = "Forward" // signed and forwarded to the next ring member
	OutcomeStore   SignOutcome = "Store"   // verification failed; miner should stash and retry
)

// ca3Peer is the narrow slice of Internode that CA3 needs to drive a round.
// Internode implements this once C5 is built; CA3 never imports Internode.
type ca3Peer interface {
	DeclareBlockCreation(ctx context.Context, peer string, candidate Blk) (Blk, SignOutcome, error)
	SignAndResendOrStore(ctx context.Context, peer string, candidate Blk) (Blk, SignOutcome, error)
	AddBlockCa3(ctx context.Context, peer string, candidate Blk, removeFromPool bool) error
}

// CA3 runs the cooperative-signing protocol for a single node.
type CA3 struct {
	logger           *logrus.Logger
	keyring          *Keyring
	ds               *Datastore
	peers            ca3Peer
	nodeName         string
	administrationId string

	mu         sync.Mutex
	candidates map[string]*candidateTracker // tenant -> in-flight candidate
}

type candidateTracker struct {
	block Blk
	state CandidateState
}

// NewCA3 wires a CA3 round-runner over the given keyring/datastore/peer
// transport for this node.
func NewCA3(logger *logrus.Logger, keyring *Keyring, ds *Datastore, peers ca3Peer, nodeName, administrationId string) *CA3 {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CA3{logger: logger, keyring: keyring, ds: ds, peers: peers, nodeName: nodeName, administrationId: administrationId, candidates: make(map[string]*candidateTracker)}
}

func (c *CA3) setTracker(tenant string, t *candidateTracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates[tenant] = t
}

//---------------------------------------------------------------------
// Step 1: Declare
//---------------------------------------------------------------------

// Declare builds a candidate block for tenant from window, sends it to the
// signing ring members in ring order until quorum is reached, and returns
// once the round is sealed, stashed for retry (Store), or ends short of
// quorum (Seal then reports ConflictingBlock).
func (c *CA3) Declare(ctx context.Context, tenant string, parent *Blk, window []Tx, nodes []string) (Blk, error) {
	miner := DesignatedMiner(nodes, nextHeight(parent))
	if miner != c.nodeName {
		return Blk{}, NewErr(KindForbidden, "CA3", "Declare", "MinerCheck", fmt.Sprintf("node %s is not the designated miner for this height", c.nodeName), nil)
	}
	candidate, err := NewCandidateBlock(tenant, parent, window, miner)
	if err != nil {
		return Blk{}, NewErr(KindInternal, "CA3", "Declare", "NewCandidateBlock", err.Error(), err)
	}
	c.setTracker(tenant, &candidateTracker{block: candidate, state: StateProposing})

	ring := sortedRing(nodes, c.nodeName)
	for _, peer := range ring {
		result, outcome, err := c.peers.DeclareBlockCreation(ctx, peer, candidate)
		if err != nil {
			c.logger.Warnf("ca3: declare to %s failed: %v", peer, err)
			continue // Unreachable peers are excluded, never fail the round
		}
		if outcome == OutcomeStore {
			c.setTracker(tenant, &candidateTracker{block: candidate, state: StateProposing})
			return Blk{}, NewErr(KindConflictingBlock, "CA3", "Declare", "PeerStore", fmt.Sprintf("peer %s rejected candidate, stashed for retry", peer), nil)
		}
		candidate = result
		if len(candidate.SignedBy) >= Quorum(len(nodes)) {
			break
		}
	}
	c.setTracker(tenant, &candidateTracker{block: candidate, state: StateSigning})
	return c.Seal(ctx, tenant, candidate, nodes)
}

func nextHeight(parent *Blk) int64 {
	if parent == nil {
		return 0
	}
	return parent.Height + 1
}

// sortedRing returns nodes sorted by nodeName, rotated to start just after
// self so that self comes last; the ring order is the deterministic
// forwarding order for sign-and-forward.
func sortedRing(nodes []string, self string) []string {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	idx := 0
	for i, n := range sorted {
		if n == self {
			idx = i
			break
		}
	}
	out := make([]string, 0, len(sorted))
	for i := 1; i <= len(sorted); i++ {
		out = append(out, sorted[(idx+i)%len(sorted)])
	}
	return out
}

//---------------------------------------------------------------------
// Step 2: Sign-and-forward (inbound, invoked by Internode when a peer
// declares or forwards a candidate to us)
//---------------------------------------------------------------------

// HandleSignRequest verifies an inbound candidate, signs it on success, and
// reports the outcome for the caller (Internode) to forward or stash.
func (c *CA3) HandleSignRequest(ctx context.Context, candidate Blk, parent *Blk, poolIds map[string]bool) (Blk, SignOutcome, error) {
	if !ExtendsParent(candidate, parent) {
		return candidate, OutcomeStore, NewErr(KindConflictingBlock, "CA3", "HandleSignRequest", "ExtendsParent", "candidate does not extend local chain", nil)
	}
	// poolIds is intentionally not enforced here: a tx absent from the local
	// pool is accepted rather than rejected, since this peer can simply be
	// told about it via the embedded candidate data itself.
	_ = poolIds
	sig, err := c.keyring.SignByPrivateKey(preSignatureTarget(candidate))
	if err != nil {
		return candidate, OutcomeStore, NewErr(KindInternal, "CA3", "HandleSignRequest", "SignByPrivateKey", err.Error(), err)
	}
	if candidate.SignedBy == nil {
		candidate.SignedBy = map[string]string{}
	}
	candidate.SignedBy[c.nodeName] = sig
	candidate.SignCounter = len(candidate.SignedBy)
	return candidate, OutcomeForward, nil
}

//---------------------------------------------------------------------
// Step 3: Seal
//---------------------------------------------------------------------

// Seal computes the final hash once quorum is reached and broadcasts
// AddBlockCa3 to every peer.
func (c *CA3) Seal(ctx context.Context, tenant string, candidate Blk, nodes []string) (Blk, error) {
	if len(candidate.SignedBy) < Quorum(len(nodes)) {
		return Blk{}, NewErr(KindConflictingBlock, "CA3", "Seal", "QuorumCheck", "insufficient signatures to seal", nil)
	}
	sealed, err := ComputeBlockHash(candidate)
	if err != nil {
		return Blk{}, NewErr(KindInternal, "CA3", "Seal", "ComputeBlockHash", err.Error(), err)
	}
	c.setTracker(tenant, &candidateTracker{block: sealed, state: StateSealed})
	for _, peer := range nodes {
		if peer == c.nodeName {
			continue
		}
		if err := c.peers.AddBlockCa3(ctx, peer, sealed, true); err != nil {
			c.logger.Warnf("ca3: seal broadcast to %s failed: %v", peer, err)
		}
	}
	if err := c.Persist(ctx, sealed, tenant, true); err != nil {
		return Blk{}, err
	}
	return sealed, nil
}

//---------------------------------------------------------------------
// Step 4: Persist
//---------------------------------------------------------------------

// Persist validates the hash chain locally and writes the block. When
// removeFromPool is set, the embedded transactions are deleted from the
// pool collection.
func (c *CA3) Persist(ctx context.Context, sealed Blk, tenant string, removeFromPool bool) error {
	if !VerifyBlockHash(sealed) {
		return NewErr(KindConflictingBlock, "CA3", "Persist", "VerifyBlockHash", "block hash does not verify", nil)
	}
	cur, err := c.ds.GetBlockCursor(ctx, tenant, BlockCursorOpts{SortDir: -1})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	var parent *Blk
	if cur.Next(ctx) {
		var last Blk
		if err := cur.Decode(&last); err != nil {
			return err
		}
		parent = &last
	}
	if !ExtendsParent(sealed, parent) {
		return NewErr(KindConflictingBlock, "CA3", "Persist", "ExtendsParent", "block does not extend the local chain", nil)
	}
	if sealed.Height > 0 {
		if err := c.verifyAllSignatures(sealed); err != nil {
			return err
		}
	}
	if err := c.ds.SetBlockNewData(ctx, sealed, tenant); err != nil {
		return err
	}
	if removeFromPool && len(sealed.Data) > 0 {
		ids := make([]string, 0, len(sealed.Data))
		for _, tx := range sealed.Data {
			ids = append(ids, tx.Id)
		}
		if err := c.ds.PoolDeleteTransactions(ctx, ids, c.administrationId); err != nil {
			return err
		}
	}
	c.setTracker(tenant, &candidateTracker{block: sealed, state: StatePersisted})
	return nil
}

// CandidateStatus reports the in-flight candidate state for tenant, if any.
func (c *CA3) CandidateStatus(tenant string) (CandidateState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.candidates[tenant]
	if !ok {
		return "", false
	}
	return t.state, true
}

// verifyAllSignatures checks that signcounter matches the signature count
// and every signature in signedby verifies over the block's pre-signature
// bytes for its signer.
func (c *CA3) verifyAllSignatures(b Blk) error {
	if b.SignCounter != len(b.SignedBy) {
		return NewErr(KindConflictingBlock, "CA3", "verifyAllSignatures", "CountCheck", "signcounter does not match signature count", nil)
	}
	target := preSignatureTarget(b)
	for nodeName, sig := range b.SignedBy {
		ok, err := c.keyring.VerifyByPublicKey(sig, target, nodeName)
		if err != nil || !ok {
			return NewErr(KindSignatureRejected, "CA3", "verifyAllSignatures", "VerifyByPublicKey", fmt.Sprintf("signature from %s does not verify", nodeName), err)
		}
	}
	return nil
}
