package core

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/sirupsen/logrus"
)

// fakeCluster routes ca3Peer calls straight into the addressed node's own
// CA3 instance, standing in for the websocket transport in
// core/internode.go so CA3's Declare/Seal/Persist flow can be exercised
// without a real network. Every member sees the same parent (nil for a
// genesis round).
type fakeCluster struct {
	members map[string]*CA3
	parent  *Blk
}

func (f *fakeCluster) DeclareBlockCreation(ctx context.Context, peer string, candidate Blk) (Blk, SignOutcome, error) {
	return f.members[peer].HandleSignRequest(ctx, candidate, f.parent, nil)
}

func (f *fakeCluster) SignAndResendOrStore(ctx context.Context, peer string, candidate Blk) (Blk, SignOutcome, error) {
	return f.members[peer].HandleSignRequest(ctx, candidate, f.parent, nil)
}

func (f *fakeCluster) AddBlockCa3(ctx context.Context, peer string, candidate Blk, removeFromPool bool) error {
	return f.members[peer].Persist(ctx, candidate, candidate.Tenant, removeFromPool)
}

// cacheEachOther seeds every keyring's public-key cache with the others' so
// VerifyByPublicKey does not need a live chain to refresh from.
func cacheEachOther(krs map[string]*Keyring) {
	for _, kr := range krs {
		for name, other := range krs {
			kr.cache[name] = PublicKeyEntry{NodeName: name, VerifyKeyHex: hex.EncodeToString(other.pub)}
		}
	}
}

// Three nodes are the smallest cluster where two peers can sign a genesis
// candidate and reach Quorum(3)==2 without the miner ever signing its own
// proposal (the miner is last in its own signing ring, so Declare reaches
// quorum before the ring comes back to it).
func TestCA3DeclareSealsGenesisAcrossThreeNodes(t *testing.T) {
	ctx := context.Background()
	nodeNames := []string{"node-a", "node-b", "node-c"}
	krs := map[string]*Keyring{}
	for _, n := range nodeNames {
		krs[n] = newTestKeyring(t, n)
	}
	cacheEachOther(krs)

	dss := map[string]*Datastore{}
	members := map[string]*CA3{}
	cluster := &fakeCluster{members: members}
	for _, n := range nodeNames {
		dss[n] = NewDatastoreMemory(logrus.New(), "admn")
		members[n] = NewCA3(logrus.New(), krs[n], dss[n], cluster, n, "admn")
	}

	sealed, err := members["node-a"].Declare(ctx, "t1", nil, nil, nodeNames)
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if sealed.Height != 0 {
		t.Fatalf("expected genesis height 0, got %d", sealed.Height)
	}
	if sealed.SignCounter < Quorum(len(nodeNames)) {
		t.Fatalf("expected quorum %d signatures, got %d", Quorum(len(nodeNames)), sealed.SignCounter)
	}
	if !VerifyBlockHash(sealed) {
		t.Fatalf("expected the sealed block's hash to verify")
	}

	cur, err := dss["node-a"].GetBlockCursor(ctx, "t1", BlockCursorOpts{})
	if err != nil {
		t.Fatalf("get block cursor: %v", err)
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		t.Fatalf("expected the miner to have persisted the sealed block locally")
	}
}

func TestDeclareRejectsNonDesignatedMiner(t *testing.T) {
	kr := newTestKeyring(t, "node-b")
	ds := NewDatastoreMemory(logrus.New(), "admn")
	ca3 := NewCA3(logrus.New(), kr, ds, nil, "node-b", "admn")
	// Height 0's designated miner is nodes[0] == "node-a", not self.
	_, err := ca3.Declare(context.Background(), "t1", nil, nil, []string{"node-a", "node-b"})
	if !Is(err, KindForbidden) {
		t.Fatalf("expected KindForbidden for a non-designated miner, got %v", err)
	}
}

func TestHandleSignRequestRejectsNonExtendingCandidate(t *testing.T) {
	kr := newTestKeyring(t, "node-b")
	ds := NewDatastoreMemory(logrus.New(), "admn")
	ca3 := NewCA3(logrus.New(), kr, ds, nil, "node-b", "admn")
	parent := Blk{Id: "p", Height: 5, Hash: "hash5"}
	candidate := Blk{Id: "c", Height: 1, PrevHash: "wrong"} // doesn't extend parent
	_, outcome, err := ca3.HandleSignRequest(context.Background(), candidate, &parent, nil)
	if outcome != OutcomeStore {
		t.Fatalf("expected OutcomeStore, got %v", outcome)
	}
	if !Is(err, KindConflictingBlock) {
		t.Fatalf("expected KindConflictingBlock, got %v", err)
	}
}

func TestHandleSignRequestSignsAndIncrementsCounter(t *testing.T) {
	kr := newTestKeyring(t, "node-b")
	ds := NewDatastoreMemory(logrus.New(), "admn")
	ca3 := NewCA3(logrus.New(), kr, ds, nil, "node-b", "admn")
	candidate := Blk{Id: "c", Height: 0, PrevHash: "", SignedBy: map[string]string{}}
	signed, outcome, err := ca3.HandleSignRequest(context.Background(), candidate, nil, nil)
	if err != nil {
		t.Fatalf("handle sign request: %v", err)
	}
	if outcome != OutcomeForward {
		t.Fatalf("expected OutcomeForward, got %v", outcome)
	}
	if signed.SignCounter != 1 || signed.SignedBy["node-b"] == "" {
		t.Fatalf("expected one recorded signature from node-b, got %+v", signed)
	}
}

func TestPersistRejectsTamperedHash(t *testing.T) {
	kr := newTestKeyring(t, "node-a")
	ds := NewDatastoreMemory(logrus.New(), "admn")
	ca3 := NewCA3(logrus.New(), kr, ds, nil, "node-a", "admn")
	blk := Blk{Id: "c", Tenant: "t1", Height: 0, Hash: "not-the-real-hash"}
	if err := ca3.Persist(context.Background(), blk, "t1", false); !Is(err, KindConflictingBlock) {
		t.Fatalf("expected KindConflictingBlock for a tampered hash, got %v", err)
	}
}

func TestPersistRemovesEmbeddedTxsFromPoolWhenRequested(t *testing.T) {
	kr := newTestKeyring(t, "node-a")
	ds := NewDatastoreMemory(logrus.New(), "admn")
	ca3 := NewCA3(logrus.New(), kr, ds, nil, "node-a", "admn")
	ctx := context.Background()

	txId := mustObjectId(t)
	if err := ds.SetPoolNewData(ctx, Tx{Id: txId, Tenant: "t1", Type: TxNew}, "t1"); err != nil {
		t.Fatalf("seed pool tx: %v", err)
	}
	blk := Blk{Id: mustObjectId(t), Tenant: "t1", Height: 0, Data: []Tx{{Id: txId, Tenant: "t1"}}}
	blk, err := ComputeBlockHash(blk)
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if err := ca3.Persist(ctx, blk, "t1", true); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if remaining := drainPoolIds(t, ds, "t1"); len(remaining) != 0 {
		t.Fatalf("expected the embedded tx removed from the pool, got %+v", remaining)
	}
}
