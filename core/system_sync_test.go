package core

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
)

// fakeSystemPeers routes systemPeer calls straight into the addressed
// node's own System, standing in for Internode's websocket transport so
// PostScanAndFixPool/PostScanAndFixBlock can be exercised across a real
// multi-node cluster without a network.
type fakeSystemPeers struct {
	systems map[string]*System
}

func (f *fakeSystemPeers) AddPool(ctx context.Context, peer string, txs []Tx) error {
	return f.systems[peer].handleAddPool(ctx, "", txs)
}

func (f *fakeSystemPeers) ExaminePoolDifference(ctx context.Context, peer, tenant string, ids []string) (examinePoolDifferenceResponse, error) {
	return f.systems[peer].handleExaminePoolDifference(ctx, tenant, ids)
}

func (f *fakeSystemPeers) ExamineBlockDifference(ctx context.Context, peer, tenant string, list []heightHashPair) ([]int64, error) {
	return f.systems[peer].handleExamineBlockDifference(ctx, tenant, list)
}

func (f *fakeSystemPeers) GetBlockDigest(ctx context.Context, peer, tenant string, failIfUnhealthy bool) (blockDigestResponse, error) {
	return f.systems[peer].handleGetBlockDigest(ctx, tenant)
}

func (f *fakeSystemPeers) GetBlockByHeight(ctx context.Context, peer, tenant string, height int64) (*Blk, error) {
	return f.systems[peer].handleGetBlockByHeight(ctx, tenant, height)
}

// newTestSystemCluster wires one full System per name, all sharing a
// fakeSystemPeers router, so peer-facing flows (scan-and-fix, delivery) run
// against genuine additional nodes instead of a single-node cluster that can
// never reach them.
func newTestSystemCluster(t *testing.T, names []string) (map[string]*System, map[string]*Datastore) {
	t.Helper()
	peers := &fakeSystemPeers{systems: map[string]*System{}}
	systems := map[string]*System{}
	dss := map[string]*Datastore{}
	for _, name := range names {
		ds := NewDatastoreMemory(logrus.New(), "admn")
		main := NewMain(ds, "admn", "t1", true)
		kr := newTestKeyring(t, name)
		kr.AttachMain(main)
		ca3 := NewCA3(logrus.New(), kr, ds, nil, name, "admn")
		tenants := NewTenantRegistry(main, "admn")
		main.SetTenantGateHook(tenants.IsOpen)
		sys := NewSystem(logrus.New(), ds, main, ca3, kr, peers, tenants, name, "admn", "t1", names, 0, 0)
		systems[name] = sys
		dss[name] = ds
		peers.systems[name] = sys
	}
	return systems, dss
}

// TestPostScanAndFixBlockAdoptsHeightsMissingEntirelyLocally reproduces the
// named fork-recovery scenario: node1 has blocks at heights 0, 2 and 3;
// node2 only has height 0. Heights 2 and 3 aren't merely mismatched on
// node2, they don't exist there at all, so ExamineBlockDifference alone
// (which only flags heights present in the caller-supplied list) can never
// surface them — PostScanAndFixBlock has to consult the peer's block
// height/digest directly to discover them.
func TestPostScanAndFixBlockAdoptsHeightsMissingEntirelyLocally(t *testing.T) {
	ctx := context.Background()
	systems, dss := newTestSystemCluster(t, []string{"node1", "node2"})
	ds1, ds2 := dss["node1"], dss["node2"]

	blk0 := Blk{Id: "000000000000000000000000", Tenant: "t1", Height: 0, Hash: "hash0"}
	blk2 := Blk{Id: "000000000000000000000002", Tenant: "t1", Height: 2, Hash: "hash2"}
	blk3 := Blk{Id: "000000000000000000000003", Tenant: "t1", Height: 3, Hash: "hash3"}

	if err := ds1.SetBlockNewData(ctx, blk0, "t1"); err != nil {
		t.Fatalf("seed node1 height 0: %v", err)
	}
	if err := ds1.SetBlockNewData(ctx, blk2, "t1"); err != nil {
		t.Fatalf("seed node1 height 2: %v", err)
	}
	if err := ds1.SetBlockNewData(ctx, blk3, "t1"); err != nil {
		t.Fatalf("seed node1 height 3: %v", err)
	}
	if err := ds2.SetBlockNewData(ctx, blk0, "t1"); err != nil {
		t.Fatalf("seed node2 height 0: %v", err)
	}

	if err := systems["node2"].PostScanAndFixBlock(ctx, "t1"); err != nil {
		t.Fatalf("post scan and fix block: %v", err)
	}

	blocks, _, err := systems["node2"].main.GetAllBlock(ctx, GetBlockOpts{Tenant: "t1", SortDir: 1})
	if err != nil {
		t.Fatalf("get all block: %v", err)
	}
	byHeight := make(map[int64]Blk, len(blocks))
	for _, b := range blocks {
		byHeight[b.Height] = b
	}
	if len(blocks) != 3 {
		t.Fatalf("expected node2 to adopt heights 2 and 3 from node1, got %+v", blocks)
	}
	if byHeight[2].Hash != "hash2" || byHeight[3].Hash != "hash3" {
		t.Fatalf("expected node2's heights 2/3 to match node1's hashes, got %+v", byHeight)
	}

	// node1 is untouched: it already had every height and agrees with itself.
	blocks1, _, err := systems["node1"].main.GetAllBlock(ctx, GetBlockOpts{Tenant: "t1", SortDir: 1})
	if err != nil {
		t.Fatalf("get all block node1: %v", err)
	}
	if len(blocks1) != 3 {
		t.Fatalf("expected node1's own 3 blocks untouched, got %+v", blocks1)
	}
}

// TestPostScanAndFixBlockReplacesForkedBlockWithDifferentId exercises the
// haveLocal=true fork-repair path in resolveDivergentHeight/BlockUpdateBlocks:
// the local block at a divergent height must be replaced by a winner that
// carries a different Id, not matched away as a no-op. Three nodes (two
// agreeing, one forked) give a deterministic majority instead of a coin-flip
// 1-1 tie that a bare two-node fixture would produce.
func TestPostScanAndFixBlockReplacesForkedBlockWithDifferentId(t *testing.T) {
	ctx := context.Background()
	systems, dss := newTestSystemCluster(t, []string{"node1", "node2", "node3"})

	winner := Blk{Id: "000000000000000000000010", Tenant: "t1", Height: 0, Hash: "winner-hash"}
	stale := Blk{Id: "000000000000000000000099", Tenant: "t1", Height: 0, Hash: "stale-hash"}

	if err := dss["node1"].SetBlockNewData(ctx, winner, "t1"); err != nil {
		t.Fatalf("seed node1: %v", err)
	}
	if err := dss["node3"].SetBlockNewData(ctx, winner, "t1"); err != nil {
		t.Fatalf("seed node3: %v", err)
	}
	if err := dss["node2"].SetBlockNewData(ctx, stale, "t1"); err != nil {
		t.Fatalf("seed node2: %v", err)
	}

	if err := systems["node2"].PostScanAndFixBlock(ctx, "t1"); err != nil {
		t.Fatalf("post scan and fix block: %v", err)
	}

	blocks, _, err := systems["node2"].main.GetAllBlock(ctx, GetBlockOpts{Tenant: "t1", SortDir: 1})
	if err != nil {
		t.Fatalf("get all block: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected exactly one block at height 0 after repair, got %+v", blocks)
	}
	if blocks[0].Id != winner.Id || blocks[0].Hash != "winner-hash" {
		t.Fatalf("expected node2 to adopt the two-node majority's differently-id'd winner, got %+v", blocks[0])
	}
}
