package core

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestTenantRegistry(t *testing.T) (*TenantRegistry, *Main) {
	t.Helper()
	m := newTestMain(t, "", true)
	tr := NewTenantRegistry(m, "admn")
	m.SetTenantGateHook(tr.IsOpen)
	return tr, m
}

func TestTenantDefaultsOpen(t *testing.T) {
	tr, _ := newTestTenantRegistry(t)
	open, err := tr.IsOpen(context.Background(), "never-touched")
	if err != nil {
		t.Fatalf("is open: %v", err)
	}
	if !open {
		t.Fatalf("expected a never-closed tenant to default open")
	}
}

func TestPostCloseParcelRejectsSubsequentPosts(t *testing.T) {
	tr, m := newTestTenantRegistry(t)
	ctx := context.Background()
	if err := tr.PostCloseParcel(ctx, "t1"); err != nil {
		t.Fatalf("close parcel: %v", err)
	}
	_, err := m.PostByJson(ctx, PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: []byte(`{"x":1}`)})
	if !Is(err, KindForbidden) {
		t.Fatalf("expected KindForbidden for a closed tenant, got %v", err)
	}
}

func TestPostOpenParcelReopensAClosedTenant(t *testing.T) {
	tr, m := newTestTenantRegistry(t)
	ctx := context.Background()
	if err := tr.PostCloseParcel(ctx, "t1"); err != nil {
		t.Fatalf("close parcel: %v", err)
	}
	if err := tr.PostOpenParcel(ctx, "t1"); err != nil {
		t.Fatalf("open parcel: %v", err)
	}
	if _, err := m.PostByJson(ctx, PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: []byte(`{"x":1}`)}); err != nil {
		t.Fatalf("expected posts to succeed once reopened, got %v", err)
	}
}

func TestRefreshMergesNewestFirst(t *testing.T) {
	// Bypass PostByJson so the two tenant-state rows get explicit,
	// deterministically ordered ids instead of racing on unix-second
	// timestamp resolution.
	ds := NewDatastoreMemory(logrus.New(), "admn")
	m := NewMain(ds, "admn", "", true)
	tr := NewTenantRegistry(m, "admn")
	ctx := context.Background()

	older := `{"cc_tx":"system.v3.tenant.config.state","tenant":"t1","open":false}`
	newer := `{"cc_tx":"system.v3.tenant.config.state","tenant":"t1","open":true}`
	if err := ds.SetPoolNewData(ctx, Tx{Id: "000000000000000000000001", Tenant: "admn", Type: TxNew, Data: []byte(older)}, "admn"); err != nil {
		t.Fatalf("seed older: %v", err)
	}
	if err := ds.SetPoolNewData(ctx, Tx{Id: "000000000000000000000002", Tenant: "admn", Type: TxNew, Data: []byte(newer)}, "admn"); err != nil {
		t.Fatalf("seed newer: %v", err)
	}

	open, err := tr.IsOpen(ctx, "t1")
	if err != nil {
		t.Fatalf("is open: %v", err)
	}
	if !open {
		t.Fatalf("expected the higher-id (newer) row to win the merge")
	}
}
