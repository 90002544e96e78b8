package core

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestMain(t *testing.T, defaultTenantId string, enableDefault bool) *Main {
	t.Helper()
	ds := NewDatastoreMemory(logrus.New(), "admn")
	return NewMain(ds, "admn", defaultTenantId, enableDefault)
}

func TestPostByJsonHappyPath(t *testing.T) {
	m := newTestMain(t, "", true)
	id, err := m.PostByJson(context.Background(), PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !IsValidObjectId(id) {
		t.Fatalf("expected a valid object id, got %q", id)
	}
	txs, err := m.GetAllPool(context.Background(), GetPoolOpts{Tenant: "t1"})
	if err != nil {
		t.Fatalf("get all pool: %v", err)
	}
	if len(txs) != 1 || txs[0].Id != id {
		t.Fatalf("expected one pool tx with id %q, got %+v", id, txs)
	}
}

func TestPostByJsonRejectsUnknownType(t *testing.T) {
	m := newTestMain(t, "", true)
	_, err := m.PostByJson(context.Background(), PostByJsonOpts{Tenant: "t1", Type: TxType("bogus"), Data: json.RawMessage(`{}`)})
	if !Is(err, KindValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestPostByJsonRequiresPrevIdForUpdateAndDelete(t *testing.T) {
	m := newTestMain(t, "", true)
	for _, typ := range []TxType{TxUpdate, TxDelete} {
		_, err := m.PostByJson(context.Background(), PostByJsonOpts{Tenant: "t1", Type: typ, Data: json.RawMessage(`{"x":1}`)})
		if !Is(err, KindValidation) {
			t.Fatalf("type %s: expected KindValidation without prevId, got %v", typ, err)
		}
	}
}

func TestPostByJsonRejectsEmptyData(t *testing.T) {
	m := newTestMain(t, "", true)
	_, err := m.PostByJson(context.Background(), PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: nil})
	if !Is(err, KindValidation) {
		t.Fatalf("expected KindValidation for empty data, got %v", err)
	}
}

func TestPostByJsonRejectsNonObjectData(t *testing.T) {
	m := newTestMain(t, "", true)
	_, err := m.PostByJson(context.Background(), PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: json.RawMessage(`[1,2,3]`)})
	if !Is(err, KindValidation) {
		t.Fatalf("expected KindValidation for non-object data, got %v", err)
	}
}

func TestPostByJsonRejectsOversizedData(t *testing.T) {
	m := newTestMain(t, "", true)
	huge := `{"x":"` + strings.Repeat("a", MaxDataBytes+1) + `"}`
	_, err := m.PostByJson(context.Background(), PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: json.RawMessage(huge)})
	if !Is(err, KindValidation) {
		t.Fatalf("expected KindValidation for oversized data, got %v", err)
	}
}

func TestPostByJsonTenantGateRejectsClosedTenant(t *testing.T) {
	m := newTestMain(t, "", true)
	m.SetTenantGateHook(func(ctx context.Context, tenant string) (bool, error) { return false, nil })
	_, err := m.PostByJson(context.Background(), PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: json.RawMessage(`{"x":1}`)})
	if !Is(err, KindForbidden) {
		t.Fatalf("expected KindForbidden for a closed tenant, got %v", err)
	}
}

func TestResolveTenantDefaultFallback(t *testing.T) {
	mEnabled := newTestMain(t, "default-tenant", true)
	id, err := mEnabled.PostByJson(context.Background(), PostByJsonOpts{Type: TxNew, Data: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("post with default tenant enabled: %v", err)
	}
	tx, err := mEnabled.GetSearchByOid(context.Background(), id, GetSearchByOidOpts{Tenant: "default-tenant"})
	if err != nil {
		t.Fatalf("expected tx under default tenant, got %v", err)
	}
	if tx.Tenant != "default-tenant" {
		t.Fatalf("expected tenant default-tenant, got %q", tx.Tenant)
	}

	mDisabled := newTestMain(t, "default-tenant", false)
	_, err = mDisabled.PostByJson(context.Background(), PostByJsonOpts{Type: TxNew, Data: json.RawMessage(`{"x":1}`)})
	if !Is(err, KindForbidden) {
		t.Fatalf("expected KindForbidden when no tenant supplied and default disabled, got %v", err)
	}
}

func TestGetSearchByOidRejectsMalformedId(t *testing.T) {
	m := newTestMain(t, "", true)
	_, err := m.GetSearchByOid(context.Background(), "not-an-oid", GetSearchByOidOpts{Tenant: "t1"})
	if !Is(err, KindValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestGetSearchByOidNotFound(t *testing.T) {
	m := newTestMain(t, "", true)
	id, _ := NewObjectId()
	_, err := m.GetSearchByOid(context.Background(), id, GetSearchByOidOpts{Tenant: "t1"})
	if !Is(err, KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestGetHistoryByOidFollowsPrevIdChain(t *testing.T) {
	m := newTestMain(t, "", true)
	ctx := context.Background()
	id1, err := m.PostByJson(ctx, PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: json.RawMessage(`{"v":1}`)})
	if err != nil {
		t.Fatalf("post 1: %v", err)
	}
	id2, err := m.PostByJson(ctx, PostByJsonOpts{Tenant: "t1", Type: TxUpdate, PrevId: id1, Data: json.RawMessage(`{"v":2}`)})
	if err != nil {
		t.Fatalf("post 2: %v", err)
	}
	chain, err := m.GetHistoryByOid(ctx, id2, "t1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != 2 || chain[0].Id != id2 || chain[1].Id != id1 {
		t.Fatalf("unexpected chain %+v", chain)
	}
}

func TestGetHistoryByOidToleratesMissingPredecessor(t *testing.T) {
	m := newTestMain(t, "", true)
	ctx := context.Background()
	bogusPrev, _ := NewObjectId()
	id, err := m.PostByJson(ctx, PostByJsonOpts{Tenant: "t1", Type: TxUpdate, PrevId: bogusPrev, Data: json.RawMessage(`{"v":1}`)})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	chain, err := m.GetHistoryByOid(ctx, id, "t1")
	if err != nil {
		t.Fatalf("history should not error on a missing predecessor: %v", err)
	}
	if len(chain) != 1 || chain[0].Id != id {
		t.Fatalf("expected a partial one-element chain, got %+v", chain)
	}
}

func TestGetAllExcludesUndeliveredWhenRequested(t *testing.T) {
	m := newTestMain(t, "", true)
	ctx := context.Background()
	if _, err := m.PostByJson(ctx, PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: json.RawMessage(`{"v":1}`)}); err != nil {
		t.Fatalf("post: %v", err)
	}
	txs, err := m.GetAll(ctx, GetAllOpts{Tenant: "t1", ExcludeNonpropagate: true})
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected undelivered tx excluded, got %+v", txs)
	}
}

func TestGetSearchByJsonUnsupportedMatcherType(t *testing.T) {
	m := newTestMain(t, "", true)
	_, err := m.GetSearchByJson(context.Background(), GetSearchByJsonOpts{Tenant: "t1", MatcherType: "regex"})
	if !Is(err, KindNotImplemented) {
		t.Fatalf("expected KindNotImplemented, got %v", err)
	}
}

func TestGetSearchByJsonStrictMatch(t *testing.T) {
	m := newTestMain(t, "", true)
	ctx := context.Background()
	if _, err := m.PostByJson(ctx, PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: json.RawMessage(`{"owner":"alice"}`)}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := m.PostByJson(ctx, PostByJsonOpts{Tenant: "t1", Type: TxNew, Data: json.RawMessage(`{"owner":"bob"}`)}); err != nil {
		t.Fatalf("post: %v", err)
	}
	out, err := m.GetSearchByJson(ctx, GetSearchByJsonOpts{Tenant: "t1", Key: "owner", Value: "alice", MatcherType: "strict"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(out))
	}
}
