package core

// datastore_memory.go – in-memory rawStore backend. With queueOnDisk=false
// cmd/casualchain uses it for both the pool and the block collection, and
// tests use it wherever no document store is reachable.
// Applies the same tenant filter and sort contract as the mongo backend so
// Datastore's semantics are identical across both.
//
// A plain map guarded by a mutex, no external deps; queueOnDisk=false is a
// supported production configuration, not a test-only stub.

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

type memoryDoc struct {
	id  string
	val any // Tx or Blk, stored by value; pointers handed out are copies
}

// memoryStore is a trivial in-process document store keyed by id.
type memoryStore struct {
	mu   sync.Mutex
	docs map[string]memoryDoc
	kind string // "tx" or "blk", used to decode Find results into the right type
}

func newMemoryPoolStore() *memoryStore { return &memoryStore{docs: make(map[string]memoryDoc), kind: "tx"} }
func newMemoryBlockStore() *memoryStore {
	return &memoryStore{docs: make(map[string]memoryDoc), kind: "blk"}
}

// NewDatastoreMemory wires a Datastore entirely over the in-memory backend:
// both pool and block collections live in process memory. Used for
// queueOnDisk=false deployments (whatever the node_mode) and by tests that
// don't want a mongo dependency.
func NewDatastoreMemory(logger *logrus.Logger, administrationId string) *Datastore {
	return NewDatastore(logger, administrationId, newMemoryPoolStore(), newMemoryBlockStore(), false)
}

func (m *memoryStore) Insert(_ context.Context, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := docId(doc)
	if err != nil {
		return err
	}
	if _, exists := m.docs[id]; exists {
		return fmt.Errorf("duplicate id %s", id)
	}
	m.docs[id] = memoryDoc{id: id, val: doc}
	return nil
}

func docId(doc any) (string, error) {
	switch d := doc.(type) {
	case Tx:
		return d.Id, nil
	case Blk:
		return d.Id, nil
	default:
		return "", fmt.Errorf("memoryStore: unsupported document type %T", doc)
	}
}

func docTenant(doc any) string {
	switch d := doc.(type) {
	case Tx:
		return d.Tenant
	case Blk:
		return d.Tenant
	default:
		return ""
	}
}

func matches(doc any, f rawFilter) bool {
	for field, want := range f.Eq {
		if !fieldEquals(doc, field, want) {
			return false
		}
	}
	for field, set := range f.In {
		ok := false
		for _, want := range set {
			if fieldEquals(doc, field, want) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func fieldEquals(doc any, field string, want any) bool {
	switch field {
	case "id":
		id, _ := docId(doc)
		return id == want
	case "tenant":
		return docTenant(doc) == want
	case "height":
		if b, ok := doc.(Blk); ok {
			return b.Height == want
		}
		return false
	case "deliveryF":
		if tx, ok := doc.(Tx); ok {
			return tx.DeliveryF == want
		}
		return false
	default:
		return false
	}
}

func (m *memoryStore) Find(_ context.Context, f rawFilter, sortDir int) (rawCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id, d := range m.docs {
		if matches(d.val, f) {
			ids = append(ids, id)
		}
	}
	if sortDir >= 0 {
		sort.Strings(ids)
	} else {
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	}
	vals := make([]any, 0, len(ids))
	for _, id := range ids {
		vals = append(vals, m.docs[id].val)
	}
	return &memoryCursor{vals: vals, idx: -1}, nil
}

func (m *memoryStore) UpdateMany(_ context.Context, f rawFilter, apply func(doc any)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.docs {
		if !matches(d.val, f) {
			continue
		}
		switch v := d.val.(type) {
		case Tx:
			apply(&v)
			m.docs[id] = memoryDoc{id: id, val: v}
		case Blk:
			apply(&v)
			m.docs[id] = memoryDoc{id: id, val: v}
		}
		n++
	}
	return n, nil
}

func (m *memoryStore) DeleteMany(_ context.Context, f rawFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.docs {
		if matches(d.val, f) {
			delete(m.docs, id)
			n++
		}
	}
	return n, nil
}

// RunInSession has no real transactional semantics for the in-memory
// backend (all operations already serialize under m.mu individually); it
// exists so Datastore's session contract is identical across backends. A
// panic inside fn propagates (no partial state to roll back in memory).
func (m *memoryStore) RunInSession(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memoryCursor struct {
	vals []any
	idx  int
}

func (c *memoryCursor) Next(_ context.Context) bool {
	if c.idx+1 >= len(c.vals) {
		return false
	}
	c.idx++
	return true
}

func (c *memoryCursor) Decode(out any) error {
	if c.idx < 0 || c.idx >= len(c.vals) {
		return fmt.Errorf("memoryCursor: Decode called out of range")
	}
	switch v := c.vals[c.idx].(type) {
	case Tx:
		p, ok := out.(*Tx)
		if !ok {
			return fmt.Errorf("memoryCursor: Decode target mismatch, want *Tx")
		}
		*p = v
	case Blk:
		p, ok := out.(*Blk)
		if !ok {
			return fmt.Errorf("memoryCursor: Decode target mismatch, want *Blk")
		}
		*p = v
	default:
		return fmt.Errorf("memoryCursor: unsupported stored type %T", v)
	}
	return nil
}

func (c *memoryCursor) Err() error { return nil }

func (c *memoryCursor) Close(_ context.Context) error { return nil }
