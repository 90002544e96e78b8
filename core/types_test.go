package core

import (
	"encoding/json"
	"testing"
)

func TestNewObjectIdIsValid(t *testing.T) {
	id, err := NewObjectId()
	if err != nil {
		t.Fatalf("new object id: %v", err)
	}
	if !IsValidObjectId(id) {
		t.Fatalf("expected generated id %q to be valid", id)
	}
}

func TestIsValidObjectIdRejectsMalformed(t *testing.T) {
	cases := []string{"", "short", "zzzzzzzzzzzzzzzzzzzzzzzz", "00000000000000000000000" + "0"}
	for _, c := range cases {
		if IsValidObjectId(c) {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestNewObjectIdUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewObjectId()
		if err != nil {
			t.Fatalf("new object id: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate object id %q", id)
		}
		seen[id] = true
	}
}

func TestCanonicalJSONKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}
	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("canonical a: %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("canonical b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical bytes regardless of field order: %s vs %s", ca, cb)
	}
}

func TestCanonicalJSONDropsNullFields(t *testing.T) {
	type withOptional struct {
		A string  `json:"a"`
		B *string `json:"b"`
	}
	out, err := CanonicalJSON(withOptional{A: "x", B: nil})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(out, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := generic["b"]; present {
		t.Fatalf("expected null field b to be pruned, got %s", out)
	}
	if generic["a"] != "x" {
		t.Fatalf("expected field a preserved, got %s", out)
	}
}

func TestCanonicalJSONStableForBlockHashing(t *testing.T) {
	b1 := Blk{Id: "1", Tenant: "t", SignedBy: map[string]string{"x": "1", "y": "2"}}
	b2 := Blk{Id: "1", Tenant: "t", SignedBy: map[string]string{"y": "2", "x": "1"}}
	c1, err := CanonicalJSON(b1)
	if err != nil {
		t.Fatalf("canonical b1: %v", err)
	}
	c2, err := CanonicalJSON(b2)
	if err != nil {
		t.Fatalf("canonical b2: %v", err)
	}
	if string(c1) != string(c2) {
		t.Fatalf("expected canonical bytes independent of map construction order")
	}
}
