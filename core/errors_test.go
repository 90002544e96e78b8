package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewErrAndIs(t *testing.T) {
	err := NewErr(KindValidation, "Main", "postByJson", "CheckSize", "payload too large", nil)
	if !Is(err, KindValidation) {
		t.Fatalf("expected Is to report KindValidation")
	}
	if Is(err, KindNotFound) {
		t.Fatalf("expected Is to reject non-matching kind")
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("expected KindOf to report KindValidation")
	}
}

func TestKindOfDefaultsToInternalForPlainError(t *testing.T) {
	plain := errors.New("boom")
	if KindOf(plain) != KindInternal {
		t.Fatalf("expected KindInternal for a non-CCError")
	}
	if Is(plain, KindInternal) {
		t.Fatalf("Is should require an actual *CCError, not just a matching default")
	}
}

func TestCCErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := NewErr(KindDbTransient, "Datastore", "SetPoolNewData", "Insert", "", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected errors.Is to see through CCError.Unwrap")
	}
}

func TestCCErrorErrorStringIncludesDetail(t *testing.T) {
	err := NewErr(KindForbidden, "Main", "PostByJson", "TenantGate", "tenant closed", nil)
	msg := err.Error()
	want := "Forbidden: Main.PostByJson[TenantGate]: tenant closed"
	if msg != want {
		t.Fatalf("got %q, want %q", msg, want)
	}
}

func TestToAPIErrorBodyFromCCError(t *testing.T) {
	err := NewErr(KindNotFound, "Main", "GetSearchByOid", "Lookup", "no such document", nil)
	body := ToAPIErrorBody("GetSearchByOid", err)
	if body.Kind != string(KindNotFound) || body.Component != "Main" || body.Function != "GetSearchByOid" {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Api != "GetSearchByOid" {
		t.Fatalf("expected api field to carry caller-supplied name")
	}
}

func TestToAPIErrorBodyFromPlainError(t *testing.T) {
	body := ToAPIErrorBody("Ping", fmt.Errorf("connection reset"))
	if body.Kind != string(KindInternal) {
		t.Fatalf("expected KindInternal fallback, got %q", body.Kind)
	}
	if body.Detail != "connection reset" {
		t.Fatalf("expected plain error message as detail, got %q", body.Detail)
	}
}
