package core

// errors.go – a stable error taxonomy. Every component returns (or wraps)
// *CCError instead of bare errors so the admin API and the internode
// RESULT_FAILURE payload can both surface
// {api, component, function, position, detail} without re-parsing error
// strings.
//
// A plain sentinel error can't carry a stable kind plus
// component/function/position/detail, so CCError wraps the underlying error
// instead of replacing it, keeping errors.Is/As usable through the wrap.

import (
	"errors"
	"fmt"
)

// ErrKind is one of the stable error kinds every component reports.
type ErrKind string

const (
	KindNotFound          ErrKind = "NotFound"
	KindForbidden         ErrKind = "Forbidden"
	KindValidation        ErrKind = "Validation"
	KindUnreachable       ErrKind = "Unreachable"
	KindSignatureRejected ErrKind = "SignatureRejected"
	KindConflictingBlock  ErrKind = "ConflictingBlock"
	KindDbTransient       ErrKind = "DbTransient"
	KindInternal          ErrKind = "Internal"
	KindNotImplemented    ErrKind = "NotImplemented"
)

// CCError is the typed error returned by Datastore, Keyring, Internode, Main
// and System. It carries enough context for the admin API / wire RPC to
// report {api, component, function, position, detail} verbatim.
type CCError struct {
	Kind      ErrKind
	Component string // e.g. "Datastore", "Keyring", "Main", "System", "Internode"
	Function  string // e.g. "postByJson"
	Position  string // e.g. "CheckKeys" — the specific check/step that failed
	Detail    string
	Err       error // wrapped cause, may be nil
}

func (e *CCError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s.%s[%s]: %s", e.Kind, e.Component, e.Function, e.Position, e.Detail)
	}
	return fmt.Sprintf("%s: %s.%s[%s]", e.Kind, e.Component, e.Function, e.Position)
}

func (e *CCError) Unwrap() error { return e.Err }

// NewErr constructs a CCError. detail may be empty; err may be nil.
func NewErr(kind ErrKind, component, function, position, detail string, err error) *CCError {
	return &CCError{Kind: kind, Component: component, Function: function, Position: position, Detail: detail, Err: err}
}

// KindOf returns the ErrKind carried by err, or KindInternal if err does not
// wrap a *CCError.
func KindOf(err error) ErrKind {
	var cc *CCError
	if errors.As(err, &cc) {
		return cc.Kind
	}
	return KindInternal
}

// Is reports whether err (or something it wraps) is a *CCError of kind k.
func Is(err error, k ErrKind) bool {
	var cc *CCError
	if errors.As(err, &cc) {
		return cc.Kind == k
	}
	return false
}

// APIErrorBody is the wire shape for REST error responses and for the
// RESULT_FAILURE payload on the internode wire.
type APIErrorBody struct {
	Api       string `json:"api,omitempty"`
	Component string `json:"component"`
	Function  string `json:"function"`
	Position  string `json:"position"`
	Detail    string `json:"detail"`
	Kind      string `json:"kind"`
}

// ToAPIErrorBody renders err (ideally a *CCError) into the wire error shape.
// api is the route or RPC name the caller was invoking.
func ToAPIErrorBody(api string, err error) APIErrorBody {
	var cc *CCError
	if errors.As(err, &cc) {
		return APIErrorBody{
			Api:       api,
			Component: cc.Component,
			Function:  cc.Function,
			Position:  cc.Position,
			Detail:    cc.Detail,
			Kind:      string(cc.Kind),
		}
	}
	return APIErrorBody{Api: api, Component: "unknown", Function: "unknown", Position: "unknown", Detail: err.Error(), Kind: string(KindInternal)}
}
