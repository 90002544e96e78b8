package core

// types.go – shared data model for the ledger: transactions, blocks and the
// on-chain public-key entry. Struct tags carry the exact wire field names so
// canonical serialization (CanonicalJSON, below) and the document store
// round-trip through the same JSON shape.
//
// Tx/Blk are JSON-document records rather than an account-based transaction
// model: a transaction carries an opaque payload keyed by tenant, not a
// balance delta.

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TxType enumerates the three transaction kinds a tenant may post.
type TxType string

const (
	TxNew    TxType = "new"
	TxUpdate TxType = "update"
	TxDelete TxType = "delete"
)

// MaxDataBytes is the payload ceiling: 15 MiB of serialized JSON.
const MaxDataBytes = 15 * 1024 * 1024

// PubkeyTag is the reserved cc_tx marker used by the keyring to recognize its
// own public-key entries amid ordinary transactions.
const PubkeyTag = "system.v3.keyring.config.pubkey"

// Tx is a single ledger transaction, pooled until it is folded into a block.
type Tx struct {
	Id        string          `json:"id"`
	Tenant    string          `json:"tenant"`
	Type      TxType          `json:"type"`
	SetTime   any             `json:"settime"`
	PrevId    string          `json:"prevId,omitempty"`
	DeliveryF bool            `json:"deliveryF"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Blk is a sealed, hash-linked batch of transactions.
type Blk struct {
	Id      string `json:"id"`
	Tenant  string `json:"tenant"`
	Version string `json:"version"`
	Height  int64  `json:"height"`
	Size    int    `json:"size"`
	Data    []Tx   `json:"data,omitempty"`

	SetTime   any   `json:"settime"`
	Timestamp int64 `json:"timestamp"`

	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash,omitempty"`

	// CA3 cooperative-signing fields.
	Miner       string            `json:"miner,omitempty"`
	SignedBy    map[string]string `json:"signedby,omitempty"`
	SignCounter int               `json:"signcounter"`
}

// PublicKeyEntry is the payload of a reserved keyring tx. It is never
// stored standalone — it lives inside Tx.Data of a tx posted with the
// administration identifier (and so stored under defaultTenantId), with
// Data["cc_tx"] == PubkeyTag.
type PublicKeyEntry struct {
	CcTx         string `json:"cc_tx"`
	NodeName     string `json:"nodeName"`
	VerifyKey    string `json:"verifyKey"`
	VerifyKeyHex string `json:"verifyKeyHex"`
}

// NewObjectId returns a 24-hex identifier: 4 bytes of unix-second timestamp
// followed by 8 random bytes, giving ids that sort roughly by creation time
// while remaining content-addressed enough to avoid collisions under
// concurrent posting from multiple nodes.
func NewObjectId() (string, error) {
	var buf [12]byte
	ts := uint32(time.Now().Unix())
	buf[0] = byte(ts >> 24)
	buf[1] = byte(ts >> 16)
	buf[2] = byte(ts >> 8)
	buf[3] = byte(ts)
	if _, err := rand.Read(buf[4:]); err != nil {
		return "", fmt.Errorf("generate object id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// IsValidObjectId reports whether s is a well-formed 24-hex identifier.
func IsValidObjectId(s string) bool {
	if len(s) != 24 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

//---------------------------------------------------------------------
// Canonical serialization
//---------------------------------------------------------------------

// CanonicalJSON returns v encoded as JSON with map keys sorted
// lexicographically, no insignificant whitespace, and any field that
// marshaled to `null` dropped entirely. It round-trips v through
// json.Marshal/Unmarshal into a generic any so that struct field order is
// replaced by Go's native (alphabetical) map-key ordering on the second
// marshal — the same approach is used for both signature bytes and the
// final stored hash, with different fields blanked out before the call.
func CanonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(first, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal: %w", err)
	}
	pruned := pruneNulls(generic)
	out, err := json.Marshal(pruned)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: remarshal: %w", err)
	}
	return out, nil
}

// pruneNulls recursively drops map entries whose value is nil so that
// optional fields marshaled as `"x":null` never appear in canonical bytes.
func pruneNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val := t[k]
			if val == nil {
				continue
			}
			out[k] = pruneNulls(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = pruneNulls(e)
		}
		return out
	default:
		return v
	}
}
