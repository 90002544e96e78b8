package core

// block.go – block format and the hash-chain rules shared by the CA3
// state machine: building a candidate, computing its pre-signature and
// final hash, and checking that a block legally extends its parent.

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// BlockVersion is stamped on every block this node produces.
const BlockVersion = "1"

// NewCandidateBlock builds an unsigned, unhashed block candidate extending
// parent (nil for genesis) with the given tx window.
func NewCandidateBlock(tenant string, parent *Blk, window []Tx, miner string) (Blk, error) {
	id, err := NewObjectId()
	if err != nil {
		return Blk{}, fmt.Errorf("new block id: %w", err)
	}
	height := int64(0)
	prevHash := ""
	if parent != nil {
		height = parent.Height + 1
		prevHash = parent.Hash
	}
	return Blk{
		Id:        id,
		Tenant:    tenant,
		Version:   BlockVersion,
		Height:    height,
		Size:      len(window),
		Data:      window,
		PrevHash:  prevHash,
		Miner:     miner,
		SignedBy:  map[string]string{},
		SignCounter: 0,
	}, nil
}

// preSignatureTarget returns the value each CA3 participant signs: the
// block with hash, signedby and signcounter all blanked. Passed directly to
// Keyring.SignByPrivateKey/VerifyByPublicKey, which canonicalize it themselves.
func preSignatureTarget(b Blk) Blk {
	stripped := b
	stripped.Hash = ""
	stripped.SignedBy = nil
	stripped.SignCounter = 0
	return stripped
}

// finalHashBytes returns the canonical bytes over which the final block
// hash is computed: hash blanked, but signedby/signcounter present.
func finalHashBytes(b Blk) ([]byte, error) {
	stripped := b
	stripped.Hash = ""
	return CanonicalJSON(stripped)
}

// ComputeBlockHash fills in b.Hash over its final canonical bytes (hash
// blanked, signedby/signcounter present) and returns the updated block.
func ComputeBlockHash(b Blk) (Blk, error) {
	bytes, err := finalHashBytes(b)
	if err != nil {
		return Blk{}, err
	}
	sum := sha256.Sum256(bytes)
	b.Hash = hex.EncodeToString(sum[:])
	return b, nil
}

// VerifyBlockHash reports whether b.Hash matches the SHA-256 of its own
// final canonical bytes.
func VerifyBlockHash(b Blk) bool {
	want := b.Hash
	recomputed, err := ComputeBlockHash(b)
	if err != nil {
		return false
	}
	return recomputed.Hash == want
}

// ExtendsParent reports whether candidate legally follows parent: equal
// height+1 and matching prevHash, or candidate is a genesis (parent nil,
// candidate.Height == 0).
func ExtendsParent(candidate Blk, parent *Blk) bool {
	if parent == nil {
		return candidate.Height == 0 && candidate.PrevHash == ""
	}
	return candidate.Height == parent.Height+1 && candidate.PrevHash == parent.Hash
}

// DesignatedMiner returns the nodeName responsible for proposing the block
// at the given height, chosen round-robin over the sorted node list.
func DesignatedMiner(nodes []string, height int64) string {
	if len(nodes) == 0 {
		return ""
	}
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	idx := int(height % int64(len(sorted)))
	return sorted[idx]
}

// Quorum returns floor(n/2)+1, the minimum signature count to seal a block
// over n participating nodes.
func Quorum(n int) int {
	return n/2 + 1
}
