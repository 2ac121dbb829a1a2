// Package audit implements the AgentMesh tamper-evident audit log: a
// hash-chained append-only store with Merkle proof generation, adapted
// from the teacher's cryptographic integrity and audit-logging services
// (spec section 4.8).
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/meshkind"
	"github.com/agentmesh/core/internal/models"
)

// GenesisHash seeds the chain for the first entry ever logged.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// canonicalBytes produces the deterministic byte representation an
// entry's hash is computed over: every field except EntryHash itself (so
// the hash can never cover its own value), round-tripped through a
// generic map so encoding/json's alphabetical map-key ordering gives a
// stable byte sequence regardless of struct field order.
func canonicalBytes(e *models.AuditEntry) ([]byte, error) {
	copyEntry := *e
	copyEntry.EntryHash = ""
	raw, err := json.Marshal(copyEntry)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// EntryHash computes the canonical hash for entry given its previous-link
// hash. Callers must set PreviousHash before calling this.
func EntryHash(e *models.AuditEntry) (string, error) {
	b, err := canonicalBytes(e)
	if err != nil {
		return "", err
	}
	return sha256Hex(string(b)), nil
}

// Log is an append-only, hash-chained audit log backed by an in-memory
// slice. A production deployment would back this with a KVStore-backed
// sink; the in-memory form is the seam a durable sink would replace.
type Log struct {
	mu      sync.RWMutex
	entries []*models.AuditEntry
	byID    map[string]*models.AuditEntry
	mc      *meshctx.MeshContext
}

// New builds an empty audit Log.
func New(mc *meshctx.MeshContext) *Log {
	return &Log{
		byID: make(map[string]*models.AuditEntry),
		mc:   mc,
	}
}

// Append adds a new entry to the chain, stamping entry_id, timestamp,
// previous_hash, and entry_hash. The caller supplies everything else.
func (l *Log) Append(entry models.AuditEntry) (*models.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.EntryID = uuid.New().String()
	entry.Timestamp = l.mc.Clock.Now().UTC().Format(time.RFC3339Nano)
	if len(l.entries) == 0 {
		entry.PreviousHash = GenesisHash
	} else {
		entry.PreviousHash = l.entries[len(l.entries)-1].EntryHash
	}

	if err := entry.Validate(); err != nil {
		return nil, meshkind.Wrap(meshkind.Audit, "invalid audit entry", err)
	}

	hash, err := EntryHash(&entry)
	if err != nil {
		return nil, meshkind.Wrap(meshkind.Audit, "failed to hash audit entry", err)
	}
	entry.EntryHash = hash

	stored := entry
	l.entries = append(l.entries, &stored)
	l.byID[stored.EntryID] = &stored
	return &stored, nil
}

// Get retrieves a single entry by ID.
func (l *Log) Get(entryID string) (*models.AuditEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[entryID]
	return e, ok
}

// Entries returns a defensive copy of every entry in chain order,
// optionally filtered by agent DID and/or event type (empty string means
// no filter on that field).
func (l *Log) Entries(agentDID, eventType string) []*models.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.AuditEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if agentDID != "" && e.AgentDID != agentDID {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// VerifyChainResult reports the outcome of a full chain walk.
type VerifyChainResult struct {
	Valid        bool
	BrokenAt     string
	BrokenReason string
}

// VerifyChain walks every entry and confirms: (1) each entry's hash
// recomputes to its stored entry_hash, and (2) each entry's previous_hash
// matches the prior entry's entry_hash (or GenesisHash for the first).
// Any single-entry tamper — mutated field, reordered entries, a spliced
// or deleted link — breaks one of these two checks (spec section 8's
// seven tamper-detection scenarios).
func (l *Log) VerifyChain() VerifyChainResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := GenesisHash
	for _, e := range l.entries {
		if e.PreviousHash != prev {
			return VerifyChainResult{Valid: false, BrokenAt: e.EntryID, BrokenReason: "previous_hash does not match prior entry"}
		}
		want, err := EntryHash(e)
		if err != nil {
			return VerifyChainResult{Valid: false, BrokenAt: e.EntryID, BrokenReason: "failed to recompute entry hash"}
		}
		if want != e.EntryHash {
			return VerifyChainResult{Valid: false, BrokenAt: e.EntryID, BrokenReason: "entry_hash does not match recomputed hash"}
		}
		prev = e.EntryHash
	}
	return VerifyChainResult{Valid: true}
}

// merkleNode is an internal node of the Merkle tree built over entry
// hashes. Unlike the hash chain (which only detects tamper by replay),
// the tree supports O(log n) membership proofs for a single entry.
type merkleNode struct {
	hash  string
	left  *merkleNode
	right *merkleNode
}

func buildTree(leaves []string) *merkleNode {
	if len(leaves) == 0 {
		return nil
	}
	nodes := make([]*merkleNode, len(leaves))
	for i, h := range leaves {
		nodes[i] = &merkleNode{hash: h}
	}
	for len(nodes) > 1 {
		var next []*merkleNode
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, &merkleNode{
				hash:  sha256Hex(left.hash + right.hash),
				left:  left,
				right: right,
			})
		}
		nodes = next
	}
	return nodes[0]
}

// MerkleRoot returns the Merkle root over the current entry hashes, or
// "" if the log is empty.
func (l *Log) MerkleRoot() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	leaves := make([]string, len(l.entries))
	for i, e := range l.entries {
		leaves[i] = e.EntryHash
	}
	root := buildTree(leaves)
	if root == nil {
		return ""
	}
	return root.hash
}

// MerkleProofFor builds a membership proof for the entry with ID entryID
// in the tree built over the log's current state. Duplicate-last-leaf
// padding on an odd level count matches the teacher's
// buildTreeFromLeaves behavior.
func (l *Log) MerkleProofFor(entryID string) (*models.MerkleProof, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	leafIndex := -1
	leaves := make([]string, len(l.entries))
	for i, e := range l.entries {
		leaves[i] = e.EntryHash
		if e.EntryID == entryID {
			leafIndex = i
		}
	}
	if leafIndex == -1 {
		return nil, meshkind.New(meshkind.Audit, fmt.Sprintf("entry not found: %s", entryID))
	}

	path, root := proofPath(leaves, leafIndex)
	return &models.MerkleProof{
		LeafHash:  leaves[leafIndex],
		RootHash:  root,
		Path:      path,
		LeafIndex: leafIndex,
		LeafCount: len(leaves),
	}, nil
}

// proofPath walks the tree level by level, recording the sibling hash
// and its position at each level, and returns the resulting root.
func proofPath(leaves []string, index int) ([]models.MerkleProofStep, string) {
	level := make([]string, len(leaves))
	copy(level, leaves)
	var path []models.MerkleProofStep

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			if i == index || i+1 == index {
				if i == index {
					path = append(path, models.MerkleProofStep{SiblingHash: right, IsLeft: false})
				} else {
					path = append(path, models.MerkleProofStep{SiblingHash: left, IsLeft: true})
				}
				index = len(next)
			}
			next = append(next, sha256Hex(left+right))
		}
		level = next
	}
	return path, level[0]
}

// VerifyMerkleProof recomputes the root from proof.LeafHash and
// proof.Path and compares it against proof.RootHash.
func VerifyMerkleProof(proof *models.MerkleProof) bool {
	if proof == nil {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.IsLeft {
			current = sha256Hex(step.SiblingHash + current)
		} else {
			current = sha256Hex(current + step.SiblingHash)
		}
	}
	return current == proof.RootHash
}
