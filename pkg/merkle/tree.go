// Package merkle builds Merkle trees over audit entry hashes so a batch
// of ledger entries can be anchored externally as a single root, with
// per-entry inclusion proofs.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain separation prefixes keep leaf and interior hashes from being
// confused for one another.
const (
	leafPrefix = "concord:audit:leaf:v1"
	nodePrefix = "concord:audit:node:v1"
)

// Tree is a balanced Merkle tree over a fixed set of leaf hashes. Odd
// levels are balanced by duplicating the last node.
type Tree struct {
	leaves []string
	levels [][]string // levels[0] = leaf hashes, last level = [root]
}

// Build constructs a tree over the given entry hashes (hex-encoded
// SHA-256). Order is significant: inclusion proofs are positional.
func Build(entryHashes []string) (*Tree, error) {
	if len(entryHashes) == 0 {
		return nil, fmt.Errorf("merkle: no leaves")
	}

	leaves := make([]string, len(entryHashes))
	for i, h := range entryHashes {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %d is not hex: %w", i, err)
		}
		leaves[i] = leafHash(raw)
	}

	t := &Tree{leaves: leaves}
	level := leaves
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t, nil
}

// Root returns the hex-encoded tree root.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

func leafHash(raw []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.Write(raw)
	return sha256Hex(buf.Bytes())
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
