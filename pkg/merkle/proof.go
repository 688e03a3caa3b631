package merkle

import (
	"bytes"
	"fmt"
	"strings"
)

// InclusionProof shows that one entry hash is covered by a tree root.
type InclusionProof struct {
	EntryHash string      `json:"entry_hash"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	Path      []ProofStep `json:"path"`
}

// ProofStep is one sibling on the leaf-to-root walk.
type ProofStep struct {
	Side    string `json:"side"` // "L" or "R"
	Sibling string `json:"sibling"`
}

// Prove builds an inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (InclusionProof, error) {
	if index < 0 || index >= len(t.leaves) {
		return InclusionProof{}, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.leaves))
	}

	proof := InclusionProof{
		LeafHash: t.leaves[index],
		Root:     t.Root(),
	}

	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling >= len(level) {
			// Odd level: the last node is its own duplicated sibling.
			sibling = pos
		}
		side := "R"
		if sibling < pos {
			side = "L"
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, Sibling: level[sibling]})
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from the proof and compares it to the
// expected root. An empty expectedRoot trusts the proof's own root field.
func Verify(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.Root, expectedRoot) {
		return false
	}

	current := proof.LeafHash
	if current == "" && proof.EntryHash != "" {
		current = leafHash(hexToBytes(proof.EntryHash))
	}

	for _, step := range proof.Path {
		var buf bytes.Buffer
		buf.WriteString(nodePrefix)
		buf.WriteByte(0)
		if step.Side == "L" {
			buf.Write(hexToBytes(step.Sibling))
			buf.Write(hexToBytes(current))
		} else {
			buf.Write(hexToBytes(current))
			buf.Write(hexToBytes(step.Sibling))
		}
		current = sha256Hex(buf.Bytes())
	}
	return strings.EqualFold(current, proof.Root)
}
