package attestation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// EmptyRoot is the root of a tree with no leaves.
const EmptyRoot = "0000000000000000000000000000000000000000000000000000000000000000"

// Leaves and interior nodes hash under different prefixes so a leaf can
// never be passed off as a node.
const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

var ErrIndexOutOfRange = errors.New("attestation: leaf index out of range")

type digest = [sha256.Size]byte

// LeafHash is the hex SHA-256 of 0x00 || data.
func LeafHash(data []byte) string {
	h := leafDigest(data)
	return hex.EncodeToString(h[:])
}

func leafDigest(data []byte) digest {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	var d digest
	h.Sum(d[:0])
	return d
}

func nodeDigest(left, right digest) digest {
	var buf [1 + 2*sha256.Size]byte
	buf[0] = nodePrefix
	copy(buf[1:], left[:])
	copy(buf[1+sha256.Size:], right[:])
	return sha256.Sum256(buf[:])
}

// Side says where a proof sibling sits relative to the running hash.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Side Side   `json:"side"`
}

// Tree is an append-only binary Merkle tree. A level with an odd number of
// nodes pairs its last node with itself. Interior nodes are cached per
// level, so Append and Proof are O(log n).
type Tree struct {
	mu     sync.RWMutex
	levels [][]digest
}

func NewTree() *Tree {
	return &Tree{}
}

// Len is the number of leaves.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leaves()
}

func (t *Tree) leaves() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Root returns the hex root, or EmptyRoot.
func (t *Tree) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root()
}

func (t *Tree) root() string {
	if t.leaves() == 0 {
		return EmptyRoot
	}
	top := t.levels[len(t.levels)-1]
	return hex.EncodeToString(top[0][:])
}

// Append adds the leaf for data and returns its index and the new root.
func (t *Tree) Append(data []byte) (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.appendDigest(leafDigest(data))
	return idx, t.root()
}

func (t *Tree) appendDigest(leaf digest) int {
	if len(t.levels) == 0 {
		t.levels = append(t.levels, nil)
	}
	t.levels[0] = append(t.levels[0], leaf)
	idx := len(t.levels[0]) - 1

	pos, n := idx, len(t.levels[0])
	for level := 0; n > 1; level++ {
		parent := pos / 2
		left := t.levels[level][2*parent]
		right := left
		if 2*parent+1 < n {
			right = t.levels[level][2*parent+1]
		}
		if len(t.levels) == level+1 {
			t.levels = append(t.levels, nil)
		}
		up := nodeDigest(left, right)
		if parent < len(t.levels[level+1]) {
			t.levels[level+1][parent] = up
		} else {
			t.levels[level+1] = append(t.levels[level+1], up)
		}
		pos, n = parent, (n+1)/2
	}
	return idx
}

// Proof returns the audit path for leaf index, bottom up.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.leaves()
	if index < 0 || index >= n {
		return nil, ErrIndexOutOfRange
	}
	steps := []ProofStep{}
	pos := index
	for level := 0; n > 1; level++ {
		sibling, side := pos+1, Right
		if pos%2 == 1 {
			sibling, side = pos-1, Left
		}
		if sibling >= n {
			sibling = pos
		}
		h := t.levels[level][sibling]
		steps = append(steps, ProofStep{Hash: hex.EncodeToString(h[:]), Side: side})
		pos, n = pos/2, (n+1)/2
	}
	return steps, nil
}

// Verify folds proof over leafHash and compares the result with root. All
// hashes are hex. It needs no access to the tree, so holders of a proof can
// check it offline.
func Verify(leafHash string, proof []ProofStep, root string) bool {
	cur, ok := decodeDigest(leafHash)
	if !ok {
		return false
	}
	for _, step := range proof {
		sib, ok := decodeDigest(step.Hash)
		if !ok {
			return false
		}
		switch step.Side {
		case Left:
			cur = nodeDigest(sib, cur)
		case Right:
			cur = nodeDigest(cur, sib)
		default:
			return false
		}
	}
	return hex.EncodeToString(cur[:]) == root
}

func decodeDigest(s string) (digest, bool) {
	var d digest
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(d) {
		return d, false
	}
	copy(d[:], b)
	return d, true
}
