package commitment

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/mit-dci/utxosync/utxo"
)

// Add is one output creation to feed into the tree: the outpoint and the
// record that will live under it.
type Add struct {
	Op  wire.OutPoint
	Rec *utxo.Record
}

// leafEntry keeps the outpoint next to the record so the tree can be
// written out and reloaded without a separate index.
type leafEntry struct {
	Op  wire.OutPoint
	Rec *utxo.Record
}

// Tree is the sparse merkle tree over the whole UTXO set: a fixed-depth
// binary trie keyed by a hash of the outpoint.  Only nodes that differ
// from the shared per-depth empty hashes are stored, so the tree costs
// O(leaves * 256) nodes at worst, not O(2^256).
//
// Writes hold the write lock for the whole batch, so readers always see
// the tree at a committed root and never an intermediate state.
type Tree struct {
	mtx sync.RWMutex

	// nodes holds every interior (and leaf) hash that differs from the
	// empty-subtree hash at its depth.
	nodes map[nodeKey]Hash

	// leaves maps leaf key to the outpoint and record under it.
	leaves map[Hash]leafEntry

	supply int64

	// dirty tracks what changed since the last flush to storage.
	dirtyNodes  map[nodeKey]struct{}
	dirtyLeaves map[Hash]struct{}
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		nodes:       make(map[nodeKey]Hash),
		leaves:      make(map[Hash]leafEntry),
		dirtyNodes:  make(map[nodeKey]struct{}),
		dirtyLeaves: make(map[Hash]struct{}),
	}
}

// nodeAt gives the hash of the node at depth with the given path prefix,
// falling back to the shared empty hash for that depth.
func (t *Tree) nodeAt(depth int, path Hash) Hash {
	if h, ok := t.nodes[nodeKey{uint16(depth), path}]; ok {
		return h
	}
	return emptyRoots[depth]
}

func (t *Tree) putNode(depth int, path Hash, h Hash) {
	nk := nodeKey{uint16(depth), path}
	if h == emptyRoots[depth] {
		delete(t.nodes, nk)
	} else {
		t.nodes[nk] = h
	}
	t.dirtyNodes[nk] = struct{}{}
}

// setLeaf writes a leaf hash (or the empty hash to clear the slot) and
// rehashes the path up to the root.  256 sibling lookups and hashes per
// call.
func (t *Tree) setLeaf(key, leafHash Hash) {
	t.putNode(KeyDepth, key, leafHash)
	cur := leafHash
	for d := KeyDepth - 1; d >= 0; d-- {
		sib := t.nodeAt(d+1, maskKey(flipBit(key, d), d+1))
		if keyBit(key, d) == 1 {
			cur = parentHash(sib, cur)
		} else {
			cur = parentHash(cur, sib)
		}
		t.putNode(d, maskKey(key, d), cur)
	}
}

// Root returns the current root hash.
func (t *Tree) Root() Hash {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.nodeAt(0, Hash{})
}

// NumLeaves says how many unspent outputs the tree holds.
func (t *Tree) NumLeaves() uint64 {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return uint64(len(t.leaves))
}

// Supply returns the exact sum of all leaf amounts.
func (t *Tree) Supply() int64 {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.supply
}

// Get returns the record for an outpoint, or nil if it isn't in the set.
// Never mutates.
func (t *Tree) Get(op wire.OutPoint) *utxo.Record {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	if e, ok := t.leaves[Hash(utxo.LeafKey(op))]; ok {
		return e.Rec
	}
	return nil
}

// Insert adds one outpoint to the set and returns the new root.
// Fails with ErrKeyCollision if the outpoint is already present.
func (t *Tree) Insert(op wire.OutPoint, rec *utxo.Record) (Hash, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	err := t.insert(op, rec)
	if err != nil {
		return Hash{}, err
	}
	return t.nodeAt(0, Hash{}), nil
}

func (t *Tree) insert(op wire.OutPoint, rec *utxo.Record) error {
	if err := rec.Check(); err != nil {
		return err
	}
	key := Hash(utxo.LeafKey(op))
	if _, ok := t.leaves[key]; ok {
		return errKeyCollision(op)
	}
	t.setLeaf(key, Hash(rec.LeafHash(utxo.Hash(key))))
	t.leaves[key] = leafEntry{Op: op, Rec: rec}
	t.dirtyLeaves[key] = struct{}{}
	t.supply += rec.Amt
	return nil
}

// Remove spends one outpoint out of the set and returns the new root.
// Fails with ErrNotFound if it isn't there.
func (t *Tree) Remove(op wire.OutPoint) (Hash, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	_, err := t.remove(op)
	if err != nil {
		return Hash{}, err
	}
	return t.nodeAt(0, Hash{}), nil
}

func (t *Tree) remove(op wire.OutPoint) (*utxo.Record, error) {
	key := Hash(utxo.LeafKey(op))
	e, ok := t.leaves[key]
	if !ok {
		return nil, errNotFound(op)
	}
	t.setLeaf(key, empty)
	delete(t.leaves, key)
	t.dirtyLeaves[key] = struct{}{}
	t.supply -= e.Rec.Amt
	return e.Rec, nil
}

// BatchUpdate applies one block's worth of effects as a single atomic
// transition: creations first so outputs spent within the same block are
// already present, then spends.  On any failure everything applied so
// far is rolled back, so intermediate states are never observable.
//
// The returned Undo restores the tree to the prior root exactly, for
// abandoning a fork.
func (t *Tree) BatchUpdate(adds []Add, dels []wire.OutPoint) (Hash, *Undo, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	undo := &Undo{}
	for _, a := range adds {
		err := t.insert(a.Op, a.Rec)
		if err != nil {
			t.rollback(undo)
			return Hash{}, nil, err
		}
		undo.Added = append(undo.Added, a.Op)
	}
	for _, op := range dels {
		rec, err := t.remove(op)
		if err != nil {
			t.rollback(undo)
			return Hash{}, nil, err
		}
		undo.Removed = append(undo.Removed, Add{Op: op, Rec: rec})
	}

	root := t.nodeAt(0, Hash{})
	log.Tracef("batch applied: %d adds %d dels, %d leaves, root %x",
		len(adds), len(dels), len(t.leaves), root.Prefix())
	return root, undo, nil
}

// Commit snapshots the tree into a commitment for the given block.
func (t *Tree) Commit(height int32, blockHash [32]byte) *Commitment {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return newCommitment(
		t.nodeAt(0, Hash{}), height, blockHash, t.supply, uint64(len(t.leaves)))
}

// Clone deep-copies the tree.  Used by the verifier to replay a block
// without touching the live set, and by tests.
func (t *Tree) Clone() *Tree {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	c := NewTree()
	for nk, h := range t.nodes {
		c.nodes[nk] = h
	}
	for k, e := range t.leaves {
		c.leaves[k] = e
	}
	c.supply = t.supply
	return c
}

// LeafRange returns up to max leaves whose keys fall in [start, end),
// ascending by leaf key.  That's the order chunks ship in, so a
// downloader can sanity check monotonicity.  An all-zero end means no
// upper bound.
func (t *Tree) LeafRange(start, end Hash, max int) []Add {
	unbounded := end == Hash{}
	t.mtx.RLock()
	keys := make([]Hash, 0, len(t.leaves))
	for k := range t.leaves {
		if bytes.Compare(k[:], start[:]) >= 0 &&
			(unbounded || bytes.Compare(k[:], end[:]) < 0) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	out := make([]Add, len(keys))
	for i, k := range keys {
		e := t.leaves[k]
		out[i] = Add{Op: e.Op, Rec: e.Rec}
	}
	t.mtx.RUnlock()
	return out
}

// ToString prints the top of the tree for debugging small cases.
func (t *Tree) ToString() string {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return fmt.Sprintf("leaves %d supply %d root %x\n",
		len(t.leaves), t.supply, t.nodeAt(0, Hash{}).Prefix())
}
