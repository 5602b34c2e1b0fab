package commitment

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/utxo"
)

// PartialTree holds only the part of the tree that verified proofs have
// taught it, the way a pollard holds only the branches it was given
// proofs for.  Seed it with paths against a trusted root, then replay
// leaf updates on it and read off the new root, all without ever holding
// the full set.
//
// Unlike the full tree, an absent node here means *unknown*, not empty,
// so every node a path touches is stored explicitly, empties included.
type PartialTree struct {
	root  Hash
	nodes map[nodeKey]Hash
}

// NewPartialTree starts a partial tree pinned to a trusted root.
func NewPartialTree(root Hash) *PartialTree {
	return &PartialTree{
		root:  root,
		nodes: make(map[nodeKey]Hash),
	}
}

// Root returns the root as of the last update.
func (pt *PartialTree) Root() Hash {
	return pt.root
}

// AddPath verifies a leaf claim against the current root and absorbs
// every node along it.  All paths must be seeded before the first
// SetLeaf; afterwards the root has moved and paths against the old root
// won't verify.
func (pt *PartialTree) AddPath(key, leafHash Hash, path *Path) error {
	cur := leafHash
	si := 0

	// remember what we'd learn; only store it if the path verifies
	learned := make(map[nodeKey]Hash, 2*KeyDepth+1)
	learned[nodeKey{KeyDepth, key}] = leafHash

	for i := 0; i < KeyDepth; i++ {
		d := KeyDepth - i
		var sib Hash
		if path.emptyAt(i) {
			sib = emptyRoots[d]
		} else {
			if si >= len(path.Siblings) {
				return errors.Wrap(ErrProofInvalid, "path sibling count")
			}
			sib = path.Siblings[si]
			si++
		}
		learned[nodeKey{uint16(d), maskKey(flipBit(key, d-1), d)}] = sib
		if keyBit(key, d-1) == 1 {
			cur = parentHash(sib, cur)
		} else {
			cur = parentHash(cur, sib)
		}
		learned[nodeKey{uint16(d - 1), maskKey(key, d - 1)}] = cur
	}

	if si != len(path.Siblings) || cur != pt.root {
		return errors.Wrapf(ErrProofInvalid,
			"path folds to %x, root is %x", cur.Prefix(), pt.root.Prefix())
	}
	for nk, h := range learned {
		pt.nodes[nk] = h
	}
	return nil
}

// AddInclusion seeds the partial tree with a record's inclusion proof.
func (pt *PartialTree) AddInclusion(op wire.OutPoint, rec *utxo.Record, path *Path) error {
	key := utxo.LeafKey(op)
	return pt.AddPath(Hash(key), Hash(rec.LeafHash(key)), path)
}

// AddExclusion seeds the partial tree with proof that an outpoint's slot
// is vacant, which is what a creation needs before it can be replayed.
func (pt *PartialTree) AddExclusion(op wire.OutPoint, path *Path) error {
	return pt.AddPath(Hash(utxo.LeafKey(op)), empty, path)
}

// SetLeaf rewrites one leaf slot and rehashes up, moving the root.
// Fails with ErrProofInvalid if a needed sibling was never taught to us.
func (pt *PartialTree) SetLeaf(key, leafHash Hash) error {
	pt.nodes[nodeKey{KeyDepth, key}] = leafHash
	cur := leafHash
	for d := KeyDepth - 1; d >= 0; d-- {
		sib, ok := pt.nodes[nodeKey{uint16(d + 1), maskKey(flipBit(key, d), d+1)}]
		if !ok {
			return errors.Wrapf(ErrProofInvalid,
				"no proof covers sibling at depth %d", d+1)
		}
		if keyBit(key, d) == 1 {
			cur = parentHash(sib, cur)
		} else {
			cur = parentHash(cur, sib)
		}
		pt.nodes[nodeKey{uint16(d), maskKey(key, d)}] = cur
	}
	pt.root = cur
	return nil
}

// Spend replays a spend: clears the outpoint's slot.
func (pt *PartialTree) Spend(op wire.OutPoint) error {
	return pt.SetLeaf(Hash(utxo.LeafKey(op)), empty)
}

// Create replays a creation: writes the record's leaf hash into the
// outpoint's slot.
func (pt *PartialTree) Create(op wire.OutPoint, rec *utxo.Record) error {
	key := utxo.LeafKey(op)
	return pt.SetLeaf(Hash(key), Hash(rec.LeafHash(key)))
}
