package commitment

import (
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/utxo"
)

// Path is a merkle path from a leaf slot up to the root: the 256 sibling
// hashes, leaf side first.  Siblings that are empty subtrees aren't
// shipped; EmptyBits marks them and the verifier substitutes the shared
// per-depth empty hash.  With n leaves in the set all but ~log2(n)
// siblings are empty, so a path costs ~log2(n) hashes on the wire.
type Path struct {
	Siblings  []Hash
	EmptyBits [KeyDepth / 8]byte
}

func (p *Path) emptyAt(i int) bool {
	return (p.EmptyBits[i>>3]>>(7-uint(i&7)))&1 == 1
}

func (p *Path) setEmpty(i int) {
	p.EmptyBits[i>>3] |= 1 << (7 - uint(i&7))
}

/*
Path serialization is:
2bytes numSiblings
32bytes EmptyBits
[]Siblings (32 bytes each)
*/

// Serialize a path to a writer.
func (p *Path) Serialize(w io.Writer) (err error) {
	err = binary.Write(w, binary.BigEndian, uint16(len(p.Siblings)))
	if err != nil {
		return
	}
	_, err = w.Write(p.EmptyBits[:])
	if err != nil {
		return
	}
	for _, h := range p.Siblings {
		_, err = w.Write(h[:])
		if err != nil {
			return
		}
	}
	return
}

// SerializeSize says how big a path is on the wire.
func (p *Path) SerializeSize() int {
	// 2B count, 32B bitmap, 32B per shipped sibling
	return 2 + KeyDepth/8 + 32*len(p.Siblings)
}

// Deserialize gives a path back from the serialized bytes.
func (p *Path) Deserialize(r io.Reader) (err error) {
	var numSiblings uint16
	err = binary.Read(r, binary.BigEndian, &numSiblings)
	if err != nil {
		return
	}
	if numSiblings > KeyDepth {
		return errors.Wrapf(ErrProofInvalid,
			"path claims %d siblings", numSiblings)
	}
	_, err = io.ReadFull(r, p.EmptyBits[:])
	if err != nil {
		return
	}
	p.Siblings = make([]Hash, numSiblings)
	for i := range p.Siblings {
		_, err = io.ReadFull(r, p.Siblings[i][:])
		if err != nil {
			return
		}
	}
	return
}

// ProveOutpoint builds the path for an outpoint's leaf slot against the
// current root.  Works whether the outpoint is present (inclusion) or
// absent (exclusion); the caller proves whichever leaf hash it claims.
func (t *Tree) ProveOutpoint(op wire.OutPoint) *Path {
	return t.ProveKey(Hash(utxo.LeafKey(op)))
}

// ProveKey is ProveOutpoint for an already-hashed leaf key.
func (t *Tree) ProveKey(key Hash) *Path {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	p := new(Path)
	for i := 0; i < KeyDepth; i++ {
		d := KeyDepth - i
		sib := t.nodeAt(d, maskKey(flipBit(key, d-1), d))
		if sib == emptyRoots[d] {
			p.setEmpty(i)
		} else {
			p.Siblings = append(p.Siblings, sib)
		}
	}
	return p
}

// pathRoot folds a claimed leaf hash up the path and returns the root it
// lands on.  Returns false if the shipped sibling count doesn't match
// the bitmap.
func pathRoot(key, leafHash Hash, path *Path) (Hash, bool) {
	cur := leafHash
	si := 0
	for i := 0; i < KeyDepth; i++ {
		d := KeyDepth - i
		var sib Hash
		if path.emptyAt(i) {
			sib = emptyRoots[d]
		} else {
			if si >= len(path.Siblings) {
				return Hash{}, false
			}
			sib = path.Siblings[si]
			si++
		}
		if keyBit(key, d-1) == 1 {
			cur = parentHash(sib, cur)
		} else {
			cur = parentHash(cur, sib)
		}
	}
	return cur, si == len(path.Siblings)
}

// VerifyInclusion checks a remote claim that rec sits under op at root.
// Pure function; needs no tree access, so any peer can check any other
// peer's chunk data with it.
func VerifyInclusion(root Hash, op wire.OutPoint, rec *utxo.Record, path *Path) bool {
	key := utxo.LeafKey(op)
	got, ok := pathRoot(Hash(key), Hash(rec.LeafHash(key)), path)
	return ok && got == root
}

// VerifyExclusion checks a claim that op is NOT in the set at root: the
// path must fold an empty leaf slot up to the root.
func VerifyExclusion(root Hash, op wire.OutPoint, path *Path) bool {
	got, ok := pathRoot(Hash(utxo.LeafKey(op)), empty, path)
	return ok && got == root
}
