package commitment

import (
	"crypto/sha512"
	"encoding/hex"

	"github.com/mit-dci/utxosync/common"
)

// Hash is the 32 bytes of a sha512/256 hash
type Hash [32]byte

// Prefix for printfs
func (h Hash) Prefix() []byte {
	return h[:4]
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// KeyDepth is how many levels sit below the root.  Leaf keys are 256 bit
// hashes, so every leaf lives at depth 256 and the root at depth 0.
const KeyDepth = 256

// empty is the hash of a vacant leaf slot.
var empty Hash

// emptyRoots[d] is the root of an all-empty subtree whose top sits at
// depth d.  One shared constant per depth is what makes a 256 deep trie
// representable; without the table every vacant subtree would need its
// own nodes.
var emptyRoots [KeyDepth + 1]Hash

func init() {
	emptyRoots[KeyDepth] = empty
	for d := KeyDepth - 1; d >= 0; d-- {
		emptyRoots[d] = parentHash(emptyRoots[d+1], emptyRoots[d+1])
	}
}

// EmptyRoot returns the root hash of a tree with no leaves at all.
func EmptyRoot() Hash {
	return emptyRoots[0]
}

// parentHash gets you the merkle parent of two child hashes.  Unlike a
// forest accumulator there's no leaf packing here, so empty children are
// legal and hash like any other value.
func parentHash(l, r Hash) Hash {
	buf := common.NewFreeBytes()
	defer buf.Free()
	buf.Bytes = append(buf.Bytes, l[:]...)
	buf.Bytes = append(buf.Bytes, r[:]...)
	return sha512.Sum512_256(buf.Bytes)
}

// keyBit gives bit i of a key, counting from the most significant bit of
// the first byte.  Bit d picks the child when stepping from depth d to
// depth d+1.
func keyBit(k Hash, i int) byte {
	return (k[i>>3] >> (7 - uint(i&7))) & 1
}

// flipBit returns the key with bit i flipped; that's the sibling branch
// at depth i.
func flipBit(k Hash, i int) Hash {
	k[i>>3] ^= 1 << (7 - uint(i&7))
	return k
}

// maskKey keeps the first depth bits of a key and zeroes the rest, which
// is how interior nodes are path-addressed.
func maskKey(k Hash, depth int) (m Hash) {
	copy(m[:depth>>3], k[:depth>>3])
	if depth&7 != 0 {
		m[depth>>3] = k[depth>>3] & (0xff << (8 - uint(depth&7)))
	}
	return
}

// nodeKey addresses one interior node: its depth and the key prefix
// leading to it.
type nodeKey struct {
	depth uint16
	path  Hash
}
