package storage

import "encoding/binary"

// Key prefixes.  One byte each, so whole families can be walked with
// Iterate.
const (
	// PrefixNode is tree nodes, keyed by 2 byte depth + 32 byte path
	// prefix.
	PrefixNode = 'n'

	// PrefixLeaf is leaf records, keyed by the 32 byte leaf key.
	PrefixLeaf = 'l'

	// PrefixCommitment is commitments keyed by 4 byte big-endian height.
	PrefixCommitment = 'c'

	// PrefixPeer is peer reliability scores keyed by peer address, for
	// warm restarts.
	PrefixPeer = 'p'

	// PrefixState is the engine's own tip bookkeeping.
	PrefixState = 's'
)

// NodeKey builds the storage key for a tree node.
func NodeKey(depth uint16, path [32]byte) []byte {
	k := make([]byte, 1+2+32)
	k[0] = PrefixNode
	binary.BigEndian.PutUint16(k[1:3], depth)
	copy(k[3:], path[:])
	return k
}

// LeafKey builds the storage key for a leaf record.
func LeafKey(leaf [32]byte) []byte {
	k := make([]byte, 1+32)
	k[0] = PrefixLeaf
	copy(k[1:], leaf[:])
	return k
}

// CommitmentKey builds the storage key for a height's commitment.
func CommitmentKey(height int32) []byte {
	k := make([]byte, 1+4)
	k[0] = PrefixCommitment
	binary.BigEndian.PutUint32(k[1:], uint32(height))
	return k
}

// PeerKey builds the storage key for a peer's reliability score.
func PeerKey(addr string) []byte {
	return append([]byte{PrefixPeer}, addr...)
}

// StateKey builds the storage key for one piece of engine state.
func StateKey(name string) []byte {
	return append([]byte{PrefixState}, name...)
}
