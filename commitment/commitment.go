package commitment

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Commitment asserts the exact state of the UTXO set at one height: the
// tree root plus enough metadata to check supply and header linkage.
// Produced exactly once per height and never updated, only superseded by
// the next height's commitment.
type Commitment struct {
	Root        Hash
	Height      int32
	BlockHash   chainhash.Hash
	SupplyTotal int64
	LeafCount   uint64
	Timestamp   time.Time
}

func newCommitment(root Hash, height int32, blockHash [32]byte,
	supply int64, leafCount uint64) *Commitment {

	return &Commitment{
		Root:        root,
		Height:      height,
		BlockHash:   chainhash.Hash(blockHash),
		SupplyTotal: supply,
		LeafCount:   leafCount,
		Timestamp:   time.Now(),
	}
}

// CommitmentSize is the byte size of a serialized commitment.
const CommitmentSize = 32 + 4 + 32 + 8 + 8 + 8

/*
Commitment serialization is:
32bytes root
4bytes height
32bytes block hash
8bytes supply total
8bytes leaf count
8bytes unix timestamp
*/

// Serialize puts a commitment onto a writer.
func (c *Commitment) Serialize(w io.Writer) (err error) {
	_, err = w.Write(c.Root[:])
	if err != nil {
		return
	}
	err = binary.Write(w, binary.BigEndian, c.Height)
	if err != nil {
		return
	}
	_, err = w.Write(c.BlockHash[:])
	if err != nil {
		return
	}
	err = binary.Write(w, binary.BigEndian, c.SupplyTotal)
	if err != nil {
		return
	}
	err = binary.Write(w, binary.BigEndian, c.LeafCount)
	if err != nil {
		return
	}
	err = binary.Write(w, binary.BigEndian, c.Timestamp.Unix())
	return
}

// Deserialize reads a commitment off a reader.
func (c *Commitment) Deserialize(r io.Reader) (err error) {
	_, err = io.ReadFull(r, c.Root[:])
	if err != nil {
		return
	}
	err = binary.Read(r, binary.BigEndian, &c.Height)
	if err != nil {
		return
	}
	_, err = io.ReadFull(r, c.BlockHash[:])
	if err != nil {
		return
	}
	err = binary.Read(r, binary.BigEndian, &c.SupplyTotal)
	if err != nil {
		return
	}
	err = binary.Read(r, binary.BigEndian, &c.LeafCount)
	if err != nil {
		return
	}
	var unix int64
	err = binary.Read(r, binary.BigEndian, &unix)
	if err != nil {
		return
	}
	c.Timestamp = time.Unix(unix, 0)
	return
}

func (c *Commitment) String() string {
	return fmt.Sprintf("h %d root %x supply %d leaves %d block %s",
		c.Height, c.Root.Prefix(), c.SupplyTotal, c.LeafCount, c.BlockHash)
}
