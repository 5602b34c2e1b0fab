package commitment

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/storage"
	"github.com/mit-dci/utxosync/utxo"
)

// Flush writes everything that changed since the last flush to storage
// as one batch: dirty interior nodes under 'n', dirty leaves under 'l'.
// Cleared nodes and spent leaves become deletes.
func (t *Tree) Flush(kv storage.KV) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	ops := make([]storage.Op, 0, len(t.dirtyNodes)+len(t.dirtyLeaves))
	for nk := range t.dirtyNodes {
		key := storage.NodeKey(nk.depth, nk.path)
		if h, ok := t.nodes[nk]; ok {
			ops = append(ops, storage.Op{Key: key, Value: append([]byte{}, h[:]...)})
		} else {
			ops = append(ops, storage.Op{Key: key})
		}
	}
	for lk := range t.dirtyLeaves {
		key := storage.LeafKey(lk)
		e, ok := t.leaves[lk]
		if !ok {
			ops = append(ops, storage.Op{Key: key})
			continue
		}
		var buf bytes.Buffer
		buf.Write(e.Op.Hash[:])
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], e.Op.Index)
		buf.Write(idx[:])
		if err := e.Rec.Serialize(&buf); err != nil {
			return err
		}
		ops = append(ops, storage.Op{Key: key, Value: buf.Bytes()})
	}

	if err := kv.Batch(ops); err != nil {
		return err
	}
	log.Debugf("flushed %d nodes %d leaves", len(t.dirtyNodes), len(t.dirtyLeaves))
	t.dirtyNodes = make(map[nodeKey]struct{})
	t.dirtyLeaves = make(map[Hash]struct{})
	return nil
}

// LoadTree restores a tree from storage.  The interior nodes are read
// back rather than rehashed; a final root recomputation isn't needed
// because the caller re-verifies the loaded root against its stored
// commitment anyway.
func LoadTree(kv storage.KV) (*Tree, error) {
	t := NewTree()

	err := kv.Iterate([]byte{storage.PrefixNode}, func(k, v []byte) error {
		if len(k) != 1+2+32 || len(v) != 32 {
			return errors.Wrapf(storage.ErrCorruption,
				"node entry %d/%d bytes", len(k), len(v))
		}
		var nk nodeKey
		nk.depth = binary.BigEndian.Uint16(k[1:3])
		copy(nk.path[:], k[3:])
		var h Hash
		copy(h[:], v)
		t.nodes[nk] = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = kv.Iterate([]byte{storage.PrefixLeaf}, func(k, v []byte) error {
		if len(k) != 1+32 || len(v) < 36 {
			return errors.Wrapf(storage.ErrCorruption,
				"leaf entry %d/%d bytes", len(k), len(v))
		}
		var lk Hash
		copy(lk[:], k[1:])

		var op wire.OutPoint
		copy(op.Hash[:], v[:32])
		op.Index = binary.BigEndian.Uint32(v[32:36])
		rec := new(utxo.Record)
		if err := rec.Deserialize(bytes.NewReader(v[36:])); err != nil {
			return errors.Wrap(storage.ErrCorruption, err.Error())
		}

		if Hash(utxo.LeafKey(op)) != lk {
			return errors.Wrapf(storage.ErrCorruption,
				"leaf key mismatch for %s", utxo.OPString(op))
		}
		t.leaves[lk] = leafEntry{Op: op, Rec: rec}
		t.supply += rec.Amt
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("loaded tree: %d leaves, supply %d, root %x",
		len(t.leaves), t.supply, t.nodeAt(0, Hash{}).Prefix())
	return t, nil
}

// PutCommitment persists a commitment keyed by its height.
func PutCommitment(kv storage.KV, c *Commitment) error {
	var buf bytes.Buffer
	if err := c.Serialize(&buf); err != nil {
		return err
	}
	return kv.Put(storage.CommitmentKey(c.Height), buf.Bytes())
}

// GetCommitment loads the commitment stored for a height.
func GetCommitment(kv storage.KV, height int32) (*Commitment, error) {
	v, err := kv.Get(storage.CommitmentKey(height))
	if err != nil {
		return nil, err
	}
	c := new(Commitment)
	if err := c.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, errors.Wrap(storage.ErrCorruption, err.Error())
	}
	return c, nil
}
