package csn

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/policy"
	uwire "github.com/mit-dci/utxosync/wire"
)

// BuildFilteredBlock strips the scripts of outputs the classifier
// filters, recording a stub per stripped output.  The declared txid
// list is taken from the unstripped transactions, so the receiver can
// still check the header's merkle root.
func BuildFilteredBlock(block *wire.MsgBlock, cl policy.Classifier) *uwire.MsgFilteredBlock {
	fb := &uwire.MsgFilteredBlock{
		Txids: make([]chainhash.Hash, len(block.Transactions)),
	}
	fb.Block.Header = block.Header

	for ti, tx := range block.Transactions {
		fb.Txids[ti] = tx.TxHash()

		stripped := tx.Copy()
		for oi, out := range tx.TxOut {
			if !cl.Classify(out).Filtered() {
				continue
			}
			var sh [32]byte
			copy(sh[:], chainhash.HashB(out.PkScript))
			fb.Stubs = append(fb.Stubs, uwire.StubOut{
				TxIndex:    uint32(ti),
				OutIndex:   uint32(oi),
				ScriptHash: sh,
			})
			stripped.TxOut[oi].PkScript = nil
		}
		fb.Block.Transactions = append(fb.Block.Transactions, stripped)
	}
	return fb
}

// merkleRoot computes the merkle root of the declared txid list the
// usual way, duplicating the last entry at odd levels.
func merkleRoot(txids []chainhash.Hash) chainhash.Hash {
	if len(txids) == 0 {
		return chainhash.Hash{}
	}
	level := make([]chainhash.Hash, len(txids))
	copy(level, txids)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			var cat [64]byte
			copy(cat[:32], level[i][:])
			copy(cat[32:], level[i+1][:])
			next = append(next, chainhash.DoubleHashH(cat[:]))
		}
		level = next
	}
	return level[0]
}

// checkFilteredBlock verifies a filtered block against the hash we
// asked for.  The declared txid list is checked against the header's
// merkle root; any transaction whose outputs all arrived in full is
// additionally rehashed against its declared txid.  A peer can still
// lie about a stripped output's script hash, but that surfaces as a
// failed spend proof the moment the output is spent.
func checkFilteredBlock(fb *uwire.MsgFilteredBlock, want *chainhash.Hash) error {
	got := fb.Block.Header.BlockHash()
	if !got.IsEqual(want) {
		return errors.Wrapf(ErrBadBlock, "header hashes to %v, wanted %v", got, want)
	}
	if len(fb.Txids) != len(fb.Block.Transactions) {
		return errors.Wrapf(ErrBadBlock, "%d txids declared for %d txs",
			len(fb.Txids), len(fb.Block.Transactions))
	}
	root := merkleRoot(fb.Txids)
	if !root.IsEqual(&fb.Block.Header.MerkleRoot) {
		return errors.Wrap(ErrBadBlock, "declared txids don't match merkle root")
	}

	stripped := make(map[uint32]bool)
	for _, st := range fb.Stubs {
		if int(st.TxIndex) >= len(fb.Block.Transactions) {
			return errors.Wrapf(ErrBadBlock, "stub tx index %d out of range", st.TxIndex)
		}
		tx := fb.Block.Transactions[st.TxIndex]
		if int(st.OutIndex) >= len(tx.TxOut) {
			return errors.Wrapf(ErrBadBlock, "stub out index %d out of range", st.OutIndex)
		}
		if len(tx.TxOut[st.OutIndex].PkScript) != 0 {
			return errors.Wrap(ErrBadBlock, "stubbed output still carries a script")
		}
		stripped[st.TxIndex] = true
	}

	for ti, tx := range fb.Block.Transactions {
		if stripped[uint32(ti)] {
			continue
		}
		h := tx.TxHash()
		if !h.IsEqual(&fb.Txids[ti]) {
			return errors.Wrapf(ErrBadBlock, "tx %d hashes to %v, declared %v",
				ti, h, fb.Txids[ti])
		}
	}
	return nil
}

// provablyUnspendable reports whether an output can never enter the
// UTXO set.  OP_RETURN outputs never get leaves.
func provablyUnspendable(pkScript []byte) bool {
	return txscript.IsUnspendable(pkScript)
}
