package csn

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/mit-dci/utxosync/policy"
	uwire "github.com/mit-dci/utxosync/wire"
)

func testP2PKH(tag byte) []byte {
	script := []byte{txscript.OP_DUP, txscript.OP_HASH160, 0x14}
	script = append(script, bytes.Repeat([]byte{tag}, 20)...)
	return append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
}

// testCoinbase makes a coinbase with a distinguishing script so txids
// differ across blocks.
func testCoinbase(height int32, outs []*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{byte(height), byte(height >> 8)},
	})
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func testBlock(prev chainhash.Hash, txs []*wire.MsgTx) *wire.MsgBlock {
	block := wire.NewMsgBlock(&wire.BlockHeader{Version: 1, PrevBlock: prev})
	txids := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		block.AddTransaction(tx)
		txids[i] = tx.TxHash()
	}
	block.Header.MerkleRoot = merkleRoot(txids)
	return block
}

func TestFilteredBlockRoundTrip(t *testing.T) {
	coinbase := testCoinbase(1, []*wire.TxOut{
		{Value: 50 * 1e8, PkScript: testP2PKH(0x01)},
		{Value: 1, PkScript: testP2PKH(0x02)}, // dust, gets stripped
	})
	block := testBlock(chainhash.Hash{}, []*wire.MsgTx{coinbase})
	want := block.Header.BlockHash()

	fb := BuildFilteredBlock(block, &policy.DefaultClassifier{})
	if len(fb.Stubs) != 1 {
		t.Fatalf("%d stubs, want 1", len(fb.Stubs))
	}
	st := fb.Stubs[0]
	if st.TxIndex != 0 || st.OutIndex != 1 {
		t.Fatalf("stub points at tx %d out %d", st.TxIndex, st.OutIndex)
	}
	if len(fb.Block.Transactions[0].TxOut[1].PkScript) != 0 {
		t.Fatal("stripped output still has a script")
	}
	// the healthy output rides untouched
	if len(fb.Block.Transactions[0].TxOut[0].PkScript) == 0 {
		t.Fatal("normal output lost its script")
	}

	if err := checkFilteredBlock(fb, &want); err != nil {
		t.Fatalf("honest filtered block rejected: %v", err)
	}
}

func TestFilteredBlockTamperDetected(t *testing.T) {
	coinbase := testCoinbase(2, []*wire.TxOut{
		{Value: 50 * 1e8, PkScript: testP2PKH(0x03)},
	})
	spend := wire.NewMsgTx(1)
	spend.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{9}, Index: 0},
	})
	spend.AddTxOut(&wire.TxOut{Value: 40 * 1e8, PkScript: testP2PKH(0x04)})

	block := testBlock(chainhash.Hash{}, []*wire.MsgTx{coinbase, spend})
	want := block.Header.BlockHash()

	// wrong block entirely
	fb := BuildFilteredBlock(block, &policy.DefaultClassifier{})
	other := want
	other[0] ^= 1
	if err := checkFilteredBlock(fb, &other); err == nil {
		t.Fatal("block for the wrong header accepted")
	}

	// swapped-in transaction breaks the declared txid
	fb = BuildFilteredBlock(block, &policy.DefaultClassifier{})
	fb.Block.Transactions[1].TxOut[0].Value--
	if err := checkFilteredBlock(fb, &want); err == nil {
		t.Fatal("altered transaction accepted")
	}

	// lying txid list breaks the merkle root
	fb = BuildFilteredBlock(block, &policy.DefaultClassifier{})
	fb.Txids[1][0] ^= 1
	if err := checkFilteredBlock(fb, &want); err == nil {
		t.Fatal("altered txid list accepted")
	}

	// stub pointing at an output that still has its script
	fb = BuildFilteredBlock(block, &policy.DefaultClassifier{})
	fb.Stubs = append(fb.Stubs, uwire.StubOut{TxIndex: 0, OutIndex: 0})
	if err := checkFilteredBlock(fb, &want); err == nil {
		t.Fatal("stub over an unstripped output accepted")
	}
}

func TestMerkleRootOddCount(t *testing.T) {
	r := rand.New(rand.NewSource(60))
	for _, n := range []int{1, 2, 3, 5, 8} {
		txids := make([]chainhash.Hash, n)
		for i := range txids {
			r.Read(txids[i][:])
		}
		root := merkleRoot(txids)
		if root == (chainhash.Hash{}) {
			t.Fatalf("%d txids give a zero root", n)
		}
		if n == 1 && root != txids[0] {
			t.Fatal("single-tx root should be the txid itself")
		}
		// stable
		if merkleRoot(txids) != root {
			t.Fatalf("%d-txid merkle root not deterministic", n)
		}
	}
}
