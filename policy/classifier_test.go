package policy

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// p2pkh builds a standard pay-to-pubkey-hash script.
func p2pkh() []byte {
	script := []byte{txscript.OP_DUP, txscript.OP_HASH160, 0x14}
	script = append(script, bytes.Repeat([]byte{0x11}, 20)...)
	return append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
}

func TestClassifyNormal(t *testing.T) {
	dc := &DefaultClassifier{}
	c := dc.Classify(&wire.TxOut{Value: 50000, PkScript: p2pkh()})
	if c.Category != Normal {
		t.Fatalf("well-funded p2pkh classified %s", c.Category)
	}
	if c.Filtered() {
		t.Fatal("normal output marked filtered")
	}
}

func TestClassifyDust(t *testing.T) {
	dc := &DefaultClassifier{}
	c := dc.Classify(&wire.TxOut{Value: 1, PkScript: p2pkh()})
	if c.Category != Dust {
		t.Fatalf("1-satoshi output classified %s", c.Category)
	}
	if !c.Filtered() {
		t.Fatal("dust output not marked filtered")
	}
}

func TestClassifyNulldata(t *testing.T) {
	dc := &DefaultClassifier{}

	small := append([]byte{txscript.OP_RETURN, 8}, bytes.Repeat([]byte{0x22}, 8)...)
	c := dc.Classify(&wire.TxOut{Value: 0, PkScript: small})
	if !c.Filtered() {
		t.Fatal("small nulldata not filtered")
	}

	big := []byte{txscript.OP_RETURN, txscript.OP_PUSHDATA1, 200}
	big = append(big, bytes.Repeat([]byte{0x22}, 200)...)
	c = dc.Classify(&wire.TxOut{Value: 0, PkScript: big})
	if c.Category != InscriptionLike {
		t.Fatalf("oversized nulldata classified %s", c.Category)
	}
}

func TestClassifyEnvelope(t *testing.T) {
	dc := &DefaultClassifier{}

	script := append(p2pkh(), txscript.OP_FALSE, txscript.OP_IF)
	script = append(script, bytes.Repeat([]byte{0x33}, 40)...)
	script = append(script, txscript.OP_ENDIF)

	c := dc.Classify(&wire.TxOut{Value: 100000, PkScript: script})
	if c.Category != InscriptionLike {
		t.Fatalf("envelope script classified %s", c.Category)
	}
	if !c.Filtered() {
		t.Fatal("envelope output not marked filtered")
	}

	// payload bytes that read as a truncated push make the whole script
	// unparseable; the envelope still has to win
	trunc := append(p2pkh(), txscript.OP_FALSE, txscript.OP_IF,
		txscript.OP_PUSHDATA1, 0xff)
	c = dc.Classify(&wire.TxOut{Value: 100000, PkScript: trunc})
	if c.Category != InscriptionLike {
		t.Fatalf("truncated-push envelope classified %s", c.Category)
	}
}

func TestClassifyRelayFeeScalesDust(t *testing.T) {
	// the same output flips to dust when the relay fee climbs
	out := &wire.TxOut{Value: 600, PkScript: p2pkh()}

	low := &DefaultClassifier{RelayFee: 100}
	if low.Classify(out).Category == Dust {
		t.Fatal("600 sat is not dust at 100 sat/kB")
	}
	high := &DefaultClassifier{RelayFee: 10000}
	if high.Classify(out).Category != Dust {
		t.Fatal("600 sat should be dust at 10000 sat/kB")
	}
}
