package utxo

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"golang.org/x/crypto/blake2b"

	"github.com/mit-dci/utxosync/common"
)

// HashSize is the size of the hashes used for leaf keys and leaf hashes.
const HashSize = 32

// MaxScriptSize is the longest pkscript a record will carry.  Longer
// scripts are only ever carried as stubs.
const MaxScriptSize = 10000

// Hash is a 32 byte hash, printed byte-reversed like txids are.
type Hash [HashSize]byte

// String returns the Hash as the hexadecimal string of the byte-reversed
// hash.
func (hash Hash) String() string {
	return chainhash.Hash(hash).String()
}

// LeafKey gives the fixed-depth trie key for an outpoint.  Keying is
// blake2b over the serialized outpoint, which keeps the key space separate
// from the sha512/256 node hashing and spreads outpoints uniformly over
// the 256 bit key space no matter how txids cluster.
func LeafKey(op wire.OutPoint) Hash {
	var buf [36]byte
	copy(buf[:32], op.Hash[:])
	binary.BigEndian.PutUint32(buf[32:], op.Index)
	return blake2b.Sum256(buf[:])
}

// Record is everything retained for one unspent output.  Immutable once
// created; spends remove it, they never modify it.
type Record struct {
	Amt      int64
	PkScript []byte
	Height   int32
	Coinbase bool

	// Stub marks a record kept for a spam-filtered output.  A stub has no
	// PkScript, only its hash, which is all the leaf hash commits to, so
	// a stub hashes the same as the full record and a later spend of it
	// still verifies.
	Stub       bool
	ScriptHash Hash
}

// SpendScriptHash returns the script commitment for this record: the
// stored hash for stubs, sha256 of the script otherwise.
func (r *Record) SpendScriptHash() (h Hash) {
	if r.Stub {
		return r.ScriptHash
	}
	copy(h[:], chainhash.HashB(r.PkScript))
	return
}

// ToStub returns a stub copy of the record, dropping the script bytes but
// keeping the script hash so the leaf hash is unchanged.
func (r *Record) ToStub() *Record {
	return &Record{
		Amt:        r.Amt,
		Height:     r.Height,
		Coinbase:   r.Coinbase,
		Stub:       true,
		ScriptHash: r.SpendScriptHash(),
	}
}

// Check sanity checks a record before it goes into the tree.
func (r *Record) Check() error {
	if r.Amt < 0 || r.Amt > btcutil.MaxSatoshi {
		return fmt.Errorf("record amount %d out of range", r.Amt)
	}
	if len(r.PkScript) > MaxScriptSize {
		return fmt.Errorf("record script %d bytes too long", len(r.PkScript))
	}
	return nil
}

// OPString returns an outpoint as txid:index, the same way btcd prints
// them.
func OPString(op wire.OutPoint) string {
	buf := make([]byte, 2*HashSize+1, 2*HashSize+1+10)
	copy(buf, op.Hash.String())
	buf[2*HashSize] = ':'
	buf = strconv.AppendUint(buf, uint64(op.Index), 10)
	return string(buf)
}

// LeafHash commits a record to a leaf of the tree.  The hash covers the
// leaf key, the amount, height/coinbase, and the *script hash* rather
// than the script itself; that choice is what lets stub records for
// filtered outputs land on the identical leaf hash as the full record.
func (r *Record) LeafHash(key Hash) Hash {
	freeBytes := common.NewFreeBytes()
	defer freeBytes.Free()
	buf := bytes.NewBuffer(freeBytes.Bytes)

	hcb := r.Height << 1
	if r.Coinbase {
		hcb |= 1
	}
	buf.Write(key[:])
	binary.Write(buf, binary.BigEndian, uint64(r.Amt))
	binary.Write(buf, binary.BigEndian, uint32(hcb))
	sh := r.SpendScriptHash()
	buf.Write(sh[:])
	return sha512.Sum512_256(buf.Bytes())
}

// Serialize puts a Record onto a writer.
func (r *Record) Serialize(w io.Writer) (err error) {
	hcb := r.Height << 1
	if r.Coinbase {
		hcb |= 1
	}

	freeBytes := common.NewFreeBytes()
	defer freeBytes.Free()

	err = freeBytes.PutUint64(w, binary.BigEndian, uint64(r.Amt))
	if err != nil {
		return
	}
	err = freeBytes.PutUint32(w, binary.BigEndian, uint32(hcb))
	if err != nil {
		return
	}

	if r.Stub {
		err = freeBytes.PutUint8(w, 1)
		if err != nil {
			return
		}
		_, err = w.Write(r.ScriptHash[:])
		return
	}

	err = freeBytes.PutUint8(w, 0)
	if err != nil {
		return
	}
	if len(r.PkScript) > MaxScriptSize {
		err = fmt.Errorf("pksize %d too long", len(r.PkScript))
		return
	}
	err = freeBytes.PutUint16(w, binary.BigEndian, uint16(len(r.PkScript)))
	if err != nil {
		return
	}
	_, err = w.Write(r.PkScript)
	return
}

// SerializeSize says how big a record is on the wire.
func (r *Record) SerializeSize() int {
	// 8B amt, 4B h/coinbase, 1B stub flag
	if r.Stub {
		return 13 + HashSize
	}
	return 13 + 2 + len(r.PkScript)
}

// Deserialize reads a Record off a reader.
func (r *Record) Deserialize(rd io.Reader) error {
	freeBytes := common.NewFreeBytes()
	defer freeBytes.Free()

	amt, err := freeBytes.Uint64(rd, binary.BigEndian)
	if err != nil {
		return err
	}
	r.Amt = int64(amt)

	hcb, err := freeBytes.Uint32(rd, binary.BigEndian)
	if err != nil {
		return err
	}
	r.Height = int32(hcb) >> 1
	r.Coinbase = hcb&1 == 1

	stub, err := freeBytes.Uint8(rd)
	if err != nil {
		return err
	}
	if stub == 1 {
		r.Stub = true
		_, err = io.ReadFull(rd, r.ScriptHash[:])
		return err
	}

	pkSize, err := freeBytes.Uint16(rd, binary.BigEndian)
	if err != nil {
		return err
	}
	if pkSize > MaxScriptSize {
		return fmt.Errorf("pksize %d byte too long", pkSize)
	}
	r.PkScript = make([]byte, pkSize)
	_, err = io.ReadFull(rd, r.PkScript)
	return err
}

// ToString turns a Record into a string
func (r *Record) ToString() (s string) {
	s = fmt.Sprintf("h %d ", r.Height)
	s += fmt.Sprintf("cb %v ", r.Coinbase)
	s += fmt.Sprintf("amt %d ", r.Amt)
	if r.Stub {
		s += fmt.Sprintf("stub %x ", r.ScriptHash)
	} else {
		s += fmt.Sprintf("pks %x ", r.PkScript)
	}
	s += fmt.Sprintf("size %d", r.SerializeSize())
	return
}
