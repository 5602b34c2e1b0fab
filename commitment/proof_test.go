package commitment

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/mit-dci/utxosync/utxo"
)

func TestInclusionProofs(t *testing.T) {
	r := rand.New(rand.NewSource(20))
	f := NewTree()

	type pair struct {
		op  wire.OutPoint
		rec *utxo.Record
	}
	var pairs []pair
	for i := 0; i < 64; i++ {
		p := pair{testOutPoint(r), testRecord(r, 1)}
		pairs = append(pairs, p)
		if _, err := f.Insert(p.op, p.rec); err != nil {
			t.Fatal(err)
		}
	}
	root := f.Root()

	for _, p := range pairs {
		path := f.ProveOutpoint(p.op)
		if !VerifyInclusion(root, p.op, p.rec, path) {
			t.Fatalf("inclusion proof for %s fails", utxo.OPString(p.op))
		}
		// the same path must not admit the outpoint as absent
		if VerifyExclusion(root, p.op, path) {
			t.Fatalf("present outpoint %s verifies as absent", utxo.OPString(p.op))
		}
	}
}

func TestExclusionProofs(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	f := NewTree()
	for i := 0; i < 64; i++ {
		if _, err := f.Insert(testOutPoint(r), testRecord(r, 1)); err != nil {
			t.Fatal(err)
		}
	}
	root := f.Root()

	for i := 0; i < 32; i++ {
		op := testOutPoint(r)
		path := f.ProveOutpoint(op)
		if !VerifyExclusion(root, op, path) {
			t.Fatalf("exclusion proof for absent %s fails", utxo.OPString(op))
		}
		if VerifyInclusion(root, op, testRecord(r, 1), path) {
			t.Fatalf("absent outpoint %s verifies as present", utxo.OPString(op))
		}
	}
}

func TestProofsSurviveChurn(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	f := NewTree()

	type pair struct {
		op  wire.OutPoint
		rec *utxo.Record
	}
	const total, spent = 1000, 500
	pairs := make([]pair, total)
	var minted int64
	for i := range pairs {
		pairs[i] = pair{testOutPoint(r), testRecord(r, int32(i/100+1))}
		if _, err := f.Insert(pairs[i].op, pairs[i].rec); err != nil {
			t.Fatal(err)
		}
		minted += pairs[i].rec.Amt
	}

	r.Shuffle(total, func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
	var burned int64
	for _, p := range pairs[:spent] {
		if _, err := f.Remove(p.op); err != nil {
			t.Fatal(err)
		}
		burned += p.rec.Amt
	}

	if f.NumLeaves() != total-spent {
		t.Fatalf("have %d leaves, want %d", f.NumLeaves(), total-spent)
	}
	if f.Supply() != minted-burned {
		t.Fatalf("supply %d, want %d", f.Supply(), minted-burned)
	}

	// every survivor still proves in, every spent outpoint proves out
	root := f.Root()
	for _, p := range pairs[spent:] {
		if !VerifyInclusion(root, p.op, p.rec, f.ProveOutpoint(p.op)) {
			t.Fatalf("survivor %s fails inclusion after churn", utxo.OPString(p.op))
		}
	}
	for _, p := range pairs[:spent] {
		if !VerifyExclusion(root, p.op, f.ProveOutpoint(p.op)) {
			t.Fatalf("spent %s fails exclusion after churn", utxo.OPString(p.op))
		}
	}
}

func TestForgedRecordRejected(t *testing.T) {
	r := rand.New(rand.NewSource(22))
	f := NewTree()

	op := testOutPoint(r)
	rec := testRecord(r, 1)
	if _, err := f.Insert(op, rec); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 32; i++ {
		if _, err := f.Insert(testOutPoint(r), testRecord(r, 1)); err != nil {
			t.Fatal(err)
		}
	}
	root := f.Root()
	path := f.ProveOutpoint(op)

	forged := *rec
	forged.Amt++
	if VerifyInclusion(root, op, &forged, path) {
		t.Fatal("inflated amount verifies against the root")
	}

	forged = *rec
	forged.PkScript = append([]byte{0x51}, forged.PkScript...)
	if VerifyInclusion(root, op, &forged, path) {
		t.Fatal("altered script verifies against the root")
	}

	forged = *rec
	forged.Coinbase = !forged.Coinbase
	if VerifyInclusion(root, op, &forged, path) {
		t.Fatal("flipped coinbase flag verifies against the root")
	}
}

func TestStubHashesLikeFullRecord(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	f := NewTree()

	op := testOutPoint(r)
	rec := testRecord(r, 1)
	if _, err := f.Insert(op, rec); err != nil {
		t.Fatal(err)
	}
	root := f.Root()
	path := f.ProveOutpoint(op)

	// a stub carries no script bytes but must still prove against a
	// root built from the full record
	stub := rec.ToStub()
	if !VerifyInclusion(root, op, stub, path) {
		t.Fatal("stub record does not verify where the full record does")
	}
}

func TestPathSerializeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(24))
	f := NewTree()
	for i := 0; i < 40; i++ {
		if _, err := f.Insert(testOutPoint(r), testRecord(r, 1)); err != nil {
			t.Fatal(err)
		}
	}
	op := testOutPoint(r)
	rec := testRecord(r, 1)
	if _, err := f.Insert(op, rec); err != nil {
		t.Fatal(err)
	}
	root := f.Root()

	path := f.ProveOutpoint(op)
	var buf bytes.Buffer
	if err := path.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != path.SerializeSize() {
		t.Fatalf("serialized %d bytes, SerializeSize says %d",
			buf.Len(), path.SerializeSize())
	}

	var back Path
	if err := back.Deserialize(&buf); err != nil {
		t.Fatal(err)
	}
	if !VerifyInclusion(root, op, rec, &back) {
		t.Fatal("deserialized path does not verify")
	}
}

func TestPartialTreeReplay(t *testing.T) {
	r := rand.New(rand.NewSource(25))
	f := NewTree()

	type pair struct {
		op  wire.OutPoint
		rec *utxo.Record
	}
	var pairs []pair
	for i := 0; i < 32; i++ {
		p := pair{testOutPoint(r), testRecord(r, 1)}
		pairs = append(pairs, p)
		if _, err := f.Insert(p.op, p.rec); err != nil {
			t.Fatal(err)
		}
	}
	prevRoot := f.Root()

	// one spend and one create, replayed on proofs alone
	spend := pairs[5]
	create := pair{testOutPoint(r), testRecord(r, 2)}

	pt := NewPartialTree(prevRoot)
	err := pt.AddInclusion(spend.op, spend.rec, f.ProveOutpoint(spend.op))
	if err != nil {
		t.Fatal(err)
	}
	err = pt.AddExclusion(create.op, f.ProveOutpoint(create.op))
	if err != nil {
		t.Fatal(err)
	}

	if err := pt.Create(create.op, create.rec); err != nil {
		t.Fatal(err)
	}
	if err := pt.Spend(spend.op); err != nil {
		t.Fatal(err)
	}

	// the full tree must land on the same root
	if _, err := f.Insert(create.op, create.rec); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Remove(spend.op); err != nil {
		t.Fatal(err)
	}
	if pt.Root() != f.Root() {
		t.Fatalf("partial replay root %x, full tree %x", pt.Root(), f.Root())
	}
}

func TestPartialTreeRejectsUnknownTerritory(t *testing.T) {
	r := rand.New(rand.NewSource(26))
	f := NewTree()
	for i := 0; i < 16; i++ {
		if _, err := f.Insert(testOutPoint(r), testRecord(r, 1)); err != nil {
			t.Fatal(err)
		}
	}

	pt := NewPartialTree(f.Root())
	// no proof seeded: touching any slot must fail, not guess
	err := pt.Create(testOutPoint(r), testRecord(r, 1))
	if err == nil {
		t.Fatal("partial tree accepted a write into unproven territory")
	}
}

func TestBadPathRejected(t *testing.T) {
	r := rand.New(rand.NewSource(27))
	f := NewTree()
	op := testOutPoint(r)
	rec := testRecord(r, 1)
	if _, err := f.Insert(op, rec); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		if _, err := f.Insert(testOutPoint(r), testRecord(r, 1)); err != nil {
			t.Fatal(err)
		}
	}
	root := f.Root()

	path := f.ProveOutpoint(op)
	if len(path.Siblings) == 0 {
		t.Skip("proof has no shipped siblings to corrupt")
	}
	path.Siblings[0][0] ^= 0xff
	if VerifyInclusion(root, op, rec, path) {
		t.Fatal("corrupted sibling still verifies")
	}
}
