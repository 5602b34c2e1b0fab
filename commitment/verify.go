package commitment

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/utxo"
)

// SupplySchedule gives the most coins that can possibly exist at a
// height.  The consensus engine owns the real schedule; this package
// only consumes it.
type SupplySchedule func(height int32) int64

// HeaderSource answers what block hash the validated header chain has at
// a height.  Proof of work on that chain is someone else's problem; here
// it's taken as already checked.
type HeaderSource interface {
	HashAtHeight(height int32) (*chainhash.Hash, error)
}

// BlockEffects is a block boiled down to what the tree cares about:
// which outpoints it creates and which it spends.
type BlockEffects struct {
	Creates []Add
	Spends  []wire.OutPoint
}

// VerifySupply rejects a commitment claiming more coins than the
// schedule allows at its height.
func VerifySupply(c *Commitment, schedule SupplySchedule) error {
	if c.SupplyTotal < 0 {
		return errors.Wrapf(ErrSupplyInflation,
			"negative supply %d at height %d", c.SupplyTotal, c.Height)
	}
	ceiling := schedule(c.Height)
	if c.SupplyTotal > ceiling {
		return errors.Wrapf(ErrSupplyInflation,
			"supply %d exceeds ceiling %d at height %d",
			c.SupplyTotal, ceiling, c.Height)
	}
	return nil
}

// VerifyHeaderLinkage confirms the commitment points at the header the
// validated chain actually has at that height.
func VerifyHeaderLinkage(c *Commitment, headers HeaderSource) error {
	want, err := headers.HashAtHeight(c.Height)
	if err != nil {
		return errors.Wrapf(ErrLinkage, "no header at height %d: %s",
			c.Height, err)
	}
	if !c.BlockHash.IsEqual(want) {
		return errors.Wrapf(ErrLinkage,
			"commitment block %s, header chain has %s at height %d",
			c.BlockHash, want, c.Height)
	}
	return nil
}

// VerifyForward checks that next really is prev plus one block's
// effects: replays the effects on a clone of the tree backing prev and
// compares roots, supply and leaf count.  The live tree is untouched.
func VerifyForward(prev *Commitment, prevTree *Tree,
	effects *BlockEffects, next *Commitment) error {

	if next.Height != prev.Height+1 {
		return errors.Wrapf(ErrForwardMismatch,
			"commitment heights %d -> %d not adjacent",
			prev.Height, next.Height)
	}
	if prevTree.Root() != prev.Root {
		return errors.Wrapf(ErrForwardMismatch,
			"tree root %x doesn't back prior commitment %x",
			prevTree.Root().Prefix(), prev.Root.Prefix())
	}

	replay := prevTree.Clone()
	root, _, err := replay.BatchUpdate(effects.Creates, effects.Spends)
	if err != nil {
		return errors.Wrap(ErrForwardMismatch, err.Error())
	}
	if root != next.Root {
		return errors.Wrapf(ErrForwardMismatch,
			"replayed root %x, claimed %x", root.Prefix(), next.Root.Prefix())
	}
	if replay.Supply() != next.SupplyTotal {
		return errors.Wrapf(ErrForwardMismatch,
			"replayed supply %d, claimed %d", replay.Supply(), next.SupplyTotal)
	}
	if replay.NumLeaves() != next.LeafCount {
		return errors.Wrapf(ErrForwardMismatch,
			"replayed %d leaves, claimed %d", replay.NumLeaves(), next.LeafCount)
	}
	return nil
}

// SpendProof carries a spent record and its inclusion path against the
// prior root, for replaying a block with proofs instead of the full set.
type SpendProof struct {
	Op   wire.OutPoint
	Rec  *utxo.Record
	Path Path
}

// CreateProof carries the exclusion path showing a created outpoint's
// slot was vacant at the prior root.
type CreateProof struct {
	Op   wire.OutPoint
	Rec  *utxo.Record
	Path Path
}

// VerifyForwardPartial is VerifyForward for when only proofs against the
// prior root are available, not the set itself.  All paths are seeded
// against prev.Root first, then the effects replay on the partial tree.
// Outputs both created and spent inside the block cancel out and must
// not appear; they have no slot at the prior root to prove either way.
func VerifyForwardPartial(prev, next *Commitment,
	spends []SpendProof, creates []CreateProof) error {

	if next.Height != prev.Height+1 {
		return errors.Wrapf(ErrForwardMismatch,
			"commitment heights %d -> %d not adjacent",
			prev.Height, next.Height)
	}

	pt := NewPartialTree(prev.Root)
	var spent, created int64
	for i := range spends {
		err := pt.AddInclusion(spends[i].Op, spends[i].Rec, &spends[i].Path)
		if err != nil {
			return err
		}
		spent += spends[i].Rec.Amt
	}
	for i := range creates {
		err := pt.AddExclusion(creates[i].Op, &creates[i].Path)
		if err != nil {
			return err
		}
		created += creates[i].Rec.Amt
	}

	// creations before spends, same order BatchUpdate uses, so outputs
	// both made and spent by the block replay cleanly
	for i := range creates {
		err := pt.Create(creates[i].Op, creates[i].Rec)
		if err != nil {
			return err
		}
	}
	for i := range spends {
		err := pt.Spend(spends[i].Op)
		if err != nil {
			return err
		}
	}

	if pt.Root() != next.Root {
		return errors.Wrapf(ErrForwardMismatch,
			"proof replay root %x, claimed %x",
			pt.Root().Prefix(), next.Root.Prefix())
	}
	if next.SupplyTotal != prev.SupplyTotal+created-spent {
		return errors.Wrapf(ErrForwardMismatch,
			"supply %d + %d - %d != claimed %d",
			prev.SupplyTotal, created, spent, next.SupplyTotal)
	}
	if next.LeafCount != prev.LeafCount+uint64(len(creates))-uint64(len(spends)) {
		return errors.Wrapf(ErrForwardMismatch,
			"leaf count %d +%d -%d != claimed %d",
			prev.LeafCount, len(creates), len(spends), next.LeafCount)
	}
	return nil
}
