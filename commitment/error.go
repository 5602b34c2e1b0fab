package commitment

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/utxo"
)

var (
	// ErrKeyCollision is returned on inserting an outpoint already in
	// the tree.  Callers remove-then-insert for replacements, which
	// should never happen for outpoints.
	ErrKeyCollision = errors.New("outpoint already present")

	// ErrNotFound is returned on removing an outpoint that isn't there.
	ErrNotFound = errors.New("outpoint not present")

	// ErrProofInvalid means a merkle path didn't verify against the
	// root it was claimed for, or a partial tree was asked about nodes
	// no proof taught it.
	ErrProofInvalid = errors.New("merkle path does not verify")

	// ErrSupplyInflation means a commitment claims more coins than the
	// supply schedule allows at its height.
	ErrSupplyInflation = errors.New("supply exceeds schedule ceiling")

	// ErrForwardMismatch means replaying a block's effects on the prior
	// commitment does not land on the claimed new root.
	ErrForwardMismatch = errors.New("forward consistency mismatch")

	// ErrLinkage means a commitment's block hash isn't the validated
	// header at its height.
	ErrLinkage = errors.New("commitment not linked to header chain")
)

func errKeyCollision(op wire.OutPoint) error {
	return errors.Wrap(ErrKeyCollision, utxo.OPString(op))
}

func errNotFound(op wire.OutPoint) error {
	return errors.Wrap(ErrNotFound, utxo.OPString(op))
}
