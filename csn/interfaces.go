package csn

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ConsensusEngine is the external full validator.  This engine never
// re-implements script or signature checking; it hands blocks over and
// consumes the supply schedule.
type ConsensusEngine interface {
	// ValidateBlock runs full consensus validation on a block at a
	// height.
	ValidateBlock(block *wire.MsgBlock, height int32) error

	// MaxSupply is the most coins that can exist at a height.
	MaxSupply(height int32) int64
}

// HeaderChain is the external header-chain / proof-of-work validator.
// Headers handed out by it are already work-checked.
type HeaderChain interface {
	// Sync brings the header chain to the network tip.
	Sync(ctx context.Context) error

	// TipHeight is the height of the best validated header.
	TipHeight() int32

	// HashAtHeight is the validated block hash at a height.
	HashAtHeight(height int32) (*chainhash.Hash, error)
}
