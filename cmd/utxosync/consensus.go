package main

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"
)

// chainConsensus is the block validator this binary ships with: block
// sanity only.  Script and signature checking belongs to a full
// validator; deployments that have one plug it in instead.
type chainConsensus struct {
	params *chaincfg.Params
}

func (cc *chainConsensus) ValidateBlock(block *wire.MsgBlock, height int32) error {
	if len(block.Transactions) == 0 {
		return errors.New("block has no transactions")
	}
	coinbase := btcutil.NewTx(block.Transactions[0])
	if !blockchain.IsCoinBase(coinbase) {
		return errors.New("first transaction is not a coinbase")
	}
	for i, tx := range block.Transactions[1:] {
		if blockchain.IsCoinBaseTx(tx) {
			return errors.Errorf("transaction %d is a second coinbase", i+1)
		}
	}
	return nil
}

// MaxSupply sums the subsidy schedule through a height: fifty coins a
// block, halving every SubsidyReductionInterval.
func (cc *chainConsensus) MaxSupply(height int32) int64 {
	interval := int64(cc.params.SubsidyReductionInterval)
	if interval == 0 {
		return int64(height+1) * 50 * btcutil.SatoshiPerBitcoin
	}

	var total int64
	subsidy := int64(50 * btcutil.SatoshiPerBitcoin)
	remaining := int64(height) + 1
	for remaining > 0 && subsidy > 0 {
		blocks := interval
		if remaining < blocks {
			blocks = remaining
		}
		total += blocks * subsidy
		remaining -= blocks
		subsidy >>= 1
	}
	return total
}
