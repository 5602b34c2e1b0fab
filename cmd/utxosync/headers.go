package main

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// fileHeaderChain reads the header chain from an 80-byte-record file a
// header fetcher keeps up to date; on a reorg the fetcher rewrites the
// tail, so each Sync re-reads the whole file and swaps the chain in.
// Linkage and each header's claimed work get checked; difficulty
// retargeting is the full validator's business, not ours.
type fileHeaderChain struct {
	path   string
	params *chaincfg.Params

	mtx    sync.RWMutex
	hashes []chainhash.Hash
}

func newFileHeaderChain(path string, params *chaincfg.Params) *fileHeaderChain {
	return &fileHeaderChain{path: path, params: params}
}

func (hc *fileHeaderChain) Sync(_ context.Context) error {
	f, err := os.Open(hc.path)
	if err != nil {
		return errors.Wrapf(err, "opening header file %s", hc.path)
	}
	defer f.Close()

	var hashes []chainhash.Hash
	for {
		var header wire.BlockHeader
		err = header.Deserialize(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading header")
		}

		hash := header.BlockHash()
		if len(hashes) == 0 {
			if !hash.IsEqual(hc.params.GenesisHash) {
				return errors.Errorf("first header %v is not the genesis block", hash)
			}
		} else {
			prev := hashes[len(hashes)-1]
			if !header.PrevBlock.IsEqual(&prev) {
				return errors.Errorf("header %v does not link to %v at height %d",
					hash, prev, len(hashes))
			}
			target := blockchain.CompactToBig(header.Bits)
			if target.Sign() <= 0 || target.Cmp(hc.params.PowLimit) > 0 {
				return errors.Errorf("header %v carries target out of range", hash)
			}
			if blockchain.HashToBig(&hash).Cmp(target) > 0 {
				return errors.Errorf("header %v does not meet its own target", hash)
			}
		}
		hashes = append(hashes, hash)
	}

	hc.mtx.Lock()
	hc.hashes = hashes
	hc.mtx.Unlock()
	return nil
}

func (hc *fileHeaderChain) TipHeight() int32 {
	hc.mtx.RLock()
	defer hc.mtx.RUnlock()
	return int32(len(hc.hashes)) - 1
}

func (hc *fileHeaderChain) HashAtHeight(height int32) (*chainhash.Hash, error) {
	hc.mtx.RLock()
	defer hc.mtx.RUnlock()
	if height < 0 || int(height) >= len(hc.hashes) {
		return nil, errors.Errorf("no header at height %d", height)
	}
	h := hc.hashes[height]
	return &h, nil
}
