package csn

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/commitment"
	"github.com/mit-dci/utxosync/utxo"
	uwire "github.com/mit-dci/utxosync/wire"
)

// applyHeight moves the set forward by one block: fetch it, validate
// it, fold its effects into the tree, commit, verify, persist.
func (e *Engine) applyHeight(ctx context.Context, height int32) error {
	hash, err := e.deps.Headers.HashAtHeight(height)
	if err != nil {
		return err
	}

	fb, err := e.fetchCheckedBlock(ctx, hash)
	if err != nil {
		return err
	}

	// The external validator owns script and signature rules; filtered
	// outputs arrive scriptless, which it has to tolerate for stubs.
	if err := e.deps.Consensus.ValidateBlock(&fb.Block, height); err != nil {
		return errors.Wrapf(err, "block %v rejected by validator", hash)
	}

	adds, dels := e.blockEffects(fb, height)

	e.mtx.Lock()
	defer e.mtx.Unlock()

	var prevTree *commitment.Tree
	prev := e.tip
	if e.opts.Verification >= VerifyParanoid && prev != nil {
		prevTree = e.tree.Clone()
	}

	_, undo, err := e.tree.BatchUpdate(adds, dels)
	if err != nil {
		// Every peer serves the same merkle-checked block, so this is
		// a genuine inconsistency, not a per-datum peer fault.
		return errors.Wrapf(err, "applying block %v", hash)
	}

	var blockHash [32]byte
	copy(blockHash[:], hash[:])
	tip := e.tree.Commit(height, blockHash)

	if err := commitment.VerifySupply(tip, e.deps.Consensus.MaxSupply); err != nil {
		e.tree.UndoBatch(undo)
		return err
	}
	if prevTree != nil {
		effects := &commitment.BlockEffects{Creates: adds, Spends: dels}
		if err := commitment.VerifyForward(prev, prevTree, effects, tip); err != nil {
			e.tree.UndoBatch(undo)
			return err
		}
	}

	e.tip = tip
	e.undoLog[height] = undo
	e.applied[height] = *hash
	if old := height - e.opts.SafetyDepth; old >= 1 {
		delete(e.undoLog, old)
		delete(e.applied, old)
	}

	if err := e.flush(); err != nil {
		return err
	}
	log.Debugf("applied block %d: %d creates %d spends, root %x",
		height, len(adds), len(dels), tip.Root.Prefix())
	return nil
}

const (
	blockFetchRetries = 3
	blockFetchBackoff = 250 * time.Millisecond
)

// fetchCheckedBlock gets the filtered block for a validated header.
// Each pass walks every live peer; a pass where all of them fail gets
// retried after a growing backoff, so a momentary network blip across
// the pool doesn't surface as fatal.
func (e *Engine) fetchCheckedBlock(ctx context.Context,
	hash *chainhash.Hash) (*uwire.MsgFilteredBlock, error) {

	backoff := blockFetchBackoff
	var lastErr error
	for attempt := 0; attempt < blockFetchRetries; attempt++ {
		if attempt > 0 {
			log.Debugf("retrying block %v in %s", hash, backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		fb, err := e.fetchBlockOnce(ctx, hash)
		if err == nil {
			return fb, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

// fetchBlockOnce asks each live peer in score order until one serves a
// block that checks out.  Bad blocks are a per-datum fault: the peer is
// punished and the next one is asked.
func (e *Engine) fetchBlockOnce(ctx context.Context,
	hash *chainhash.Hash) (*uwire.MsgFilteredBlock, error) {

	peers := e.livePeers()
	e.scores.SortByScore(peers)
	for _, peer := range peers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fb, err := e.fetch.fetchFilteredBlock(ctx, peer.Addr, *hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debugf("block fetch from %s: %s", peer.Addr, err)
			e.scores.Fade(peer.Addr)
			continue
		}
		if err := checkFilteredBlock(fb, hash); err != nil {
			log.Warnf("peer %s served bad block %v: %s", peer.Addr, hash, err)
			e.punish(peer.Addr)
			continue
		}
		e.scores.Bump(peer.Addr)
		return fb, nil
	}
	return nil, errors.Wrapf(ErrNoPeers, "no peer could serve block %v", hash)
}

// blockEffects turns a checked filtered block into tree adds and dels.
// Provably unspendable outputs never get leaves; outputs the block
// arrived with stubs for, or that the local classifier filters, get
// stub records committing to the script hash only.
func (e *Engine) blockEffects(fb *uwire.MsgFilteredBlock,
	height int32) (adds []commitment.Add, dels []wire.OutPoint) {

	stubbed := make(map[[2]uint32][32]byte, len(fb.Stubs))
	for _, st := range fb.Stubs {
		stubbed[[2]uint32{st.TxIndex, st.OutIndex}] = st.ScriptHash
	}

	for ti, tx := range fb.Block.Transactions {
		if ti > 0 {
			for _, in := range tx.TxIn {
				dels = append(dels, in.PreviousOutPoint)
			}
		}
		for oi, out := range tx.TxOut {
			if provablyUnspendable(out.PkScript) {
				continue
			}
			rec := &utxo.Record{
				Amt:      out.Value,
				PkScript: out.PkScript,
				Height:   height,
				Coinbase: ti == 0,
			}
			if sh, ok := stubbed[[2]uint32{uint32(ti), uint32(oi)}]; ok {
				rec.Stub = true
				rec.PkScript = nil
				rec.ScriptHash = utxo.Hash(sh)
			} else if e.opts.SpamFilter && e.deps.Classifier.Classify(out).Filtered() {
				rec = rec.ToStub()
			}
			op := wire.OutPoint{Hash: fb.Txids[ti], Index: uint32(oi)}
			adds = append(adds, commitment.Add{Op: op, Rec: rec})
		}
	}
	return adds, dels
}
