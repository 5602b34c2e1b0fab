package csn

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/commitment"
	"github.com/mit-dci/utxosync/quorum"
	"github.com/mit-dci/utxosync/utxo"
	uwire "github.com/mit-dci/utxosync/wire"
)

// keyRange is one worker's slice of the leaf keyspace, [Start, End)
// with an all-zero End meaning open-ended.
type keyRange struct {
	Start [32]byte
	End   [32]byte
}

// splitKeyspace cuts the 256-bit keyspace into n contiguous ranges by
// first byte.  n must divide 256.
func splitKeyspace(n int) []keyRange {
	if n < 1 || 256%n != 0 {
		n = 1
	}
	step := 256 / n
	ranges := make([]keyRange, n)
	for i := 0; i < n; i++ {
		ranges[i].Start[0] = byte(i * step)
		if i < n-1 {
			ranges[i].End[0] = byte((i + 1) * step)
		}
		// the last range's End stays all-zero: open-ended
	}
	return ranges
}

// nextKey returns the key just past k, false on overflow.
func nextKey(k [32]byte) ([32]byte, bool) {
	for i := 31; i >= 0; i-- {
		k[i]++
		if k[i] != 0 {
			return k, true
		}
	}
	return k, false
}

// maxInflightPerPeer caps how many chunk requests the download keeps
// outstanding against one peer at a time.
const maxInflightPerPeer = 2

// slotWait is how long a range worker backs off when every usable peer
// is at its request cap.
const slotWait = 10 * time.Millisecond

// downloadSet pulls the whole UTXO set at the accepted commitment from
// the agreeing peers.  Per-entry proofs gate everything that enters the
// tree; a bad chunk rotates to another peer on the spot, and an
// aggregate mismatch after a full pass throws the built tree away and
// redownloads with the peer order rotated, so a peer that withholds a
// leaf can't end the sync while honest peers remain untried.
func (e *Engine) downloadSet(ctx context.Context, res *quorum.Result) error {
	accepted := res.Commitment

	attempts := len(res.Agreed)
	if attempts < 2 {
		attempts = 2
	}
	var tree *commitment.Tree
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		built, err := e.buildSet(ctx, res, attempt)
		if err == nil {
			tree = built
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrChunkMismatch) && !errors.Is(err, ErrNoPeers) {
			return err
		}
		lastErr = err
		log.Warnf("set download attempt %d of %d: %s", attempt+1, attempts, err)
	}
	if tree == nil {
		return lastErr
	}

	var blockHash [32]byte
	hash, err := e.deps.Headers.HashAtHeight(accepted.Height)
	if err != nil {
		return err
	}
	copy(blockHash[:], hash[:])

	e.mtx.Lock()
	e.tree = tree
	e.tip = tree.Commit(accepted.Height, blockHash)
	e.mtx.Unlock()

	if e.tip.Root != accepted.Root {
		return errors.Wrap(ErrChunkMismatch, "recommitted root moved")
	}
	if err := e.flush(); err != nil {
		return err
	}
	log.Infof("set download done: %d leaves, supply %d, root %x",
		tree.NumLeaves(), tree.Supply(), tree.Root().Prefix())
	return nil
}

// buildSet runs one full download pass into a fresh tree, with the
// agreeing-peer order rotated per attempt, and checks the aggregate
// against the accepted commitment.
func (e *Engine) buildSet(ctx context.Context, res *quorum.Result,
	rot int) (*commitment.Tree, error) {

	accepted := res.Commitment
	ranges := splitKeyspace(16)

	tree := commitment.NewTree()
	var treeMtx sync.Mutex

	workers := e.opts.ChunkWorkers
	if workers > len(ranges) {
		workers = len(ranges)
	}
	work := make(chan keyRange, len(ranges))
	for _, r := range ranges {
		work <- r
	}
	close(work)

	var wg sync.WaitGroup
	errc := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range work {
				err := e.downloadRange(ctx, accepted, res.Agreed, r, rot,
					tree, &treeMtx)
				if err != nil {
					errc <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errc)
	if err := <-errc; err != nil {
		return nil, err
	}

	// The per-entry proofs already tie every leaf to the accepted
	// root, but the aggregate has to land exactly as well.
	if tree.Root() != accepted.Root {
		return nil, errors.Wrapf(ErrChunkMismatch,
			"built root %x, accepted %x",
			tree.Root().Prefix(), accepted.Root.Prefix())
	}
	if tree.NumLeaves() != accepted.LeafCount {
		return nil, errors.Wrapf(ErrChunkMismatch,
			"built %d leaves, commitment declares %d",
			tree.NumLeaves(), accepted.LeafCount)
	}
	if tree.Supply() != accepted.SupplyTotal {
		return nil, errors.Wrapf(ErrChunkMismatch,
			"built supply %d, commitment declares %d",
			tree.Supply(), accepted.SupplyTotal)
	}
	return tree, nil
}

// downloadRange walks one key range to exhaustion, paginating past full
// replies, rotating to the next agreeing peer whenever one serves bad
// data, goes away, or is already at its request cap.
func (e *Engine) downloadRange(ctx context.Context, accepted *commitment.Commitment,
	peers []quorum.PeerInfo, r keyRange, rot int,
	tree *commitment.Tree, treeMtx *sync.Mutex) error {

	peers = rotatePeers(peers, rot)
	cur := r.Start
	peerIdx := 0
	saturated := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		peer, ok := e.pickPeer(peers, &peerIdx)
		if !ok {
			if !saturated {
				return errors.Wrapf(ErrNoPeers,
					"all %d agreeing peers exhausted in range %x", len(peers), r.Start[0])
			}
			// every remaining peer sits at its request cap; wait for a
			// slot and walk the list again
			saturated = false
			peerIdx = 0
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(slotWait):
			}
			continue
		}
		if !e.reserveSlot(peer.Addr) {
			saturated = true
			peerIdx++
			continue
		}

		chunk, err := e.fetch.fetchChunk(ctx, peer.Addr, cur, r.End)
		e.releaseSlot(peer.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debugf("chunk fetch from %s: %s", peer.Addr, err)
			e.scores.Fade(peer.Addr)
			peerIdx++
			continue
		}

		ok, lastKey := e.absorbChunk(chunk, accepted, cur, r.End, tree, treeMtx)
		if !ok {
			e.punish(peer.Addr)
			peerIdx++
			continue
		}
		e.scores.Bump(peer.Addr)

		// A short reply means the range is drained; a full one means
		// the peer truncated and we continue past the last key.
		if len(chunk.Entries) < uwire.MaxChunkEntries {
			return nil
		}
		next, carry := nextKey(lastKey)
		if !carry {
			return nil
		}
		cur = next
	}
}

// rotatePeers returns the peer list started n entries in, wrapped.
func rotatePeers(peers []quorum.PeerInfo, n int) []quorum.PeerInfo {
	if len(peers) == 0 || n%len(peers) == 0 {
		return peers
	}
	n %= len(peers)
	out := make([]quorum.PeerInfo, 0, len(peers))
	out = append(out, peers[n:]...)
	return append(out, peers[:n]...)
}

// reserveSlot claims one of a peer's concurrent request slots, false if
// the peer is already at maxInflightPerPeer.
func (e *Engine) reserveSlot(addr string) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.inflight[addr] >= maxInflightPerPeer {
		return false
	}
	e.inflight[addr]++
	return true
}

func (e *Engine) releaseSlot(addr string) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.inflight[addr] > 0 {
		e.inflight[addr]--
	}
}

// pickPeer returns the next unbanned peer at or after *idx, wrapping is
// not done: once the list is walked off, the range fails.
func (e *Engine) pickPeer(peers []quorum.PeerInfo, idx *int) (quorum.PeerInfo, bool) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	for ; *idx < len(peers); *idx++ {
		if !e.banned[peers[*idx].Addr] {
			return peers[*idx], true
		}
	}
	return quorum.PeerInfo{}, false
}

// absorbChunk proof-checks every entry against the accepted root and
// inserts the good chunk into the tree under construction.  Rejection
// is all-or-nothing per chunk: a single bad entry drops the chunk.
func (e *Engine) absorbChunk(chunk *uwire.MsgChunk, accepted *commitment.Commitment,
	start, end [32]byte, tree *commitment.Tree,
	treeMtx *sync.Mutex) (ok bool, lastKey [32]byte) {

	prev := start
	first := true
	adds := make([]commitment.Add, 0, len(chunk.Entries))
	for i := range chunk.Entries {
		ent := &chunk.Entries[i]
		key := [32]byte(utxo.LeafKey(ent.Op))

		// In-range, strictly ascending by key.
		if lessKey(key, start) || (!isZeroKey(end) && !lessKey(key, end)) {
			log.Debugf("chunk entry %x outside requested range", key[:4])
			return false, lastKey
		}
		if !first && !lessKey(prev, key) {
			log.Debugf("chunk entries out of order at %x", key[:4])
			return false, lastKey
		}
		if err := ent.Rec.Check(); err != nil {
			log.Debugf("chunk entry record: %s", err)
			return false, lastKey
		}
		if !commitment.VerifyInclusion(accepted.Root, ent.Op, &ent.Rec, &ent.Path) {
			log.Debugf("chunk entry %s fails inclusion against accepted root",
				utxo.OPString(ent.Op))
			return false, lastKey
		}
		rec := ent.Rec
		adds = append(adds, commitment.Add{Op: ent.Op, Rec: &rec})
		prev = key
		first = false
	}

	// Ranges never overlap and pages advance past the last key, so no
	// collisions are expected; BatchUpdate still keeps the tree intact
	// if one happens.
	treeMtx.Lock()
	_, _, err := tree.BatchUpdate(adds, nil)
	treeMtx.Unlock()
	if err != nil {
		log.Debugf("chunk apply: %s", err)
		return false, lastKey
	}
	return true, prev
}

func lessKey(a, b [32]byte) bool {
	for i := 0; i < 32; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func isZeroKey(k [32]byte) bool {
	return k == [32]byte{}
}
