package csn

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/commitment"
	"github.com/mit-dci/utxosync/policy"
	"github.com/mit-dci/utxosync/quorum"
	"github.com/mit-dci/utxosync/storage"
	"github.com/mit-dci/utxosync/transport"
)

const (
	defaultSafetyDepth  = 100
	defaultChunkWorkers = 4
	defaultProofFails   = 3
	defaultPollInterval = 30 * time.Second
)

// stateTipKey is where the engine's flushed tip height lives in storage.
const stateTipKey = "tip"

// Options is what the operator decides.
type Options struct {
	// Peers is the pool to sync against, with the diversity labels the
	// consensus coordinator selects over.
	Peers []quorum.PeerInfo

	// SafetyDepth is how far below the header tip the checkpoint sits,
	// and how deep a reorg the undo log can absorb.
	SafetyDepth int32

	// SpamFilter makes the engine keep stub records for outputs its
	// classifier filters instead of full ones.
	SpamFilter bool

	Verification VerificationLevel

	// Quorum parametrizes the consensus sessions.
	Quorum quorum.Params

	// ChunkWorkers is how many key ranges download concurrently.
	ChunkWorkers int

	// MaxProofFails is how many bad proofs a peer serves before it's
	// banned for the session.
	MaxProofFails int

	// PollInterval is the steady-state header poll cadence.
	PollInterval time.Duration
}

// Deps are the engine's collaborators.  Headers and Consensus are the
// external validators; the engine never re-implements either.
type Deps struct {
	Store      storage.KV
	Transport  transport.Transport
	Headers    HeaderChain
	Consensus  ConsensusEngine
	Classifier policy.Classifier
}

// Engine drives a node from nothing to a verified UTXO set and keeps it
// at the chain tip.  One Run per Engine.
type Engine struct {
	opts Options
	deps Deps

	fetch  *fetcher
	coord  *quorum.Coordinator
	scores *quorum.ReliabilityTracker

	mtx   sync.RWMutex
	state SyncState
	tree  *commitment.Tree
	tip   *commitment.Commitment

	// undoLog keeps per-height undo data back to the safety depth so a
	// reorg can rewind the tree.
	undoLog map[int32]*commitment.Undo

	// applied remembers which block hash each applied height came from,
	// which is how a reorg is noticed.
	applied map[int32]chainhash.Hash

	// proofFails counts bad data per peer address; past the limit the
	// peer stops being asked.
	proofFails map[string]int
	banned     map[string]bool

	// inflight counts outstanding chunk requests per peer so the
	// download never piles more than maxInflightPerPeer onto one.
	inflight map[string]int
}

// New builds an engine, reloading any tree flushed by a prior run.
func New(opts Options, deps Deps) (*Engine, error) {
	if len(opts.Peers) == 0 {
		return nil, ErrNoPeers
	}
	if opts.SafetyDepth == 0 {
		opts.SafetyDepth = defaultSafetyDepth
	}
	if opts.ChunkWorkers == 0 {
		opts.ChunkWorkers = defaultChunkWorkers
	}
	if opts.MaxProofFails == 0 {
		opts.MaxProofFails = defaultProofFails
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Quorum == (quorum.Params{}) {
		opts.Quorum = quorum.DefaultParams()
	} else {
		// partial params keep what the caller set and default the rest
		// field by field; a zero WidenRetries stays zero, it's a valid
		// no-widening choice
		def := quorum.DefaultParams()
		if opts.Quorum.MinPeers == 0 {
			opts.Quorum.MinPeers = def.MinPeers
		}
		if opts.Quorum.Threshold == 0 {
			opts.Quorum.Threshold = def.Threshold
		}
		if opts.Quorum.MinDistinctASNs == 0 {
			opts.Quorum.MinDistinctASNs = def.MinDistinctASNs
		}
		if opts.Quorum.RequestTimeout == 0 {
			opts.Quorum.RequestTimeout = def.RequestTimeout
		}
		if opts.Quorum.WidenStep == 0 {
			opts.Quorum.WidenStep = def.WidenStep
		}
	}
	if deps.Classifier == nil {
		deps.Classifier = &policy.DefaultClassifier{}
	}

	scores, err := quorum.LoadReliability(deps.Store)
	if err != nil {
		return nil, err
	}
	fetch := &fetcher{tr: deps.Transport}

	e := &Engine{
		opts:       opts,
		deps:       deps,
		fetch:      fetch,
		coord:      quorum.NewCoordinator(fetch, scores, opts.Quorum),
		scores:     scores,
		state:      StateIdle,
		tree:       commitment.NewTree(),
		undoLog:    make(map[int32]*commitment.Undo),
		applied:    make(map[int32]chainhash.Hash),
		proofFails: make(map[string]int),
		banned:     make(map[string]bool),
		inflight:   make(map[string]int),
	}

	if err := e.reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// reload picks up the flushed tree and tip from a prior run, if any.
func (e *Engine) reload() error {
	v, err := e.deps.Store.Get(storage.StateKey(stateTipKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return errors.Wrap(storage.ErrCorruption, "malformed tip height")
	}
	height := int32(binary.BigEndian.Uint32(v))

	tree, err := commitment.LoadTree(e.deps.Store)
	if err != nil {
		return err
	}
	tip, err := commitment.GetCommitment(e.deps.Store, height)
	if err != nil {
		return err
	}
	if tree.Root() != tip.Root {
		return errors.Wrapf(storage.ErrCorruption,
			"reloaded tree root %x does not match stored commitment at height %d",
			tree.Root().Prefix(), height)
	}
	e.tree = tree
	e.tip = tip
	log.Infof("warm restart: tree reloaded at height %d, %d leaves",
		height, tree.NumLeaves())
	return nil
}

// State is the engine's current phase.
func (e *Engine) State() SyncState {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.state
}

// Tip is the last commitment the engine produced, nil before the first.
func (e *Engine) Tip() *commitment.Commitment {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.tip
}

// Tree exposes the live set, for the serving side and for proofs.
func (e *Engine) Tree() *commitment.Tree {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.tree
}

func (e *Engine) setState(s SyncState) {
	e.mtx.Lock()
	prev := e.state
	e.state = s
	e.mtx.Unlock()
	log.Infof("sync state %s -> %s", prev, s)
}

// fail marks the engine dead and wraps the cause with the phase it
// died in.
func (e *Engine) fail(cause error) error {
	f := &failure{phase: e.State(), cause: cause}
	e.setState(StateFailed)
	return f
}

// Run drives the whole sync and only returns on failure or when the
// context ends.  Phases run strictly forward; a warm restart with a
// usable tree skips consensus and the chunk download.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(StateHeaderSync)
	if err := e.deps.Headers.Sync(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(err)
	}

	e.setState(StateCheckpointSelection)
	headerTip := e.deps.Headers.TipHeight()
	checkpoint := headerTip - e.opts.SafetyDepth
	log.Infof("header tip %d, checkpoint height %d", headerTip, checkpoint)

	switch {
	case e.tip != nil && e.tip.Height >= checkpoint:
		// Warm restart past the checkpoint: the reloaded tree was
		// verified block by block before it was flushed.  Re-anchor it
		// against the current header chain and catch up from there.
		if err := commitment.VerifyHeaderLinkage(e.tip, e.deps.Headers); err != nil {
			return e.fail(err)
		}
		log.Infof("resuming from flushed height %d", e.tip.Height)

	case checkpoint < 1:
		// Chain younger than the safety depth: start from an empty set
		// and replay everything.  Nothing to ask peers for.
		log.Infof("chain shorter than safety depth, syncing from genesis")
		e.mtx.Lock()
		e.tree = commitment.NewTree()
		e.tip = nil
		e.mtx.Unlock()

	default:
		res, err := e.acquireCheckpoint(ctx, checkpoint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return e.fail(err)
		}

		e.setState(StateChunkDownload)
		err = e.downloadSet(ctx, res)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return e.fail(err)
		}
	}

	e.setState(StateIncrementalCatchup)
	if err := e.catchup(ctx, e.deps.Headers.TipHeight()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(err)
	}

	e.setState(StateSteadyState)
	return e.steadyState(ctx)
}

// acquireCheckpoint runs peer consensus at the checkpoint height and
// verifies the accepted commitment against everything checkable without
// the set itself.
func (e *Engine) acquireCheckpoint(ctx context.Context,
	checkpoint int32) (*quorum.Result, error) {

	e.setState(StateConsensusAcquisition)
	res, err := e.coord.AcquireCommitment(ctx, checkpoint, e.livePeers())
	if err != nil {
		return nil, err
	}
	c := res.Commitment
	if c.Height != checkpoint {
		return nil, errors.Errorf(
			"peers agreed on height %d, asked for %d", c.Height, checkpoint)
	}
	if err := commitment.VerifyHeaderLinkage(c, e.deps.Headers); err != nil {
		return nil, err
	}
	if err := commitment.VerifySupply(c, e.deps.Consensus.MaxSupply); err != nil {
		return nil, err
	}
	log.Infof("accepted commitment at height %d from %d/%d peers: root %x",
		c.Height, len(res.Agreed), res.Responses, c.Root.Prefix())
	return res, nil
}

// catchup applies blocks one by one from past the tree's height to the
// target.
func (e *Engine) catchup(ctx context.Context, target int32) error {
	start := int32(1)
	if e.tip != nil {
		start = e.tip.Height + 1
	}
	for h := start; h <= target; h++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.applyHeight(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// steadyState polls the header chain, follows it forward, and rewinds
// on reorgs.  Only a reorg past the safety depth is fatal.
func (e *Engine) steadyState(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.scores.Persist(e.deps.Store); err != nil {
				log.Warnf("persisting peer scores: %s", err)
			}
			return ctx.Err()
		case <-ticker.C:
		}

		if err := e.deps.Headers.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("header sync: %s", err)
			continue
		}

		if err := e.rewindForks(); err != nil {
			return e.fail(err)
		}
		target := e.deps.Headers.TipHeight()
		if e.tip != nil && target <= e.tip.Height {
			continue
		}
		if err := e.catchup(ctx, target); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A flaky peer isn't fatal here; next tick retries with
			// whoever is still live.
			log.Warnf("catchup to %d: %s", target, err)
		}
	}
}

// rewindForks compares applied block hashes against the current header
// chain and undoes any heights the chain abandoned.
func (e *Engine) rewindForks() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.tip == nil {
		return nil
	}

	forkHeight := int32(-1)
	headerTip := e.deps.Headers.TipHeight()
	top := e.tip.Height
	if top > headerTip {
		forkHeight = headerTip
	}
	for h := top; h >= 1; h-- {
		if h > headerTip {
			continue
		}
		have, ok := e.applied[h]
		if !ok {
			break
		}
		want, err := e.deps.Headers.HashAtHeight(h)
		if err != nil {
			return err
		}
		if have.IsEqual(want) {
			break
		}
		forkHeight = h - 1
	}
	if forkHeight < 0 || forkHeight >= top {
		return nil
	}

	log.Warnf("reorg: rewinding from %d to %d", top, forkHeight)
	for h := top; h > forkHeight; h-- {
		u, ok := e.undoLog[h]
		if !ok {
			return errors.Wrapf(ErrReorgTooDeep,
				"no undo data at height %d", h)
		}
		if _, err := e.tree.UndoBatch(u); err != nil {
			return err
		}
		delete(e.undoLog, h)
		delete(e.applied, h)
	}

	tip, err := commitment.GetCommitment(e.deps.Store, forkHeight)
	if err != nil {
		return errors.Wrapf(err, "no stored commitment at fork height %d", forkHeight)
	}
	if e.tree.Root() != tip.Root {
		return errors.Wrap(storage.ErrCorruption,
			"rewound tree does not match stored commitment")
	}
	e.tip = tip
	return nil
}

// livePeers is the configured pool minus banned peers.
func (e *Engine) livePeers() []quorum.PeerInfo {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	live := make([]quorum.PeerInfo, 0, len(e.opts.Peers))
	for _, p := range e.opts.Peers {
		if !e.banned[p.Addr] {
			live = append(live, p)
		}
	}
	return live
}

// punish counts a bad datum against a peer and bans it past the limit.
func (e *Engine) punish(addr string) {
	e.scores.Fade(addr)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.proofFails[addr]++
	if e.proofFails[addr] >= e.opts.MaxProofFails && !e.banned[addr] {
		e.banned[addr] = true
		log.Warnf("peer %s banned after %d bad proofs", addr, e.proofFails[addr])
	}
}

// flush writes the tree delta, the tip commitment, and the tip marker
// in one batch-backed sequence.
func (e *Engine) flush() error {
	if err := e.tree.Flush(e.deps.Store); err != nil {
		return err
	}
	if err := commitment.PutCommitment(e.deps.Store, e.tip); err != nil {
		return err
	}
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(e.tip.Height))
	return e.deps.Store.Put(storage.StateKey(stateTipKey), v[:])
}
