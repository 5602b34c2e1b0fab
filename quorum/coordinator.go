package quorum

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/commitment"
)

// CommitmentFetcher is the one network capability the coordinator
// needs: ask one peer for its commitment at a height.  The transport
// behind it is somebody else's business.
type CommitmentFetcher interface {
	FetchCommitment(ctx context.Context, peer PeerInfo,
		height int32) (*commitment.Commitment, error)
}

// Params is the tunable policy of a coordinator.  The threshold and ASN
// floor are heuristic defaults, not protocol constants; tests and
// operators set their own.
type Params struct {
	// MinPeers is how many pairwise-diverse peers a session starts
	// with.
	MinPeers int

	// Threshold is the fraction of responses the largest bucket must
	// reach, in (0, 1].
	Threshold float64

	// MinDistinctASNs is how many distinct ASNs the winning bucket must
	// span.
	MinDistinctASNs int

	// RequestTimeout bounds each individual peer request.
	RequestTimeout time.Duration

	// WidenRetries is how many times a failed session widens the pool
	// before giving up.  Widening adds WidenStep peers and relaxes the
	// geo constraint, never the ASN floor.
	WidenRetries int
	WidenStep    int
}

// DefaultParams are the stock policy numbers.
func DefaultParams() Params {
	return Params{
		MinPeers:        10,
		Threshold:       0.8,
		MinDistinctASNs: 2,
		RequestTimeout:  15 * time.Second,
		WidenRetries:    3,
		WidenStep:       5,
	}
}

// check validates params before any session starts.
func (p Params) check() error {
	if p.Threshold <= 0 || p.Threshold > 1 {
		return errors.Wrapf(ErrInvalidThreshold, "%f", p.Threshold)
	}
	return nil
}

// Coordinator fans a checkpoint request out to a diversity-selected
// peer set and accepts a commitment only when a response bucket clears
// both the numeric threshold and the ASN diversity floor.
type Coordinator struct {
	fetch  CommitmentFetcher
	scores *ReliabilityTracker
	params Params
}

// NewCoordinator wires a coordinator up.  The tracker is shared,
// owned by the engine; the coordinator only reads priorities from it
// and reports outcomes into it.
func NewCoordinator(fetch CommitmentFetcher, scores *ReliabilityTracker,
	params Params) *Coordinator {

	return &Coordinator{fetch: fetch, scores: scores, params: params}
}

// Result is an accepted commitment plus who vouched for it.
type Result struct {
	Commitment *commitment.Commitment

	// Agreed is the peers in the winning bucket.
	Agreed []PeerInfo

	// Responses is how many peers answered at all.
	Responses int
}

// AcquireCommitment runs consensus sessions against the pool until one
// is quorate or widening is exhausted.  The returned error after
// exhaustion is the last session's failure: ErrNoQuorum or
// ErrDiversityInsufficient.
func (co *Coordinator) AcquireCommitment(ctx context.Context, height int32,
	pool []PeerInfo) (*Result, error) {

	if err := co.params.check(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= co.params.WidenRetries; attempt++ {
		want := co.params.MinPeers + attempt*co.params.WidenStep
		relaxGeo := attempt > 0
		selected := co.selectDiverse(pool, want, relaxGeo)
		if len(selected) == 0 {
			return nil, errors.Wrap(ErrNoQuorum, "no peers to ask")
		}

		log.Debugf("consensus attempt %d: asking %d peers for height %d",
			attempt, len(selected), height)
		res, err := co.runSession(ctx, height, selected)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			// superseded or operator abort; not a verdict on the peers
			return nil, ctx.Err()
		}
		lastErr = err
		log.Warnf("consensus attempt %d for height %d failed: %s",
			attempt, height, err)
	}
	return nil, lastErr
}

// selectDiverse greedily picks up to want peers, best score first,
// deduping by network prefix always, and by ASN/geo/impl on the strict
// first pass.  A second pass tops up with prefix-deduped peers when
// strict diversity runs out of candidates.
func (co *Coordinator) selectDiverse(pool []PeerInfo, want int,
	relaxGeo bool) []PeerInfo {

	ordered := make([]PeerInfo, len(pool))
	copy(ordered, pool)
	co.scores.SortByScore(ordered)

	var out []PeerInfo
	usedPrefix := make(map[string]bool)
	usedASN := make(map[uint32]bool)
	usedGeo := make(map[string]bool)
	usedImpl := make(map[string]bool)
	taken := make(map[string]bool)

	for _, p := range ordered {
		if len(out) >= want {
			break
		}
		if usedPrefix[p.NetPrefix()] || usedASN[p.ASN] || usedImpl[p.ImplTag] {
			continue
		}
		if !relaxGeo && usedGeo[p.GeoBucket] {
			continue
		}
		out = append(out, p)
		taken[p.Addr] = true
		usedPrefix[p.NetPrefix()] = true
		usedASN[p.ASN] = true
		usedGeo[p.GeoBucket] = true
		usedImpl[p.ImplTag] = true
	}

	// top-up pass: prefix dedup only
	for _, p := range ordered {
		if len(out) >= want {
			break
		}
		if taken[p.Addr] || usedPrefix[p.NetPrefix()] {
			continue
		}
		out = append(out, p)
		taken[p.Addr] = true
		usedPrefix[p.NetPrefix()] = true
	}
	return out
}

// runSession asks every selected peer concurrently and judges the
// responses.  One goroutine per outstanding request, each bounded by
// the per-request timeout, all drained through one bounded channel;
// dropping the context drops the stragglers.
func (co *Coordinator) runSession(ctx context.Context, height int32,
	peers []PeerInfo) (*Result, error) {

	s := &session{
		targetHeight:    height,
		threshold:       co.params.Threshold,
		minDistinctASNs: co.params.MinDistinctASNs,
		state:           SessionFanningOut,
		responses:       make(map[string]*commitment.Commitment),
	}
	defer func() { s.state = SessionClosed }()

	ch := make(chan peerResponse, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			cctx, cancel := context.WithTimeout(ctx, co.params.RequestTimeout)
			defer cancel()
			c, err := co.fetch.FetchCommitment(cctx, p, height)
			select {
			case ch <- peerResponse{peer: p, c: c, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	s.state = SessionCollecting
	byPeer := make(map[string]peerResponse)
	timedOut := make(map[string]bool)

collect:
	for i := 0; i < len(peers); i++ {
		select {
		case r := <-ch:
			if r.err != nil {
				timedOut[r.peer.Addr] = true
				log.Debugf("peer %s: no commitment: %s", r.peer.Addr, r.err)
				continue
			}
			if r.c.Height != height {
				// answered the wrong question; counts as disagreement
				r.c = nil
				timedOut[r.peer.Addr] = true
				continue
			}
			byPeer[r.peer.Addr] = r
			s.responses[r.peer.Addr] = r.c
		case <-ctx.Done():
			break collect
		}
	}
	if ctx.Err() != nil {
		// cancelled mid-collection: no score updates at all, the peers
		// that answered honestly did nothing wrong
		s.state = SessionTimeout
		return nil, ctx.Err()
	}

	total := len(byPeer)
	if total == 0 {
		s.state = SessionTimeout
		co.fadeTimeouts(peers, timedOut)
		return nil, errors.Wrap(ErrNoQuorum, "no peer responded")
	}

	// bucket by claimed root
	buckets := make(map[commitment.Hash][]peerResponse)
	for _, r := range byPeer {
		buckets[r.c.Root] = append(buckets[r.c.Root], r)
	}
	var best []peerResponse
	for _, b := range buckets {
		if len(b) > len(best) {
			best = b
		}
	}

	frac := float64(len(best)) / float64(total)
	asns := make(map[uint32]bool)
	for _, r := range best {
		asns[r.peer.ASN] = true
	}

	if frac < s.threshold {
		// no accepted bucket, so no agreement baseline to judge
		// responders against; only the silent peers fade
		s.state = SessionNoQuorum
		co.fadeTimeouts(peers, timedOut)
		return nil, errors.Wrapf(ErrNoQuorum,
			"largest bucket %d of %d responses (need %.0f%%)",
			len(best), total, s.threshold*100)
	}
	if len(asns) < s.minDistinctASNs {
		// numerically unanimous maybe, but topologically one voice
		s.state = SessionNoQuorum
		co.fadeTimeouts(peers, timedOut)
		return nil, errors.Wrapf(ErrDiversityInsufficient,
			"%d distinct ASNs in winning bucket, need %d",
			len(asns), s.minDistinctASNs)
	}

	s.state = SessionQuorate
	res := &Result{
		Commitment: best[0].c,
		Responses:  total,
	}
	agreed := make(map[string]bool)
	for _, r := range best {
		res.Agreed = append(res.Agreed, r.peer)
		agreed[r.peer.Addr] = true
	}

	// scores move only after the verdict, and only ever change future
	// selection priority
	for _, p := range peers {
		switch {
		case agreed[p.Addr]:
			co.scores.Bump(p.Addr)
		case timedOut[p.Addr]:
			co.scores.Fade(p.Addr)
		case s.responses[p.Addr] != nil:
			co.scores.Fade(p.Addr) // answered, but with a losing root
		}
	}

	log.Infof("quorum at height %d: root %x, %d/%d peers over %d ASNs",
		height, res.Commitment.Root.Prefix(), len(best), total, len(asns))
	return res, nil
}

// fadeTimeouts marks a failed session against only the peers that
// errored or timed out.  Responders keep their scores; with no accepted
// bucket there's no telling which of them was honest.
func (co *Coordinator) fadeTimeouts(peers []PeerInfo, timedOut map[string]bool) {
	for _, p := range peers {
		if timedOut[p.Addr] {
			co.scores.Fade(p.Addr)
		}
	}
}
