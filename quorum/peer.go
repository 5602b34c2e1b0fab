package quorum

import (
	"encoding/binary"
	"math"
	"net"
	"sort"
	"sync"

	"github.com/mit-dci/utxosync/storage"
)

// PeerInfo is what the coordinator knows about one peer for diversity
// accounting: where it sits in the network and who wrote it.
type PeerInfo struct {
	Addr      string
	ASN       uint32
	GeoBucket string
	ImplTag   string
}

// NetPrefix gives the /16 the peer's address falls in, which is the
// granularity the greedy dedup works at.  Non-IP addresses dedup on the
// whole host.
func (p PeerInfo) NetPrefix() string {
	host, _, err := net.SplitHostPort(p.Addr)
	if err != nil {
		host = p.Addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(16, 32)).String()
	}
	return ip.Mask(net.CIDRMask(32, 128)).String()
}

// defaultScore is where an unknown peer starts: neither trusted nor
// distrusted.
const defaultScore = 0.5

// ReliabilityTracker is the process-wide read-mostly map of peer
// reliability.  It only ever drives selection priority; no accept or
// reject decision reads it.  It's a value owned by whoever built the
// engine, passed by reference, so independent engines never share one
// by accident.
type ReliabilityTracker struct {
	mtx    sync.RWMutex
	scores map[string]float64
}

// NewReliabilityTracker returns an empty tracker.
func NewReliabilityTracker() *ReliabilityTracker {
	return &ReliabilityTracker{scores: make(map[string]float64)}
}

// Score returns the peer's current score, defaulting for strangers.
func (rt *ReliabilityTracker) Score(addr string) float64 {
	rt.mtx.RLock()
	defer rt.mtx.RUnlock()
	if s, ok := rt.scores[addr]; ok {
		return s
	}
	return defaultScore
}

// Bump moves a peer's score toward 1 after it agreed with an accepted
// bucket.
func (rt *ReliabilityTracker) Bump(addr string) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	s, ok := rt.scores[addr]
	if !ok {
		s = defaultScore
	}
	rt.scores[addr] = s + 0.1*(1-s)
}

// Fade moves a peer's score toward 0 after disagreement or timeout.
func (rt *ReliabilityTracker) Fade(addr string) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	s, ok := rt.scores[addr]
	if !ok {
		s = defaultScore
	}
	rt.scores[addr] = s * 0.8
}

// SortByScore orders peers best-first, address as tiebreak so selection
// is deterministic for tests.
func (rt *ReliabilityTracker) SortByScore(peers []PeerInfo) {
	sort.SliceStable(peers, func(i, j int) bool {
		si, sj := rt.Score(peers[i].Addr), rt.Score(peers[j].Addr)
		if si != sj {
			return si > sj
		}
		return peers[i].Addr < peers[j].Addr
	})
}

// Persist writes all scores to storage for warm restarts.
func (rt *ReliabilityTracker) Persist(kv storage.KV) error {
	rt.mtx.RLock()
	defer rt.mtx.RUnlock()
	ops := make([]storage.Op, 0, len(rt.scores))
	for addr, s := range rt.scores {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, math.Float64bits(s))
		ops = append(ops, storage.Op{Key: storage.PeerKey(addr), Value: v})
	}
	return kv.Batch(ops)
}

// LoadReliability reads back scores persisted by Persist.
func LoadReliability(kv storage.KV) (*ReliabilityTracker, error) {
	rt := NewReliabilityTracker()
	err := kv.Iterate([]byte{storage.PrefixPeer}, func(k, v []byte) error {
		if len(v) != 8 {
			return nil // ignore junk, scores are advisory
		}
		addr := string(k[1:])
		rt.scores[addr] = math.Float64frombits(binary.BigEndian.Uint64(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}
