package quorum

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/commitment"
)

// scriptedFetcher replies per peer address: a fixed root, or an error.
type scriptedFetcher struct {
	roots map[string]commitment.Hash
	errs  map[string]error
}

func (sf *scriptedFetcher) FetchCommitment(_ context.Context, peer PeerInfo,
	height int32) (*commitment.Commitment, error) {

	if err, ok := sf.errs[peer.Addr]; ok {
		return nil, err
	}
	root, ok := sf.roots[peer.Addr]
	if !ok {
		return nil, errors.New("unscripted peer")
	}
	return &commitment.Commitment{
		Root:        root,
		Height:      height,
		SupplyTotal: 1000,
		LeafCount:   10,
	}, nil
}

// testPool builds n peers with distinct prefixes, ASNs, geos and impls.
func testPool(n int) []PeerInfo {
	peers := make([]PeerInfo, n)
	for i := range peers {
		peers[i] = PeerInfo{
			Addr:      fmt.Sprintf("10.%d.0.1:8333", i),
			ASN:       uint32(64512 + i),
			GeoBucket: fmt.Sprintf("geo%d", i),
			ImplTag:   fmt.Sprintf("impl%d", i),
		}
	}
	return peers
}

func testParams() Params {
	p := DefaultParams()
	p.RequestTimeout = time.Second
	p.WidenRetries = 0
	return p
}

func TestQuorumEightOfTen(t *testing.T) {
	pool := testPool(10)
	agreeRoot := commitment.Hash{0xaa}
	offRoot := commitment.Hash{0xbb}

	sf := &scriptedFetcher{roots: make(map[string]commitment.Hash)}
	for i, p := range pool {
		if i < 8 {
			sf.roots[p.Addr] = agreeRoot
		} else {
			sf.roots[p.Addr] = offRoot
		}
	}

	co := NewCoordinator(sf, NewReliabilityTracker(), testParams())
	res, err := co.AcquireCommitment(context.Background(), 100, pool)
	if err != nil {
		t.Fatal(err)
	}
	if res.Commitment.Root != agreeRoot {
		t.Fatalf("accepted root %x, want %x", res.Commitment.Root, agreeRoot)
	}
	if len(res.Agreed) != 8 || res.Responses != 10 {
		t.Fatalf("agreed %d responses %d, want 8 and 10",
			len(res.Agreed), res.Responses)
	}
}

func TestQuorumBelowThreshold(t *testing.T) {
	pool := testPool(10)

	// 6 of 10 agree; below the 0.8 default
	sf := &scriptedFetcher{roots: make(map[string]commitment.Hash)}
	for i, p := range pool {
		if i < 6 {
			sf.roots[p.Addr] = commitment.Hash{0xaa}
		} else {
			sf.roots[p.Addr] = commitment.Hash{byte(i)}
		}
	}

	co := NewCoordinator(sf, NewReliabilityTracker(), testParams())
	_, err := co.AcquireCommitment(context.Background(), 100, pool)
	if !errors.Is(err, ErrNoQuorum) {
		t.Fatalf("got %v, want ErrNoQuorum", err)
	}
}

func TestQuorumSingleASNRejected(t *testing.T) {
	pool := testPool(10)
	// unanimous, but every peer sits in one AS
	for i := range pool {
		pool[i].ASN = 64512
	}
	sf := &scriptedFetcher{roots: make(map[string]commitment.Hash)}
	for _, p := range pool {
		sf.roots[p.Addr] = commitment.Hash{0xaa}
	}

	params := testParams()
	co := NewCoordinator(sf, NewReliabilityTracker(), params)
	_, err := co.AcquireCommitment(context.Background(), 100, pool)
	if !errors.Is(err, ErrDiversityInsufficient) {
		t.Fatalf("got %v, want ErrDiversityInsufficient", err)
	}
}

func TestQuorumThresholdEdge(t *testing.T) {
	// exactly at the threshold passes, one under does not
	for _, tc := range []struct {
		agree int
		ok    bool
	}{
		{8, true},
		{7, false},
	} {
		pool := testPool(10)
		sf := &scriptedFetcher{roots: make(map[string]commitment.Hash)}
		for i, p := range pool {
			if i < tc.agree {
				sf.roots[p.Addr] = commitment.Hash{0xaa}
			} else {
				sf.roots[p.Addr] = commitment.Hash{byte(0xb0 + i)}
			}
		}
		co := NewCoordinator(sf, NewReliabilityTracker(), testParams())
		_, err := co.AcquireCommitment(context.Background(), 100, pool)
		if tc.ok && err != nil {
			t.Fatalf("%d of 10 agreeing: %v", tc.agree, err)
		}
		if !tc.ok && !errors.Is(err, ErrNoQuorum) {
			t.Fatalf("%d of 10 agreeing: got %v, want ErrNoQuorum", tc.agree, err)
		}
	}
}

func TestQuorumSilentPeers(t *testing.T) {
	pool := testPool(10)
	sf := &scriptedFetcher{
		roots: make(map[string]commitment.Hash),
		errs:  make(map[string]error),
	}
	// 8 respond and agree, 2 never answer; 8/8 responses clears 0.8
	for i, p := range pool {
		if i < 8 {
			sf.roots[p.Addr] = commitment.Hash{0xaa}
		} else {
			sf.errs[p.Addr] = errors.New("connection refused")
		}
	}

	scores := NewReliabilityTracker()
	co := NewCoordinator(sf, scores, testParams())
	res, err := co.AcquireCommitment(context.Background(), 100, pool)
	if err != nil {
		t.Fatal(err)
	}
	if res.Responses != 8 {
		t.Fatalf("responses %d, want 8", res.Responses)
	}

	// silent peers faded, agreeing peers bumped
	if scores.Score(pool[9].Addr) >= defaultScore {
		t.Fatal("silent peer's score did not fade")
	}
	if scores.Score(pool[0].Addr) <= defaultScore {
		t.Fatal("agreeing peer's score did not rise")
	}
}

func TestQuorumInvalidThreshold(t *testing.T) {
	params := testParams()
	params.Threshold = 1.5
	co := NewCoordinator(&scriptedFetcher{}, NewReliabilityTracker(), params)
	_, err := co.AcquireCommitment(context.Background(), 100, testPool(10))
	if !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("got %v, want ErrInvalidThreshold", err)
	}
}

func TestSelectDiverseDedup(t *testing.T) {
	pool := testPool(6)
	// two peers share a /16 and an ASN with peer 0
	pool[1].Addr = "10.0.5.9:8333"
	pool[2].ASN = pool[0].ASN

	co := NewCoordinator(&scriptedFetcher{}, NewReliabilityTracker(), testParams())
	out := co.selectDiverse(pool, 6, false)

	prefixes := make(map[string]bool)
	for _, p := range out {
		if prefixes[p.NetPrefix()] {
			t.Fatalf("two selected peers share prefix %s", p.NetPrefix())
		}
		prefixes[p.NetPrefix()] = true
	}
}

func TestSelectDiverseTopUp(t *testing.T) {
	// every peer shares one geo and one ASN; the strict pass can take
	// only one, but the top-up pass still fills the session as long as
	// prefixes differ
	pool := testPool(5)
	for i := range pool {
		pool[i].GeoBucket = "same"
		pool[i].ASN = 64512
	}
	co := NewCoordinator(&scriptedFetcher{}, NewReliabilityTracker(), testParams())

	out := co.selectDiverse(pool, 5, false)
	if len(out) != 5 {
		t.Fatalf("selection returned %d of 5", len(out))
	}
}

func TestReliabilityScores(t *testing.T) {
	rt := NewReliabilityTracker()
	addr := "10.0.0.1:8333"

	if rt.Score(addr) != defaultScore {
		t.Fatalf("unseen peer score %f, want %f", rt.Score(addr), defaultScore)
	}
	rt.Bump(addr)
	bumped := rt.Score(addr)
	if bumped <= defaultScore || bumped > 1 {
		t.Fatalf("bumped score %f out of range", bumped)
	}
	rt.Fade(addr)
	if rt.Score(addr) >= bumped {
		t.Fatal("fade did not lower the score")
	}
	for i := 0; i < 100; i++ {
		rt.Bump(addr)
	}
	if rt.Score(addr) > 1 {
		t.Fatalf("score %f escaped its ceiling", rt.Score(addr))
	}
}
