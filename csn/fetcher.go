package csn

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/commitment"
	"github.com/mit-dci/utxosync/quorum"
	"github.com/mit-dci/utxosync/transport"
	uwire "github.com/mit-dci/utxosync/wire"
)

// fetcher turns one-shot wire round trips into typed calls.  It's also
// the CommitmentFetcher the consensus coordinator runs against.
type fetcher struct {
	tr transport.Transport
}

// FetchCommitment implements quorum.CommitmentFetcher.
func (f *fetcher) FetchCommitment(ctx context.Context, peer quorum.PeerInfo,
	height int32) (*commitment.Commitment, error) {

	resp, err := f.tr.Send(ctx, peer.Addr, &uwire.MsgGetCommitment{Height: height})
	if err != nil {
		return nil, err
	}
	switch m := resp.(type) {
	case *uwire.MsgCommitment:
		return &m.Commitment, nil
	case *uwire.MsgReject:
		return nil, errors.Errorf("peer rejected: %s", m.Reason)
	default:
		return nil, errors.Errorf("unexpected reply %T", resp)
	}
}

func (f *fetcher) fetchChunk(ctx context.Context, addr string,
	start, end [32]byte) (*uwire.MsgChunk, error) {

	resp, err := f.tr.Send(ctx, addr, &uwire.MsgGetChunk{Start: start, End: end})
	if err != nil {
		return nil, err
	}
	switch m := resp.(type) {
	case *uwire.MsgChunk:
		return m, nil
	case *uwire.MsgReject:
		return nil, errors.Errorf("peer rejected: %s", m.Reason)
	default:
		return nil, errors.Errorf("unexpected reply %T", resp)
	}
}

func (f *fetcher) fetchFilteredBlock(ctx context.Context, addr string,
	blockHash chainhash.Hash) (*uwire.MsgFilteredBlock, error) {

	resp, err := f.tr.Send(ctx, addr, &uwire.MsgGetFilteredBlock{BlockHash: blockHash})
	if err != nil {
		return nil, err
	}
	switch m := resp.(type) {
	case *uwire.MsgFilteredBlock:
		return m, nil
	case *uwire.MsgReject:
		return nil, errors.Errorf("peer rejected: %s", m.Reason)
	default:
		return nil, errors.Errorf("unexpected reply %T", resp)
	}
}
