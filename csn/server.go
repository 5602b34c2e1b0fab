package csn

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/commitment"
	"github.com/mit-dci/utxosync/storage"
	uwire "github.com/mit-dci/utxosync/wire"
)

// BlockSource hands out full blocks for serving.  A node that wants to
// serve filtered blocks needs one; commitment and chunk serving work
// without.
type BlockSource interface {
	Block(hash *chainhash.Hash) (*wire.MsgBlock, error)
}

// Server answers the three peer requests out of a running engine's
// state.  Chunk proofs are cut from the live tree, so a chunk served
// while a block lands may prove against a newer root than the requester
// asked about; the requester notices and re-requests, same as for any
// bad chunk.
type Server struct {
	engine *Engine
	blocks BlockSource
	closer io.Closer
}

// NewServer wires a server over an engine.  blocks may be nil, which
// turns filtered-block requests into rejects.
func NewServer(e *Engine, blocks BlockSource) *Server {
	return &Server{engine: e, blocks: blocks}
}

// Listen starts serving on addr over the engine's transport.
func (s *Server) Listen(addr string) error {
	closer, err := s.engine.deps.Transport.Listen(addr, s.handle)
	if err != nil {
		return err
	}
	s.closer = closer
	log.Infof("serving peers on %s", addr)
	return nil
}

// Close stops the listener.
func (s *Server) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Server) handle(req uwire.Message) (uwire.Message, error) {
	switch m := req.(type) {
	case *uwire.MsgGetCommitment:
		return s.handleGetCommitment(m)
	case *uwire.MsgGetChunk:
		return s.handleGetChunk(m)
	case *uwire.MsgGetFilteredBlock:
		return s.handleGetFilteredBlock(m)
	}
	return nil, errors.Errorf("unhandled request %T", req)
}

func (s *Server) handleGetCommitment(m *uwire.MsgGetCommitment) (uwire.Message, error) {
	c, err := commitment.GetCommitment(s.engine.deps.Store, m.Height)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Errorf("no commitment at height %d", m.Height)
	}
	if err != nil {
		return nil, err
	}
	return &uwire.MsgCommitment{Commitment: *c}, nil
}

func (s *Server) handleGetChunk(m *uwire.MsgGetChunk) (uwire.Message, error) {
	tree := s.engine.Tree()
	leaves := tree.LeafRange(
		commitment.Hash(m.Start), commitment.Hash(m.End), uwire.MaxChunkEntries)

	resp := &uwire.MsgChunk{Entries: make([]uwire.ChunkEntry, 0, len(leaves))}
	for _, lf := range leaves {
		resp.Entries = append(resp.Entries, uwire.ChunkEntry{
			Op:   lf.Op,
			Rec:  *lf.Rec,
			Path: *tree.ProveOutpoint(lf.Op),
		})
	}
	return resp, nil
}

func (s *Server) handleGetFilteredBlock(m *uwire.MsgGetFilteredBlock) (uwire.Message, error) {
	if s.blocks == nil {
		return nil, errors.New("not serving blocks")
	}
	block, err := s.blocks.Block(&m.BlockHash)
	if err != nil {
		return nil, errors.Wrapf(err, "no block %v", m.BlockHash)
	}
	return BuildFilteredBlock(block, s.engine.deps.Classifier), nil
}
