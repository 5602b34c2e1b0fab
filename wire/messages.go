// Package wire defines the logical sync messages and their encoding.
// Transport-independent: the same frames ride TCP or QUIC streams.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/mit-dci/utxosync/commitment"
	"github.com/mit-dci/utxosync/utxo"
)

// Message commands, one byte on the wire.
const (
	CmdGetCommitment uint8 = iota + 1
	CmdCommitment
	CmdGetChunk
	CmdChunk
	CmdGetFilteredBlock
	CmdFilteredBlock
	CmdReject
)

// MaxPayload bounds any single frame.  Bigger than any sane chunk,
// small enough that a malicious length prefix can't balloon memory.
const MaxPayload = 1 << 25 // 32MB

// MaxChunkEntries bounds how many leaves one chunk may carry.
const MaxChunkEntries = 1 << 14

// Message is anything that can ride a frame.
type Message interface {
	Command() uint8
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

/*
Frame format:
1byte command
4bytes payload length
payload
*/

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, msg Message) error {
	var buf bytesBuffer
	if err := msg.Serialize(&buf); err != nil {
		return err
	}
	if len(buf.b) > MaxPayload {
		return fmt.Errorf("message payload %d too big", len(buf.b))
	}
	hdr := [5]byte{msg.Command()}
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(buf.b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.b)
	return err
}

// ReadMessage reads one frame and decodes it into the right type.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	plen := binary.BigEndian.Uint32(hdr[1:])
	if plen > MaxPayload {
		return nil, fmt.Errorf("message payload %d too big", plen)
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	var msg Message
	switch hdr[0] {
	case CmdGetCommitment:
		msg = new(MsgGetCommitment)
	case CmdCommitment:
		msg = new(MsgCommitment)
	case CmdGetChunk:
		msg = new(MsgGetChunk)
	case CmdChunk:
		msg = new(MsgChunk)
	case CmdGetFilteredBlock:
		msg = new(MsgGetFilteredBlock)
	case CmdFilteredBlock:
		msg = new(MsgFilteredBlock)
	case CmdReject:
		msg = new(MsgReject)
	default:
		return nil, fmt.Errorf("unknown message command %d", hdr[0])
	}
	err := msg.Deserialize(&byteReader{b: payload})
	return msg, err
}

// bytesBuffer is a minimal grow-only writer so Serialize targets don't
// drag in bytes.Buffer's unused surface.
type bytesBuffer struct{ b []byte }

func (bb *bytesBuffer) Write(p []byte) (int, error) {
	bb.b = append(bb.b, p...)
	return len(p), nil
}

type byteReader struct {
	b []byte
	i int
}

func (br *byteReader) Read(p []byte) (int, error) {
	if br.i >= len(br.b) {
		return 0, io.EOF
	}
	n := copy(p, br.b[br.i:])
	br.i += n
	return n, nil
}

// MsgGetCommitment asks a peer what commitment it holds at a height.
type MsgGetCommitment struct {
	Height int32
}

func (m *MsgGetCommitment) Command() uint8 { return CmdGetCommitment }

func (m *MsgGetCommitment) Serialize(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, m.Height)
}

func (m *MsgGetCommitment) Deserialize(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, &m.Height)
}

// MsgCommitment is the answer to MsgGetCommitment.
type MsgCommitment struct {
	Commitment commitment.Commitment
}

func (m *MsgCommitment) Command() uint8 { return CmdCommitment }

func (m *MsgCommitment) Serialize(w io.Writer) error {
	return m.Commitment.Serialize(w)
}

func (m *MsgCommitment) Deserialize(r io.Reader) error {
	return m.Commitment.Deserialize(r)
}

// MsgGetChunk asks for every leaf whose key falls in [Start, End),
// ordered by leaf key, proofs included.  An all-zero End means no upper
// bound.  A full reply of MaxChunkEntries means truncation; the
// requester continues from past the last key it got.
type MsgGetChunk struct {
	Start [32]byte
	End   [32]byte
}

func (m *MsgGetChunk) Command() uint8 { return CmdGetChunk }

func (m *MsgGetChunk) Serialize(w io.Writer) (err error) {
	_, err = w.Write(m.Start[:])
	if err != nil {
		return
	}
	_, err = w.Write(m.End[:])
	return
}

func (m *MsgGetChunk) Deserialize(r io.Reader) (err error) {
	_, err = io.ReadFull(r, m.Start[:])
	if err != nil {
		return
	}
	_, err = io.ReadFull(r, m.End[:])
	return
}

// ChunkEntry is one leaf in a chunk: the outpoint, its record, and the
// inclusion path that ties it to the commitment root the chunk was
// requested against.
type ChunkEntry struct {
	Op   wire.OutPoint
	Rec  utxo.Record
	Path commitment.Path
}

func (ce *ChunkEntry) Serialize(w io.Writer) (err error) {
	_, err = w.Write(ce.Op.Hash[:])
	if err != nil {
		return
	}
	err = binary.Write(w, binary.BigEndian, ce.Op.Index)
	if err != nil {
		return
	}
	err = ce.Rec.Serialize(w)
	if err != nil {
		return
	}
	return ce.Path.Serialize(w)
}

func (ce *ChunkEntry) Deserialize(r io.Reader) (err error) {
	_, err = io.ReadFull(r, ce.Op.Hash[:])
	if err != nil {
		return
	}
	err = binary.Read(r, binary.BigEndian, &ce.Op.Index)
	if err != nil {
		return
	}
	err = ce.Rec.Deserialize(r)
	if err != nil {
		return
	}
	return ce.Path.Deserialize(r)
}

// MsgChunk is a slice of the UTXO set.
type MsgChunk struct {
	Entries []ChunkEntry
}

func (m *MsgChunk) Command() uint8 { return CmdChunk }

func (m *MsgChunk) Serialize(w io.Writer) (err error) {
	err = binary.Write(w, binary.BigEndian, uint32(len(m.Entries)))
	if err != nil {
		return
	}
	for i := range m.Entries {
		err = m.Entries[i].Serialize(w)
		if err != nil {
			return
		}
	}
	return
}

func (m *MsgChunk) Deserialize(r io.Reader) (err error) {
	var numEntries uint32
	err = binary.Read(r, binary.BigEndian, &numEntries)
	if err != nil {
		return
	}
	if numEntries > MaxChunkEntries {
		return fmt.Errorf("chunk claims %d entries", numEntries)
	}
	m.Entries = make([]ChunkEntry, numEntries)
	for i := range m.Entries {
		err = m.Entries[i].Deserialize(r)
		if err != nil {
			return
		}
	}
	return
}

// MsgGetFilteredBlock asks for a block with spam-classified outputs
// stubbed down to their script hashes.
type MsgGetFilteredBlock struct {
	BlockHash chainhash.Hash
}

func (m *MsgGetFilteredBlock) Command() uint8 { return CmdGetFilteredBlock }

func (m *MsgGetFilteredBlock) Serialize(w io.Writer) (err error) {
	_, err = w.Write(m.BlockHash[:])
	return
}

func (m *MsgGetFilteredBlock) Deserialize(r io.Reader) (err error) {
	_, err = io.ReadFull(r, m.BlockHash[:])
	return
}

// StubOut marks one output of the block whose script was withheld,
// carrying the script hash the stub record needs.
type StubOut struct {
	TxIndex    uint32
	OutIndex   uint32
	ScriptHash [32]byte
}

// MsgFilteredBlock is a block with filtered outputs' scripts replaced
// by entries in Stubs.  Inputs always ride in full; filtering only ever
// thins outputs.
//
// Txids declares every transaction's txid in block order.  Stripped
// transactions can't be rehashed by the receiver, so the declared list
// is what gets checked against the header's merkle root; transactions
// that ride in full are additionally rehashed against their entry.
type MsgFilteredBlock struct {
	Block wire.MsgBlock
	Txids []chainhash.Hash
	Stubs []StubOut
}

func (m *MsgFilteredBlock) Command() uint8 { return CmdFilteredBlock }

func (m *MsgFilteredBlock) Serialize(w io.Writer) (err error) {
	err = binary.Write(w, binary.BigEndian, uint32(len(m.Txids)))
	if err != nil {
		return
	}
	for i := range m.Txids {
		_, err = w.Write(m.Txids[i][:])
		if err != nil {
			return
		}
	}
	err = binary.Write(w, binary.BigEndian, uint32(len(m.Stubs)))
	if err != nil {
		return
	}
	for _, s := range m.Stubs {
		err = binary.Write(w, binary.BigEndian, s.TxIndex)
		if err != nil {
			return
		}
		err = binary.Write(w, binary.BigEndian, s.OutIndex)
		if err != nil {
			return
		}
		_, err = w.Write(s.ScriptHash[:])
		if err != nil {
			return
		}
	}
	return m.Block.Serialize(w)
}

func (m *MsgFilteredBlock) Deserialize(r io.Reader) (err error) {
	var numTxids uint32
	err = binary.Read(r, binary.BigEndian, &numTxids)
	if err != nil {
		return
	}
	if numTxids > 1<<20 {
		return fmt.Errorf("filtered block claims %d txids", numTxids)
	}
	m.Txids = make([]chainhash.Hash, numTxids)
	for i := range m.Txids {
		_, err = io.ReadFull(r, m.Txids[i][:])
		if err != nil {
			return
		}
	}
	var numStubs uint32
	err = binary.Read(r, binary.BigEndian, &numStubs)
	if err != nil {
		return
	}
	if numStubs > 1<<20 {
		return fmt.Errorf("filtered block claims %d stubs", numStubs)
	}
	m.Stubs = make([]StubOut, numStubs)
	for i := range m.Stubs {
		err = binary.Read(r, binary.BigEndian, &m.Stubs[i].TxIndex)
		if err != nil {
			return
		}
		err = binary.Read(r, binary.BigEndian, &m.Stubs[i].OutIndex)
		if err != nil {
			return
		}
		_, err = io.ReadFull(r, m.Stubs[i].ScriptHash[:])
		if err != nil {
			return
		}
	}
	return m.Block.Deserialize(r)
}

// MsgReject says the peer can't serve a request, with a reason.
type MsgReject struct {
	Reason string
}

func (m *MsgReject) Command() uint8 { return CmdReject }

func (m *MsgReject) Serialize(w io.Writer) (err error) {
	if len(m.Reason) > 255 {
		m.Reason = m.Reason[:255]
	}
	err = binary.Write(w, binary.BigEndian, uint8(len(m.Reason)))
	if err != nil {
		return
	}
	_, err = w.Write([]byte(m.Reason))
	return
}

func (m *MsgReject) Deserialize(r io.Reader) (err error) {
	var rlen uint8
	err = binary.Read(r, binary.BigEndian, &rlen)
	if err != nil {
		return
	}
	reason := make([]byte, rlen)
	_, err = io.ReadFull(r, reason)
	m.Reason = string(reason)
	return
}
