package wire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
)

func TestFrameRoundTrip(t *testing.T) {
	msgs := []Message{
		&MsgGetCommitment{Height: 700000},
		&MsgGetChunk{Start: [32]byte{0x10}, End: [32]byte{0x20}},
		&MsgGetFilteredBlock{BlockHash: chainhash.Hash{0xab}},
		&MsgReject{Reason: "behind, try later"},
	}
	for _, msg := range msgs {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, msg); err != nil {
			t.Fatal(err)
		}
		back, err := ReadMessage(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if back.Command() != msg.Command() {
			t.Fatalf("command %d round-tripped to %d", msg.Command(), back.Command())
		}
	}
}

func TestGetChunkFields(t *testing.T) {
	msg := &MsgGetChunk{Start: [32]byte{1, 2, 3}, End: [32]byte{4, 5, 6}}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	back, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := back.(*MsgGetChunk)
	if !ok {
		t.Fatalf("decoded to %s", spew.Sdump(back))
	}
	if got.Start != msg.Start || got.End != msg.End {
		t.Fatalf("fields lost: %s", spew.Sdump(got))
	}
}

func TestReadMessageRejectsOversize(t *testing.T) {
	hdr := [5]byte{CmdChunk, 0xff, 0xff, 0xff, 0xff}
	_, err := ReadMessage(bytes.NewReader(hdr[:]))
	if err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestReadMessageRejectsUnknownCommand(t *testing.T) {
	hdr := [5]byte{0x7f, 0, 0, 0, 0}
	_, err := ReadMessage(bytes.NewReader(hdr[:]))
	if err == nil {
		t.Fatal("unknown command accepted")
	}
}

func TestChunkEntryLimit(t *testing.T) {
	// a chunk message claiming more entries than the cap must not be
	// believed, let alone allocated
	var buf bytes.Buffer
	buf.Write([]byte{CmdChunk, 0, 0, 0, 4})
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadMessage(&buf)
	if err == nil {
		t.Fatal("chunk with absurd entry count accepted")
	}
}
