package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/wire"
)

func TestServeConnRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go serveConn(server, func(req wire.Message) (wire.Message, error) {
		m, ok := req.(*wire.MsgGetCommitment)
		if !ok {
			return nil, errors.Errorf("unexpected %T", req)
		}
		if m.Height != 42 {
			return nil, errors.New("wrong height")
		}
		return &wire.MsgReject{Reason: "nothing stored"}, nil
	})

	if err := wire.WriteMessage(client, &wire.MsgGetCommitment{Height: 42}); err != nil {
		t.Fatal(err)
	}
	resp, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatal(err)
	}
	rej, ok := resp.(*wire.MsgReject)
	if !ok || rej.Reason != "nothing stored" {
		t.Fatalf("got %T %v", resp, resp)
	}
}

func TestServeConnHandlerErrorBecomesReject(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go serveConn(server, func(wire.Message) (wire.Message, error) {
		return nil, errors.New("no such block")
	})

	if err := wire.WriteMessage(client, &wire.MsgGetChunk{}); err != nil {
		t.Fatal(err)
	}
	resp, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatal(err)
	}
	rej, ok := resp.(*wire.MsgReject)
	if !ok {
		t.Fatalf("got %T, want reject", resp)
	}
	if rej.Reason != "no such block" {
		t.Fatalf("reject reason %q", rej.Reason)
	}
}

func TestTCPLoopback(t *testing.T) {
	tr := &TCP{DialTimeout: 2 * time.Second}
	closer, err := tr.Listen("127.0.0.1:0", func(req wire.Message) (wire.Message, error) {
		return &wire.MsgReject{Reason: "hello"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	addr := closer.(*tcpListener).ln.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := tr.Send(ctx, addr, &wire.MsgGetCommitment{Height: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rej, ok := resp.(*wire.MsgReject); !ok || rej.Reason != "hello" {
		t.Fatalf("got %T %v", resp, resp)
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		io.EOF,
		io.ErrUnexpectedEOF,
		context.DeadlineExceeded,
		&net.OpError{Op: "dial", Err: errors.New("refused")},
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Fatalf("%v should be transient", err)
		}
	}
	if IsTransient(nil) {
		t.Fatal("nil is not transient")
	}
	if IsTransient(errors.New("proof does not verify")) {
		t.Fatal("a plain error is not transient")
	}
}
