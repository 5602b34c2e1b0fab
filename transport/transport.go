// Package transport moves wire messages between peers.  Everything
// above it is written against the Transport interface only; one
// implementation exists per transport kind and is picked per peer at
// connection time.
package transport

import (
	"context"
	"io"
	"net"

	"github.com/mit-dci/utxosync/wire"
)

// Handler answers one request on the serving side.
type Handler func(req wire.Message) (wire.Message, error)

// Transport is the one capability the coordinator and sync engine need
// from the network: a request/response round trip with a peer.
type Transport interface {
	Send(ctx context.Context, addr string, req wire.Message) (wire.Message, error)

	// Listen serves inbound requests until the returned closer is
	// closed.
	Listen(addr string, handler Handler) (io.Closer, error)
}

// IsTransient reports whether an error is the retry-and-reroute kind
// (timeouts, refused connections, broken streams) rather than a verdict
// on the data.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return true
	}
	if err == context.DeadlineExceeded {
		return true
	}
	// anything else coming out of a dial or read is connection trouble
	// too often enough; verification failures never travel as plain
	// errors through here
	_, isOp := err.(*net.OpError)
	return isOp
}

// serveConn answers frames on one connection until the peer goes away.
// Shared by the TCP and QUIC listeners.
func serveConn(rw io.ReadWriter, handler Handler) {
	for {
		req, err := wire.ReadMessage(rw)
		if err != nil {
			if err != io.EOF {
				log.Debugf("connection read: %s", err)
			}
			return
		}
		resp, err := handler(req)
		if err != nil {
			resp = &wire.MsgReject{Reason: err.Error()}
		}
		if err := wire.WriteMessage(rw, resp); err != nil {
			log.Debugf("connection write: %s", err)
			return
		}
	}
}
