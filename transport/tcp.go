package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/btcsuite/go-socks/socks"

	"github.com/mit-dci/utxosync/wire"
)

// TCP is the plain stream transport: one length-prefixed frame per
// request, the response frame back on the same connection.
type TCP struct {
	// Proxy optionally routes all dials through a SOCKS5 proxy,
	// host:port.
	Proxy string

	// DialTimeout bounds connection setup when the context doesn't.
	DialTimeout time.Duration
}

func (t *TCP) dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.Proxy != "" {
		p := &socks.Proxy{Addr: t.Proxy}
		return p.Dial("tcp", addr)
	}
	d := net.Dialer{Timeout: t.dialTimeout()}
	return d.DialContext(ctx, "tcp", addr)
}

func (t *TCP) dialTimeout() time.Duration {
	if t.DialTimeout == 0 {
		return 10 * time.Second
	}
	return t.DialTimeout
}

// Send implements Transport.
func (t *TCP) Send(ctx context.Context, addr string,
	req wire.Message) (wire.Message, error) {

	con, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer con.Close()

	if deadline, ok := ctx.Deadline(); ok {
		con.SetDeadline(deadline)
	}

	err = wire.WriteMessage(con, req)
	if err != nil {
		return nil, err
	}
	return wire.ReadMessage(con)
}

type tcpListener struct {
	ln net.Listener
}

func (tl *tcpListener) Close() error {
	return tl.ln.Close()
}

// Listen serves inbound frames, one goroutine per connection, until the
// returned closer is closed.
func (t *TCP) Listen(addr string, handler Handler) (io.Closer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Infof("tcp transport listening on %s", ln.Addr())

	go func() {
		for {
			con, err := ln.Accept()
			if err != nil {
				// closed listener is the shutdown path
				return
			}
			go func() {
				defer con.Close()
				log.Debugf("start serving %s", con.RemoteAddr())
				serveConn(con, handler)
			}()
		}
	}()
	return &tcpListener{ln: ln}, nil
}
