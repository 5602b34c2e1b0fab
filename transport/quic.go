package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/mit-dci/utxosync/wire"
)

// alpnProto tags our streams so a QUIC endpoint speaking something else
// fails the handshake instead of confusing the framer.
const alpnProto = "utxosync/1"

// QUIC carries one request frame per stream.  Peer identity isn't
// asserted at the transport layer; every byte that matters gets proof
// checked above, so the TLS layer here only provides the QUIC-required
// encryption, with a throwaway self-signed cert.
type QUIC struct {
	HandshakeTimeout time.Duration

	serverTLS *tls.Config
}

func selfSignedTLS() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		NextProtos: []string{alpnProto},
	}, nil
}

func clientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
	}
}

// Send implements Transport.
func (q *QUIC) Send(ctx context.Context, addr string,
	req wire.Message) (wire.Message, error) {

	con, err := quic.DialAddr(ctx, addr, clientTLS(), nil)
	if err != nil {
		return nil, err
	}
	defer con.CloseWithError(0, "")

	stream, err := con.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	err = wire.WriteMessage(stream, req)
	if err != nil {
		return nil, err
	}
	return wire.ReadMessage(stream)
}

type quicListener struct {
	ln     *quic.Listener
	cancel context.CancelFunc
}

func (ql *quicListener) Close() error {
	ql.cancel()
	return ql.ln.Close()
}

// Listen serves inbound streams until the returned closer is closed.
func (q *QUIC) Listen(addr string, handler Handler) (io.Closer, error) {
	if q.serverTLS == nil {
		tlsConf, err := selfSignedTLS()
		if err != nil {
			return nil, err
		}
		q.serverTLS = tlsConf
	}

	ln, err := quic.ListenAddr(addr, q.serverTLS, nil)
	if err != nil {
		return nil, err
	}
	log.Infof("quic transport listening on %s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			con, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				for {
					stream, err := con.AcceptStream(ctx)
					if err != nil {
						return
					}
					go func() {
						defer stream.Close()
						serveConn(stream, handler)
					}()
				}
			}()
		}
	}()
	return &quicListener{ln: ln, cancel: cancel}, nil
}
