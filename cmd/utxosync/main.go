package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/mit-dci/utxosync/config"
	"github.com/mit-dci/utxosync/csn"
	"github.com/mit-dci/utxosync/quorum"
	"github.com/mit-dci/utxosync/storage"
	"github.com/mit-dci/utxosync/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	if err := initLogRotator(cfg.LogFile()); err != nil {
		return err
	}
	defer logRotator.Close()
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	peers, err := parsePeers(cfg.AddPeers)
	if err != nil {
		return err
	}

	kv, err := storage.OpenLevelDB(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return err
	}
	defer kv.Close()

	var tr transport.Transport
	switch cfg.Transport {
	case "quic":
		tr = &transport.QUIC{}
	default:
		tr = &transport.TCP{Proxy: cfg.Proxy}
	}

	params := &chaincfg.MainNetParams
	headers := newFileHeaderChain(filepath.Join(cfg.DataDir, "headers.bin"), params)

	qp := quorum.DefaultParams()
	qp.MinPeers = cfg.MinDiversePeers
	qp.Threshold = cfg.ConsensusThreshold
	qp.MinDistinctASNs = cfg.MinDistinctASNs

	level, _ := csn.ParseVerificationLevel(cfg.VerificationLevel)
	engine, err := csn.New(csn.Options{
		Peers:        peers,
		SafetyDepth:  cfg.CheckpointSafetyDep,
		SpamFilter:   cfg.SpamFilterEnabled,
		Verification: level,
		Quorum:       qp,
	}, csn.Deps{
		Store:     kv,
		Transport: tr,
		Headers:   headers,
		Consensus: &chainConsensus{params: params},
	})
	if err != nil {
		return err
	}

	if cfg.Listen != "" {
		server := csn.NewServer(engine, nil)
		if err := server.Listen(cfg.Listen); err != nil {
			return err
		}
		defer server.Close()
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mainLog.Infof("utxosync starting, datadir %s", cfg.DataDir)
	err = engine.Run(ctx)
	if err == context.Canceled {
		mainLog.Info("shutting down")
		return nil
	}
	return err
}

// parsePeers turns addr@asn/geo/impl entries into peer records.  The
// labels feed diversity selection; an operator who doesn't know a
// peer's ASN can't count it toward ASN diversity.
func parsePeers(entries []string) ([]quorum.PeerInfo, error) {
	peers := make([]quorum.PeerInfo, 0, len(entries))
	for _, entry := range entries {
		at := strings.LastIndex(entry, "@")
		if at < 0 {
			return nil, errors.Errorf(
				"peer %q: want addr@asn/geo/impl", entry)
		}
		labels := strings.Split(entry[at+1:], "/")
		if len(labels) != 3 {
			return nil, errors.Errorf(
				"peer %q: want addr@asn/geo/impl", entry)
		}
		asn, err := strconv.ParseUint(labels[0], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "peer %q asn", entry)
		}
		peers = append(peers, quorum.PeerInfo{
			Addr:      entry[:at],
			ASN:       uint32(asn),
			GeoBucket: labels[1],
			ImplTag:   labels[2],
		})
	}
	return peers, nil
}
