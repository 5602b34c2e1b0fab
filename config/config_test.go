package config

import (
	"testing"

	"github.com/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"--datadir", "/tmp/utxosync-test"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinDiversePeers != 10 || cfg.ConsensusThreshold != 0.8 ||
		cfg.MinDistinctASNs != 2 || cfg.CheckpointSafetyDep != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Transport != "tcp" {
		t.Fatalf("default transport %q", cfg.Transport)
	}
	if !cfg.SpamFilterEnabled {
		t.Fatal("spam filter should default on")
	}
	if cfg.LogDir == "" {
		t.Fatal("log dir not derived from data dir")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load([]string{
		"--datadir", "/tmp/utxosync-test",
		"--consensusthreshold", "0.9",
		"--mindistinctasns", "3",
		"--transport", "quic",
		"--addpeer", "10.0.0.1:1@64512/eu-west/btcd",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConsensusThreshold != 0.9 || cfg.MinDistinctASNs != 3 {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	if len(cfg.AddPeers) != 1 {
		t.Fatalf("%d peers parsed", len(cfg.AddPeers))
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	for _, v := range []string{"0", "-0.5", "1.5"} {
		_, err := Load([]string{
			"--datadir", "/tmp/utxosync-test", "--consensusthreshold", v})
		if !errors.Is(err, ErrInvalidThreshold) {
			t.Fatalf("threshold %s: got %v, want ErrInvalidThreshold", v, err)
		}
	}
}

func TestCheckRanges(t *testing.T) {
	cfg := &Config{
		ConsensusThreshold:  0.8,
		MinDiversePeers:     10,
		MinDistinctASNs:     2,
		CheckpointSafetyDep: 100,
	}
	if err := cfg.Check(); err != nil {
		t.Fatal(err)
	}
	cfg.MinDiversePeers = 0
	if cfg.Check() == nil {
		t.Fatal("zero peers per session passed Check")
	}
}
