// Package config loads and validates process configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

const (
	defaultLogFilename = "utxosync.log"

	defaultMinDiversePeers = 10
	defaultThreshold       = 0.8
	defaultMinDistinctASNs = 2
	defaultSafetyDepth     = 100
)

// ErrInvalidThreshold is fatal at startup, before any sync activity.
var ErrInvalidThreshold = errors.New("consensus threshold must be in (0, 1]")

// Config holds every recognized option.
type Config struct {
	DataDir string `long:"datadir" description:"Directory to store tree, commitments and peer state"`
	LogDir  string `long:"logdir" description:"Directory to log output"`

	Listen    string `long:"listen" description:"Address to serve sync requests on; empty disables serving"`
	Transport string `long:"transport" description:"Transport kind to dial peers with" choice:"tcp" choice:"quic" default:"tcp"`
	Proxy     string `long:"proxy" description:"Route TCP dials through a SOCKS5 proxy (host:port)"`

	AddPeers []string `long:"addpeer" description:"Peer to sync against as addr@asn/geo/impl; repeatable"`

	MinDiversePeers     int     `long:"mindiversepeers" description:"Peers per consensus session"`
	ConsensusThreshold  float64 `long:"consensusthreshold" description:"Fraction of responses the winning bucket must reach, in (0,1]"`
	MinDistinctASNs     int     `long:"mindistinctasns" description:"Distinct ASNs the winning bucket must span"`
	SpamFilterEnabled   bool    `long:"spamfilter" description:"Keep stubs instead of full scripts for spam-classified outputs"`
	CheckpointSafetyDep int32   `long:"safetydepth" description:"Checkpoint height is tip minus this"`

	VerificationLevel string `long:"verificationlevel" description:"How much to re-check" choice:"minimal" choice:"standard" choice:"paranoid" default:"standard"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}" default:"info"`
}

// defaultDataDir is next to the binary unless overridden; tests always
// override.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".utxosync")
}

// Load parses args into a validated Config.
func Load(args []string) (*Config, error) {
	cfg := Config{
		MinDiversePeers:     defaultMinDiversePeers,
		ConsensusThreshold:  defaultThreshold,
		MinDistinctASNs:     defaultMinDistinctASNs,
		CheckpointSafetyDep: defaultSafetyDepth,
		SpamFilterEnabled:   true,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	_, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Check validates option ranges.  Called by Load, and directly by
// anyone building a Config by hand.
func (cfg *Config) Check() error {
	if cfg.ConsensusThreshold <= 0 || cfg.ConsensusThreshold > 1 {
		return errors.Wrapf(ErrInvalidThreshold, "%f", cfg.ConsensusThreshold)
	}
	if cfg.MinDiversePeers < 1 {
		return fmt.Errorf("mindiversepeers %d must be positive", cfg.MinDiversePeers)
	}
	if cfg.MinDistinctASNs < 1 {
		return fmt.Errorf("mindistinctasns %d must be positive", cfg.MinDistinctASNs)
	}
	if cfg.CheckpointSafetyDep < 0 {
		return fmt.Errorf("safetydepth %d must not be negative", cfg.CheckpointSafetyDep)
	}
	return nil
}

// LogFile is where the rotator writes.
func (cfg *Config) LogFile() string {
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}
