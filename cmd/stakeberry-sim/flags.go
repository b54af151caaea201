package main

import (
	"github.com/urfave/cli/v2"
)

var (
	// VerbosityFlag defines the logrus configuration.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info=default, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFormatFlag selects the log formatter.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json.",
		Value: "text",
	}
	// ConfigFileFlag is a YAML file of protocol parameters applied over the
	// minimal or default ones.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "The filepath to a yaml file with protocol parameters",
	}
	// MinimalConfigFlag selects the small test parameters as the base.
	MinimalConfigFlag = &cli.BoolFlag{
		Name:  "minimal-config",
		Usage: "Use minimal protocol parameters (4 slot epochs, 1 second slots)",
		Value: true,
	}
	// DataDirFlag defines a path on disk for the first node's database.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the first validator's database. Empty keeps everything in memory.",
	}
	// MetricsAddrFlag serves Prometheus metrics when set.
	MetricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "Address to serve /metrics on, e.g. 127.0.0.1:8080. Empty disables it.",
	}
	// ChainIDFlag names the simulated chain.
	ChainIDFlag = &cli.StringFlag{
		Name:  "chain-id",
		Usage: "Chain id signed into every proposal and attestation",
		Value: "stakeberry-sim",
	}
	// ValidatorsFlag is the number of simulated validators.
	ValidatorsFlag = &cli.IntFlag{
		Name:  "validators",
		Usage: "Number of validators, each running its own engine",
		Value: 4,
	}
	// EquivocatorsFlag is the number of Byzantine validators.
	EquivocatorsFlag = &cli.IntFlag{
		Name:  "equivocators",
		Usage: "Number of validators that double propose and double attest until slashed",
	}
	// StakeFlag is the genesis stake of every validator.
	StakeFlag = &cli.Uint64Flag{
		Name:  "stake",
		Usage: "Genesis stake of each validator",
		Value: 32_000,
	}
	// SlotsFlag bounds the run.
	SlotsFlag = &cli.Uint64Flag{
		Name:  "slots",
		Usage: "Number of slots to simulate. 0 runs until interrupted.",
		Value: 64,
	}
	// RealtimeFlag paces slots at the configured slot duration.
	RealtimeFlag = &cli.BoolFlag{
		Name:  "realtime",
		Usage: "Pace slots by SECONDS_PER_SLOT instead of running as fast as possible",
	}
	// GraphOutFlag writes the first node's fork choice tree at exit.
	GraphOutFlag = &cli.StringFlag{
		Name:  "graph-out",
		Usage: "Write the fork choice tree in DOT format to this file at exit",
	}
	// BlockFlag selects a block for inspect.
	BlockFlag = &cli.StringFlag{
		Name:  "block",
		Usage: "Hex hash of a block to print",
	}
)
