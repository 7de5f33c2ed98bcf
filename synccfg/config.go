// Package synccfg defines the operator-facing configuration for the
// Central Sync Engine (§6 External Interfaces) and the CLI flags that
// populate it, in the teacher's urfave/cli style (turbo/cli/flags_zkevm.go,
// eth/ethconfig's XLayerConfig).
package synccfg

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

// Config is the full set of operator-supplied knobs. Persisted state
// (the five markers and the Storage Façade's tables) is not part of
// this struct — the sync engine itself carries no persistent state of
// its own beyond what store.Store owns.
type Config struct {
	DataDir string

	// BatchSize is the number of logical Wtxn.Commit calls coalesced
	// into one durable flush.
	BatchSize int
	// MaxStreamSizePerStream bounds how many elements a single Feeder
	// Source request may return per stream kind.
	MaxStreamSizePerStream int
	// NoProgressTimeout is how long the ProgressTick ticker waits
	// without any marker advancing before declaring NoProgress.
	NoProgressTimeout time.Duration
	// NetworkRetryMaxAttempts / NetworkRetryBaseDelay implement the
	// generator-side retry policy (§9: implementation-defined).
	NetworkRetryMaxAttempts int
	NetworkRetryBaseDelay   time.Duration

	FeederGatewayURL string
	SierraCacheSize  int
	PendingSyncPollInterval time.Duration

	MetricsAddr string
}

func Default() Config {
	return Config{
		DataDir:                 "./data",
		BatchSize:               1000,
		MaxStreamSizePerStream:  256,
		NoProgressTimeout:       2 * time.Minute,
		NetworkRetryMaxAttempts: 5,
		NetworkRetryBaseDelay:   2 * time.Second,
		SierraCacheSize:         4096,
		PendingSyncPollInterval: 2 * time.Second,
		MetricsAddr:             "127.0.0.1:6061",
	}
}

var (
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "data directory for the synced chain state",
		Value: Default().DataDir,
	}
	BatchSizeFlag = &cli.IntFlag{
		Name:  "sync.batchsize",
		Usage: "number of logical commits coalesced into one durable flush",
		Value: Default().BatchSize,
	}
	MaxStreamSizeFlag = &cli.IntFlag{
		Name:  "sync.maxstreamsize",
		Usage: "maximum elements returned per feeder stream request",
		Value: Default().MaxStreamSizePerStream,
	}
	NoProgressTimeoutFlag = &cli.DurationFlag{
		Name:  "sync.noprogresstimeout",
		Usage: "duration without marker advancement before the engine restarts",
		Value: Default().NoProgressTimeout,
	}
	NetworkRetryMaxAttemptsFlag = &cli.IntFlag{
		Name:  "sync.retry.maxattempts",
		Usage: "max attempts for a single feeder/L1 request before giving up the cycle",
		Value: Default().NetworkRetryMaxAttempts,
	}
	NetworkRetryBaseDelayFlag = &cli.DurationFlag{
		Name:  "sync.retry.basedelay",
		Usage: "base backoff delay between feeder/L1 retry attempts",
		Value: Default().NetworkRetryBaseDelay,
	}
	FeederGatewayURLFlag = &cli.StringFlag{
		Name:     "feeder.url",
		Usage:    "base URL of the upstream feeder gateway",
		Required: true,
	}
	SierraCacheSizeFlag = &cli.IntFlag{
		Name:  "sync.sierracachesize",
		Usage: "number of Sierra classes held in the engine's in-memory shadow cache",
		Value: Default().SierraCacheSize,
	}
	PendingPollIntervalFlag = &cli.DurationFlag{
		Name:  "pending.pollinterval",
		Usage: "poll interval for the pending (not-yet-finalized) tip once caught up",
		Value: Default().PendingSyncPollInterval,
	}
	MetricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "address to serve Prometheus metrics on",
		Value: Default().MetricsAddr,
	}
)

// Flags is the full flag set for cmd/starksync.
var Flags = []cli.Flag{
	DataDirFlag,
	BatchSizeFlag,
	MaxStreamSizeFlag,
	NoProgressTimeoutFlag,
	NetworkRetryMaxAttemptsFlag,
	NetworkRetryBaseDelayFlag,
	FeederGatewayURLFlag,
	SierraCacheSizeFlag,
	PendingPollIntervalFlag,
	MetricsAddrFlag,
}

// FromCLIContext builds a Config from a parsed *cli.Context, the same
// ctx.String/ctx.Int/ctx.Duration extraction style as
// turbo/cli/flags_zkevm.go's ApplyFlagsForZkConfig.
func FromCLIContext(ctx *cli.Context) (Config, error) {
	cfg := Default()
	cfg.DataDir = ctx.String(DataDirFlag.Name)
	cfg.BatchSize = ctx.Int(BatchSizeFlag.Name)
	cfg.MaxStreamSizePerStream = ctx.Int(MaxStreamSizeFlag.Name)
	cfg.NoProgressTimeout = ctx.Duration(NoProgressTimeoutFlag.Name)
	cfg.NetworkRetryMaxAttempts = ctx.Int(NetworkRetryMaxAttemptsFlag.Name)
	cfg.NetworkRetryBaseDelay = ctx.Duration(NetworkRetryBaseDelayFlag.Name)
	cfg.FeederGatewayURL = ctx.String(FeederGatewayURLFlag.Name)
	cfg.SierraCacheSize = ctx.Int(SierraCacheSizeFlag.Name)
	cfg.PendingSyncPollInterval = ctx.Duration(PendingPollIntervalFlag.Name)
	cfg.MetricsAddr = ctx.String(MetricsAddrFlag.Name)

	if cfg.FeederGatewayURL == "" {
		return Config{}, fmt.Errorf("synccfg: %s is required", FeederGatewayURLFlag.Name)
	}
	if cfg.BatchSize < 1 {
		return Config{}, fmt.Errorf("synccfg: %s must be >= 1", BatchSizeFlag.Name)
	}
	if cfg.MaxStreamSizePerStream < 1 {
		return Config{}, fmt.Errorf("synccfg: %s must be >= 1", MaxStreamSizeFlag.Name)
	}
	return cfg, nil
}
