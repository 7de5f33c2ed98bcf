// Command starksync runs the Central Sync Engine against a configured
// feeder gateway, in the teacher's cmd/ wiring style: an urfave/cli
// app whose Action assembles the Storage Façade, Feeder Source, Stream
// Generators, Sync Engine, Class Manager Bridge and Pending Sync, then
// runs them until cancelled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/starksync/node/classmanager"
	"github.com/starksync/node/feeder"
	"github.com/starksync/node/kv/mdbxkv"
	"github.com/starksync/node/metrics"
	"github.com/starksync/node/pendingsync"
	"github.com/starksync/node/store"
	"github.com/starksync/node/streamgen"
	"github.com/starksync/node/synccfg"
	"github.com/starksync/node/syncengine"
)

func main() {
	app := cli.NewApp()
	app.Name = "starksync"
	app.Usage = "Central Sync Engine for a Starknet full node"
	app.Flags = synccfg.Flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Root().Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := synccfg.FromCLIContext(cliCtx)
	if err != nil {
		return err
	}

	logger := synccfg.SetupLogger(log.LvlInfo, "")
	log.Root().SetHandler(logger.GetHandler())

	metrics.Init()
	go serveMetrics(cfg.MetricsAddr, logger)

	db, err := mdbxkv.Open(cfg.DataDir, 0)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	st := store.New(db, cfg.BatchSize, logger)

	src := feeder.NewHTTPSource(cfg.FeederGatewayURL, logger)
	src.Retry = feeder.RetryPolicy{MaxAttempts: cfg.NetworkRetryMaxAttempts, BaseDelay: cfg.NetworkRetryBaseDelay}

	bridge := classmanager.NewChannelBridge(placeholderSink(logger), 1024, 4, logger)
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel, logger)

	go runPendingSync(ctx, st, src, cfg, logger)

	genCfg := streamgen.Config{
		MaxStreamSize: cfg.MaxStreamSizePerStream,
		RetryDelay:    500 * time.Millisecond,
		Logger:        logger,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		engine, err := syncengine.New(st, bridge, syncengine.Config{
			MaxStreamSize:     cfg.MaxStreamSizePerStream,
			NoProgressTimeout: cfg.NoProgressTimeout,
			SierraCacheSize:   cfg.SierraCacheSize,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("construct sync engine: %w", err)
		}

		genCtx, stopGenerators := context.WithCancel(ctx)
		blocks := make(chan streamgen.BlockEvent, 64)
		stateDiffs := make(chan streamgen.StateDiffEvent, 64)
		compiledClasses := make(chan streamgen.CompiledClassEvent, 64)
		baseLayer := make(chan streamgen.BaseLayerEvent, 16)

		go streamgen.RunBlockGenerator(genCtx, engine, src, genCfg, blocks)
		go streamgen.RunStateDiffGenerator(genCtx, engine, src, genCfg, stateDiffs)
		go streamgen.RunCompiledClassGenerator(genCtx, engine, engine, src, genCfg, compiledClasses)
		go streamgen.RunBaseLayerGenerator(genCtx, engine, src, genCfg, baseLayer)

		runErr := engine.Run(ctx, syncengine.Channels{
			Blocks:          blocks,
			StateDiffs:      stateDiffs,
			CompiledClasses: compiledClasses,
			BaseLayer:       baseLayer,
		})
		stopGenerators()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if runErr == syncengine.ErrNoProgress {
			metrics.NoProgressRestartsTotal.Inc()
			logger.Warn("no progress, restarting sync engine")
			continue
		}
		logger.Error("sync engine stopped, restarting after backoff", "err", runErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func placeholderSink(logger log.Logger) classmanager.Sink {
	return func(s classmanager.Submission) error {
		logger.Debug("class manager bridge: submission (no external sink configured)", "classHash", s.ClassHash)
		return nil
	}
}

type pendingSourceAdapter struct {
	*feeder.HTTPSource
}

func (a pendingSourceAdapter) GetPending(ctx context.Context, afterHeight uint64) (*pendingsync.PendingBlock, bool, error) {
	p, ok, err := a.HTTPSource.GetPendingBlock(ctx, afterHeight)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &pendingsync.PendingBlock{ParentHeight: p.ParentHeight, Header: p.Header, Body: p.Body}, true, nil
}

func runPendingSync(ctx context.Context, st *store.Store, src *feeder.HTTPSource, cfg synccfg.Config, logger log.Logger) {
	ps := pendingsync.New(st, pendingSourceAdapter{src}, cfg.PendingSyncPollInterval, func(p pendingsync.PendingBlock) {
		logger.Info("pending block observed", "parentHeight", p.ParentHeight)
	}, logger)
	if err := ps.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("pending sync stopped", "err", err)
	}
}

func serveMetrics(addr string, logger log.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "err", err)
	}
}

func waitForSignal(cancel context.CancelFunc, logger log.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	cancel()
}
