package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/musterhq/muster/internal/api"
	"github.com/musterhq/muster/internal/config"
	"github.com/musterhq/muster/internal/control"
	"github.com/musterhq/muster/internal/exchange"
	"github.com/musterhq/muster/internal/launcher"
	"github.com/musterhq/muster/internal/launcher/local"
	"github.com/musterhq/muster/internal/launcher/slurm"
	"github.com/musterhq/muster/internal/manifest"
	"github.com/musterhq/muster/internal/model"
	"github.com/musterhq/muster/internal/store"
)

// exchangeReadyTimeout bounds how long startup waits for the data-exchange
// service to report its hosts before giving up on the experiment.
const exchangeReadyTimeout = 2 * time.Minute

func main() {
	manifestPath := flag.String("manifest", "", "path to an experiment manifest to run")
	flag.Parse()

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("muster: starting",
		"listen_addr", cfg.ListenAddr,
		"launcher", cfg.Launcher,
		"db_path", cfg.DBPath,
	)

	var history store.Store
	if cfg.DBPath != "" {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
		history = db
	}

	l, err := buildLauncher(cfg.Launcher, logger)
	if err != nil {
		log.Fatalf("failed to build launcher: %v", err)
	}

	experimentName := "muster"
	var m *manifest.Manifest
	if *manifestPath != "" {
		m, err = manifest.Load(*manifestPath)
		if err != nil {
			log.Fatalf("failed to load manifest: %v", err)
		}
		experimentName = m.Name
	}

	exch := exchange.NewManager(experimentName, cfg.ExchangeExe, logger)
	ctrl := control.New(l, exch, history, logger)

	if m != nil {
		go runExperiment(context.Background(), ctrl, exch, m, cfg, logger)
	}

	srv := api.NewServer(cfg.ListenAddr, ctrl, exch, history, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// buildLauncher selects the backend driver once, at construction time.
func buildLauncher(kind string, logger *slog.Logger) (launcher.Launcher, error) {
	switch kind {
	case "local":
		return local.New(logger), nil
	case "slurm":
		return slurm.New(logger), nil
	}
	return nil, fmt.Errorf("unknown launcher %q (options: local, slurm)", kind)
}

// runExperiment drives a manifest: it registers connections, brings up the
// data-exchange service first when one is declared, then starts the
// remaining entities and polls them to completion.
func runExperiment(ctx context.Context, ctrl *control.Controller, exch *exchange.Manager, m *manifest.Manifest, cfg config.Config, logger *slog.Logger) {
	for _, c := range m.Connections {
		exch.Junction.Register(c.Producer, c.Consumer)
	}

	if m.Exchange != nil {
		svc, err := createExchange(ctrl, exch, m.Exchange)
		if err != nil {
			logger.Error("create data-exchange service", "error", err)
			return
		}
		if err := ctrl.Start(ctx, svc); err != nil {
			logger.Error("start data-exchange service", "error", err)
			return
		}
		if err := waitExchangeReady(ctx, ctrl, exch, cfg.PollInterval); err != nil {
			logger.Error("data-exchange service never became ready", "error", err)
			return
		}
		logger.Info("data-exchange service ready")
	}

	entities, err := m.Entities()
	if err != nil {
		logger.Error("build entities from manifest", "error", err)
		return
	}
	// Submissions that fail leave the successful ones running; report and
	// keep polling whatever made it out.
	if err := ctrl.Start(ctx, entities...); err != nil {
		logger.Error("start entities", "error", err)
	}

	if err := ctrl.Poll(ctx, cfg.PollInterval, false, true); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("poll loop", "error", err)
		return
	}
	logger.Info("experiment finished", "experiment", m.Name)
}

func createExchange(ctrl *control.Controller, exch *exchange.Manager, spec *manifest.ExchangeSpec) (*model.ExchangeService, error) {
	if spec.Clustered {
		return exch.CreateClustered(ctrl.Launcher(), spec.Allocation, spec.Path, spec.Port, spec.Nodes, spec.ShardsPerNode, spec.Options)
	}
	return exch.CreateStandalone(spec.Path, spec.Port, spec.Options)
}

// waitExchangeReady polls the exchange-service jobs until every shard node
// has reported its hosts and addresses resolve.
func waitExchangeReady(ctx context.Context, ctrl *control.Controller, exch *exchange.Manager, interval time.Duration) error {
	deadline := time.Now().Add(exchangeReadyTimeout)
	for {
		ctrl.PollOnce(ctx, true, false)

		_, err := exch.Addresses(ctrl.Jobs())
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrNotLaunched) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s: %w", exchangeReadyTimeout, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
