package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/blockberries/stakeberry/simulation"
	"github.com/blockberries/stakeberry/storage"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "runs validators in process until the slot limit or an interrupt",
	Flags: []cli.Flag{
		ChainIDFlag,
		ValidatorsFlag,
		EquivocatorsFlag,
		StakeFlag,
		SlotsFlag,
		RealtimeFlag,
		DataDirFlag,
		MetricsAddrFlag,
		GraphOutFlag,
	},
	Action: runSimulation,
}

func runSimulation(cliCtx *cli.Context) error {
	p, err := protocolConfig(cliCtx)
	if err != nil {
		return err
	}

	cfg := simulation.Config{
		ChainID:      cliCtx.String(ChainIDFlag.Name),
		Validators:   cliCtx.Int(ValidatorsFlag.Name),
		Equivocators: cliCtx.Int(EquivocatorsFlag.Name),
		Stake:        cliCtx.Uint64(StakeFlag.Name),
		Params:       p,
	}
	if dir := cliCtx.String(DataDirFlag.Name); dir != "" {
		db, err := storage.OpenLevelDB(dir)
		if err != nil {
			return errors.Wrapf(err, "could not open database at %s", dir)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Error("Failed to close database")
			}
		}()
		// only the first node persists, so a stored chain cannot be resumed
		if cp, err := db.LoadFinalized(); err == nil {
			return errors.Errorf("database at %s already holds a chain finalized at %s", dir, cp)
		}
		cfg.Storage = db
	}

	if addr := cliCtx.String(MetricsAddrFlag.Name); addr != "" {
		srv := serveMetrics(addr)
		defer func() {
			if err := srv.Close(); err != nil {
				log.WithError(err).Error("Failed to stop metrics server")
			}
		}()
	}

	network, err := simulation.New(cfg)
	if err != nil {
		return err
	}
	if err := network.Start(); err != nil {
		return err
	}
	defer network.Stop()

	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var interval time.Duration
	if cliCtx.Bool(RealtimeFlag.Name) {
		interval = p.SlotDuration()
	}
	err = network.Run(ctx, cliCtx.Uint64(SlotsFlag.Name), interval, func(r simulation.SlotReport) {
		entry := log.WithFields(r.Fields())
		if r.Slashed > 0 {
			entry.Warn("Slot processed with slashings")
			return
		}
		entry.Info("Slot processed")
	})
	if errors.Is(err, context.Canceled) {
		log.Info("Interrupted")
		err = nil
	}

	summarize(network)
	if path := cliCtx.String(GraphOutFlag.Name); path != "" {
		graph := network.Nodes()[0].Engine.Graph()
		if werr := os.WriteFile(path, []byte(graph), 0o600); werr != nil {
			log.WithError(werr).Error("Failed to write fork choice graph")
		} else {
			log.WithField("path", path).Info("Wrote fork choice graph")
		}
	}
	return err
}

func summarize(network *simulation.Network) {
	eng := network.Nodes()[0].Engine
	st := eng.Status()
	log.WithFields(logrus.Fields{
		"slot":      st.Slot,
		"head":      st.Head.Short(),
		"justified": st.Justified,
		"finalized": st.Finalized,
	}).Info("Simulation finished")
	for _, c := range eng.Slashings() {
		log.WithFields(logrus.Fields{
			"validator": c.Validator,
			"offense":   c.Offense,
			"epoch":     c.Epoch,
			"penalty":   c.Penalty.Dec(),
			"burned":    c.Burned.Dec(),
		}).Warn("Validator slashed")
	}
	reports, err := network.Contributions()
	if err != nil {
		log.WithError(err).Error("Failed to report contributions")
		return
	}
	for _, r := range reports {
		log.WithFields(r.Fields()).Info("Validator contribution")
	}
}

// serveMetrics serves /metrics at addr in the background.
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	log.WithField("address", addr).Info("Serving metrics")
	return srv
}
