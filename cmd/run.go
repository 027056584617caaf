package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/retailstack/pos-agent/config"
	"example.com/retailstack/pos-agent/internal/agent"
	"example.com/retailstack/pos-agent/internal/api"
	"example.com/retailstack/pos-agent/internal/metrics"
	"example.com/retailstack/pos-agent/internal/store"
	"example.com/retailstack/pos-agent/internal/syncclient"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture agent",
	Long:  `Start the capture pipeline: listen for printer frames, store transactions locally and sync them to the collection endpoint`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func newClient(cfg config.Config) syncclient.Client {
	if cfg.Sync.Offline {
		log.Warn().Msg("Running offline, deliveries will queue locally")
		return &syncclient.Stub{}
	}
	return syncclient.NewHTTPClient(cfg.Sync.URL, cfg.Sync.APIKey,
		syncclient.WithMaxAttempts(cfg.Sync.MaxAttempts),
		syncclient.WithRetryDelay(cfg.Sync.RetryDelay),
		syncclient.WithTimeout(cfg.Sync.Timeout),
	)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	client := newClient(cfg)

	a := agent.New(agent.Config{
		PrinterID:          cfg.PrinterID,
		ListenMode:         cfg.Listen.Mode,
		ListenAddr:         cfg.Listen.Address,
		DrainInterval:      cfg.Drain.Interval,
		TransportBaseDelay: cfg.Listen.BaseDelay,
		TransportMaxDelay:  cfg.Listen.MaxDelay,
	}, st, client, m, syncclient.Backoff{Base: cfg.Sync.RetryDelay})

	if err := a.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start agent")
	}

	g, ctx := errgroup.WithContext(ctx)

	var controlServer *api.Server
	if cfg.API.Enabled {
		controlServer = api.NewServer(cfg.API.Address, a, st, m)
		g.Go(func() error {
			return controlServer.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			return controlServer.Shutdown(context.Background())
		})
	}

	// Storage faults and signals both end the process; a running agent that
	// cannot persist receipts is silently losing money.
	g.Go(func() error {
		select {
		case err := <-a.Fatal():
			return err
		case <-ctx.Done():
			return nil
		}
	})

	err = g.Wait()

	if stopErr := a.Stop(context.Background()); stopErr != nil {
		log.Error().Err(stopErr).Msg("Agent did not stop cleanly")
		if err == nil {
			err = stopErr
		}
	}

	if err != nil {
		log.Error().Err(err).Msg("Agent error")
		return err
	}
	log.Info().Msg("Agent shutting down gracefully")
	return nil
}
