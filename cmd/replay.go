package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/retailstack/pos-agent/config"
	"example.com/retailstack/pos-agent/internal/recovery"
	"example.com/retailstack/pos-agent/internal/store"
	"example.com/retailstack/pos-agent/internal/syncclient"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Deliver the pending queue and exit",
	Long:  `Replay every queued transaction against the collection endpoint without starting the capture pipeline. Useful after extended downtime or an endpoint migration.`,
	RunE:  runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
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

	client := newClient(cfg)
	if !client.Healthy(ctx) {
		log.Warn().Str("url", cfg.Sync.URL).Msg("Collection endpoint health check failed, replaying anyway")
	}

	manager := recovery.New(st, client, nil, syncclient.Backoff{Base: cfg.Sync.RetryDelay})
	delivered, err := manager.ForceReplayAll(ctx)
	if err != nil {
		return err
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("delivered", delivered).
		Int64("still_pending", stats.PendingDeliveries).
		Msg("Replay complete")
	return nil
}
