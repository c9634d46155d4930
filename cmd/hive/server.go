package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivelabs/hive/pkg/api"
	"github.com/hivelabs/hive/pkg/config"
	"github.com/hivelabs/hive/pkg/events"
	"github.com/hivelabs/hive/pkg/log"
	"github.com/hivelabs/hive/pkg/metrics"
	"github.com/hivelabs/hive/pkg/scheduler"
	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/sweeper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Hive scheduler server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		api.ServerVersion = Version

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		go logEvents(broker)

		sched := scheduler.New(store, broker, scheduler.Config{
			ChunkSize:     cfg.ChunkSize,
			MaxCandidates: cfg.MaxCandidates,
		})

		sweep := sweeper.New(store, broker, sweeper.Config{
			Interval:         cfg.SweepInterval.Std(),
			BotDeathTimeout:  cfg.BotDeathTimeout.Std(),
			ReservationGrace: cfg.ReservationGrace.Std(),
		})
		sweep.Start()
		defer sweep.Stop()

		collector := metrics.NewCollector(store, 15*time.Second)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(cfg, sched, store)

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("received %s, shutting down", sig))
		case err := <-errCh:
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

// logEvents mirrors the scheduler's event stream into the log; it is also
// the hook point for external notification sinks.
func logEvents(broker *events.Broker) {
	sub := broker.Subscribe()
	for ev := range sub {
		log.Logger.Debug().
			Str("event", string(ev.Type)).
			Str("task_id", ev.TaskID).
			Str("bot_id", ev.BotID).
			Msg("event")
	}
}

func init() {
	serverCmd.Flags().String("config", "", "Path to server config file")
	serverCmd.Flags().String("listen-addr", "", "Listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}
