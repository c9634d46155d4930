package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hivelabs/hive/pkg/bot"
	"github.com/hivelabs/hive/pkg/config"
	"github.com/hivelabs/hive/pkg/log"
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Hive bot agent",
	Long: `Run the bot agent: handshake with the server, poll for work
matching the advertised dimensions, execute won tasks and stream their
output back.

Exit codes: 0 on a terminate command or signal, 10 when the server expects
another bot version, 11 when the server asked the host to restart. A
supervisor should act on 10 and 11.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		serverURL, _ := cmd.Flags().GetString("server")
		botID, _ := cmd.Flags().GetString("id")

		cfg, err := config.LoadBot(configPath)
		if err != nil {
			return err
		}
		if serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if botID != "" {
			cfg.BotID = botID
		}
		if cfg.BotID == "" {
			host, _ := os.Hostname()
			cfg.BotID = host
		}
		if cfg.Version == "" || cfg.Version == "dev" {
			cfg.Version = Version
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel)})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		agent := bot.NewAgent(cfg)
		err = agent.Run(ctx)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, bot.ErrUpdateRequired):
			os.Exit(10)
		case errors.Is(err, bot.ErrRestartRequested):
			os.Exit(11)
		}
		return err
	},
}

func init() {
	botCmd.Flags().String("config", "", "Path to bot config file")
	botCmd.Flags().String("server", "", "Server URL (overrides config)")
	botCmd.Flags().String("id", "", "Bot id (overrides config; defaults to hostname)")
}
