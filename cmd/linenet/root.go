package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-linenet/config"
	"github.com/cyberinferno/go-linenet/logger"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	configPath string
	logLevel   string

	cfg *config.Config
	log logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "linenet",
	Short: "Newline-delimited TCP messaging with UDP discovery",
	Long: `linenet exchanges newline-terminated text messages over TCP.

A server admits a bounded number of clients, heartbeats them with ping and
answers discovery probes on a UDP port. Clients find a server by broadcast,
connect, and reconnect when the connection drops.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Log.Level = logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		log, err = logger.New(cfg.LoggerConfig("linenet-" + cmd.Name()))
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./linenet.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level: debug, info, warn, error")

	rootCmd.AddCommand(serverCmd, clientCmd, discoverCmd)
}
