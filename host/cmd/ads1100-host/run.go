package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ads1100host/logging"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Configure the chips and sample until interrupted",
	Long: "Connects to the MCU, configures and arms every chip listed in chips,\n" +
		"then samples until SIGINT or SIGTERM. Console commands are read from stdin.",
	RunE: run,
}

func setup(cmd *cobra.Command) (appConfig, *slog.Logger, error) {
	cfg, err := loadConfig(flagOverrides(cmd.Flags().Changed))
	if err != nil {
		return appConfig{}, nil, err
	}
	ac, err := decodeConfig(cfg)
	if err != nil {
		return appConfig{}, nil, err
	}
	logger := logging.New(os.Stderr, ac.Env, ac.LogLevel, version, appName)
	slog.SetDefault(logger)
	return ac, logger, nil
}

func run(cmd *cobra.Command, args []string) error {
	ac, logger, err := setup(cmd)
	if err != nil {
		logErr(cmd, err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ac, logger, serialConnect(ac))
	if err != nil {
		logErr(cmd, err)
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		logErr(cmd, err)
		return err
	}
	go a.runConsole(ctx, os.Stdin, cmd.OutOrStdout())

	logger.Info("running", "chips", len(a.engines))
	err = a.reactor.Run(ctx)
	if a.host.IsShutdown() {
		logger.Warn("stopped after shutdown", "reason", a.host.ShutdownReason())
	}
	return err
}
