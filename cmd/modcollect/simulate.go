package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"modcollect/internal/simulator"
	logx "modcollect/pkg/logx"
)

func newSimulateCmd() *cobra.Command {
	var addr, level string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a Modbus TCP device preloaded with the register fixture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logx.NewConsole(level)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return simulator.New(log.With(logx.String("comp", "simulator"))).Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5020", "listen address")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	return cmd
}
