package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modcollect/internal/app"
)

func newServeCmd() *cobra.Command {
	var cfgPath, httpAddr string
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector and its REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(cfgPath, app.Options{HTTPAddr: httpAddr})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			reason := app.StopUnknown
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			case <-ctx.Done():
				reason = app.StopAppStop
			}

			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			defer scancel()
			stopErr := a.Stop(sctx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return stopErr
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./modcollect.yaml", "path to config (json or yaml)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "override http.addr")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "graceful shutdown budget")
	return cmd
}
