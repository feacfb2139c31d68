package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/tierjit/telemetry"
)

func newTelemetryCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Receive runtime event streams and print them one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := telemetry.NewTelemetryServer(addr, os.Stdout)
			if err := srv.Listen(); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				srv.Stop()
			}()
			return srv.Serve()
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "127.0.0.1:9999", "listen address")
	return cmd
}
