package main

import (
	"time"

	"github.com/shaunagostinho/obddash/internal/monitor"
	"github.com/shaunagostinho/obddash/internal/server"
	"github.com/shaunagostinho/obddash/internal/stream"
	"github.com/shaunagostinho/obddash/web"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().String("listen", "", "override listen address (e.g. :8080)")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the dashboard server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.ListenAddr = listen
	}
	link := cfg.Link()
	log.Infof("obddash starting, transport %s", link.Transport)

	sinks := buildSinks(ctx, cfg)
	defer sinks.Close()

	mgr, err := newManager(link, sinks)
	if err != nil {
		return err
	}
	defer mgr.Disconnect()

	intervals, err := cfg.Intervals()
	if err != nil {
		return err
	}
	sched := stream.NewScheduler(mgr, stream.Options{Intervals: intervals, Sink: sinks})
	defer sched.Close()

	go monitor.RunRuntimeMonitor(ctx, 15*time.Second)

	// Connect in the background; the dashboard starts regardless
	if address := linkAddress(link); cfg.Server.AutoConnect && address != "" {
		go func() {
			if err := connectWithRetry(ctx, mgr, address, 10); err != nil && ctx.Err() == nil {
				log.Errorf("giving up on %s: %v", address, err)
			}
		}()
	}

	srv := server.New(cfg, mgr, sched, sinks.memory, web.FS)
	return srv.Run(ctx)
}
