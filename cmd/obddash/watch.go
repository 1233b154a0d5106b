package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/shaunagostinho/obddash/internal/obd"
	"github.com/shaunagostinho/obddash/internal/stream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	watchCmd.Flags().Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [parameter]...",
	Short: "stream live parameters to the terminal",
	Long: `Connects and prints every reading of the given parameters as it arrives.
With no arguments all pollable parameters are watched. Names are
case-insensitive, e.g. obddash watch rpm coolant_temp.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseParameters(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		sinks := buildSinks(ctx, cfg)
		defer sinks.Close()

		mgr, err := dialOnce(ctx, sinks)
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

		return watch(ctx, os.Stdout, sched, ids)
	},
}

// parseParameters maps names to pollable ids; no names means all of them.
func parseParameters(names []string) ([]obd.ParameterID, error) {
	if len(names) == 0 {
		params := obd.Parameters()
		ids := make([]obd.ParameterID, len(params))
		for i, p := range params {
			ids[i] = p.ID
		}
		return ids, nil
	}
	ids := make([]obd.ParameterID, 0, len(names))
	for _, name := range names {
		id, err := obd.ParseParameterID(name)
		if err != nil {
			return nil, err
		}
		if _, ok := obd.Lookup(id); !ok {
			return nil, fmt.Errorf("%s cannot be polled", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type subscriber interface {
	Subscribe(ctx context.Context, id obd.ParameterID) (*stream.Subscription, error)
}

// watch prints readings until ctx ends.
func watch(ctx context.Context, w io.Writer, s subscriber, ids []obd.ParameterID) error {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		sub, err := s.Subscribe(ctx, id)
		if err != nil {
			return err
		}
		g.Go(func() error {
			for r := range sub.C() {
				mu.Lock()
				fmt.Fprintln(w, formatReading(r))
				mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

func formatReading(r obd.Reading) string {
	value := strconv.FormatFloat(r.Value, 'f', -1, 64)
	if r.Value != float64(int64(r.Value)) {
		value = strconv.FormatFloat(r.Value, 'f', 1, 64)
	}
	return fmt.Sprintf("%s %s %s %s",
		r.Time.Format("15:04:05.000"),
		yellow("%-18s", r.Parameter),
		green("%8s", value),
		r.Unit,
	)
}
