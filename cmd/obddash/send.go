package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/shaunagostinho/obddash/internal/connection"
	"github.com/shaunagostinho/obddash/internal/datalog"
	"github.com/spf13/cobra"
)

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <command>...",
	Short: "send raw commands to the adapter and print the replies",
	Long: `Connects, runs the adapter init script, then sends each argument as one
command, e.g. obddash send ATRV "01 0C".`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := dialOnce(ctx, datalog.Nop{})
		if err != nil {
			return err
		}
		defer mgr.Disconnect()

		return sendAll(ctx, os.Stdout, mgr, args)
	},
}

// dialOnce builds a manager for the configured link and connects it.
func dialOnce(ctx context.Context, sink datalog.Sink) (*connection.Manager, error) {
	link := cfg.Link()
	mgr, err := newManager(link, sink)
	if err != nil {
		return nil, err
	}
	address := linkAddress(link)
	res := mgr.Connect(ctx, address)
	if !res.OK {
		fmt.Fprintln(os.Stderr, red("%s", res.Message))
		if res.Err == nil {
			return nil, errors.New(res.Message)
		}
		return nil, res.Err
	}
	fmt.Fprintln(os.Stderr, green("connected to %s", address))
	return mgr, nil
}

type commandSender interface {
	SendCommand(ctx context.Context, text string) (string, error)
}

// sendAll runs each command in order and stops at the first failure.
func sendAll(ctx context.Context, w io.Writer, s commandSender, commands []string) error {
	for _, text := range commands {
		fmt.Fprintln(w, yellow("> %s", text))
		resp, err := s.SendCommand(ctx, text)
		if err != nil {
			fmt.Fprintln(w, red("%v", err))
			return fmt.Errorf("%s: %w", text, err)
		}
		for _, line := range strings.Split(resp, "\n") {
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
