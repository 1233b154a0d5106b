package main

import (
	"fmt"
	"io"
	"os"

	"github.com/shaunagostinho/obddash/internal/transport"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

func init() {
	portsCmd.Flags().Bool("bluetooth", true, "also list devices known to BlueZ")
	rootCmd.AddCommand(portsCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list serial ports and Bluetooth devices an adapter could be on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return fmt.Errorf("listing serial ports: %w", err)
		}
		printPorts(os.Stdout, ports)

		if bt, _ := cmd.Flags().GetBool("bluetooth"); bt {
			devices, err := transport.NewBlueZPairing().Devices()
			if err != nil {
				fmt.Fprintln(os.Stderr, red("bluetooth: %v", err))
				return nil
			}
			printDevices(os.Stdout, devices)
		}
		return nil
	},
}

func printPorts(w io.Writer, ports []*enumerator.PortDetails) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(w, "%s %s:%s %s\n", green("%-16s", p.Name), p.VID, p.PID, p.Product)
			continue
		}
		fmt.Fprintln(w, green("%-16s", p.Name))
	}
}

func printDevices(w io.Writer, devices []transport.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "no bluetooth devices known")
		return
	}
	for _, d := range devices {
		state := red("not paired")
		if d.Paired {
			state = green("paired")
		}
		fmt.Fprintf(w, "%s %-20s %s\n", yellow("%s", d.Address), d.Name, state)
	}
}
