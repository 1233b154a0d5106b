package main

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/obddash/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	flagConfig    = "config"
	flagTransport = "transport"
	flagAddress   = "address"
	flagChannel   = "channel"
	flagBaudrate  = "baudrate"
	flagDebug     = "debug"
	flagLogFormat = "log-format"
)

// cfg is loaded once before any subcommand runs.
var cfg *server.Config

var rootCmd = &cobra.Command{
	Use:   "obddash",
	Short: "ELM327 OBD-II client and live dashboard",
	Long: `obddash talks to an ELM327 OBD-II adapter over Bluetooth RFCOMM or a
serial device, streams live engine parameters and serves them on a web
dashboard. Without a subcommand it runs the dashboard server.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE:              runServe,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "/etc/obddash/config.yaml", "path to config file")
	pf.StringP(flagTransport, "t", "", "adapter transport: rfcomm, serial or demo")
	pf.StringP(flagAddress, "a", "", "adapter BD address or device path")
	pf.Int(flagChannel, 0, "RFCOMM channel")
	pf.IntP(flagBaudrate, "b", 0, "serial baudrate")
	pf.BoolP(flagDebug, "d", false, "debug logging")
	pf.String(flagLogFormat, "", "log format: text or json")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	path, _ := f.GetString(flagConfig)
	cfg = server.LoadConfig(path)

	if f.Changed(flagTransport) {
		cfg.OBD.Transport, _ = f.GetString(flagTransport)
	}
	if f.Changed(flagAddress) {
		cfg.OBD.Address, _ = f.GetString(flagAddress)
	}
	if f.Changed(flagChannel) {
		cfg.OBD.Channel, _ = f.GetInt(flagChannel)
	}
	if f.Changed(flagBaudrate) {
		cfg.OBD.BaudRate, _ = f.GetInt(flagBaudrate)
	}
	if f.Changed(flagLogFormat) {
		cfg.Logging.Format, _ = f.GetString(flagLogFormat)
	}
	if debug, _ := f.GetBool(flagDebug); debug {
		cfg.Logging.Level = "debug"
	}

	if err := setupLogging(cfg.Logging); err != nil {
		return err
	}
	return cfg.Validate()
}

func setupLogging(lc server.LoggingConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(lc.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("logging.format: unknown format %q", lc.Format)
	}
	return nil
}
