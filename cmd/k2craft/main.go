package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ham-lab-isu/K2craft/internal/config"
	"github.com/ham-lab-isu/K2craft/internal/outputs"
	"github.com/ham-lab-isu/K2craft/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:   "k2craft",
	Short: "Machine-control station for the K2 bench",
	Long: `K2craft drives the discrete outputs of a bench controller over a plain
TCP command channel and shows the telemetry it sends back.

Controllers connect to the station; every output command is broadcast to
all of them as SET_OUTPUT:<channel>:<pin>:<0|1>.`,
	SilenceUsage: true,
}

// loadConfig resolves the configuration file and then applies every flag the
// operator set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("configfile")
	if path == "" {
		if dd, _ := flags.GetString("datadir"); flags.Changed("datadir") {
			path = filepath.Join(config.CleanAndExpandPath(dd), config.FileName)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	str := func(name string, dst *string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("datadir", &cfg.DataDir)
	str("logdir", &cfg.LogDir)
	str("loglevel", &cfg.LogLevel)
	str("bind", &cfg.Bind)
	str("framing", &cfg.Framing)
	str("overflow", &cfg.Overflow)
	str("mqttbroker", &cfg.MQTTBroker)
	if flags.Lookup("port") != nil && flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Lookup("noecho") != nil && flags.Changed("noecho") {
		cfg.NoEcho, _ = flags.GetBool("noecho")
	}
	cfg.DataDir = config.CleanAndExpandPath(cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ─── serve ───────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the station with an interactive console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		backend, err := initLogging(cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer backend.Close()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n  K2craft station\n\n")
		fmt.Fprintf(out, "  Listening : %s\n", cfg.ListenAddr())
		fmt.Fprintf(out, "  Data      : %s\n", cfg.DataDir)
		fmt.Fprintf(out, "  Framing   : %s (echo %v)\n", cfg.Framing, !cfg.NoEcho)
		if cfg.MQTTBroker != "" {
			fmt.Fprintf(out, "  Mirror    : %s/%s\n", cfg.MQTTBroker, cfg.MQTTTopic)
		}
		fmt.Fprintf(out, "\n  Type 'help' for commands.\n\n")

		consoleDone := make(chan struct{})
		go func() {
			a.console(cmd.InOrStdin(), out)
			close(consoleDone)
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case <-sig:
		case <-consoleDone:
		case <-a.station.Done():
			if err := a.station.Err(); err != nil {
				return fmt.Errorf("station stopped: %w", err)
			}
		}
		fmt.Fprintln(out, "\nShutting down.")
		return nil
	},
}

// ─── panel ───────────────────────────────────────────────────────────────────

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Run the station with the terminal I/O panel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		// The panel owns the terminal; logs only go to the log file.
		backend, err := initLogging(cfg, io.Discard)
		if err != nil {
			return err
		}
		defer backend.Close()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return tui.Run(a.panel)
	},
}

// ─── outputs ─────────────────────────────────────────────────────────────────

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "List the output states remembered in the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := outputs.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		states, err := store.All()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(states) == 0 {
			fmt.Fprintln(out, "No output states recorded.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PIN\tSTATE\tSOURCE\tCHANGED")
		for _, st := range states {
			fmt.Fprintf(tw, "%d:%d\t%s\t%s\t%s\n", st.Channel, st.Pin, level(st.Value), st.Source,
				st.Timestamp.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

// ─── controller ──────────────────────────────────────────────────────────────

var controllerCmd = &cobra.Command{
	Use:   "controller [host:port]",
	Short: "Connect to a station as a simulated bench controller",
	Long: `Connects to a running station, prints every command it receives and
sends each line typed on stdin as telemetry.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := "127.0.0.1:10000"
		if len(args) == 1 {
			addr = args[0]
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runController(ctx, addr, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// ─── config ──────────────────────────────────────────────────────────────────

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as an INI file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		write, _ := cmd.Flags().GetBool("write")
		if !write {
			cfg.WriteINI(cmd.OutOrStdout())
			return nil
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return err
		}
		path := filepath.Join(cfg.DataDir, config.FileName)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		cfg.WriteINI(f)
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ wrote %s\n", path)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("configfile", "C", "", "Config file (default <datadir>/k2craft.conf)")
	pf.String("datadir", config.DefaultDataDir(), "Data directory")
	pf.String("logdir", "", "Directory for rotated log files")
	pf.String("loglevel", "info", "Logging level: debug, info, warn, error")

	for _, cmd := range []*cobra.Command{serveCmd, panelCmd, configCmd} {
		cmd.Flags().String("bind", "0.0.0.0", "Interface address to listen on")
		cmd.Flags().Int("port", 10000, "TCP port to listen on")
		cmd.Flags().String("framing", "raw", "Inbound framing: raw or line")
		cmd.Flags().String("overflow", "disconnect", "Slow controller policy: disconnect or drop-newest")
		cmd.Flags().Bool("noecho", false, "Do not echo received bytes back to the controller")
		cmd.Flags().String("mqttbroker", "", "MQTT broker to mirror telemetry to")
	}
	configCmd.Flags().Bool("write", false, "Write the configuration to <datadir>/k2craft.conf instead of printing it")

	rootCmd.AddCommand(serveCmd, panelCmd, outputsCmd, controllerCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
