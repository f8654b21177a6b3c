package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/notesync/internal/config"
	"github.com/cortexuvula/notesync/internal/probe"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "notesync",
		Short:        "Real-time shared notes and transcripts over WebSocket rooms",
		SilenceUsage: true,
	}

	var configPath, envFile string
	var verbose bool
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load NOTESYNC_* overrides from a dotenv file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	load := func() (*config.Config, error) {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("loading env file: %w", err)
			}
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		return cfg, nil
	}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the room relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runRelay(cfg, func() (*config.Config, error) { return config.Load(configPath) })
		},
	}

	var room, purpose, metricsListen string
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a room, print remote content and send stdin lines as edits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runWatch(cmd.Context(), cfg, watchOptions{
				Room:          room,
				Purpose:       purpose,
				MetricsListen: metricsListen,
				In:            os.Stdin,
				Out:           os.Stdout,
				Err:           os.Stderr,
			})
		},
	}
	watchCmd.Flags().StringVar(&room, "room", "", "Room ID (required)")
	watchCmd.Flags().StringVar(&purpose, "purpose", "notes", "Document to sync: notes or transcript")
	watchCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve client Prometheus metrics on this address (e.g. 127.0.0.1:9101)")
	watchCmd.MarkFlagRequired("room")

	var serverURL string
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the sync server answers HTTP (exit 0 if reachable, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if serverURL != "" {
				cfg.Sync.ServerURL = serverURL
			}
			return runProbe(cmd.Context(), cfg)
		},
	}
	probeCmd.Flags().StringVar(&serverURL, "server", "", "Server URL (default: sync.server_url)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid.\n")
			fmt.Fprintf(out, "  Sync server: %s\n", cfg.Sync.ServerURL)
			fmt.Fprintf(out, "  Debounce: %s, reconnect: %s x %d\n", cfg.Sync.DebounceWindow, cfg.Sync.ReconnectDelay, cfg.Sync.MaxRetries)
			fmt.Fprintf(out, "  Relay listen: %s\n", cfg.Relay.ListenAddress)
			fmt.Fprintf(out, "  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Fprintf(out, "  Redis: %v\n", cfg.Relay.Redis.Enabled)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "notesync %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		},
	}

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file for the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				fmt.Fprint(cmd.OutOrStdout(), systemdUnit)
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(relayCmd, watchCmd, probeCmd, validateCmd, versionCmd, systemdCmd)
	return rootCmd
}

var errUnreachable = errors.New("server unreachable")

func runProbe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := probe.New(cfg.Sync.ServerURL, cfg.Sync.Probe.Path, cfg.Sync.Probe.Timeout)
	if err != nil {
		return err
	}
	start := time.Now()
	if !p.CheckReachability(ctx) {
		fmt.Fprintf(os.Stderr, "unreachable: %s\n", p.Target())
		return errUnreachable
	}
	slog.Debug("probe ok", "url", p.Target(), "elapsed", time.Since(start))
	fmt.Printf("reachable: %s\n", p.Target())
	return nil
}

const systemdUnit = `[Unit]
Description=notesync relay - real-time shared notes over WebSocket
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=notesync
Group=notesync
ExecStartPre=/usr/local/bin/notesync validate --config /etc/notesync/config.yaml
ExecStart=/usr/local/bin/notesync relay --config /etc/notesync/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/notesync
LogsDirectory=notesync
LimitNOFILE=65535
MemoryMax=128M

StandardOutput=journal
StandardError=journal
SyslogIdentifier=notesync

[Install]
WantedBy=multi-user.target
`
