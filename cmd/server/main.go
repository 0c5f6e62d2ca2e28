package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"axiom/internal/classifier"
	"axiom/internal/config"
	"axiom/internal/engine"
	"axiom/internal/logging"
	"axiom/internal/realtime"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "axiom",
		Short:        "Run and steer interactive agent sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to a .yaml or .toml config file")

	serve := newServeCmd()
	root.AddCommand(serve, newProfilesCmd())
	// `axiom` with no subcommand serves.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and its WebSocket/REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	d := config.Default()
	f := cmd.Flags()
	f.Int("port", d.Port, "HTTP listen port")
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	f.String("log-format", d.LogFormat, "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file")
	f.Bool("dangerously-allow-all", false, "Allow any command to be spawned")
	f.StringSlice("allowed-commands", d.AllowedCommands, "Commands that may be spawned")
	f.Duration("stall-threshold", d.StallThreshold, "Silence while busy before a session is flagged stalled")
	f.Duration("launch-timeout", d.LaunchTimeout, "Time allowed for a session to become ready")
	f.Duration("kill-grace", d.KillGrace, "Time between SIGTERM and SIGKILL")
	f.Int("max-sessions", d.MaxSessions, "Global ceiling on concurrent sessions")
	f.Int("default-parallelism", d.DefaultParallelism, "Parallelism when a task does not set one")
	f.Int("output-buffer-cap", d.OutputBufferCap, "Per-session output buffer cap in bytes (0 = unbounded)")
	f.String("busy-policy", d.BusyPolicy, "What to do with input for a busy session (reject, queue)")
	f.String("store-dir", "", "Directory for the per-task lifecycle log")
	f.String("profile-file", "", "Marker profile file, reloaded on change")
	return cmd
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the marker profiles available to sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lib := classifier.NewLibrary()
			if cfg.ProfileFile != "" {
				if err := lib.LoadFile(cfg.ProfileFile); err != nil {
					return err
				}
			}
			for _, name := range lib.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// loadConfig layers defaults, the config file, AXIOM_* variables and the
// flags the user actually set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	applyFlags(cmd.Flags(), &cfg)
	return cfg, cfg.Validate()
}

func applyFlags(f *pflag.FlagSet, cfg *config.Config) {
	f.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "port":
			cfg.Port, _ = f.GetInt(fl.Name)
		case "log-level":
			cfg.LogLevel, _ = f.GetString(fl.Name)
		case "log-format":
			cfg.LogFormat, _ = f.GetString(fl.Name)
		case "log-file":
			cfg.LogFile, _ = f.GetString(fl.Name)
		case "dangerously-allow-all":
			cfg.DangerouslyAllowAll, _ = f.GetBool(fl.Name)
		case "allowed-commands":
			cfg.AllowedCommands, _ = f.GetStringSlice(fl.Name)
		case "stall-threshold":
			cfg.StallThreshold, _ = f.GetDuration(fl.Name)
		case "launch-timeout":
			cfg.LaunchTimeout, _ = f.GetDuration(fl.Name)
		case "kill-grace":
			cfg.KillGrace, _ = f.GetDuration(fl.Name)
		case "max-sessions":
			cfg.MaxSessions, _ = f.GetInt(fl.Name)
		case "default-parallelism":
			cfg.DefaultParallelism, _ = f.GetInt(fl.Name)
		case "output-buffer-cap":
			cfg.OutputBufferCap, _ = f.GetInt(fl.Name)
		case "busy-policy":
			cfg.BusyPolicy, _ = f.GetString(fl.Name)
		case "store-dir":
			cfg.StoreDir, _ = f.GetString(fl.Name)
		case "profile-file":
			cfg.ProfileFile, _ = f.GetString(fl.Name)
		}
	})
}

func serve(cfg config.Config) error {
	if err := logging.Configure(logging.Settings{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}); err != nil {
		return err
	}
	defer logging.Close()
	log := logging.NewLogger("server")

	if cfg.DangerouslyAllowAll {
		log.Warn("Command allow-list disabled: any command may be spawned")
	}

	eng, err := engine.New(cfg, engine.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	rtServer := realtime.New(eng)
	go rtServer.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("Server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("HTTP server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	rtServer.Close()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Engine shutdown incomplete")
	}
	return serveErr
}
