package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/client"
	"kfp-notebook-bridge/internal/config"
	"kfp-notebook-bridge/internal/configsync"
	"kfp-notebook-bridge/internal/pkg/logger"
	"kfp-notebook-bridge/internal/store"
)

const skipSyncAnnotation = "kfpctl/skip-sync"

// app holds what every command needs once flags are parsed.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  store.Store
	client *client.Client
	sync   *configsync.Service
}

func (a *app) close() {
	if a == nil {
		return
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close settings store", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

var (
	flagServer   string
	flagUser     string
	flagStore    string
	flagSettings string
	flagVerbose  bool
	flagJSON     bool

	current *app

	rootCmd = &cobra.Command{
		Use:   "kfpctl",
		Short: "Configure, compile, and run Kubeflow Pipelines through the notebook bridge",
		Long: `kfpctl talks to the notebook bridge server: it keeps the KFP connection
settings in sync, compiles @dsl.pipeline functions from notebooks, submits
runs, imports pipelines, and follows run progress.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Bridge server URL (default: KFPCTL_SERVER)")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "User sent as X-Forwarded-User")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "Settings store: file or badger (default: KFPCTL_STORE)")
	rootCmd.PersistentFlags().StringVar(&flagSettings, "settings", "", "Settings file or badger directory")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print results as JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	current.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()
	cfg := config.LoadConfig()

	level := "warn"
	if flagVerbose {
		level = "debug"
	}
	log, err := logger.NewLogger(level, "console")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if flagServer != "" {
		cfg.Client.ServerURL = flagServer
	}
	if flagStore != "" {
		cfg.Client.StoreKind = flagStore
	}

	st, err := openStore(cfg.Client, log)
	if err != nil {
		return err
	}

	c := client.New(client.Config{
		ServerURL: cfg.Client.ServerURL,
		XSRFToken: cfg.Client.XSRFToken,
		User:      flagUser,
		Timeout:   cfg.Client.Timeout,
	})
	svc := configsync.New(c, configsync.WithLogger(log))
	svc.Initialize(st)

	current = &app{cfg: cfg, log: log, store: st, client: c, sync: svc}

	if cmd.Annotations[skipSyncAnnotation] == "" {
		_ = svc.SyncFromSettingsToBackend(cmd.Context())
	}
	return nil
}

func openStore(cfg config.ClientConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.StoreKind {
	case "", "file":
		path := cfg.SettingsPath
		if flagSettings != "" {
			path = flagSettings
		}
		return store.NewFileStore(path)
	case "badger":
		path := cfg.BadgerPath
		if flagSettings != "" {
			path = flagSettings
		}
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve badger directory: %w", err)
			}
			path = filepath.Join(home, ".kfpctl", "settings")
		}
		return store.OpenBadgerStore(store.BadgerConfig{Path: path, Logger: log})
	default:
		return nil, fmt.Errorf("unknown settings store %q, expected file or badger", cfg.StoreKind)
	}
}

func statusPrinter(cmd *cobra.Command) client.Status {
	return func(msg string) {
		fmt.Fprintln(cmd.OutOrStdout(), msg)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
