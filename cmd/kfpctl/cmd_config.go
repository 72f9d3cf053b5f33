package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"kfp-notebook-bridge/internal/configsync"
	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/internal/store"
)

var (
	setEndpoint   string
	setNamespace  string
	setToken      string
	setTokenStdin bool

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the KFP connection settings",
	}

	configGetCmd = &cobra.Command{
		Use:   "get",
		Short: "Show the effective connection settings",
		RunE:  runConfigGet,
	}

	configSetCmd = &cobra.Command{
		Use:   "set",
		Short: "Save connection settings and test the connection",
		Long: `Validates the endpoint and namespace, saves them to the settings store,
sends them (and the token, if given) to the bridge server, then tests the
connection. The token is never written to disk.`,
		Annotations: map[string]string{skipSyncAnnotation: "true"},
		RunE:        runConfigSet,
	}

	configTestCmd = &cobra.Command{
		Use:   "test",
		Short: "Test connectivity from the bridge server to KFP",
		RunE:  runConfigTest,
	}

	configLogoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Clear the token held by the bridge server",
		RunE:  runConfigLogout,
	}

	configSyncCmd = &cobra.Command{
		Use:         "sync",
		Short:       "Push persisted settings to the bridge server if they changed",
		Annotations: map[string]string{skipSyncAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = current.sync.SyncFromSettingsToBackend(cmd.Context())
			persisted := current.sync.GetPersisted(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Settings synced: endpoint=%q namespace=%q\n", persisted.Endpoint, persisted.Namespace)
			return nil
		},
	}

	configWatchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow edits to the settings file and sync them to the server",
		RunE:  runConfigWatch,
	}
)

func init() {
	configSetCmd.Flags().StringVar(&setEndpoint, "endpoint", "", "KFP endpoint URL (default: current)")
	configSetCmd.Flags().StringVar(&setNamespace, "namespace", "", "KFP namespace (default: current)")
	configSetCmd.Flags().StringVar(&setToken, "token", "", "Bearer token sent to the server, never persisted")
	configSetCmd.Flags().BoolVar(&setTokenStdin, "token-stdin", false, "Read the token from stdin")

	configCmd.AddCommand(configGetCmd, configSetCmd, configTestCmd, configLogoutCmd, configSyncCmd, configWatchCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg := current.sync.GetConfig(cmd.Context())
	if flagJSON {
		return printJSON(cmd, map[string]any{
			"endpoint":  cfg.Endpoint,
			"namespace": cfg.Namespace,
			"has_token": cfg.HasToken,
		})
	}
	out := cmd.OutOrStdout()
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "(not configured)"
	}
	fmt.Fprintf(out, "Endpoint:  %s\n", endpoint)
	fmt.Fprintf(out, "Namespace: %s\n", cfg.Namespace)
	fmt.Fprintf(out, "Token:     %s\n", map[bool]string{true: "stored", false: "none"}[cfg.HasToken])
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	status := statusPrinter(cmd)

	persisted := current.sync.GetPersisted(ctx)
	form := configForm{Endpoint: persisted.Endpoint, Namespace: persisted.Namespace}
	if cmd.Flags().Changed("endpoint") {
		form.Endpoint = setEndpoint
	}
	if cmd.Flags().Changed("namespace") {
		form.Namespace = setNamespace
	}
	if err := form.Validate(); err != nil {
		return err
	}
	for _, w := range form.Warnings() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}

	token := setToken
	if setTokenStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	status("Saving configuration...")
	cfg := configsync.Config{Endpoint: form.Endpoint, Namespace: form.Namespace, Token: token}
	if err := current.sync.SaveConfig(ctx, cfg, configsync.WithoutConfigChanged()); err != nil {
		return fmt.Errorf("Failed to save configuration: %w", err)
	}

	status("Saved. Testing connection...")
	result, err := current.sync.TestConnection(ctx)
	if err != nil {
		return fmt.Errorf("Saved, but connection failed: %w", err)
	}
	if result.Connectivity != models.ConnectivitySuccess {
		detail := result.Error
		if detail == "" {
			detail = "Connection test failed."
		}
		return errors.New("Saved, but connection failed: " + detail)
	}
	status("Connected successfully!")
	return nil
}

func runConfigTest(cmd *cobra.Command, args []string) error {
	result, err := current.sync.TestConnection(cmd.Context())
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd, result)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Endpoint:     %s\n", result.TestEndpoint)
	fmt.Fprintf(out, "Connectivity: %s\n", result.Connectivity)
	if result.StatusCode != nil {
		fmt.Fprintf(out, "Status:       %d\n", *result.StatusCode)
	}
	if result.LatencyMs != nil {
		fmt.Fprintf(out, "Latency:      %.0f ms\n", *result.LatencyMs)
	}
	if result.Connectivity != models.ConnectivitySuccess {
		return fmt.Errorf("connection test failed: %s", result.Error)
	}
	return nil
}

func runConfigLogout(cmd *cobra.Command, args []string) error {
	if err := current.sync.Logout(cmd.Context()); err != nil {
		return err
	}
	statusPrinter(cmd)("Token cleared.")
	return nil
}

func runConfigWatch(cmd *cobra.Command, args []string) error {
	fs, ok := current.store.(*store.FileStore)
	if !ok {
		return errors.New("watch needs the file settings store")
	}

	out := cmd.OutOrStdout()
	unsubscribe := current.sync.Subscribe(configsync.EventConfigChanged, func() {
		p := current.sync.GetPersisted(cmd.Context())
		fmt.Fprintf(out, "Settings synced: endpoint=%q namespace=%q\n", p.Endpoint, p.Namespace)
	})
	defer unsubscribe()

	fmt.Fprintf(out, "Watching %s\n", fs.Path())
	err := store.Watch(cmd.Context(), fs.Path(), 0, func() {
		_ = current.sync.SyncFromSettingsToBackend(cmd.Context())
	})
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("settings directory does not exist: %w", err)
	}
	return err
}
