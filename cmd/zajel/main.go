package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"zajel-go/internal/app"
	"zajel-go/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a ZajelApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "CreateChannel", "Publish").
func newApp(cmd *cobra.Command, operation string, args []string) (*app.ZajelApp, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.NewZajelApp(cmd.Context(), cfg, app.Options{
		Operation:  operation,
		Parameters: strings.Join(args, " "),
		Verbose:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readConfig returns the config and the path it was read from.
func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// readPassphrase takes the passphrase from envVar when set, prompts for it
// on a terminal, and otherwise reads one line from stdin.
func readPassphrase(prompt, envVar string) (string, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var rootCmd = &cobra.Command{
	Use:          "zajel",
	Short:        "Encrypted broadcast channels",
	Version:      version,
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		peerID := uuid.New().String()
		cfg := config.NewConfig(peerID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Peer ID:  %s\n", peerID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Peer ID:    %s\n", cfg.PeerID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Store:      %s\n", cfg.Store.Type)
		fmt.Printf("Transport:  %s\n", cfg.Transport.Type)
		fmt.Printf("Epoch:      %s (lookback %d)\n", cfg.Routing.Epoch, cfg.Routing.LookbackEpochs)
		fmt.Printf("Sync:       %s\n", cfg.Swarm.SyncInterval)
		fmt.Printf("Metrics:    %s\n", cfg.Metrics.Listen)
		fmt.Printf("Telemetry:  %t\n", cfg.Telemetry.Enabled)
		for _, r := range cfg.Relays {
			fmt.Printf("Relay:      %s\n", r.URL)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(channelCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(routingCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(daemonCmd)
}
