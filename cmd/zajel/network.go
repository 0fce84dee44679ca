package main

import (
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"zajel-go/internal/app"
	"zajel-go/internal/config"

	"github.com/spf13/cobra"
)

// routing command
var routingCmd = &cobra.Command{
	Use:   "routing",
	Short: "Inspect routing hashes",
}

var routingHashCmd = &cobra.Command{
	Use:   "hash CHANNEL_ID",
	Short: "Print the current routing hash of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RoutingHash", args)
		if err != nil {
			return err
		}
		defer a.Close()

		hash, err := a.RoutingHash(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Println(hash)
		return nil
	},
}

var routingEpochsCmd = &cobra.Command{
	Use:   "epochs CHANNEL_ID",
	Short: "List the routing hashes of the lookback window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RoutingEpochs", args)
		if err != nil {
			return err
		}
		defer a.Close()

		window, err := a.RoutingWindow(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		for _, e := range window {
			fmt.Printf("%d  %s\n", e.Epoch, e.Hash)
		}
		return nil
	},
}

var routingCensorshipCmd = &cobra.Command{
	Use:   "censorship CHANNEL_ID",
	Short: "Report whether a channel's routing hash appears blocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Censorship", args)
		if err != nil {
			return err
		}
		defer a.Close()

		// Fetch first so the router has history from this run.
		if _, err := a.Fetch(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "fetch: %v\n", err)
		}
		report, err := a.Censorship(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if !report.Detected {
			fmt.Println("No censorship detected.")
			return nil
		}
		fmt.Printf("%s: %s\n", report.Type, report.Description)
		for _, n := range report.AffectedNodes {
			fmt.Printf("  %s\n", n)
		}
		return nil
	},
}

// relay command
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Manage relay archives",
}

var relayAddCmd = &cobra.Command{
	Use:   "add URL",
	Short: "Add a relay (mem://, file:// or s3://)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		if slices.ContainsFunc(cfg.Relays, func(r config.RelayConfig) bool { return r.URL == args[0] }) {
			return fmt.Errorf("relay %s is already configured", args[0])
		}
		rc := config.RelayConfig{URL: args[0]}
		rc.S3Region, _ = cmd.Flags().GetString("s3-region")
		rc.S3Endpoint, _ = cmd.Flags().GetString("s3-endpoint")
		cfg.Relays = append(cfg.Relays, rc)

		if err := config.WriteToFile(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Added relay %s\n", args[0])
		return nil
	},
}

var relayRemoveCmd = &cobra.Command{
	Use:   "remove URL",
	Short: "Remove a relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		n := len(cfg.Relays)
		cfg.Relays = slices.DeleteFunc(cfg.Relays, func(r config.RelayConfig) bool { return r.URL == args[0] })
		if len(cfg.Relays) == n {
			return fmt.Errorf("relay %s is not configured", args[0])
		}

		if err := config.WriteToFile(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Removed relay %s\n", args[0])
		return nil
	},
}

var relayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured relays",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}

		if len(cfg.Relays) == 0 {
			fmt.Println("No relays configured.")
			return nil
		}
		for _, r := range cfg.Relays {
			fmt.Println(r.URL)
		}
		return nil
	},
}

var relayCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate every configured relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "CheckRelays", args)
		if err != nil {
			return err
		}
		defer a.Close()

		statuses := a.CheckRelays(cmd.Context())
		if len(statuses) == 0 {
			fmt.Println("No relays configured.")
			return nil
		}

		failed := 0
		for _, s := range statuses {
			if s.Err != nil {
				failed++
				fmt.Printf("%-14s %s  %v\n", s.Result, s.URL, s.Err)
				continue
			}
			fmt.Printf("%-14s %s\n", s.Result, s.URL)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d relay(s) failed", failed, len(statuses))
		}
		return nil
	},
}

// daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Join the swarm and serve metrics until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		hub, _ := cmd.Flags().GetBool("hub")
		listen, _ := cmd.Flags().GetString("listen")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cmd, "Daemon", args)
		if err != nil {
			return err
		}
		defer a.Close()

		a.OnMessage(printMessage)
		return a.RunDaemon(ctx, app.DaemonOptions{
			Hub:     hub,
			Listen:  listen,
			Version: version,
		})
	},
}

func init() {
	routingCmd.AddCommand(routingHashCmd)
	routingCmd.AddCommand(routingEpochsCmd)
	routingCmd.AddCommand(routingCensorshipCmd)

	relayCmd.AddCommand(relayAddCmd)
	relayAddCmd.Flags().String("s3-region", "", "Region for s3:// relays")
	relayAddCmd.Flags().String("s3-endpoint", "", "Endpoint override for s3:// relays")
	relayCmd.AddCommand(relayRemoveCmd)
	relayCmd.AddCommand(relayListCmd)
	relayCmd.AddCommand(relayCheckCmd)

	daemonCmd.Flags().Bool("hub", false, "Run as a relay hub serving the first relay")
	daemonCmd.Flags().String("listen", "", "HTTP listen address (default from config)")
}
