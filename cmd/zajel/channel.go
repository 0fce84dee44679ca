package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"zajel-go/internal/zajel"

	"github.com/spf13/cobra"
)

// PassphraseEnv supplies the export passphrase without a prompt.
const PassphraseEnv = "ZAJEL_PASSPHRASE"

// channel command
var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage channels",
}

var channelCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a channel you own",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")

		a, err := newApp(cmd, "CreateChannel", args)
		if err != nil {
			return err
		}
		defer a.Close()

		ch, err := a.CreateChannel(cmd.Context(), args[0], description, rulesFromFlags(cmd))
		if err != nil {
			return fmt.Errorf("creating channel: %w", err)
		}

		fmt.Printf("Created channel %s (%s)\n", ch.Manifest.Name, ch.ID)
		return nil
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListChannels", args)
		if err != nil {
			return err
		}
		defer a.Close()

		channels, err := a.Channels(cmd.Context())
		if err != nil {
			return err
		}

		if len(channels) == 0 {
			fmt.Println("No channels.")
			return nil
		}

		for _, ch := range channels {
			fmt.Printf("%s  %-10s  epoch:%-3d  %s\n", ch.ID, ch.Role, ch.Manifest.KeyEpoch, ch.Manifest.Name)
		}
		return nil
	},
}

var channelShowCmd = &cobra.Command{
	Use:   "show CHANNEL_ID",
	Short: "Show a channel's manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ShowChannel", args)
		if err != nil {
			return err
		}
		defer a.Close()

		ch, err := a.Channel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		m := ch.Manifest

		fmt.Printf("ID:          %s\n", ch.ID)
		fmt.Printf("Name:        %s\n", m.Name)
		if m.Description != "" {
			fmt.Printf("Description: %s\n", m.Description)
		}
		fmt.Printf("Role:        %s\n", ch.Role)
		fmt.Printf("Owner Key:   %s\n", m.OwnerKey)
		fmt.Printf("Key Epoch:   %d\n", m.KeyEpoch)
		fmt.Printf("Replies:     %t\n", m.Rules.RepliesEnabled)
		fmt.Printf("Polls:       %t\n", m.Rules.PollsEnabled)
		fmt.Printf("Max Upload:  %d\n", m.Rules.MaxUpstreamSize)
		fmt.Printf("Types:       %s\n", strings.Join(m.Rules.AllowedTypes, ", "))
		for _, k := range m.AdminKeys {
			fmt.Printf("Admin:       %s  %s\n", k.Key, k.Label)
		}
		return nil
	},
}

var channelDeleteCmd = &cobra.Command{
	Use:   "delete CHANNEL_ID",
	Short: "Delete a channel and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "DeleteChannel", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteChannel(cmd.Context(), args[0]); err != nil {
			return err
		}

		fmt.Printf("Deleted channel %s\n", args[0])
		return nil
	},
}

var channelLinkCmd = &cobra.Command{
	Use:   "link CHANNEL_ID",
	Short: "Print an invite link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expires, _ := cmd.Flags().GetDuration("expires")

		a, err := newApp(cmd, "InviteLink", args)
		if err != nil {
			return err
		}
		defer a.Close()

		text, err := a.InviteLink(cmd.Context(), args[0], expires)
		if err != nil {
			return err
		}

		fmt.Println(text)
		return nil
	},
}

var channelJoinCmd = &cobra.Command{
	Use:   "join LINK",
	Short: "Subscribe to a channel from an invite link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Join", nil)
		if err != nil {
			return err
		}
		defer a.Close()

		ch, err := a.Join(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("joining channel: %w", err)
		}

		fmt.Printf("Subscribed to %s (%s)\n", ch.Manifest.Name, ch.ID)
		return nil
	},
}

var channelExportCmd = &cobra.Command{
	Use:   "export CHANNEL_ID FILE",
	Short: "Export a channel with its private keys, sealed under a passphrase",
	Long:  "Export a channel with its private keys, sealed under a passphrase. FILE may be - for stdout. The passphrase is read from " + PassphraseEnv + " or prompted for.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		armor, _ := cmd.Flags().GetBool("armor")

		passphrase, err := readPassphrase("Passphrase: ", PassphraseEnv)
		if err != nil {
			return err
		}
		if passphrase == "" {
			return fmt.Errorf("passphrase must not be empty")
		}

		a, err := newApp(cmd, "ExportChannel", args[:1])
		if err != nil {
			return err
		}
		defer a.Close()

		var w io.Writer = os.Stdout
		if args[1] != "-" {
			f, err := os.OpenFile(args[1], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
			if err != nil {
				return fmt.Errorf("creating export file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := a.ExportChannel(cmd.Context(), args[0], w, passphrase, armor); err != nil {
			return fmt.Errorf("exporting channel: %w", err)
		}
		if args[1] != "-" {
			fmt.Printf("Exported %s to %s\n", args[0], args[1])
		}
		return nil
	},
}

var channelImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import an exported channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase("Passphrase: ", PassphraseEnv)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "ImportChannel", args)
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening export file: %w", err)
		}
		defer f.Close()

		ch, err := a.ImportChannel(cmd.Context(), f, passphrase)
		if err != nil {
			return fmt.Errorf("importing channel: %w", err)
		}

		fmt.Printf("Imported %s (%s) as %s\n", ch.Manifest.Name, ch.ID, ch.Role)
		return nil
	},
}

// rules command
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage channel rules",
}

var rulesSetCmd = &cobra.Command{
	Use:   "set CHANNEL_ID",
	Short: "Replace a channel's rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "SetRules", args)
		if err != nil {
			return err
		}
		defer a.Close()

		ch, err := a.SetRules(cmd.Context(), args[0], rulesFromFlags(cmd))
		if err != nil {
			return err
		}

		fmt.Printf("Updated rules for %s\n", ch.ID)
		return nil
	},
}

// key command
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage channel encryption keys",
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate CHANNEL_ID",
	Short: "Rotate a channel's encryption key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RotateKey", args)
		if err != nil {
			return err
		}
		defer a.Close()

		ch, err := a.RotateKey(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Rotated %s to key epoch %d\n", ch.ID, ch.Manifest.KeyEpoch)
		fmt.Println("Share a new invite link with subscribers.")
		return nil
	},
}

func addRulesFlags(cmd *cobra.Command) {
	d := zajel.DefaultRules()
	cmd.Flags().Bool("replies", d.RepliesEnabled, "Allow subscriber replies")
	cmd.Flags().Bool("polls", d.PollsEnabled, "Allow polls")
	cmd.Flags().Int("max-upstream", d.MaxUpstreamSize, "Maximum upstream message size in bytes")
	cmd.Flags().StringSlice("types", d.AllowedTypes, "Allowed content types")
}

func rulesFromFlags(cmd *cobra.Command) zajel.Rules {
	r := zajel.DefaultRules()
	r.RepliesEnabled, _ = cmd.Flags().GetBool("replies")
	r.PollsEnabled, _ = cmd.Flags().GetBool("polls")
	r.MaxUpstreamSize, _ = cmd.Flags().GetInt("max-upstream")
	r.AllowedTypes, _ = cmd.Flags().GetStringSlice("types")
	return r
}

func init() {
	channelCmd.AddCommand(channelCreateCmd)
	channelCreateCmd.Flags().StringP("description", "d", "", "Channel description")
	addRulesFlags(channelCreateCmd)
	channelCmd.AddCommand(channelListCmd)
	channelCmd.AddCommand(channelShowCmd)
	channelCmd.AddCommand(channelDeleteCmd)
	channelCmd.AddCommand(channelLinkCmd)
	channelLinkCmd.Flags().Duration("expires", 0, "Link lifetime (0 never expires)")
	channelCmd.AddCommand(channelJoinCmd)
	channelCmd.AddCommand(channelExportCmd)
	channelExportCmd.Flags().Bool("armor", false, "Write ASCII-armored output")
	channelCmd.AddCommand(channelImportCmd)

	rulesCmd.AddCommand(rulesSetCmd)
	addRulesFlags(rulesSetCmd)

	keyCmd.AddCommand(keyRotateCmd)
}
