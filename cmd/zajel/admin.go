package main

import (
	"fmt"

	"zajel-go/internal/crypto"

	"github.com/spf13/cobra"
)

// admin command
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage channel admins",
}

var adminKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an admin signing key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := crypto.NewSuite(nil).GenerateSigningKeypair()
		if err != nil {
			return err
		}

		fmt.Printf("Public Key:  %s\n", kp.PublicKey)
		fmt.Printf("Private Key: %s\n", kp.PrivateKey)
		return nil
	},
}

var adminAppointCmd = &cobra.Command{
	Use:   "appoint CHANNEL_ID PUBLIC_KEY",
	Short: "Authorize a key to publish",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")

		a, err := newApp(cmd, "AppointAdmin", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.AppointAdmin(cmd.Context(), args[0], args[1], label); err != nil {
			return err
		}

		fmt.Printf("Appointed %s\n", args[1])
		return nil
	},
}

var adminRemoveCmd = &cobra.Command{
	Use:   "remove CHANNEL_ID PUBLIC_KEY",
	Short: "Revoke an admin and rotate the encryption key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RemoveAdmin", args)
		if err != nil {
			return err
		}
		defer a.Close()

		ch, err := a.RemoveAdmin(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		fmt.Printf("Removed %s, key epoch is now %d\n", args[1], ch.Manifest.KeyEpoch)
		return nil
	},
}

var adminListCmd = &cobra.Command{
	Use:   "list CHANNEL_ID",
	Short: "List a channel's admins",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListAdmins", args)
		if err != nil {
			return err
		}
		defer a.Close()

		admins, err := a.Admins(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if len(admins) == 0 {
			fmt.Println("No admins.")
			return nil
		}

		for _, k := range admins {
			fmt.Printf("%s  %s\n", k.Key, k.Label)
		}
		return nil
	},
}

func init() {
	adminCmd.AddCommand(adminKeygenCmd)
	adminCmd.AddCommand(adminAppointCmd)
	adminAppointCmd.Flags().StringP("label", "l", "", "Human-readable admin name")
	adminCmd.AddCommand(adminRemoveCmd)
	adminCmd.AddCommand(adminListCmd)
}
