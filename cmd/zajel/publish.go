package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"zajel-go/internal/zajel"

	"github.com/spf13/cobra"
)

// AdminKeyEnv holds an admin's signing seed for publishing as that admin.
const AdminKeyEnv = "ZAJEL_ADMIN_KEY"

// publish command
var publishCmd = &cobra.Command{
	Use:   "publish CHANNEL_ID [TEXT]",
	Short: "Publish a message",
	Long:  "Publish TEXT, or the contents of --file, to a channel. Set " + AdminKeyEnv + " to publish as an admin.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		contentType, _ := cmd.Flags().GetString("type")

		var data []byte
		switch {
		case file != "":
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			data = b
			if contentType == "" {
				contentType = zajel.ContentFile
			}
		case len(args) == 2:
			data = []byte(args[1])
		default:
			return fmt.Errorf("nothing to publish: pass TEXT or --file")
		}
		if contentType == "" {
			contentType = zajel.ContentText
		}

		a, err := newApp(cmd, "Publish", args[:1])
		if err != nil {
			return err
		}
		defer a.Close()

		chunks, err := a.Publish(cmd.Context(), args[0], contentType, data, strings.TrimSpace(os.Getenv(AdminKeyEnv)))
		if err != nil {
			return fmt.Errorf("publishing: %w", err)
		}

		fmt.Printf("Published sequence %d in %d chunk(s)\n", chunks[0].Sequence, len(chunks))
		return nil
	},
}

// poll command
var pollCmd = &cobra.Command{
	Use:   "poll CHANNEL_ID QUESTION OPTION OPTION...",
	Short: "Publish a poll",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		multiple, _ := cmd.Flags().GetBool("multiple")
		closesIn, _ := cmd.Flags().GetDuration("closes-in")

		a, err := newApp(cmd, "PublishPoll", args[:1])
		if err != nil {
			return err
		}
		defer a.Close()

		var closesAt time.Time
		if closesIn > 0 {
			closesAt = time.Now().Add(closesIn)
		}
		poll, err := a.PublishPoll(cmd.Context(), args[0], args[1], args[2:], multiple, closesAt)
		if err != nil {
			return fmt.Errorf("publishing poll: %w", err)
		}

		fmt.Printf("Published poll %s\n", poll.PollID)
		return nil
	},
}

// fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch CHANNEL_ID",
	Short: "Pull a channel's messages from the relays",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Fetch", args)
		if err != nil {
			return err
		}
		defer a.Close()

		a.OnMessage(printMessage)
		report, err := a.Fetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if report.Node == "" {
			fmt.Println("No relays configured.")
			return nil
		}
		fmt.Printf("%s: %d listed, %d accepted, %d rejected\n", report.Node, report.Listed, report.Accepted, report.Rejected)
		return nil
	},
}

func printMessage(_ context.Context, channelID string, sequence int, p *zajel.ChunkPayload) {
	body := fmt.Sprintf("<%d bytes>", len(p.Payload))
	if p.Type == zajel.ContentText {
		body = string(p.Payload)
	}
	author := ""
	if p.Author != "" {
		author = "  [" + p.Author[:min(8, len(p.Author))] + "]"
	}
	fmt.Printf("%s #%d  %s  %-8s %s%s\n", channelID, sequence, p.Timestamp.Local().Format("2006-01-02 15:04:05"), p.Type, body, author)
}

func init() {
	publishCmd.Flags().StringP("file", "f", "", "Publish the contents of a file")
	publishCmd.Flags().StringP("type", "t", "", "Content type (default text, or file with --file)")

	pollCmd.Flags().Bool("multiple", false, "Allow choosing more than one option")
	pollCmd.Flags().Duration("closes-in", 0, "Close the poll after this long")
}
