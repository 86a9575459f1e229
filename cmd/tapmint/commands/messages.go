package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <emoji>",
		Short: "Send your emoji to the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := client.SendEmoji(cmd.Context(), membership(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s as %s\n", args[0], msg.From)
			return nil
		},
	}
	sessionFlags(cmd)
	return cmd
}

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print session messages until the session ends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stream, err := client.Stream(ctx, membership())
			if err != nil {
				return err
			}
			defer stream.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-stream.Messages():
					if !ok {
						fmt.Fprintln(out, "Session ended")
						return stream.Err()
					}
					at := msg.Timestamp.Format(time.TimeOnly)
					if emoji, ok := msg.Emoji(); ok {
						fmt.Fprintf(out, "%s %s sent %s\n", at, msg.From, emoji)
						continue
					}
					fmt.Fprintf(out, "%s %s %s\n", at, msg.From, msg.Type)
				}
			}
		},
	}
	sessionFlags(cmd)
	return cmd
}

func mintCmd() *cobra.Command {
	var sent, received, partner string

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint the exchange the relay recorded as a connection NFT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client.Mint(cmd.Context(), membership(), sent, received, partner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	sessionFlags(cmd)
	cmd.Flags().StringVar(&sent, "sent", "", "the emoji you expect to have sent")
	cmd.Flags().StringVar(&received, "received", "", "the emoji you expect to have received")
	cmd.Flags().StringVar(&partner, "partner", "", "your partner's address")
	return cmd
}
