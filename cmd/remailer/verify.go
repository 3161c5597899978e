package main

import (
	"github.com/spf13/cobra"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/connection"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify --from ADDRESS RECIPIENT...",
		Short: "Check whether the server accepts each recipient",
		Long: `Runs MAIL FROM and RCPT TO for each recipient and resets the transaction
without sending any data.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			return deliver(cmd, args, func(c *connection.Connection, rcpt string, done func(remailer.Result)) {
				c.TestEmail(from, rcpt, done)
			})
		},
	}
	cmd.Flags().StringP("from", "f", "", "Envelope sender")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
