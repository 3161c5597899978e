package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/connection"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send --from ADDRESS RECIPIENT...",
		Short: "Send a message to each recipient",
		Long: `Reads an RFC 5322 message from --file, or from stdin, and submits one copy
per recipient over a single connection. Bare LF line endings are converted to CRLF.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			file, _ := cmd.Flags().GetString("file")

			data, err := readMessage(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return deliver(cmd, args, func(c *connection.Connection, rcpt string, done func(remailer.Result)) {
				c.SendEmail(from, rcpt, data, done)
			})
		},
	}
	cmd.Flags().StringP("from", "f", "", "Envelope sender")
	cmd.Flags().String("file", "", "Message file (default stdin)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func readMessage(file string, stdin io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if file == "" || file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}
	return toCRLF(data), nil
}

func toCRLF(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}

// deliver opens one connection, queues one message per recipient, waits for
// every outcome and prints them in submission order.
func deliver(cmd *cobra.Command, rcpts []string, queue func(*connection.Connection, string, func(remailer.Result))) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.closer.Close()

	conn, err := connection.Open(cmd.Context(), e.cfg.SMTP.Host, e.options(cmd.ErrOrStderr())...)
	if err != nil {
		return err
	}
	e.logger.Debug("connection opened", "conn_id", conn.ID(), "addr", conn.Addr())

	// Written on the connection goroutine, read once it is done.
	results := make([]remailer.Result, len(rcpts))
	for i, rcpt := range rcpts {
		queue(conn, rcpt, func(r remailer.Result) { results[i] = r })
	}
	conn.CloseWhenComplete()
	<-conn.Done()

	out := cmd.OutOrStdout()
	failed := 0
	for i, rcpt := range rcpts {
		fmt.Fprintf(out, "%s\t%s\n", rcpt, describe(results[i]))
		if !results[i].OK() {
			failed++
		}
	}
	if err := e.printMetrics(cmd.ErrOrStderr()); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d recipients failed", failed, len(rcpts))
	}
	return nil
}

func describe(r remailer.Result) string {
	switch {
	case r.OK():
		return fmt.Sprintf("ok\t%d %s", r.Code, r.Text)
	case r.Code != 0:
		return fmt.Sprintf("rejected\t%d %s", r.Code, r.Text)
	case r.Err != nil:
		return "failed\t" + r.Err.Error()
	}
	return "failed"
}
