package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/streamcomm/pkg/httpclient"
)

func newInboxCommand() *cobra.Command {
	var (
		since    int64
		protocol uint32
		limit    int
		follow   bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Read messages received by the node",
		Long: `Read the node's inbox of received messages, oldest first, starting at
sequence --since. With --follow the inbox is polled for new messages until
Ctrl+C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !follow {
				return runInbox(cmd, since, protocol, limit)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return followInbox(ctx, cmd.OutOrStdout(), since, protocol, limit, interval)
		},
	}

	cmd.Flags().Int64Var(&since, "since", 0, "First sequence number to read")
	cmd.Flags().Uint32Var(&protocol, "protocol", 0, "Only show this protocol (0 for all)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum messages per request")
	cmd.Flags().BoolVar(&follow, "follow", false, "Keep polling for new messages")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval with --follow")

	return cmd
}

func runInbox(cmd *cobra.Command, since int64, protocol uint32, limit int) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	resp, err := client.ReadInbox(ctx, since, protocol, limit)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}
	if resp.Count == 0 {
		fmt.Fprintln(out, "No messages")
		return nil
	}

	fmt.Fprintf(out, "Found %d message(s):\n\n", resp.Count)
	for _, msg := range resp.Messages {
		printMessage(out, msg)
	}
	fmt.Fprintf(out, "Next sequence: %d\n", resp.NextSeq)
	return nil
}

func followInbox(ctx context.Context, out io.Writer, since int64, protocol uint32, limit int, interval time.Duration) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Following inbox of %s from sequence %d. Press Ctrl+C to stop.\n", serverURL, since)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	count := 0
	for {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := client.ReadInbox(reqCtx, since, protocol, limit)
		cancel()
		switch {
		case ctx.Err() != nil:
		case err != nil:
			fmt.Fprintf(out, "Poll error: %v\n", err)
		default:
			for _, msg := range resp.Messages {
				count++
				printMessage(out, msg)
			}
			since = resp.NextSeq
		}

		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\nStopped. Received %d message(s).\n", count)
			return nil
		case <-ticker.C:
		}
	}
}

func printMessage(out io.Writer, msg httpclient.ReceivedMessage) {
	fmt.Fprintf(out, "#%d from %s\n", msg.Seq, msg.Sender)
	fmt.Fprintf(out, "   ID: %s\n", msg.ID)
	fmt.Fprintf(out, "   Protocol: %d\n", msg.Protocol)
	fmt.Fprintf(out, "   Size: %d\n", msg.Size)
	fmt.Fprintf(out, "   Received: %s\n", msg.Received.Format("2006-01-02 15:04:05.000"))
	if len(msg.Preview) > 0 {
		if utf8.Valid(msg.Preview) {
			fmt.Fprintf(out, "   Preview: %q\n", msg.Preview)
		} else {
			fmt.Fprintf(out, "   Preview: % x\n", msg.Preview)
		}
	}
	fmt.Fprintln(out)
}
