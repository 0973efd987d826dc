package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/streamcomm/pkg/httpclient"
)

func newSendCommand() *cobra.Command {
	var (
		peer          string
		protocol      uint32
		payload       string
		file          string
		expiresIn     time.Duration
		retryInterval time.Duration
		retryMax      int
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a peer",
		Long: `Queue a message for delivery to a peer. The peer is an identity such as
TCP:[10.0.0.5]:9090 or a host:port. The payload is taken from --payload,
from --file, or from stdin when --file is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readPayload(cmd.InOrStdin(), payload, file)
			if err != nil {
				return err
			}
			return runSend(cmd, peer, protocol, data, httpclient.SendOptions{
				ExpiresIn:     expiresIn,
				RetryInterval: retryInterval,
				RetryMax:      retryMax,
			})
		},
	}

	cmd.Flags().StringVar(&peer, "peer", "", "Destination peer (required)")
	cmd.Flags().Uint32Var(&protocol, "protocol", 1, "Protocol number of the message")
	cmd.Flags().StringVar(&payload, "payload", "", "Message payload")
	cmd.Flags().StringVar(&file, "file", "", `Read the payload from a file ("-" for stdin)`)
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Drop the message if it is not delivered in time")
	cmd.Flags().DurationVar(&retryInterval, "retry-interval", 0, "Minimum interval between delivery retries")
	cmd.Flags().IntVar(&retryMax, "retry-max", 0, "Delivery retries after the first failure (negative disables)")
	cmd.MarkFlagsMutuallyExclusive("payload", "file")
	if err := cmd.MarkFlagRequired("peer"); err != nil {
		panic(fmt.Sprintf("Failed to mark peer as required: %v", err))
	}

	return cmd
}

func readPayload(stdin io.Reader, payload, file string) ([]byte, error) {
	switch file {
	case "":
		return []byte(payload), nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return data, nil
	}
}

func runSend(cmd *cobra.Command, peer string, protocol uint32, payload []byte, opts httpclient.SendOptions) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sending %d bytes to %s (protocol %d)...\n", len(payload), peer, protocol)

	resp, err := client.Send(ctx, peer, protocol, payload, opts)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	fmt.Fprintf(out, "Message queued\n")
	fmt.Fprintf(out, "Peer: %s\n", resp.Peer)
	fmt.Fprintf(out, "Size: %d\n", resp.Size)
	fmt.Fprintf(out, "Queued At: %s\n", resp.QueuedAt.Format("2006-01-02 15:04:05"))
	return nil
}
