package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Long:  "Check the health status of the streamcomm node",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Healthy {
		fmt.Fprintf(out, "Node is healthy\n")
	} else {
		fmt.Fprintf(out, "Node is not healthy\n")
	}
	fmt.Fprintf(out, "Local ID: %s\n", health.LocalID)
	fmt.Fprintf(out, "Transport running: %t\n", health.TransportRunning)
	fmt.Fprintf(out, "Channels: %d\n", health.Channels)
	fmt.Fprintf(out, "Peers: %d (%d awaiting retry)\n", health.Peers, health.PeersToRetry)
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}
	return nil
}
