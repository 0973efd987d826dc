package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Administrative commands for inspecting and steering the node's transport",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "channels",
		Short: "List the node's channels",
		RunE:  runAdminChannels,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "connect PEER",
		Short: "Open a channel to a peer ahead of any send",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminConnect,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "peers",
		Short: "List the peers the node knows",
		RunE:  runAdminPeers,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show transport and inbox statistics",
		RunE:  runAdminStats,
	})

	return cmd
}

func runAdminChannels(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	response, err := client.AdminListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}
	if len(response.Channels) == 0 {
		fmt.Fprintln(out, "No channels")
		return nil
	}

	fmt.Fprintf(out, "Found %d channel(s):\n\n", len(response.Channels))
	for _, ch := range response.Channels {
		printChannel(cmd, ch)
	}
	return nil
}

func runAdminConnect(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Connecting to %s...\n", args[0])
	st, err := client.AdminConnect(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	printChannel(cmd, *st)
	return nil
}

func printChannel(cmd *cobra.Command, ch peerlink.ChannelStatus) {
	out := cmd.OutOrStdout()
	dir := "incoming"
	if ch.Originated {
		dir = "originated"
	}
	peer := ch.Peer
	if peer == "" {
		peer = "(handshake pending)"
	}
	fmt.Fprintf(out, "Channel %d: %s, %s\n", ch.ID, peer, ch.State)
	fmt.Fprintf(out, "   Direction: %s\n", dir)
	if ch.RemoteAddr != "" {
		fmt.Fprintf(out, "   Remote: %s\n", ch.RemoteAddr)
	}
	fmt.Fprintf(out, "   Created: %s\n", formatTime(ch.Created))
	fmt.Fprintf(out, "   Last Active: %s\n", formatTime(ch.LastActive))
	fmt.Fprintf(out, "   Send Queue: %d\n", ch.SendQueueLen)
	fmt.Fprintf(out, "   Sent: %d msgs, %d bytes\n", ch.MsgsSent, ch.BytesSent)
	fmt.Fprintf(out, "   Received: %d msgs, %d bytes\n\n", ch.MsgsRcvd, ch.BytesRcvd)
}

func runAdminPeers(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	response, err := client.AdminListPeers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list peers: %w", err)
	}
	if len(response.Peers) == 0 {
		fmt.Fprintln(out, "No peers")
		return nil
	}

	fmt.Fprintf(out, "Found %d peer(s):\n\n", len(response.Peers))
	for _, p := range response.Peers {
		fmt.Fprintf(out, "%s\n", p.Peer)
		fmt.Fprintf(out, "   Primary: %s  Secondary: %s\n", p.Primary, p.Secondary)
		fmt.Fprintf(out, "   Held: %d\n", p.HeldQueueLen)
		fmt.Fprintf(out, "   Last Retry: %s  Next Retry: %s\n", formatTime(p.LastRetry), formatTime(p.NextRetry))
		fmt.Fprintf(out, "   Originated: %d  Accepted: %d  Failed: %d\n", p.Originated, p.Accepted, p.Failed)
		fmt.Fprintf(out, "   Sent: %d  Received: %d\n", p.MsgsSent, p.MsgsRcvd)
		if p.SendRateLimited > 0 || p.ReceiveRateLimited > 0 {
			fmt.Fprintf(out, "   Rate limited: %d sent, %d received\n", p.SendRateLimited, p.ReceiveRateLimited)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runAdminStats(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	s, err := client.AdminGetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Fprintf(out, "Transport running: %t\n", s.Running)
	fmt.Fprintf(out, "Channels: %d (%d draining)\n", s.Channels, s.DrainingChannels)
	fmt.Fprintf(out, "Primary: %d/%d\n", s.Primary, s.MaxPrimary)
	fmt.Fprintf(out, "Secondary: %d/%d\n", s.Secondary, s.MaxSecondary)
	fmt.Fprintf(out, "Peers: %d (%d awaiting retry)\n", s.Peers, s.PeersToRetry)
	fmt.Fprintf(out, "Next Retry: %s\n", formatTime(s.NextRetry))
	fmt.Fprintf(out, "Rate limited: %t\n", s.AnyRateLimited)
	fmt.Fprintf(out, "Inbox: %d held, %d received\n", s.InboxSize, s.InboxTotal)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
