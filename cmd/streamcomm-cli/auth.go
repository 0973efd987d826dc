package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with a streamcomm server",
		Long: `Authenticate with the streamcomm server using your client ID.
This prints a JWT token to pass to later commands with --token or
STREAMCOMM_TOKEN. The client ID "admin" receives admin privileges.`,
		RunE: runAuth,
	}
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Authenticating with server %s as client %s...\n", serverURL, clientID)

	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	token := client.GetToken()
	fmt.Fprintf(out, "Authentication successful\n")
	fmt.Fprintf(out, "Token: %s\n", token)
	fmt.Fprintf(out, "\nSave the token for later commands:\n")
	fmt.Fprintf(out, "  export STREAMCOMM_TOKEN=\"%s\"\n", token)
	return nil
}
