package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/keymaster/cmd/server"
	"github.com/stephnangue/keymaster/cmd/status"
)

var keymasterCmd = &cobra.Command{
	Use:   "keymaster",
	Short: "Keymaster is an authorization broker for a multi-tenant control plane",
	Long: `Keymaster issues and verifies user and role tokens for a multi-tenant
control plane. User tokens come from an external identity provider and can be
scoped to a tenant; role tokens are short-lived, self-verifying credentials
bound to a user or to a specific host.`,
}

func Execute() {
	if err := keymasterCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	keymasterCmd.AddCommand(server.ServerCmd)
	keymasterCmd.AddCommand(status.StatusCmd)
}
