package server

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/keymaster/directory"
	"github.com/stephnangue/keymaster/identity"
)

// Dev mode seed data. Everything lives in memory and is lost on restart.
const (
	devUser     = "dev"
	devPassword = "dev-password"
	devTenant   = "dev-tenant"
	devRole     = "role/dev-tenant/dev-role"
	devHostIP   = "127.0.0.1"
)

func seedDevIdentity(provider *identity.StaticProvider) {
	provider.AddUser(devUser, &identity.StaticUser{
		Password: devPassword,
		Region:   "local",
		Tenants: []*identity.Tenant{
			{ID: "t-dev", Name: devTenant, Description: "Seeded dev tenant"},
		},
	})
}

func seedDevDirectory(dir *directory.StaticDirectory) error {
	if _, err := dir.AddRole(devRole); err != nil {
		return err
	}
	return dir.AddHost(devRole, &directory.HostCandidate{
		Host: "localhost",
		IP:   devHostIP,
	})
}

// printDevBanner prints the dev mode startup banner with the seeded
// credentials.
func printDevBanner(cmd *cobra.Command) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==> Keymaster server started in dev mode! <==\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "WARNING! dev mode is enabled! In this mode, Keymaster runs entirely\n")
	fmt.Fprintf(w, "in-memory with seeded credentials. All data is lost on restart.\n")
	fmt.Fprintf(w, "Do NOT run dev mode in production!\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Dev user:      %s / %s\n", devUser, devPassword)
	fmt.Fprintf(w, "Dev tenant:    %s\n", devTenant)
	fmt.Fprintf(w, "Dev role:      %s (member host %s)\n", devRole, devHostIP)
	fmt.Fprintf(w, "\n")
}
