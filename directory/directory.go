package directory

import (
	"context"
)

// HostCandidate is one registered host of a role, as the directory reports
// it. Port 0 means the registration matches any requested port. SecretID is
// the host's base identity material; Path is the host's own path, recorded
// as the creator of host-bound tokens.
type HostCandidate struct {
	Host     string
	IP       string
	Port     int
	CUK      string
	Extra    string
	SecretID [4]uint16
	Path     string
}

// Directory is the external role/host directory. Role secret ids are never
// exposed through any broker API; they are read only to construct and
// verify tokens. Failures propagate untouched.
type Directory interface {
	// GetRoleSecretID returns the current secret id of a role. Recreating
	// or rotating a role changes it, which silently invalidates every
	// outstanding token for that role.
	GetRoleSecretID(ctx context.Context, rolePath string) ([4]uint16, error)

	// ResolveHostInRole returns the role's registered hosts matching the
	// given hostname/ip, port, and cuk, in directory order. Hostname and
	// ip may each be empty; port 0 requests a wildcard match.
	ResolveHostInRole(ctx context.Context, rolePath, hostname, ip string, port int, cuk string) ([]*HostCandidate, error)
}
