package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/stephnangue/keymaster/helper"
	"github.com/stephnangue/keymaster/logical"
)

var _ Directory = (*StaticDirectory)(nil)

// StaticDirectory is an in-process role/host directory for dev mode and
// tests. Roles are registered with a generated secret id; RotateRole draws
// a fresh one, which invalidates outstanding tokens the same way a real
// directory would.
type StaticDirectory struct {
	mu    sync.RWMutex
	roles map[string]*staticRole
}

type staticRole struct {
	secretID [4]uint16
	hosts    []*HostCandidate
}

// NewStaticDirectory creates an empty static directory
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		roles: make(map[string]*staticRole),
	}
}

// AddRole registers a role and returns its generated secret id
func (d *StaticDirectory) AddRole(rolePath string) ([4]uint16, error) {
	secretID, err := helper.GenerateWords()
	if err != nil {
		return secretID, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[rolePath] = &staticRole{secretID: secretID}
	return secretID, nil
}

// RotateRole draws a fresh secret id for an existing role
func (d *StaticDirectory) RotateRole(rolePath string) ([4]uint16, error) {
	secretID, err := helper.GenerateWords()
	if err != nil {
		return secretID, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.roles[rolePath]
	if !ok {
		return secretID, logical.NotFoundOrExpiredf("role %q not found", rolePath)
	}
	role.secretID = secretID
	return secretID, nil
}

// AddHost registers a host as a member of a role. The candidate's secret
// id is generated when unset, and its path defaults to the role path plus
// the host's ip and port.
func (d *StaticDirectory) AddHost(rolePath string, host *HostCandidate) error {
	if host.SecretID == ([4]uint16{}) {
		secretID, err := helper.GenerateWords()
		if err != nil {
			return err
		}
		host.SecretID = secretID
	}
	if host.Path == "" {
		host.Path = rolePath + "/host/" + host.IP
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.roles[rolePath]
	if !ok {
		return logical.NotFoundOrExpiredf("role %q not found", rolePath)
	}
	role.hosts = append(role.hosts, host)
	return nil
}

// GetRoleSecretID returns the current secret id of a role
func (d *StaticDirectory) GetRoleSecretID(ctx context.Context, rolePath string) ([4]uint16, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	role, ok := d.roles[rolePath]
	if !ok {
		return [4]uint16{}, logical.NotFoundOrExpiredf("role %q not found", rolePath)
	}
	return role.secretID, nil
}

// ResolveHostInRole returns matching registered hosts in directory order
func (d *StaticDirectory) ResolveHostInRole(ctx context.Context, rolePath, hostname, ip string, port int, cuk string) ([]*HostCandidate, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	role, ok := d.roles[rolePath]
	if !ok {
		return nil, logical.NotFoundOrExpiredf("role %q not found", rolePath)
	}

	var out []*HostCandidate
	for _, host := range role.hosts {
		if hostname != "" && !strings.EqualFold(host.Host, hostname) {
			continue
		}
		if ip != "" && host.IP != ip {
			continue
		}
		if port != 0 && host.Port != 0 && host.Port != port {
			continue
		}
		if cuk != "" && host.CUK != "" && host.CUK != cuk {
			continue
		}
		out = append(out, host)
	}
	return out, nil
}
