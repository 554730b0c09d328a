// Package cluster resolves which fleet member owns an address range and
// selects the provisioning backend for it.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/egressfleet/egressfleet/internal/fleet/database"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// Ownership says where a range must be provisioned.
type Ownership string

const (
	OwnerLocal  Ownership = "local"
	OwnerRemote Ownership = "remote"
)

// Router resolves range ownership against the server registry.
type Router struct {
	registry        database.ServerRegistry
	externalAddress string

	// interfaceAddrs enumerates this host's live interface addresses;
	// overridable for tests.
	interfaceAddrs func() ([]string, error)
}

// NewRouter creates a Router. externalAddress is this process's configured
// public address.
func NewRouter(registry database.ServerRegistry, externalAddress string) *Router {
	return &Router{
		registry:        registry,
		externalAddress: externalAddress,
		interfaceAddrs:  localInterfaceAddrs,
	}
}

// Resolve determines the owner of the given range. A range no enabled server
// claims is owned locally; a claimed range is local when the claiming record
// points at this host's external address or at one of its live interface
// addresses, and remote otherwise. Registry lookup failures propagate
// unchanged; ownership is never guessed on partial data.
func (r *Router) Resolve(ctx context.Context, cidr string) (Ownership, *models.ServerRecord, error) {
	server, err := r.registry.GetServerByRange(ctx, cidr)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Unclaimed ranges default to local ownership.
			return OwnerLocal, nil, nil
		}
		return "", nil, fmt.Errorf("failed to resolve range owner: %w", err)
	}

	if server.HostAddress == r.externalAddress {
		return OwnerLocal, server, nil
	}

	if server.InternalHostAddress != "" {
		addrs, err := r.interfaceAddrs()
		if err != nil {
			return "", nil, fmt.Errorf("failed to enumerate interface addresses: %w", err)
		}
		for _, addr := range addrs {
			if addr == server.InternalHostAddress {
				// Same host, reachable via a private interface.
				return OwnerLocal, server, nil
			}
		}
	}

	return OwnerRemote, server, nil
}

func localInterfaceAddrs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			out = append(out, ipNet.IP.String())
			continue
		}
		out = append(out, addr.String())
	}
	return out, nil
}
