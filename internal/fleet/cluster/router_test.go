package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egressfleet/egressfleet/internal/fleet/fleettest"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

func TestResolveUnclaimedRangeIsLocal(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	router := NewRouter(db, "203.0.113.10")

	owner, server, err := router.Resolve(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	assert.Equal(t, OwnerLocal, owner)
	assert.Nil(t, server)
}

func TestResolveRemoteOwner(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	db.AddServer(models.ServerRecord{
		Name:        "edge-2",
		IPRanges:    []string{"198.51.100.0/24"},
		HostAddress: "10.0.0.5",
		AdminPort:   8080,
		Enabled:     true,
	})
	router := NewRouter(db, "10.0.0.9")
	router.interfaceAddrs = func() ([]string, error) {
		return []string{"10.0.0.9", "127.0.0.1"}, nil
	}

	owner, server, err := router.Resolve(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	assert.Equal(t, OwnerRemote, owner)
	require.NotNil(t, server)
	assert.Equal(t, "edge-2", server.Name)
}

func TestResolveExternalAddressMatchIsLocal(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	db.AddServer(models.ServerRecord{
		Name:        "edge-1",
		IPRanges:    []string{"198.51.100.0/24"},
		HostAddress: "10.0.0.9",
		Enabled:     true,
	})
	router := NewRouter(db, "10.0.0.9")

	owner, server, err := router.Resolve(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	assert.Equal(t, OwnerLocal, owner)
	require.NotNil(t, server)
	assert.Equal(t, "edge-1", server.Name)
}

func TestResolveInternalAddressMatchIsLocal(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	db.AddServer(models.ServerRecord{
		Name:                "edge-1",
		IPRanges:            []string{"198.51.100.0/24"},
		HostAddress:         "203.0.113.40",
		InternalHostAddress: "172.16.4.2",
		Enabled:             true,
	})
	router := NewRouter(db, "203.0.113.99")
	router.interfaceAddrs = func() ([]string, error) {
		return []string{"127.0.0.1", "172.16.4.2"}, nil
	}

	owner, _, err := router.Resolve(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	assert.Equal(t, OwnerLocal, owner)
}

func TestResolveDisabledServerIsIgnored(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	db.AddServer(models.ServerRecord{
		Name:        "edge-2",
		IPRanges:    []string{"198.51.100.0/24"},
		HostAddress: "10.0.0.5",
		Enabled:     false,
	})
	router := NewRouter(db, "10.0.0.9")

	owner, server, err := router.Resolve(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	assert.Equal(t, OwnerLocal, owner)
	assert.Nil(t, server)
}

func TestResolvePrefersMostSpecificClaim(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	db.AddServer(models.ServerRecord{
		Name:        "edge-broad",
		IPRanges:    []string{"198.51.100.0/24"},
		HostAddress: "10.0.0.5",
		Enabled:     true,
	})
	db.AddServer(models.ServerRecord{
		Name:        "edge-narrow",
		IPRanges:    []string{"198.51.100.0/26"},
		HostAddress: "10.0.0.6",
		Enabled:     true,
	})
	router := NewRouter(db, "10.0.0.9")
	router.interfaceAddrs = func() ([]string, error) { return nil, nil }

	_, server, err := router.Resolve(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, "edge-narrow", server.Name)
}

func TestResolvePropagatesRegistryErrors(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	db.ServerLookupErr = errors.New("connection refused")
	router := NewRouter(db, "10.0.0.9")

	_, _, err := router.Resolve(context.Background(), "198.51.100.0/29")
	assert.Error(t, err)
}
