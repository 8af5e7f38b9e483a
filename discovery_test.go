package userstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	srvs     []*net.SRV
	srvErr   error
	hosts    map[string][]string
	hostErrs map[string]error
}

func (r *fakeResolver) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return fmt.Sprintf("_%s._%s.%s", service, proto, name), r.srvs, r.srvErr
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if err, ok := r.hostErrs[host]; ok {
		return nil, err
	}
	return r.hosts[host], nil
}

func TestDiscoverEndpoints(t *testing.T) {
	resolver := &fakeResolver{
		srvs: []*net.SRV{
			{Target: "dc2.example.org.", Port: 389, Priority: 10, Weight: 50},
			{Target: "dc1.example.org.", Port: 389, Priority: 0, Weight: 100},
			{Target: "dc3.example.org.", Port: 389, Priority: 10, Weight: 80},
		},
		hosts: map[string][]string{
			"dc1.example.org": {"10.0.0.1"},
			"dc2.example.org": {"10.0.0.2"},
			"dc3.example.org": {"10.0.0.3"},
		},
	}

	endpoints, err := discoverEndpoints(context.Background(), resolver, "example.org", slog.Default())
	require.NoError(t, err)
	require.Len(t, endpoints, 3)

	assert.Equal(t, "dc1.example.org", endpoints[0].Host, "lowest priority first")
	assert.Equal(t, "10.0.0.1", endpoints[0].IP)
	assert.Equal(t, "dc3.example.org", endpoints[1].Host, "higher weight breaks the tie")
	assert.Equal(t, "dc2.example.org", endpoints[2].Host)
}

func TestDiscoverEndpointsKeepsUnresolvableHost(t *testing.T) {
	resolver := &fakeResolver{
		srvs: []*net.SRV{
			{Target: "dc1.example.org.", Port: 389, Priority: 0, Weight: 100},
		},
		hostErrs: map[string]error{
			"dc1.example.org": fmt.Errorf("no such host"),
		},
	}

	endpoints, err := discoverEndpoints(context.Background(), resolver, "example.org", slog.Default())
	require.NoError(t, err)
	require.Len(t, endpoints, 1)

	assert.Empty(t, endpoints[0].IP)
	assert.Equal(t, "ldap://dc1.example.org:389", endpoints[0].URL(true), "falls back to the hostname")
}

func TestDiscoverEndpointsFailures(t *testing.T) {
	t.Run("srv lookup failure", func(t *testing.T) {
		resolver := &fakeResolver{srvErr: fmt.Errorf("dns timeout")}
		_, err := discoverEndpoints(context.Background(), resolver, "example.org", slog.Default())
		assert.Error(t, err)
	})

	t.Run("no records", func(t *testing.T) {
		resolver := &fakeResolver{}
		_, err := discoverEndpoints(context.Background(), resolver, "example.org", slog.Default())
		assert.Error(t, err)
	})

	t.Run("empty domain", func(t *testing.T) {
		resolver := &fakeResolver{}
		_, err := discoverEndpoints(context.Background(), resolver, "", slog.Default())
		assert.Error(t, err)
	})
}

func TestDirectoryEndpointURL(t *testing.T) {
	ep := DirectoryEndpoint{Host: "dc1.example.org", IP: "10.0.0.1", Port: 636}

	assert.Equal(t, "ldap://10.0.0.1:636", ep.URL(true), "read-only stores use plain ldap")
	assert.Equal(t, "ldaps://10.0.0.1:636", ep.URL(false), "writable stores use ldaps")
}

func TestSortEndpoints(t *testing.T) {
	endpoints := []DirectoryEndpoint{
		{Host: "c", Priority: 5, Weight: 10},
		{Host: "a", Priority: 0, Weight: 0},
		{Host: "b", Priority: 5, Weight: 90},
	}

	SortEndpoints(endpoints)

	assert.Equal(t, "a", endpoints[0].Host)
	assert.Equal(t, "b", endpoints[1].Host)
	assert.Equal(t, "c", endpoints[2].Host)
}
