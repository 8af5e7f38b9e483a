package userstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
)

// DirectoryEndpoint describes one domain controller advertised by a DNS SRV
// record for the _ldap._tcp service. Endpoints are resolved once when the
// connection context is built and are immutable afterwards.
type DirectoryEndpoint struct {
	// Host is the SRV target hostname, without the trailing dot.
	Host string
	// IP is the resolved A-record address for Host.
	IP string
	// Port is the advertised LDAP port.
	Port int
	// Priority orders endpoints; lower values are tried first.
	Priority int
	// Weight breaks ties within the same priority; higher values first.
	Weight int
}

// URL composes the LDAP URL for this endpoint. Read-only stores may talk to
// read replicas over plain ldap; writable stores always use ldaps.
func (e DirectoryEndpoint) URL(readOnly bool) string {
	scheme := "ldaps"
	if readOnly {
		scheme = "ldap"
	}
	host := e.IP
	if host == "" {
		host = e.Host
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, e.Port)
}

// srvResolver is the subset of net.Resolver used for endpoint discovery,
// extracted so tests can substitute a fake.
type srvResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DiscoverEndpoints resolves the _ldap._tcp SRV records for the given domain
// and returns the advertised domain controllers ordered by priority, ties
// broken by weight. Each SRV target is additionally resolved to its A-record
// address so connections go straight to an IP.
func DiscoverEndpoints(ctx context.Context, domain string, logger *slog.Logger) ([]DirectoryEndpoint, error) {
	return discoverEndpoints(ctx, net.DefaultResolver, domain, logger)
}

func discoverEndpoints(ctx context.Context, resolver srvResolver, domain string, logger *slog.Logger) ([]DirectoryEndpoint, error) {
	if domain == "" {
		return nil, NewConfigError("DNSDomainName", "DNS discovery is enabled, but the DNS domain name is not provided")
	}

	_, records, err := resolver.LookupSRV(ctx, "ldap", "tcp", domain)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for _ldap._tcp.%s failed: %w", domain, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for _ldap._tcp.%s", domain)
	}

	endpoints := make([]DirectoryEndpoint, 0, len(records))
	for _, srv := range records {
		ep := DirectoryEndpoint{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
		}

		addrs, err := resolver.LookupHost(ctx, ep.Host)
		if err != nil || len(addrs) == 0 {
			// A domain controller without a resolvable address is still kept;
			// the dial falls back to the hostname.
			logger.Warn("domain_controller_host_unresolved",
				slog.String("host", ep.Host),
				slog.String("domain", domain))
		} else {
			ep.IP = addrs[0]
		}

		endpoints = append(endpoints, ep)
	}

	SortEndpoints(endpoints)

	logger.Debug("domain_controllers_discovered",
		slog.String("domain", domain),
		slog.Int("endpoint_count", len(endpoints)))

	return endpoints, nil
}

// SortEndpoints orders endpoints ascending by priority, ties broken by
// descending weight, per RFC 2782.
func SortEndpoints(endpoints []DirectoryEndpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Priority != endpoints[j].Priority {
			return endpoints[i].Priority < endpoints[j].Priority
		}
		return endpoints[i].Weight > endpoints[j].Weight
	})
}
