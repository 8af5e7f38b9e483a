package userstore

import (
	"log/slog"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoleManager(cfg *StoreConfig) *roleManager {
	return newRoleManager(cfg, newTestResolver(cfg), slog.Default())
}

func TestNewRoleContext(t *testing.T) {
	cfg := minimalConfig()
	cfg.SharedGroupSearchBase = "ou=SharedGroups,dc=example,dc=org"

	t.Run("local role", func(t *testing.T) {
		rc := newRoleContext(cfg, "admins")
		assert.False(t, rc.Shared)
		assert.Equal(t, "admins", rc.Name)
		assert.Equal(t, cfg.GroupSearchBases(), rc.SearchBases)
		assert.Equal(t, "admins", rc.QualifiedName())
	})

	t.Run("shared role scoped to tenant unit", func(t *testing.T) {
		rc := newRoleContext(cfg, "admin@tenantA")
		assert.True(t, rc.Shared)
		assert.Equal(t, "admin", rc.Name)
		assert.Equal(t, "tenantA", rc.Tenant)
		assert.Equal(t, []string{"ou=tenantA,ou=SharedGroups,dc=example,dc=org"}, rc.SearchBases)
		assert.Equal(t, "admin@tenantA", rc.QualifiedName())
	})

	t.Run("default tenant uses the shared base unmodified", func(t *testing.T) {
		rc := newRoleContext(cfg, "admin@super")
		assert.True(t, rc.Shared)
		assert.Equal(t, []string{"ou=SharedGroups,dc=example,dc=org"}, rc.SearchBases)
	})

	t.Run("tenant suffix without shared base stays local", func(t *testing.T) {
		plain := minimalConfig()
		rc := newRoleContext(plain, "admin@tenantA")
		assert.False(t, rc.Shared)
		assert.Equal(t, "admin", rc.Name)
	})
}

func TestResolveRoleDN(t *testing.T) {
	cfg := minimalConfig()
	rm := newTestRoleManager(cfg)

	t.Run("found by search", func(t *testing.T) {
		conn := &fakeConn{
			SearchFunc: searchReply(ldap.NewEntry("cn=admins,ou=Groups,dc=example,dc=org", map[string][]string{
				"cn": {"admins"},
			})),
		}

		dn, err := rm.resolveRoleDN(conn, newRoleContext(cfg, "admins"))
		require.NoError(t, err)
		assert.Equal(t, "cn=admins,ou=Groups,dc=example,dc=org", dn)
	})

	t.Run("not found", func(t *testing.T) {
		conn := &fakeConn{}
		_, err := rm.resolveRoleDN(conn, newRoleContext(cfg, "ghosts"))
		assert.ErrorIs(t, err, ErrRoleNotFound)
	})

	t.Run("ambiguous match is a hard error", func(t *testing.T) {
		conn := &fakeConn{
			SearchFunc: searchReply(
				ldap.NewEntry("cn=admins,ou=A,dc=example,dc=org", map[string][]string{"cn": {"admins"}}),
				ldap.NewEntry("cn=admins,ou=B,dc=example,dc=org", map[string][]string{"cn": {"admins"}}),
			),
		}

		_, err := rm.resolveRoleDN(conn, newRoleContext(cfg, "admins"))
		assert.ErrorIs(t, err, ErrAmbiguousEntry)
	})

	t.Run("role dn pattern probed first", func(t *testing.T) {
		patternCfg := minimalConfig()
		patternCfg.RoleDNPattern = "cn={0},ou=Groups,dc=example,dc=org"
		patternRM := newTestRoleManager(patternCfg)

		conn := &fakeConn{
			SearchFunc: searchReply(ldap.NewEntry("cn=admins,ou=Groups,dc=example,dc=org", map[string][]string{
				"cn": {"admins"},
			})),
		}

		dn, err := patternRM.resolveRoleDN(conn, newRoleContext(patternCfg, "admins"))
		require.NoError(t, err)
		assert.Equal(t, "cn=admins,ou=Groups,dc=example,dc=org", dn)
		require.Len(t, conn.Searches, 1)
		assert.Equal(t, ldap.ScopeBaseObject, conn.Searches[0].Scope)
	})
}

func TestRolesOfUserViaMemberOf(t *testing.T) {
	cfg := minimalConfig()
	cfg.MemberOfAttribute = "memberOf"
	rm := newTestRoleManager(cfg)

	conn := &fakeConn{
		SearchFunc: searchReply(ldap.NewEntry("uid=jdoe,ou=Users,dc=example,dc=org", map[string][]string{
			"memberOf": {
				"cn=admins,ou=Groups,dc=example,dc=org",
				"cn=developers,ou=Groups,dc=example,dc=org",
			},
		})),
	}

	roles, err := rm.RolesOfUser(conn, "uid=jdoe,ou=Users,dc=example,dc=org")
	require.NoError(t, err)
	assert.Equal(t, []string{"admins", "developers"}, roles)
}

func TestRolesOfUserViaMembershipSearch(t *testing.T) {
	cfg := minimalConfig()
	rm := newTestRoleManager(cfg)

	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			assert.Contains(t, req.Filter, "(member=uid=jdoe,ou=Users,dc=example,dc=org)")
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry("cn=admins,ou=Groups,dc=example,dc=org", map[string][]string{"cn": {"admins"}}),
			}}, nil
		},
	}

	roles, err := rm.RolesOfUser(conn, "uid=jdoe,ou=Users,dc=example,dc=org")
	require.NoError(t, err)
	assert.Equal(t, []string{"admins"}, roles)
}

func TestRolesOfUserIncludesPrimaryGroup(t *testing.T) {
	cfg := minimalConfig()
	cfg.MemberOfAttribute = "memberOf"
	cfg.PrimaryGroupIDAttribute = "primaryGroupID"
	rm := newTestRoleManager(cfg)

	userSID := sidBytes(5, 21, 1, 2, 3, 1105)
	userDN := "cn=jdoe,ou=Users,dc=example,dc=org"

	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			switch {
			case req.BaseDN == userDN && req.Attributes[0] == "memberOf":
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(userDN, map[string][]string{
						"memberOf": {"cn=admins,ou=Groups,dc=example,dc=org"},
					}),
				}}, nil
			case req.BaseDN == userDN:
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(userDN, map[string][]string{
						"objectSid":      {string(userSID)},
						"primaryGroupID": {"513"},
					}),
				}}, nil
			default:
				assert.Contains(t, req.Filter, "S-1-5-21-1-2-3-513")
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry("cn=Domain Users,ou=Groups,dc=example,dc=org", map[string][]string{
						"cn": {"Domain Users"},
					}),
				}}, nil
			}
		},
	}

	roles, err := rm.RolesOfUser(conn, userDN)
	require.NoError(t, err)
	assert.Equal(t, []string{"admins", "Domain Users"}, roles)
}

func TestRolesOfUserOmitsUnresolvablePrimaryGroup(t *testing.T) {
	cfg := minimalConfig()
	cfg.MemberOfAttribute = "memberOf"
	cfg.PrimaryGroupIDAttribute = "primaryGroupID"
	rm := newTestRoleManager(cfg)

	userDN := "cn=jdoe,ou=Users,dc=example,dc=org"
	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			if req.Attributes[0] == "memberOf" {
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(userDN, map[string][]string{
						"memberOf": {"cn=admins,ou=Groups,dc=example,dc=org"},
					}),
				}}, nil
			}
			// No objectSid on the entry, no group match anywhere.
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry(userDN, map[string][]string{"primaryGroupID": {"513"}}),
			}}, nil
		},
	}

	roles, err := rm.RolesOfUser(conn, userDN)
	require.NoError(t, err, "an unresolvable primary group must not fail the listing")
	assert.Equal(t, []string{"admins"}, roles)
}

func TestUsersOfRole(t *testing.T) {
	cfg := minimalConfig()
	rm := newTestRoleManager(cfg)

	roleDN := "cn=admins,ou=Groups,dc=example,dc=org"
	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			if req.BaseDN == roleDN {
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(roleDN, map[string][]string{
						"member": {
							"uid=jdoe,ou=Users,dc=example,dc=org",
							"uid=asmith,ou=Users,dc=example,dc=org",
						},
					}),
				}}, nil
			}
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry(roleDN, map[string][]string{"cn": {"admins"}}),
			}}, nil
		},
	}

	users, err := rm.UsersOfRole(conn, "admins")
	require.NoError(t, err)
	assert.Equal(t, []string{"jdoe", "asmith"}, users)
}

func TestUsersOfRoleReadsBackForeignRDNs(t *testing.T) {
	cfg := minimalConfig()
	rm := newTestRoleManager(cfg)

	roleDN := "cn=admins,ou=Groups,dc=example,dc=org"
	memberDN := "cn=John Doe,ou=Users,dc=example,dc=org"

	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			switch req.BaseDN {
			case roleDN:
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(roleDN, map[string][]string{"member": {memberDN}}),
				}}, nil
			case memberDN:
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(memberDN, map[string][]string{"uid": {"jdoe"}}),
				}}, nil
			default:
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(roleDN, map[string][]string{"cn": {"admins"}}),
				}}, nil
			}
		},
	}

	users, err := rm.UsersOfRole(conn, "admins")
	require.NoError(t, err)
	assert.Equal(t, []string{"jdoe"}, users, "a cn-led member DN is resolved to its uid")
}

func TestFirstRDNValue(t *testing.T) {
	tests := []struct {
		name      string
		dn        string
		attribute string
		expected  string
	}{
		{name: "matching rdn", dn: "uid=jdoe,ou=Users,dc=example,dc=org", attribute: "uid", expected: "jdoe"},
		{name: "case insensitive type", dn: "UID=jdoe,dc=example,dc=org", attribute: "uid", expected: "jdoe"},
		{name: "escaped comma in value", dn: `cn=Doe\, John,ou=Users,dc=example,dc=org`, attribute: "cn", expected: "Doe, John"},
		{name: "non matching rdn", dn: "cn=jdoe,dc=example,dc=org", attribute: "uid", expected: ""},
		{name: "garbage dn", dn: "not a dn", attribute: "uid", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, firstRDNValue(tt.dn, tt.attribute))
		})
	}
}

func TestTenantOfSharedEntry(t *testing.T) {
	cfg := minimalConfig()
	cfg.SharedGroupSearchBase = "ou=SharedGroups,dc=example,dc=org"
	rm := newTestRoleManager(cfg)

	assert.Equal(t, "tenantA", rm.tenantOfSharedEntry("cn=admin,ou=tenantA,ou=SharedGroups,dc=example,dc=org"))
	assert.Equal(t, DefaultTenantDomain, rm.tenantOfSharedEntry("cn=admin,dc=example,dc=org"))

	// Directly under the shared base the parent RDN is the base's own ou,
	// not a tenant container.
	assert.Equal(t, DefaultTenantDomain, rm.tenantOfSharedEntry("cn=admin,ou=SharedGroups,dc=example,dc=org"))
}
