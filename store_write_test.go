package userstore

import (
	"context"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	cfg := minimalConfig()
	cfg.ReadOnly = true
	cfg.WriteGroups = true
	store, dialer := newTestStore(cfg, &fakeConn{})

	ctx := context.Background()

	_, err := store.AddUser(ctx, "jdoe", "pw", nil, nil)
	assert.ErrorIs(t, err, ErrReadOnlyStore)

	assert.ErrorIs(t, store.DeleteUser(ctx, "jdoe"), ErrReadOnlyStore)
	assert.ErrorIs(t, store.UpdateCredential(ctx, "jdoe", "old", "new"), ErrReadOnlyStore)
	assert.ErrorIs(t, store.UpdateCredentialByAdmin(ctx, "jdoe", "new"), ErrReadOnlyStore)
	assert.ErrorIs(t, store.SetUserClaimValue(ctx, "jdoe", "mail", "x"), ErrReadOnlyStore)
	assert.ErrorIs(t, store.DeleteUserClaimValues(ctx, "jdoe", []string{"mail"}), ErrReadOnlyStore)
	assert.ErrorIs(t, store.AddRole(ctx, "admins", nil), ErrReadOnlyStore)
	assert.ErrorIs(t, store.DeleteRole(ctx, "admins"), ErrReadOnlyStore)
	assert.ErrorIs(t, store.UpdateRoleName(ctx, "a", "b"), ErrReadOnlyStore)
	assert.ErrorIs(t, store.UpdateUserListOfRole(ctx, "admins", nil, nil), ErrReadOnlyStore)
	assert.ErrorIs(t, store.UpdateRoleListOfUser(ctx, "jdoe", nil, nil), ErrReadOnlyStore)

	assert.Empty(t, dialer.Dials, "rejected writes never open a connection")
}

func TestGroupWritesRequireWriteGroups(t *testing.T) {
	store, _ := newTestStore(minimalConfig(), &fakeConn{})

	assert.ErrorIs(t, store.AddRole(context.Background(), "admins", nil), ErrWriteGroupsDisabled)
	assert.ErrorIs(t, store.DeleteRole(context.Background(), "admins"), ErrWriteGroupsDisabled)
}

func TestAddUserGeneric(t *testing.T) {
	cfg := minimalConfig()
	conn := &fakeConn{}
	store, _ := newTestStore(cfg, conn)

	identity, err := store.AddUser(context.Background(), "jdoe", "Secr3t!", nil, map[string]string{
		"mail": "jdoe@example.org",
	})
	require.NoError(t, err)

	require.Len(t, conn.Adds, 1)
	add := conn.Adds[0]
	assert.Equal(t, "uid=jdoe,ou=Users,dc=example,dc=org", add.DN)

	byType := make(map[string][]string)
	for _, a := range add.Attributes {
		byType[a.Type] = a.Vals
	}
	assert.Equal(t, []string{"Secr3t!"}, byType["userPassword"])
	assert.Equal(t, []string{"jdoe@example.org"}, byType["mail"])
	assert.Empty(t, conn.Modifies, "generic directories need no post-create changes")

	assert.Equal(t, "jdoe", identity.Username)
	dn, cached := store.cache.Get("jdoe")
	assert.True(t, cached)
	assert.Equal(t, add.DN, dn)
}

func TestAddUserExisting(t *testing.T) {
	cfg := minimalConfig()
	conn := &fakeConn{
		SearchFunc: searchReply(ldap.NewEntry("uid=jdoe,ou=Users,dc=example,dc=org", map[string][]string{
			"uid": {"jdoe"},
		})),
	}
	store, _ := newTestStore(cfg, conn)

	_, err := store.AddUser(context.Background(), "jdoe", "pw", nil, nil)
	assert.ErrorIs(t, err, ErrUserExists)
	assert.Empty(t, conn.Adds)
}

func TestAddUserActiveDirectoryFlow(t *testing.T) {
	cfg := minimalConfig()
	cfg.IsActiveDirectory = true
	conn := &fakeConn{}
	dialer := &fakeDialer{Conn: conn}

	store, err := NewStoreFromConfig(context.Background(), cfg, WithDialer(dialer))
	require.NoError(t, err)

	_, err = store.AddUser(context.Background(), "jdoe", "Secr3t!", nil, nil)
	require.NoError(t, err)

	require.Len(t, conn.Adds, 1)
	byType := make(map[string][]string)
	for _, a := range conn.Adds[0].Attributes {
		byType[a.Type] = a.Vals
	}
	assert.Equal(t, []string{"514"}, byType["userAccountControl"], "created disabled")
	assert.NotContains(t, byType, "unicodePwd")

	require.Len(t, conn.Modifies, 2)
	assert.Equal(t, "unicodePwd", conn.Modifies[0].Changes[0].Modification.Type)
	assert.Equal(t, "userAccountControl", conn.Modifies[1].Changes[0].Modification.Type)
	assert.Equal(t, []string{"512"}, conn.Modifies[1].Changes[0].Modification.Vals, "enabled last")
}

func TestAddUserRollsBackOnPostCreateFailure(t *testing.T) {
	cfg := minimalConfig()
	cfg.IsActiveDirectory = true
	conn := &fakeConn{
		ModifyFunc: func(req *ldap.ModifyRequest) error {
			return ldapResultError(ldap.LDAPResultUnwillingToPerform)
		},
	}
	dialer := &fakeDialer{Conn: conn}

	store, err := NewStoreFromConfig(context.Background(), cfg, WithDialer(dialer))
	require.NoError(t, err)

	_, err = store.AddUser(context.Background(), "jdoe", "weak", nil, nil)
	require.Error(t, err)

	require.Len(t, conn.Deletes, 1, "the disabled half-created entry is removed")
	assert.Equal(t, conn.Adds[0].DN, conn.Deletes[0].DN)

	_, cached := store.cache.Get("jdoe")
	assert.False(t, cached)
}

func TestDeleteUserDetachesGroupMemberships(t *testing.T) {
	cfg := minimalConfig()
	cfg.WriteGroups = true
	userDN := "uid=jdoe,ou=Users,dc=example,dc=org"

	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			if req.BaseDN == "ou=Groups,dc=example,dc=org" {
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry("cn=admins,ou=Groups,dc=example,dc=org", map[string][]string{"cn": {"admins"}}),
				}}, nil
			}
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry(userDN, map[string][]string{"uid": {"jdoe"}}),
			}}, nil
		},
	}
	store, _ := newTestStore(cfg, conn)

	require.NoError(t, store.DeleteUser(context.Background(), "jdoe"))

	require.Len(t, conn.Modifies, 1, "membership removed before the entry")
	assert.Equal(t, "cn=admins,ou=Groups,dc=example,dc=org", conn.Modifies[0].DN)

	require.Len(t, conn.Deletes, 1)
	assert.Equal(t, userDN, conn.Deletes[0].DN)

	_, cached := store.cache.Get("jdoe")
	assert.False(t, cached)
}

func TestUpdateCredentialVerifiesOldPassword(t *testing.T) {
	cfg := minimalConfig()
	userDN := "uid=jdoe,ou=Users,dc=example,dc=org"

	conn := &fakeConn{
		BindFunc: func(dn, password string) error {
			if dn == userDN && password != "old-pw" {
				return ldapResultError(ldap.LDAPResultInvalidCredentials)
			}
			return nil
		},
	}
	store, _ := newTestStore(cfg, conn)
	store.cache.Put("jdoe", userDN)

	err := store.UpdateCredential(context.Background(), "jdoe", "wrong", "new-pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, conn.Modifies)

	require.NoError(t, store.UpdateCredential(context.Background(), "jdoe", "old-pw", "new-pw"))
	require.Len(t, conn.Modifies, 1)
	assert.Equal(t, "userPassword", conn.Modifies[0].Changes[0].Modification.Type)
}

func TestUpdateCredentialByAdminRotatesConnectionUser(t *testing.T) {
	cfg := minimalConfig()
	adminDN := "cn=admin,dc=example,dc=org"

	conn := &fakeConn{
		SearchFunc: searchReply(ldap.NewEntry(adminDN, map[string][]string{"uid": {"admin"}})),
	}
	store, _ := newTestStore(cfg, conn)

	require.NoError(t, store.UpdateCredentialByAdmin(context.Background(), "admin", "rotated"))

	_, password := store.conns.credentials()
	assert.Equal(t, "rotated", password, "the store follows its own rotated bind password")
}

func TestSetUserClaimValues(t *testing.T) {
	cfg := minimalConfig()
	userDN := "cn=John Doe,ou=Users,dc=example,dc=org"

	t.Run("rename ordered after plain modifications", func(t *testing.T) {
		conn := &fakeConn{}
		store, _ := newTestStore(cfg, conn)
		store.cache.Put("jdoe", userDN)

		err := store.SetUserClaimValues(context.Background(), "jdoe", map[string]string{
			"mail": "john@example.org",
			"cn":   "John Smith",
		})
		require.NoError(t, err)

		require.Len(t, conn.Modifies, 1)
		assert.Equal(t, "mail", conn.Modifies[0].Changes[0].Modification.Type)

		require.Len(t, conn.DNModifies, 1)
		assert.Equal(t, userDN, conn.DNModifies[0].DN)
		assert.Equal(t, "cn=John Smith", conn.DNModifies[0].NewRDN)

		_, cached := store.cache.Get("jdoe")
		assert.False(t, cached, "a rename drops the cached DN")
	})

	t.Run("empty value deletes the attribute", func(t *testing.T) {
		conn := &fakeConn{}
		store, _ := newTestStore(cfg, conn)
		store.cache.Put("jdoe", userDN)

		require.NoError(t, store.SetUserClaimValue(context.Background(), "jdoe", "mail", ""))

		require.Len(t, conn.Modifies, 1)
		assert.Empty(t, conn.Modifies[0].Changes[0].Modification.Vals)
	})

	t.Run("directory owned attributes rejected", func(t *testing.T) {
		conn := &fakeConn{}
		store, _ := newTestStore(cfg, conn)
		store.cache.Put("jdoe", userDN)

		err := store.SetUserClaimValue(context.Background(), "jdoe", "entryUUID", "x")
		require.Error(t, err)

		var attrErr *AttributeError
		assert.ErrorAs(t, err, &attrErr)
		assert.Empty(t, conn.Modifies)
	})
}

func TestAddRole(t *testing.T) {
	cfg := minimalConfig()
	cfg.WriteGroups = true
	userDN := "uid=jdoe,ou=Users,dc=example,dc=org"

	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			if req.BaseDN == "ou=Users,dc=example,dc=org" {
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(userDN, map[string][]string{"uid": {"jdoe"}}),
				}}, nil
			}
			return &ldap.SearchResult{}, nil
		},
	}
	store, _ := newTestStore(cfg, conn)

	require.NoError(t, store.AddRole(context.Background(), "admins", []string{"jdoe"}))

	require.Len(t, conn.Adds, 1)
	add := conn.Adds[0]
	assert.Equal(t, "cn=admins,ou=Groups,dc=example,dc=org", add.DN)

	byType := make(map[string][]string)
	for _, a := range add.Attributes {
		byType[a.Type] = a.Vals
	}
	assert.Equal(t, []string{"groupOfNames"}, byType["objectClass"])
	assert.Equal(t, []string{"admins"}, byType["cn"])
	assert.Equal(t, []string{userDN}, byType["member"])
}

func TestUpdateRoleNameRejectsExistingTarget(t *testing.T) {
	cfg := minimalConfig()
	cfg.WriteGroups = true

	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry("cn=taken,ou=Groups,dc=example,dc=org", map[string][]string{"cn": {"taken"}}),
			}}, nil
		},
	}
	store, _ := newTestStore(cfg, conn)

	err := store.UpdateRoleName(context.Background(), "admins", "taken")
	assert.ErrorIs(t, err, ErrRoleExists)
	assert.Empty(t, conn.DNModifies)
}

func TestUpdateRoleName(t *testing.T) {
	cfg := minimalConfig()
	cfg.WriteGroups = true

	calls := 0
	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			calls++
			if calls == 1 {
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry("cn=admins,ou=Groups,dc=example,dc=org", map[string][]string{"cn": {"admins"}}),
				}}, nil
			}
			return &ldap.SearchResult{}, nil
		},
	}
	store, _ := newTestStore(cfg, conn)

	require.NoError(t, store.UpdateRoleName(context.Background(), "admins", "operators"))

	require.Len(t, conn.DNModifies, 1)
	assert.Equal(t, "cn=admins,ou=Groups,dc=example,dc=org", conn.DNModifies[0].DN)
	assert.Equal(t, "cn=operators", conn.DNModifies[0].NewRDN)
	assert.True(t, conn.DNModifies[0].DeleteOldRDN)
}

func TestUpdateUserListOfRole(t *testing.T) {
	cfg := minimalConfig()
	cfg.WriteGroups = true
	roleDN := "cn=admins,ou=Groups,dc=example,dc=org"

	conn := &fakeConn{
		SearchFunc: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			if req.BaseDN == "ou=Groups,dc=example,dc=org" {
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(roleDN, map[string][]string{"cn": {"admins"}}),
				}}, nil
			}
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry("uid=jdoe,ou=Users,dc=example,dc=org", map[string][]string{"uid": {"jdoe"}}),
			}}, nil
		},
	}
	store, _ := newTestStore(cfg, conn)

	require.NoError(t, store.UpdateUserListOfRole(context.Background(), "admins", nil, []string{"jdoe"}))

	require.Len(t, conn.Modifies, 1)
	assert.Equal(t, roleDN, conn.Modifies[0].DN)
	require.Len(t, conn.Modifies[0].Changes, 1)
	assert.Equal(t, uint(ldap.AddAttribute), conn.Modifies[0].Changes[0].Operation)
}

func TestModifyMembershipIsIdempotent(t *testing.T) {
	cfg := minimalConfig()
	cfg.WriteGroups = true

	conn := &fakeConn{
		ModifyFunc: func(*ldap.ModifyRequest) error {
			return ldapResultError(ldap.LDAPResultAttributeOrValueExists)
		},
	}
	store, _ := newTestStore(cfg, conn)

	err := store.modifyMembership(conn, "cn=admins,ou=Groups,dc=example,dc=org", "uid=jdoe,ou=Users,dc=example,dc=org", true)
	assert.NoError(t, err, "adding an existing member is not an error")

	conn.ModifyFunc = func(*ldap.ModifyRequest) error {
		return ldapResultError(ldap.LDAPResultNoSuchAttribute)
	}
	err = store.modifyMembership(conn, "cn=admins,ou=Groups,dc=example,dc=org", "uid=jdoe,ou=Users,dc=example,dc=org", false)
	assert.NoError(t, err, "removing an absent member is not an error")
}
