// Package userstore implements a directory-backed identity store on top of
// LDAP and Active Directory servers.
//
// A Store resolves, authenticates and enumerates users and roles through
// short-lived directory connections. Directory flavor differences (password
// encoding, entry creation, directory-owned attributes) are captured by a
// SchemaDialect, and what keys a user (login name or immutable identifier)
// by an IdentityKeyStrategy; both are selected once at construction.
//
//	store, err := userstore.NewStore(ctx, map[string]string{
//	    userstore.PropConnectionURL:      "ldaps://ldap.example.org:636",
//	    userstore.PropConnectionName:     "cn=admin,dc=example,dc=org",
//	    userstore.PropConnectionPassword: "secret",
//	    userstore.PropUserSearchBase:     "ou=Users,dc=example,dc=org",
//	    userstore.PropGroupSearchBase:    "ou=Groups,dc=example,dc=org",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	_, ok, err := store.Authenticate(ctx, "jdoe", password)
//
// Servers can be given statically via ConnectionURL or discovered through
// DNS SRV records with DNSURL and DNSDomainName. Resolved usernames are held
// in a bounded DN cache invalidated by every rename.
package userstore
