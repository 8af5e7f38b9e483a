package userstore

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
)

func TestIdentityDomainQualifiedName(t *testing.T) {
	assert.Equal(t, "jdoe", Identity{Username: "jdoe"}.DomainQualifiedName())
	assert.Equal(t, "EXAMPLE/jdoe", Identity{Username: "jdoe", Domain: "EXAMPLE"}.DomainQualifiedName())
}

func TestSelectKeyStrategy(t *testing.T) {
	cfg := minimalConfig()
	assert.Equal(t, "immutable-id", SelectKeyStrategy(cfg).Name())

	cfg.UserIDAttribute = ""
	assert.Equal(t, "username", SelectKeyStrategy(cfg).Name())
}

func TestImmutableIDKeyStrategyGenerateID(t *testing.T) {
	cfg := minimalConfig()
	s := &immutableIDKeyStrategy{}

	cfg.ImmutableUserID = true
	assert.Empty(t, s.GenerateID(cfg), "directory-owned IDs are never minted locally")

	cfg.ImmutableUserID = false
	id := s.GenerateID(cfg)
	assert.NotEmpty(t, id)
	assert.NotEqual(t, id, s.GenerateID(cfg))
}

func TestIdentityFromEntry(t *testing.T) {
	t.Run("textual id attribute", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.DisplayNameAttribute = "displayName"

		entry := ldap.NewEntry("uid=jdoe,ou=Users,dc=example,dc=org", map[string][]string{
			"uid":         {"jdoe"},
			"entryUUID":   {"550e8400-e29b-41d4-a716-446655440000"},
			"displayName": {"John Doe"},
		})

		identity := identityFromEntry(cfg, entry)
		assert.Equal(t, "jdoe", identity.Username)
		assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", identity.ID)
		assert.Equal(t, "John Doe", identity.DisplayName)
		assert.Equal(t, "uid=jdoe,ou=Users,dc=example,dc=org", identity.DN)
	})

	t.Run("binary guid decoded to uuid", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.IsActiveDirectory = true
		cfg.UserNameAttribute = "sAMAccountName"
		cfg.UserIDAttribute = "objectGUID"
		cfg.TransformGUIDToUUID = true

		guid := make([]byte, guidBytesLength)
		for i := range guid {
			guid[i] = byte(i + 1)
		}

		entry := ldap.NewEntry("cn=jdoe,ou=Users,dc=example,dc=org", map[string][]string{
			"sAMAccountName": {"jdoe"},
			"objectGUID":     {string(guid)},
		})

		identity := identityFromEntry(cfg, entry)
		assert.Equal(t, "04030201-0605-0807-090a-0b0c0d0e0f10", identity.ID)
	})

	t.Run("missing id falls back to username", func(t *testing.T) {
		cfg := minimalConfig()
		entry := ldap.NewEntry("uid=jdoe,ou=Users,dc=example,dc=org", map[string][]string{
			"uid": {"jdoe"},
		})

		identity := identityFromEntry(cfg, entry)
		assert.Equal(t, "jdoe", identity.ID)
	})
}
