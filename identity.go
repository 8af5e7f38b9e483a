package userstore

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Identity is a resolved directory user. ID is the immutable identifier when
// the store runs with the immutable-ID key strategy, otherwise it mirrors the
// username.
type Identity struct {
	Username    string
	ID          string
	DN          string
	DisplayName string
	Domain      string
}

// DomainQualifiedName returns the username prefixed with the store's domain
// label, the form the surrounding realm layer uses across stores.
func (i Identity) DomainQualifiedName() string {
	if i.Domain == "" {
		return i.Username
	}
	return i.Domain + "/" + i.Username
}

// IdentityKeyStrategy decides what uniquely keys a user: the login name, or a
// directory-owned immutable identifier that survives renames.
type IdentityKeyStrategy interface {
	// Name identifies the strategy in logs.
	Name() string
	// Key returns the primary key of an identity.
	Key(id Identity) string
	// Attributes lists the attributes a user search must fetch so the
	// identity can be keyed.
	Attributes(cfg *StoreConfig) []string
	// GenerateID mints an identifier for a new user when the directory does
	// not supply one. It returns "" when the directory-owned attribute is
	// authoritative.
	GenerateID(cfg *StoreConfig) string
}

// SelectKeyStrategy returns the immutable-ID strategy when a user ID
// attribute is configured, otherwise the username strategy.
func SelectKeyStrategy(cfg *StoreConfig) IdentityKeyStrategy {
	if cfg.UserIDAttribute != "" {
		return &immutableIDKeyStrategy{}
	}
	return &usernameKeyStrategy{}
}

type usernameKeyStrategy struct{}

func (s *usernameKeyStrategy) Name() string { return "username" }

func (s *usernameKeyStrategy) Key(id Identity) string { return id.Username }

func (s *usernameKeyStrategy) Attributes(cfg *StoreConfig) []string {
	return []string{cfg.UserNameAttribute}
}

func (s *usernameKeyStrategy) GenerateID(*StoreConfig) string { return "" }

type immutableIDKeyStrategy struct{}

func (s *immutableIDKeyStrategy) Name() string { return "immutable-id" }

func (s *immutableIDKeyStrategy) Key(id Identity) string { return id.ID }

func (s *immutableIDKeyStrategy) Attributes(cfg *StoreConfig) []string {
	return []string{cfg.UserNameAttribute, cfg.UserIDAttribute}
}

// GenerateID mints a UUID for directories whose ID attribute is writable
// rather than directory-owned. The store persists it into the ID attribute at
// creation so the identifier stays stable across renames.
func (s *immutableIDKeyStrategy) GenerateID(cfg *StoreConfig) string {
	if cfg.ImmutableUserID {
		return ""
	}
	return uuid.NewString()
}

// identityFromEntry builds an Identity from a search result entry.
func identityFromEntry(cfg *StoreConfig, entry *ldap.Entry) Identity {
	id := Identity{
		Username: entry.GetAttributeValue(cfg.UserNameAttribute),
		DN:       entry.DN,
		Domain:   cfg.DomainName,
	}

	if cfg.UserIDAttribute != "" {
		id.ID = readIDAttribute(cfg, entry)
	}
	if id.ID == "" {
		id.ID = id.Username
	}

	if cfg.DisplayNameAttribute != "" {
		id.DisplayName = entry.GetAttributeValue(cfg.DisplayNameAttribute)
	}

	return id
}

// readIDAttribute reads the immutable ID attribute, decoding binary values
// (objectGUID and friends) to their text form.
func readIDAttribute(cfg *StoreConfig, entry *ldap.Entry) string {
	if isBinaryAttribute(cfg, cfg.UserIDAttribute) {
		raw := entry.GetRawAttributeValue(cfg.UserIDAttribute)
		if len(raw) == 0 {
			return ""
		}
		return decodeBinaryID(raw, cfg.TransformGUIDToUUID)
	}
	return entry.GetAttributeValue(cfg.UserIDAttribute)
}

func isBinaryAttribute(cfg *StoreConfig, name string) bool {
	for _, b := range cfg.BinaryAttributeNames() {
		if strings.EqualFold(b, name) {
			return true
		}
	}
	return false
}
