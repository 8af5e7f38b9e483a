package userstore

// PropertyCategory groups descriptors for configuration UIs.
type PropertyCategory string

const (
	CategoryConnection PropertyCategory = "Connection"
	CategoryBasic      PropertyCategory = "Basic"
	CategoryGroup      PropertyCategory = "Group"
	CategoryAdvanced   PropertyCategory = "Advanced"
)

// PropertyDescriptor describes one recognized configuration property.
type PropertyDescriptor struct {
	Key          string
	DefaultValue string
	Description  string
	Category     PropertyCategory
	Mandatory    bool
}

// PropertyRegistry is the set of properties a store type understands,
// assembled by explicit registration so construction has no hidden ordering
// dependencies.
type PropertyRegistry struct {
	storeType   string
	descriptors []PropertyDescriptor
	index       map[string]int
}

// NewPropertyRegistry creates an empty registry for the named store type.
func NewPropertyRegistry(storeType string) *PropertyRegistry {
	return &PropertyRegistry{storeType: storeType, index: make(map[string]int)}
}

// StoreType names the store flavor this registry describes.
func (r *PropertyRegistry) StoreType() string { return r.storeType }

// Register adds a descriptor, replacing any earlier registration of the same
// key so specialized registries can override inherited defaults.
func (r *PropertyRegistry) Register(d PropertyDescriptor) *PropertyRegistry {
	if i, ok := r.index[d.Key]; ok {
		r.descriptors[i] = d
		return r
	}
	r.index[d.Key] = len(r.descriptors)
	r.descriptors = append(r.descriptors, d)
	return r
}

// Lookup returns the descriptor for a key.
func (r *PropertyRegistry) Lookup(key string) (PropertyDescriptor, bool) {
	i, ok := r.index[key]
	if !ok {
		return PropertyDescriptor{}, false
	}
	return r.descriptors[i], true
}

// Descriptors returns the registered descriptors in registration order.
func (r *PropertyRegistry) Descriptors() []PropertyDescriptor {
	out := make([]PropertyDescriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Defaults returns a property map holding every non-empty default value.
func (r *PropertyRegistry) Defaults() map[string]string {
	defaults := make(map[string]string, len(r.descriptors))
	for _, d := range r.descriptors {
		if d.DefaultValue != "" {
			defaults[d.Key] = d.DefaultValue
		}
	}
	return defaults
}

// MandatoryKeys returns the keys flagged mandatory.
func (r *PropertyRegistry) MandatoryKeys() []string {
	var keys []string
	for _, d := range r.descriptors {
		if d.Mandatory {
			keys = append(keys, d.Key)
		}
	}
	return keys
}

// GenericLDAPPropertyRegistry describes the properties of an RFC 4519
// directory store with their defaults.
func GenericLDAPPropertyRegistry() *PropertyRegistry {
	r := NewPropertyRegistry("ldap")

	r.Register(PropertyDescriptor{Key: PropConnectionURL, Description: "Directory connection URL", Category: CategoryConnection, Mandatory: true}).
		Register(PropertyDescriptor{Key: PropConnectionName, Description: "Admin bind DN", Category: CategoryConnection}).
		Register(PropertyDescriptor{Key: PropConnectionPassword, Description: "Admin bind password", Category: CategoryConnection}).
		Register(PropertyDescriptor{Key: PropDNSURL, Description: "DNS server URL for SRV-based controller discovery", Category: CategoryConnection}).
		Register(PropertyDescriptor{Key: PropDNSDomainName, Description: "Domain name whose SRV records list the directory servers", Category: CategoryConnection}).
		Register(PropertyDescriptor{Key: PropConnectionTimeout, DefaultValue: "5000", Description: "Connect timeout in milliseconds", Category: CategoryConnection}).
		Register(PropertyDescriptor{Key: PropReadTimeout, DefaultValue: "5000", Description: "Read timeout in milliseconds", Category: CategoryConnection}).
		Register(PropertyDescriptor{Key: PropConnectionPooling, DefaultValue: "false", Description: "Reuse directory connections across operations", Category: CategoryConnection}).
		Register(PropertyDescriptor{Key: PropReadOnly, DefaultValue: "false", Description: "Reject all write operations", Category: CategoryBasic}).
		Register(PropertyDescriptor{Key: PropReferral, DefaultValue: "follow", Description: "Referral handling: follow, ignore or throw", Category: CategoryAdvanced})

	r.Register(PropertyDescriptor{Key: PropUserSearchBase, Description: "Base DN(s) under which users live, '#'-separated", Category: CategoryBasic, Mandatory: true}).
		Register(PropertyDescriptor{Key: PropUserNameAttribute, DefaultValue: "uid", Description: "Attribute carrying the login name", Category: CategoryBasic, Mandatory: true}).
		Register(PropertyDescriptor{Key: PropUserNameListFilter, DefaultValue: "(objectClass=person)", Description: "Filter matching all user entries", Category: CategoryBasic, Mandatory: true}).
		Register(PropertyDescriptor{Key: PropUserNameSearchFilter, DefaultValue: "(&(objectClass=person)(uid=?))", Description: "Filter matching one user, '?' is the username", Category: CategoryBasic}).
		Register(PropertyDescriptor{Key: PropUserDNPattern, Description: "DN pattern alternative(s) with a {0} username placeholder", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropUserEntryObjectClass, DefaultValue: "inetOrgPerson", Description: "Object class for new user entries", Category: CategoryBasic}).
		Register(PropertyDescriptor{Key: PropUserIDAttribute, DefaultValue: "entryUUID", Description: "Attribute carrying the immutable user identifier", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropUserIDSearchFilter, DefaultValue: "(&(objectClass=person)(entryUUID=?))", Description: "Filter matching one user by ID, '?' is the identifier", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropImmutableUserID, DefaultValue: "true", Description: "Whether the ID attribute is directory-owned", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropDisplayNameAttribute, Description: "Attribute shown as the user's display name", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropDomainName, Description: "Domain label prefixed to returned names", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropCaseInsensitiveUsername, DefaultValue: "true", Description: "Compare usernames case-insensitively", Category: CategoryAdvanced})

	r.Register(PropertyDescriptor{Key: PropReadGroups, DefaultValue: "true", Description: "Read role information from the directory", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropWriteGroups, DefaultValue: "false", Description: "Write role information to the directory", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropGroupSearchBase, Description: "Base DN(s) under which groups live, '#'-separated", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropGroupNameAttribute, DefaultValue: "cn", Description: "Attribute carrying the group name", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropGroupNameListFilter, DefaultValue: "(objectClass=groupOfNames)", Description: "Filter matching all group entries", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropGroupNameSearchFilter, DefaultValue: "(&(objectClass=groupOfNames)(cn=?))", Description: "Filter matching one group, '?' is the name", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropGroupEntryObjectClass, DefaultValue: "groupOfNames", Description: "Object class for new group entries", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropRoleDNPattern, Description: "DN pattern alternative(s) for groups with a {0} placeholder", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropMembershipAttribute, DefaultValue: "member", Description: "Group attribute listing member DNs", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropMemberOfAttribute, Description: "User attribute listing group DNs, empty to search groups instead", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropSharedGroupSearchBase, Description: "Base DN of the shared group tree", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropSharedGroupNameAttribute, DefaultValue: "cn", Description: "Attribute carrying shared group names", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropSharedGroupNameListFilter, Description: "Filter matching shared group entries", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropSharedTenantNameAttribute, DefaultValue: "ou", Description: "Naming attribute of tenant units under the shared tree", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropSharedTenantObjectClass, DefaultValue: "organizationalUnit", Description: "Object class of tenant units", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropTenantDomain, DefaultValue: DefaultTenantDomain, Description: "Tenant domain this store serves", Category: CategoryAdvanced})

	r.Register(PropertyDescriptor{Key: PropEscapeUserLogin, DefaultValue: "true", Description: "Escape DN and filter metacharacters in usernames", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropMultiAttributeSeparator, DefaultValue: ",", Description: "Separator joining multi-valued claim values", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropMaxUserNameListLength, DefaultValue: "100", Description: "Maximum users returned by a listing", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropMaxRoleNameListLength, DefaultValue: "100", Description: "Maximum roles returned by a listing", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropMaxSearchTime, DefaultValue: "10000", Description: "Server-side search time limit in milliseconds", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropUserDNCacheTTL, DefaultValue: "300000", Description: "Username-to-DN cache TTL in milliseconds, 0 disables, -1 never expires", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropUserDNCacheSize, DefaultValue: "1000", Description: "Maximum entries in the username-to-DN cache", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropBinaryAttributes, Description: "Comma-separated attributes handled as binary", Category: CategoryAdvanced})

	return r
}

// ActiveDirectoryPropertyRegistry describes the properties of an Active
// Directory store: the generic set with AD schema defaults and the AD-only
// knobs on top.
func ActiveDirectoryPropertyRegistry() *PropertyRegistry {
	r := GenericLDAPPropertyRegistry()
	r.storeType = "active-directory"

	r.Register(PropertyDescriptor{Key: PropIsActiveDirectory, DefaultValue: "true", Description: "Marks the store as Active Directory", Category: CategoryBasic}).
		Register(PropertyDescriptor{Key: PropUserNameAttribute, DefaultValue: "sAMAccountName", Description: "Attribute carrying the login name", Category: CategoryBasic, Mandatory: true}).
		Register(PropertyDescriptor{Key: PropUserNameListFilter, DefaultValue: "(objectClass=user)", Description: "Filter matching all user entries", Category: CategoryBasic, Mandatory: true}).
		Register(PropertyDescriptor{Key: PropUserNameSearchFilter, DefaultValue: "(&(objectClass=user)(sAMAccountName=?))", Description: "Filter matching one user, '?' is the username", Category: CategoryBasic}).
		Register(PropertyDescriptor{Key: PropUserEntryObjectClass, DefaultValue: "user", Description: "Object class for new user entries", Category: CategoryBasic}).
		Register(PropertyDescriptor{Key: PropUserIDAttribute, DefaultValue: "objectGUID", Description: "Attribute carrying the immutable user identifier", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropUserIDSearchFilter, DefaultValue: "(&(objectClass=user)(objectGUID=?))", Description: "Filter matching one user by ID", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropGroupNameListFilter, DefaultValue: "(objectClass=group)", Description: "Filter matching all group entries", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropGroupNameSearchFilter, DefaultValue: "(&(objectClass=group)(cn=?))", Description: "Filter matching one group", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropGroupEntryObjectClass, DefaultValue: "group", Description: "Object class for new group entries", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropMemberOfAttribute, DefaultValue: "memberOf", Description: "User attribute listing group DNs", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropMembershipAttributeRange, DefaultValue: "1500", Description: "Window size for ranged member retrieval, 0 disables", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropPrimaryGroupID, DefaultValue: "primaryGroupID", Description: "Attribute holding the primary group RID", Category: CategoryGroup}).
		Register(PropertyDescriptor{Key: PropTransformGUIDToUUID, DefaultValue: "true", Description: "Render objectGUID values as canonical UUID strings", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropUserAccountControl, DefaultValue: "512", Description: "userAccountControl applied when enabling new accounts", Category: CategoryAdvanced}).
		Register(PropertyDescriptor{Key: PropIsADLDSRole, DefaultValue: "false", Description: "Target is AD LDS rather than full AD", Category: CategoryAdvanced})

	return r
}
