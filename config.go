package userstore

import (
	"strings"

	"github.com/creasty/defaults"
	"github.com/mitchellh/mapstructure"
)

// Recognized configuration property names. The identity store consumes these
// as string key/value pairs supplied by the surrounding realm layer.
const (
	PropConnectionURL             = "ConnectionURL"
	PropConnectionName            = "ConnectionName"
	PropConnectionPassword        = "ConnectionPassword"
	PropDNSURL                    = "DNSURL"
	PropDNSDomainName             = "DNSDomainName"
	PropReadOnly                  = "ReadOnly"
	PropConnectionPooling         = "ConnectionPoolingEnabled"
	PropConnectionTimeout         = "LDAPConnectionTimeout"
	PropReadTimeout               = "ReadTimeout"
	PropReferral                  = "Referral"
	PropBinaryAttributes          = "LDAPBinaryAttributes"
	PropUserSearchBase            = "UserSearchBase"
	PropUserNameAttribute         = "UserNameAttribute"
	PropUserNameListFilter        = "UserNameListFilter"
	PropUserNameSearchFilter      = "UserNameSearchFilter"
	PropUserDNPattern             = "UserDNPattern"
	PropUserEntryObjectClass      = "UserEntryObjectClass"
	PropUserIDAttribute           = "UserIdAttribute"
	PropUserIDSearchFilter        = "UserIdSearchFilter"
	PropImmutableUserID           = "ImmutableUserIdAttribute"
	PropReadGroups                = "ReadGroups"
	PropWriteGroups               = "WriteGroups"
	PropGroupSearchBase           = "GroupSearchBase"
	PropGroupNameAttribute        = "GroupNameAttribute"
	PropGroupNameListFilter       = "GroupNameListFilter"
	PropGroupNameSearchFilter     = "GroupNameSearchFilter"
	PropGroupEntryObjectClass     = "GroupEntryObjectClass"
	PropRoleDNPattern             = "RoleDNPattern"
	PropMembershipAttribute       = "MembershipAttribute"
	PropMemberOfAttribute         = "MemberOfAttribute"
	PropMembershipAttributeRange  = "MembershipAttributeRange"
	PropPrimaryGroupID            = "PrimaryGroupId"
	PropSharedGroupSearchBase     = "SharedGroupSearchBase"
	PropSharedGroupNameAttribute  = "SharedGroupNameAttribute"
	PropSharedGroupNameListFilter = "SharedGroupNameListFilter"
	PropSharedTenantNameAttribute = "SharedTenantNameAttribute"
	PropSharedTenantObjectClass   = "SharedTenantObjectClass"
	PropEscapeUserLogin           = "ReplaceEscapeCharactersAtUserLogin"
	PropMultiAttributeSeparator   = "MultiAttributeSeparator"
	PropTransformGUIDToUUID       = "TransformObjectGUIDToUUID"
	PropMaxUserNameListLength     = "MaxUserNameListLength"
	PropMaxRoleNameListLength     = "MaxRoleNameListLength"
	PropMaxSearchTime             = "MaxSearchTime"
	PropUserDNCacheTTL            = "UserDNCacheTimeOut"
	PropUserDNCacheSize           = "UserDNCacheSize"
	PropDisplayNameAttribute      = "DisplayNameAttribute"
	PropDomainName                = "DomainName"
	PropCaseInsensitiveUsername   = "CaseInsensitiveUsername"
	PropIsActiveDirectory         = "IsActiveDirectory"
	PropUserAccountControl        = "UserAccountControl"
	PropIsADLDSRole               = "IsADLDSRole"
	PropTenantDomain              = "TenantDomain"
)

const (
	// baseListSeparator delimits multiple search bases and DN pattern
	// alternatives inside a single property value.
	baseListSeparator = "#"

	// dnPatternPlaceholder is substituted with the escaped username or role
	// name inside a DN pattern alternative.
	dnPatternPlaceholder = "{0}"

	// filterPlaceholder is substituted with the escaped username inside
	// UserNameSearchFilter and UserIdSearchFilter.
	filterPlaceholder = "?"

	// DefaultTenantDomain is the super tenant. Shared roles of the super
	// tenant resolve against the shared group base unmodified.
	DefaultTenantDomain = "super"

	defaultUserDNCacheSize = 1000

	// serviceAccountSurname flags directory entries that represent service
	// principals; ListUsers excludes them.
	serviceAccountSurname = "Service"

	// objectSidAttribute is the fixed AD attribute carrying the binary SID.
	objectSidAttribute = "objectSid"
)

// StoreConfig is the typed configuration of one directory user store,
// decoded from the realm-supplied property map. It is owned by the store and
// never mutated after construction except for the admin credential rotation
// in UpdateConnectionCredential.
type StoreConfig struct {
	ConnectionURL      string `mapstructure:"ConnectionURL"`
	ConnectionName     string `mapstructure:"ConnectionName"`
	ConnectionPassword string `mapstructure:"ConnectionPassword"`
	DNSURL             string `mapstructure:"DNSURL"`
	DNSDomainName      string `mapstructure:"DNSDomainName"`

	ReadOnly                 bool   `mapstructure:"ReadOnly"`
	ConnectionPoolingEnabled bool   `mapstructure:"ConnectionPoolingEnabled"`
	ConnectionTimeoutMillis  int    `mapstructure:"LDAPConnectionTimeout" default:"5000"`
	ReadTimeoutMillis        int    `mapstructure:"ReadTimeout" default:"5000"`
	Referral                 string `mapstructure:"Referral"`
	BinaryAttributes         string `mapstructure:"LDAPBinaryAttributes"`

	UserSearchBase       string `mapstructure:"UserSearchBase"`
	UserNameAttribute    string `mapstructure:"UserNameAttribute" default:"uid"`
	UserNameListFilter   string `mapstructure:"UserNameListFilter" default:"(objectClass=person)"`
	UserNameSearchFilter string `mapstructure:"UserNameSearchFilter"`
	UserDNPattern        string `mapstructure:"UserDNPattern"`
	UserEntryObjectClass string `mapstructure:"UserEntryObjectClass" default:"inetOrgPerson"`
	UserIDAttribute      string `mapstructure:"UserIdAttribute" default:"entryUUID"`
	UserIDSearchFilter   string `mapstructure:"UserIdSearchFilter"`
	ImmutableUserID      bool   `mapstructure:"ImmutableUserIdAttribute"`

	ReadGroups            bool   `mapstructure:"ReadGroups"`
	WriteGroups           bool   `mapstructure:"WriteGroups"`
	GroupSearchBase       string `mapstructure:"GroupSearchBase"`
	GroupNameAttribute    string `mapstructure:"GroupNameAttribute" default:"cn"`
	GroupNameListFilter   string `mapstructure:"GroupNameListFilter" default:"(objectClass=groupOfNames)"`
	GroupNameSearchFilter string `mapstructure:"GroupNameSearchFilter"`
	GroupEntryObjectClass string `mapstructure:"GroupEntryObjectClass" default:"groupOfNames"`
	RoleDNPattern         string `mapstructure:"RoleDNPattern"`

	MembershipAttribute      string `mapstructure:"MembershipAttribute" default:"member"`
	MemberOfAttribute        string `mapstructure:"MemberOfAttribute"`
	MembershipAttributeRange int    `mapstructure:"MembershipAttributeRange"`
	PrimaryGroupIDAttribute  string `mapstructure:"PrimaryGroupId"`

	SharedGroupSearchBase     string `mapstructure:"SharedGroupSearchBase"`
	SharedGroupNameAttribute  string `mapstructure:"SharedGroupNameAttribute" default:"cn"`
	SharedGroupNameListFilter string `mapstructure:"SharedGroupNameListFilter"`
	SharedTenantNameAttribute string `mapstructure:"SharedTenantNameAttribute" default:"ou"`
	SharedTenantObjectClass   string `mapstructure:"SharedTenantObjectClass" default:"organizationalUnit"`
	TenantDomain              string `mapstructure:"TenantDomain" default:"super"`

	EscapeUserLogin         bool   `mapstructure:"ReplaceEscapeCharactersAtUserLogin"`
	MultiAttributeSeparator string `mapstructure:"MultiAttributeSeparator" default:","`
	TransformGUIDToUUID     bool   `mapstructure:"TransformObjectGUIDToUUID"`
	MaxUserNameListLength   int    `mapstructure:"MaxUserNameListLength" default:"100"`
	MaxRoleNameListLength   int    `mapstructure:"MaxRoleNameListLength" default:"100"`
	MaxSearchTimeMillis     int    `mapstructure:"MaxSearchTime" default:"10000"`
	UserDNCacheTTLMillis    int64  `mapstructure:"UserDNCacheTimeOut" default:"300000"`
	UserDNCacheSize         int    `mapstructure:"UserDNCacheSize" default:"1000"`

	DisplayNameAttribute    string `mapstructure:"DisplayNameAttribute"`
	DomainName              string `mapstructure:"DomainName"`
	CaseInsensitiveUsername bool   `mapstructure:"CaseInsensitiveUsername"`

	IsActiveDirectory  bool   `mapstructure:"IsActiveDirectory"`
	UserAccountControl string `mapstructure:"UserAccountControl" default:"512"`
	IsADLDSRole        bool   `mapstructure:"IsADLDSRole"`
}

// NewStoreConfig decodes the realm-supplied property map into a validated
// StoreConfig. Defaults from the registry are merged in first, so only
// properties absent from the map fall back; registry may be nil, in which
// case the generic LDAP registry is used.
func NewStoreConfig(props map[string]string, registry *PropertyRegistry) (*StoreConfig, error) {
	if registry == nil {
		registry = GenericLDAPPropertyRegistry()
	}

	merged := registry.Defaults()
	for k, v := range props {
		merged[k] = v
	}

	cfg := &StoreConfig{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(merged); err != nil {
		return nil, NewConfigError("", err.Error())
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, NewConfigError("", err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every property mandatory for the selected mode is
// present. Missing mandatory configuration is fatal at construction.
func (c *StoreConfig) Validate() error {
	if c.ConnectionURL == "" && c.DNSURL == "" {
		return NewConfigError(PropConnectionURL, "either a connection URL or a DNS URL must be configured")
	}
	if c.DNSURL != "" && c.DNSDomainName == "" {
		return NewConfigError(PropDNSDomainName, "DNS discovery is enabled, but the DNS domain name is not provided")
	}
	if c.UserSearchBase == "" && c.UserDNPattern == "" {
		return NewConfigError(PropUserSearchBase, "a user search base or user DN pattern is required")
	}
	if c.UserNameAttribute == "" {
		return NewConfigError(PropUserNameAttribute, "user name attribute is required")
	}
	if c.UserNameListFilter == "" {
		return NewConfigError(PropUserNameListFilter, "user list filter is required")
	}
	if c.ReadGroups && c.GroupSearchBase == "" {
		return NewConfigError(PropGroupSearchBase, "group search base is required when ReadGroups is enabled")
	}
	if c.WriteGroups && !c.ReadOnly && c.GroupSearchBase == "" {
		return NewConfigError(PropGroupSearchBase, "group search base is required when WriteGroups is enabled")
	}
	if c.MembershipAttributeRange < 0 {
		return NewConfigError(PropMembershipAttributeRange, "membership attribute range cannot be negative")
	}
	switch c.Referral {
	case "", "follow", "ignore", "throw":
	default:
		return NewConfigError(PropReferral, "referral policy must be one of follow, ignore, throw")
	}
	if c.ConnectionTimeoutMillis <= 0 {
		return NewConfigError(PropConnectionTimeout, "connection timeout must be positive")
	}
	return nil
}

// UserSearchBases returns the ordered list of user search bases.
func (c *StoreConfig) UserSearchBases() []string {
	return splitBaseList(c.UserSearchBase)
}

// GroupSearchBases returns the ordered list of group search bases.
func (c *StoreConfig) GroupSearchBases() []string {
	return splitBaseList(c.GroupSearchBase)
}

// UserDNPatterns returns the ordered DN pattern alternatives, each containing
// a {0} placeholder for the username.
func (c *StoreConfig) UserDNPatterns() []string {
	return splitBaseList(c.UserDNPattern)
}

// RoleDNPatterns returns the ordered role DN pattern alternatives.
func (c *StoreConfig) RoleDNPatterns() []string {
	return splitBaseList(c.RoleDNPattern)
}

// BinaryAttributeNames returns the configured binary attribute list. The
// user ID attribute of an Active Directory store is implicitly binary.
func (c *StoreConfig) BinaryAttributeNames() []string {
	names := splitList(c.BinaryAttributes, ",")
	if c.IsActiveDirectory {
		names = append(names, "objectGUID", objectSidAttribute)
	}
	return names
}

// IgnoreReferralErrors reports whether partial results caused by referral
// chasing should be kept instead of aborting an enumeration.
func (c *StoreConfig) IgnoreReferralErrors() bool {
	return c.Referral == "ignore"
}

// NormalizeUsername folds the username for comparisons and cache keys when
// the store compares case-insensitively. The original case is preserved in
// returned identities.
func (c *StoreConfig) NormalizeUsername(username string) string {
	if c.CaseInsensitiveUsername {
		return strings.ToLower(username)
	}
	return username
}

// splitBaseList splits a '#'-delimited property value into its non-empty,
// trimmed parts.
func splitBaseList(s string) []string {
	return splitList(s, baseListSeparator)
}

func splitList(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// substitutePattern fills the {0} placeholder of a DN pattern alternative.
func substitutePattern(pattern, value string) string {
	return strings.ReplaceAll(strings.TrimSpace(pattern), dnPatternPlaceholder, value)
}
