package userstore

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// RoleContext is a role name resolved against the store's tenancy settings.
// A role named "admin@tenantA" is a shared role living under the shared group
// tree, scoped to the tenant's organizational unit; a plain name is a local
// role under the regular group bases.
type RoleContext struct {
	// Name is the bare role name, without any tenant suffix.
	Name string
	// Tenant is the owning tenant of a shared role, empty for local roles.
	Tenant string
	// Shared reports whether the role lives under the shared group tree.
	Shared bool
	// SearchBases are the bases the role entry may live under.
	SearchBases []string
	// NameAttribute is the attribute carrying the role name.
	NameAttribute string
	// ListFilter is the objectClass filter for role entries.
	ListFilter string
}

// newRoleContext parses a possibly tenant-qualified role name.
func newRoleContext(cfg *StoreConfig, roleName string) RoleContext {
	name := roleName
	tenant := ""
	if i := strings.LastIndex(roleName, "@"); i > 0 {
		name, tenant = roleName[:i], roleName[i+1:]
	}

	if tenant != "" && cfg.SharedGroupSearchBase != "" {
		base := cfg.SharedGroupSearchBase
		if !strings.EqualFold(tenant, DefaultTenantDomain) {
			base = fmt.Sprintf("%s=%s,%s", cfg.SharedTenantNameAttribute, EscapeDN(tenant, DirectBind), cfg.SharedGroupSearchBase)
		}

		listFilter := cfg.SharedGroupNameListFilter
		if listFilter == "" {
			listFilter = cfg.GroupNameListFilter
		}

		return RoleContext{
			Name:          name,
			Tenant:        tenant,
			Shared:        true,
			SearchBases:   []string{base},
			NameAttribute: cfg.SharedGroupNameAttribute,
			ListFilter:    listFilter,
		}
	}

	return RoleContext{
		Name:          name,
		SearchBases:   cfg.GroupSearchBases(),
		NameAttribute: cfg.GroupNameAttribute,
		ListFilter:    cfg.GroupNameListFilter,
	}
}

// QualifiedName renders the role name as callers passed it in.
func (rc RoleContext) QualifiedName() string {
	if rc.Shared {
		return rc.Name + "@" + rc.Tenant
	}
	return rc.Name
}

// roleManager implements the group-side reads of the store.
type roleManager struct {
	cfg      *StoreConfig
	resolver *resolver
	logger   *slog.Logger
}

func newRoleManager(cfg *StoreConfig, resolver *resolver, logger *slog.Logger) *roleManager {
	return &roleManager{cfg: cfg, resolver: resolver, logger: logger}
}

// resolveRoleDN finds the entry of a role. Configured role DN patterns are
// probed first; otherwise the role's search bases are searched by name. More
// than one match is a hard error.
func (rm *roleManager) resolveRoleDN(conn DirectoryConn, rc RoleContext) (string, error) {
	if !rc.Shared {
		if patterns := rm.cfg.RoleDNPatterns(); len(patterns) > 0 {
			escaped := EscapeDN(rc.Name, SearchBind)
			filter := fmt.Sprintf("(%s=%s)", rc.NameAttribute, EscapeFilterValue(rc.Name))
			for _, pattern := range patterns {
				res := rm.resolver.probeOne(conn, substitutePattern(pattern, escaped), filter)
				switch res.outcome {
				case probeHit:
					return res.dn, nil
				case probeFailed:
					return "", res.err
				}
			}
		}
	}

	filter := andFilter([]string{
		rc.ListFilter,
		fmt.Sprintf("(%s=%s)", rc.NameAttribute, EscapeFilterValue(rc.Name)),
	})

	var matches []string
	for _, base := range rc.SearchBases {
		req := ldap.NewSearchRequest(
			base,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			0,
			rm.cfg.MaxSearchTimeMillis/1000,
			false,
			filter,
			[]string{rc.NameAttribute},
			nil,
		)

		result, err := conn.Search(req)
		if err != nil {
			if IsNotFoundError(err) {
				continue
			}
			return "", NewStoreError("ResolveRole", rm.cfg.ConnectionURL, err)
		}
		for _, entry := range result.Entries {
			matches = append(matches, entry.DN)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrRoleNotFound, rc.QualifiedName())
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: role %q", ErrAmbiguousEntry, rc.QualifiedName())
	}
}

// RoleExists reports whether the role entry exists.
func (rm *roleManager) RoleExists(conn DirectoryConn, roleName string) (bool, error) {
	_, err := rm.resolveRoleDN(conn, newRoleContext(rm.cfg, roleName))
	if err != nil {
		if IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RoleNames lists role names matching the wildcard pattern, local roles
// first, then shared roles qualified with their tenant. A '*' pattern lists
// everything up to the configured maximum.
func (rm *roleManager) RoleNames(conn DirectoryConn, pattern string, maxItems int) ([]string, error) {
	if maxItems <= 0 || maxItems > rm.cfg.MaxRoleNameListLength {
		maxItems = rm.cfg.MaxRoleNameListLength
	}

	filter := andFilter([]string{
		rm.cfg.GroupNameListFilter,
		fmt.Sprintf("(%s=%s)", rm.cfg.GroupNameAttribute, EscapeFilterWildcard(pattern)),
	})

	names, err := rm.collectRoleNames(conn, rm.cfg.GroupSearchBases(), filter, rm.cfg.GroupNameAttribute, maxItems, "")
	if err != nil {
		return nil, err
	}

	if rm.cfg.SharedGroupSearchBase != "" && len(names) < maxItems {
		shared, err := rm.sharedRoleNames(conn, pattern, maxItems-len(names))
		if err != nil {
			return nil, err
		}
		names = append(names, shared...)
	}

	return names, nil
}

func (rm *roleManager) sharedRoleNames(conn DirectoryConn, pattern string, maxItems int) ([]string, error) {
	listFilter := rm.cfg.SharedGroupNameListFilter
	if listFilter == "" {
		listFilter = rm.cfg.GroupNameListFilter
	}

	filter := andFilter([]string{
		listFilter,
		fmt.Sprintf("(%s=%s)", rm.cfg.SharedGroupNameAttribute, EscapeFilterWildcard(pattern)),
	})

	req := ldap.NewSearchRequest(
		rm.cfg.SharedGroupSearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		maxItems,
		rm.cfg.MaxSearchTimeMillis/1000,
		false,
		filter,
		[]string{rm.cfg.SharedGroupNameAttribute},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, nil
		}
		return nil, NewStoreError("RoleNames", rm.cfg.ConnectionURL, err)
	}

	names := make([]string, 0, len(result.Entries))
	for _, entry := range result.Entries {
		name := entry.GetAttributeValue(rm.cfg.SharedGroupNameAttribute)
		if name == "" {
			continue
		}
		tenant := rm.tenantOfSharedEntry(entry.DN)
		names = append(names, name+"@"+tenant)
	}
	return names, nil
}

// tenantOfSharedEntry extracts the tenant domain from a shared group's DN,
// the value of the tenant naming attribute in its parent RDN. Groups sitting
// directly under the shared base belong to the default tenant; their parent
// RDN is the shared base's own first component, not a tenant container.
func (rm *roleManager) tenantOfSharedEntry(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return DefaultTenantDomain
	}

	baseDepth := 0
	if base, err := ldap.ParseDN(rm.cfg.SharedGroupSearchBase); err == nil {
		baseDepth = len(base.RDNs)
	}
	if len(parsed.RDNs) <= baseDepth+1 {
		return DefaultTenantDomain
	}

	for _, av := range parsed.RDNs[1].Attributes {
		if strings.EqualFold(av.Type, rm.cfg.SharedTenantNameAttribute) {
			return av.Value
		}
	}
	return DefaultTenantDomain
}

func (rm *roleManager) collectRoleNames(conn DirectoryConn, bases []string, filter, nameAttr string, maxItems int, suffix string) ([]string, error) {
	var names []string
	for _, base := range bases {
		if len(names) >= maxItems {
			break
		}

		req := ldap.NewSearchRequest(
			base,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			maxItems-len(names),
			rm.cfg.MaxSearchTimeMillis/1000,
			false,
			filter,
			[]string{nameAttr},
			nil,
		)

		result, err := conn.Search(req)
		if err != nil {
			if IsNotFoundError(err) || ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
				continue
			}
			if isPartialResultError(err) && rm.cfg.IgnoreReferralErrors() {
				rm.logger.Debug("referral_partial_result_ignored", slog.String("base", base))
				continue
			}
			return nil, NewStoreError("RoleNames", rm.cfg.ConnectionURL, err)
		}

		for _, entry := range result.Entries {
			if name := entry.GetAttributeValue(nameAttr); name != "" {
				names = append(names, name+suffix)
			}
		}
	}
	return names, nil
}

// RolesOfUser returns the role names the user belongs to. With a memberOf
// attribute configured the list comes straight off the user entry; otherwise
// the group tree is searched for entries whose membership attribute holds the
// user's DN. On Active Directory the primary group is additionally derived
// from the user's SID and primaryGroupID.
func (rm *roleManager) RolesOfUser(conn DirectoryConn, userDN string) ([]string, error) {
	var names []string
	var err error

	if rm.cfg.MemberOfAttribute != "" {
		names, err = rm.rolesViaMemberOf(conn, userDN)
	} else {
		names, err = rm.rolesViaMembershipSearch(conn, userDN)
	}
	if err != nil {
		return nil, err
	}

	if rm.cfg.PrimaryGroupIDAttribute != "" {
		if primary := rm.primaryGroupName(conn, userDN); primary != "" {
			names = append(names, primary)
		}
	}

	return names, nil
}

func (rm *roleManager) rolesViaMemberOf(conn DirectoryConn, userDN string) ([]string, error) {
	groupDNs, err := fetchRangedValues(conn, userDN, rm.cfg.MemberOfAttribute, rm.cfg.MembershipAttributeRange, rm.cfg.MaxSearchTimeMillis/1000)
	if err != nil {
		return nil, NewStoreError("GetRoleListOfUser", rm.cfg.ConnectionURL, err).WithDN(userDN)
	}

	names := make([]string, 0, len(groupDNs))
	for _, groupDN := range groupDNs {
		if name := firstRDNValue(groupDN, rm.cfg.GroupNameAttribute); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (rm *roleManager) rolesViaMembershipSearch(conn DirectoryConn, userDN string) ([]string, error) {
	filter := andFilter([]string{
		rm.cfg.GroupNameListFilter,
		fmt.Sprintf("(%s=%s)", rm.cfg.MembershipAttribute, EscapeFilterValue(userDN)),
	})
	return rm.collectRoleNames(conn, rm.cfg.GroupSearchBases(), filter, rm.cfg.GroupNameAttribute, rm.cfg.MaxRoleNameListLength, "")
}

// primaryGroupName resolves the AD primary group, which is never listed in
// memberOf. An unresolvable primary group is omitted rather than failing the
// whole listing.
func (rm *roleManager) primaryGroupName(conn DirectoryConn, userDN string) string {
	req := ldap.NewSearchRequest(
		userDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		rm.cfg.MaxSearchTimeMillis/1000,
		false,
		"(objectClass=*)",
		[]string{objectSidAttribute, rm.cfg.PrimaryGroupIDAttribute},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil || len(result.Entries) == 0 {
		rm.logger.Debug("primary_group_user_read_failed", slog.String("dn", userDN))
		return ""
	}

	entry := result.Entries[0]
	sidBytes := entry.GetRawAttributeValue(objectSidAttribute)
	rid := entry.GetAttributeValue(rm.cfg.PrimaryGroupIDAttribute)
	if len(sidBytes) == 0 || rid == "" {
		return ""
	}

	groupSID, err := PrimaryGroupSID(sidBytes, rid)
	if err != nil {
		rm.logger.Debug("primary_group_sid_composition_failed",
			slog.String("dn", userDN),
			slog.String("error", err.Error()))
		return ""
	}

	filter := fmt.Sprintf("(%s=%s)", objectSidAttribute, EscapeFilterValue(groupSID))
	for _, base := range rm.cfg.GroupSearchBases() {
		groupReq := ldap.NewSearchRequest(
			base,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			1,
			rm.cfg.MaxSearchTimeMillis/1000,
			false,
			filter,
			[]string{rm.cfg.GroupNameAttribute},
			nil,
		)

		groupRes, err := conn.Search(groupReq)
		if err != nil || len(groupRes.Entries) == 0 {
			continue
		}
		return groupRes.Entries[0].GetAttributeValue(rm.cfg.GroupNameAttribute)
	}

	rm.logger.Debug("primary_group_unresolved",
		slog.String("dn", userDN),
		slog.String("group_sid", groupSID))
	return ""
}

// UsersOfRole returns the usernames of a role's members, following ranged
// retrieval for large groups. Member DNs whose RDN is not the username
// attribute are read back from the directory to recover the username.
func (rm *roleManager) UsersOfRole(conn DirectoryConn, roleName string) ([]string, error) {
	rc := newRoleContext(rm.cfg, roleName)
	roleDN, err := rm.resolveRoleDN(conn, rc)
	if err != nil {
		return nil, err
	}

	memberDNs, err := fetchRangedValues(conn, roleDN, rm.cfg.MembershipAttribute, rm.cfg.MembershipAttributeRange, rm.cfg.MaxSearchTimeMillis/1000)
	if err != nil {
		return nil, NewStoreError("GetUserListOfRole", rm.cfg.ConnectionURL, err).WithDN(roleDN)
	}

	usernames := make([]string, 0, len(memberDNs))
	for _, memberDN := range memberDNs {
		if name := firstRDNValue(memberDN, rm.cfg.UserNameAttribute); name != "" {
			usernames = append(usernames, name)
			continue
		}

		name, err := rm.usernameOfEntry(conn, memberDN)
		if err != nil {
			rm.logger.Debug("role_member_unresolved",
				slog.String("member_dn", memberDN),
				slog.String("role", roleName))
			continue
		}
		if name != "" {
			usernames = append(usernames, name)
		}
	}

	return usernames, nil
}

func (rm *roleManager) usernameOfEntry(conn DirectoryConn, dn string) (string, error) {
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		rm.cfg.MaxSearchTimeMillis/1000,
		false,
		"(objectClass=*)",
		[]string{rm.cfg.UserNameAttribute},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return "", err
	}
	if len(result.Entries) == 0 {
		return "", nil
	}
	return result.Entries[0].GetAttributeValue(rm.cfg.UserNameAttribute), nil
}

// IsUserInRole reports membership without listing the whole group.
func (rm *roleManager) IsUserInRole(conn DirectoryConn, userDN, roleName string) (bool, error) {
	roles, err := rm.RolesOfUser(conn, userDN)
	if err != nil {
		return false, err
	}

	rc := newRoleContext(rm.cfg, roleName)
	for _, r := range roles {
		if strings.EqualFold(r, rc.Name) || strings.EqualFold(r, rc.QualifiedName()) {
			return true, nil
		}
	}
	return false, nil
}

// firstRDNValue returns the value of the leading RDN when its attribute type
// matches, with DN escaping removed.
func firstRDNValue(dn, attribute string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return ""
	}

	av := parsed.RDNs[0].Attributes[0]
	if !strings.EqualFold(av.Type, attribute) {
		return ""
	}
	return av.Value
}
