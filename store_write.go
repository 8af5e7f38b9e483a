package userstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

func (s *Store) checkWritable() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if s.cfg.ReadOnly {
		return ErrReadOnlyStore
	}
	return nil
}

func (s *Store) checkGroupWritable() error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if !s.cfg.WriteGroups {
		return ErrWriteGroupsDisabled
	}
	return nil
}

// newUserDN composes the DN for a new user under the first user search base.
func (s *Store) newUserDN(username string) string {
	base := s.cfg.UserSearchBases()[0]
	rdn := escapeDNIfEnabled(s.cfg.EscapeUserLogin, username, DirectBind)
	return fmt.Sprintf("%s=%s,%s", s.cfg.UserNameAttribute, rdn, base)
}

func (s *Store) newRoleDN(rc RoleContext) string {
	base := rc.SearchBases[0]
	return fmt.Sprintf("%s=%s,%s", rc.NameAttribute, EscapeDN(rc.Name, DirectBind), base)
}

// AddUser creates a user entry, sets its password according to the dialect,
// and assigns the initial roles. On Active Directory the entry is created
// disabled and enabled only once the password has been accepted; a rejected
// password therefore never leaves a usable account behind.
func (s *Store) AddUser(ctx context.Context, username, password string, roleNames []string, claims map[string]string) (Identity, error) {
	if err := s.checkWritable(); err != nil {
		return Identity{}, err
	}
	if username == "" {
		return Identity{}, NewConfigError(PropUserNameAttribute, "username cannot be empty")
	}
	if password == "" {
		return Identity{}, fmt.Errorf("%w: empty password", ErrInvalidCredentials)
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return Identity{}, err
	}
	defer conn.Close()

	if _, err := s.users.ResolveIdentity(ctx, conn, username); err == nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrUserExists, username)
	} else if !errors.Is(err, ErrUserNotFound) {
		return Identity{}, err
	}

	creationClaims := make(map[string]string, len(claims)+1)
	for k, v := range claims {
		creationClaims[k] = v
	}

	generatedID := s.keys.GenerateID(s.cfg)
	if generatedID != "" {
		creationClaims[s.cfg.UserIDAttribute] = generatedID
	}

	dn := s.newUserDN(username)
	attrs, err := s.dialect.CreationAttributes(s.cfg, username, password, creationClaims)
	if err != nil {
		return Identity{}, err
	}

	addReq := ldap.NewAddRequest(dn, nil)
	for _, attr := range attrs {
		addReq.Attribute(attr.Type, attr.Vals)
	}

	if err := conn.Add(addReq); err != nil {
		return Identity{}, NewStoreError("AddUser", s.cfg.ConnectionURL, err).WithDN(dn)
	}

	post, err := s.dialect.PostCreateChanges(s.cfg, dn, password)
	if err == nil {
		for _, req := range post {
			if err = conn.Modify(req); err != nil {
				break
			}
		}
	}
	if err != nil {
		// The entry exists but never became usable; remove it so the add is
		// atomic from the caller's point of view.
		if delErr := conn.Del(ldap.NewDelRequest(dn, nil)); delErr != nil {
			s.logger.Warn("add_user_rollback_failed",
				slog.String("dn", dn),
				slog.String("error", delErr.Error()))
		}
		return Identity{}, NewStoreError("AddUser", s.cfg.ConnectionURL, err).WithDN(dn)
	}

	for _, roleName := range roleNames {
		if err := s.addMemberToRole(conn, roleName, dn); err != nil {
			return Identity{}, err
		}
	}

	s.cache.Put(s.cfg.NormalizeUsername(username), dn)
	s.logger.Info("user_added",
		slog.String("username", username),
		slog.String("dn", dn))

	identity := s.identityAfterBind(conn, dn, username)
	if generatedID != "" {
		identity.ID = generatedID
	}
	return identity, nil
}

// DeleteUser removes a user entry after detaching it from every group that
// lists it.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	dn, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		return err
	}

	if s.cfg.WriteGroups {
		if err := s.removeMemberEverywhere(conn, dn); err != nil {
			return err
		}
	}

	if err := conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return NewStoreError("DeleteUser", s.cfg.ConnectionURL, err).WithDN(dn)
	}

	s.cache.Invalidate(s.cfg.NormalizeUsername(username))
	s.logger.Info("user_deleted",
		slog.String("username", username),
		slog.String("dn", dn))
	return nil
}

// UpdateCredential changes a user's password after verifying the old one by
// binding as the user.
func (s *Store) UpdateCredential(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	dn, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		return err
	}

	userConn, err := s.conns.ConnectWithCredentials(ctx, dn, oldPassword)
	if err != nil {
		return err
	}
	userConn.Close()

	return s.replaceCredential(conn, dn, username, newPassword)
}

// UpdateCredentialByAdmin changes a user's password without the old one.
func (s *Store) UpdateCredentialByAdmin(ctx context.Context, username, newPassword string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	dn, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		return err
	}
	return s.replaceCredential(conn, dn, username, newPassword)
}

func (s *Store) replaceCredential(conn DirectoryConn, dn, username, newPassword string) error {
	req, err := s.dialect.CredentialChangeRequest(dn, newPassword)
	if err != nil {
		return err
	}
	if err := conn.Modify(req); err != nil {
		return &AttributeError{Attribute: s.dialect.PasswordAttribute(), DN: dn, Err: err}
	}

	// Rotating the store's own bind account must be reflected in future
	// connections or every following operation fails to bind.
	if strings.EqualFold(dn, s.cfg.ConnectionName) {
		s.conns.UpdateCredential(newPassword)
	}

	s.logger.Info("credential_updated",
		slog.String("username", username),
		slog.String("dn", dn))
	return nil
}

// SetUserClaimValues writes attribute values on a user entry. An empty value
// deletes the attribute. A change to the attribute naming the entry's RDN is
// applied as a rename, ordered after all plain modifications so a failing
// modify never leaves a renamed but half-updated entry; the rename drops the
// user's cached DN.
func (s *Store) SetUserClaimValues(ctx context.Context, username string, claims map[string]string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if len(claims) == 0 {
		return nil
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	dn, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		return err
	}

	rdnAttr := rdnAttributeOf(dn)
	var newRDNValue string
	modReq := ldap.NewModifyRequest(dn, nil)
	pending := 0

	for attr, value := range claims {
		if s.isImmutableAttribute(attr) {
			return &AttributeError{Attribute: attr, DN: dn, Err: fmt.Errorf("attribute is directory-owned")}
		}

		if strings.EqualFold(attr, rdnAttr) {
			newRDNValue = value
			continue
		}

		if value == "" {
			modReq.Replace(attr, nil)
		} else {
			modReq.Replace(attr, []string{value})
		}
		pending++
	}

	if pending > 0 {
		if err := conn.Modify(modReq); err != nil {
			return NewStoreError("SetUserClaimValues", s.cfg.ConnectionURL, err).WithDN(dn)
		}
	}

	if newRDNValue != "" {
		newRDN := fmt.Sprintf("%s=%s", rdnAttr, EscapeDN(newRDNValue, DirectBind))
		renameReq := ldap.NewModifyDNRequest(dn, newRDN, true, "")
		if err := conn.ModifyDN(renameReq); err != nil {
			return NewStoreError("SetUserClaimValues", s.cfg.ConnectionURL, err).WithDN(dn)
		}
		s.cache.InvalidateOnRename(s.cfg.NormalizeUsername(username))
	} else if _, renamed := claims[s.cfg.UserNameAttribute]; renamed {
		s.cache.InvalidateOnAttributeChange(s.cfg.NormalizeUsername(username))
	}

	return nil
}

// SetUserClaimValue writes a single attribute value on a user entry.
func (s *Store) SetUserClaimValue(ctx context.Context, username, attribute, value string) error {
	return s.SetUserClaimValues(ctx, username, map[string]string{attribute: value})
}

// DeleteUserClaimValues removes the given attributes from a user entry.
func (s *Store) DeleteUserClaimValues(ctx context.Context, username string, attributes []string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if len(attributes) == 0 {
		return nil
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	dn, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		return err
	}

	req := ldap.NewModifyRequest(dn, nil)
	for _, attr := range attributes {
		if s.isImmutableAttribute(attr) {
			return &AttributeError{Attribute: attr, DN: dn, Err: fmt.Errorf("attribute is directory-owned")}
		}
		req.Replace(attr, nil)
	}

	if err := conn.Modify(req); err != nil {
		return NewStoreError("DeleteUserClaimValues", s.cfg.ConnectionURL, err).WithDN(dn)
	}
	return nil
}

func (s *Store) isImmutableAttribute(attr string) bool {
	lower := strings.ToLower(attr)
	for _, immutable := range s.dialect.ImmutableAttributes() {
		if lower == immutable {
			return true
		}
	}
	return s.cfg.ImmutableUserID && strings.EqualFold(attr, s.cfg.UserIDAttribute)
}

// AddRole creates a group entry with the given members.
func (s *Store) AddRole(ctx context.Context, roleName string, usernames []string) error {
	if err := s.checkGroupWritable(); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	rc := newRoleContext(s.cfg, roleName)
	if _, err := s.roles.resolveRoleDN(conn, rc); err == nil {
		return fmt.Errorf("%w: %q", ErrRoleExists, roleName)
	} else if !errors.Is(err, ErrRoleNotFound) {
		return err
	}

	memberDNs := make([]string, 0, len(usernames))
	for _, username := range usernames {
		dn, err := s.users.ResolveDN(ctx, conn, username)
		if err != nil {
			return err
		}
		memberDNs = append(memberDNs, dn)
	}

	dn := s.newRoleDN(rc)
	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", objectClassValues(s.cfg.GroupEntryObjectClass))
	req.Attribute(rc.NameAttribute, []string{rc.Name})
	if len(memberDNs) > 0 {
		req.Attribute(s.cfg.MembershipAttribute, memberDNs)
	}

	if err := conn.Add(req); err != nil {
		return NewStoreError("AddRole", s.cfg.ConnectionURL, err).WithDN(dn)
	}

	s.logger.Info("role_added",
		slog.String("role", roleName),
		slog.Int("member_count", len(memberDNs)))
	return nil
}

// DeleteRole removes a group entry.
func (s *Store) DeleteRole(ctx context.Context, roleName string) error {
	if err := s.checkGroupWritable(); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	dn, err := s.roles.resolveRoleDN(conn, newRoleContext(s.cfg, roleName))
	if err != nil {
		return err
	}

	if err := conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return NewStoreError("DeleteRole", s.cfg.ConnectionURL, err).WithDN(dn)
	}

	s.logger.Info("role_deleted", slog.String("role", roleName))
	return nil
}

// UpdateRoleName renames a group entry in place.
func (s *Store) UpdateRoleName(ctx context.Context, roleName, newRoleName string) error {
	if err := s.checkGroupWritable(); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	rc := newRoleContext(s.cfg, roleName)
	dn, err := s.roles.resolveRoleDN(conn, rc)
	if err != nil {
		return err
	}

	newRC := newRoleContext(s.cfg, newRoleName)
	if _, err := s.roles.resolveRoleDN(conn, newRC); err == nil {
		return fmt.Errorf("%w: %q", ErrRoleExists, newRoleName)
	} else if !errors.Is(err, ErrRoleNotFound) {
		return err
	}

	newRDN := fmt.Sprintf("%s=%s", rc.NameAttribute, EscapeDN(newRC.Name, DirectBind))
	req := ldap.NewModifyDNRequest(dn, newRDN, true, "")
	if err := conn.ModifyDN(req); err != nil {
		return NewStoreError("UpdateRoleName", s.cfg.ConnectionURL, err).WithDN(dn)
	}

	s.logger.Info("role_renamed",
		slog.String("role", roleName),
		slog.String("new_role", newRoleName))
	return nil
}

// UpdateUserListOfRole removes and adds members of a role.
func (s *Store) UpdateUserListOfRole(ctx context.Context, roleName string, removed, added []string) error {
	if err := s.checkGroupWritable(); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	roleDN, err := s.roles.resolveRoleDN(conn, newRoleContext(s.cfg, roleName))
	if err != nil {
		return err
	}

	for _, username := range removed {
		dn, err := s.users.ResolveDN(ctx, conn, username)
		if err != nil {
			return err
		}
		if err := s.modifyMembership(conn, roleDN, dn, false); err != nil {
			return err
		}
	}
	for _, username := range added {
		dn, err := s.users.ResolveDN(ctx, conn, username)
		if err != nil {
			return err
		}
		if err := s.modifyMembership(conn, roleDN, dn, true); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRoleListOfUser removes and adds the roles one user belongs to.
func (s *Store) UpdateRoleListOfUser(ctx context.Context, username string, removed, added []string) error {
	if err := s.checkGroupWritable(); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	userDN, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		return err
	}

	for _, roleName := range removed {
		roleDN, err := s.roles.resolveRoleDN(conn, newRoleContext(s.cfg, roleName))
		if err != nil {
			return err
		}
		if err := s.modifyMembership(conn, roleDN, userDN, false); err != nil {
			return err
		}
	}
	for _, roleName := range added {
		if err := s.addMemberToRole(conn, roleName, userDN); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addMemberToRole(conn DirectoryConn, roleName, userDN string) error {
	roleDN, err := s.roles.resolveRoleDN(conn, newRoleContext(s.cfg, roleName))
	if err != nil {
		return err
	}
	return s.modifyMembership(conn, roleDN, userDN, true)
}

func (s *Store) modifyMembership(conn DirectoryConn, roleDN, userDN string, add bool) error {
	req := ldap.NewModifyRequest(roleDN, nil)
	if add {
		req.Add(s.cfg.MembershipAttribute, []string{userDN})
	} else {
		req.Delete(s.cfg.MembershipAttribute, []string{userDN})
	}

	if err := conn.Modify(req); err != nil {
		// Adding an existing member or removing an absent one is idempotent.
		if ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) ||
			ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) {
			return nil
		}
		return NewStoreError("UpdateMembership", s.cfg.ConnectionURL, err).WithDN(roleDN)
	}
	return nil
}

// removeMemberEverywhere detaches a user DN from every group listing it.
func (s *Store) removeMemberEverywhere(conn DirectoryConn, userDN string) error {
	filter := andFilter([]string{
		s.cfg.GroupNameListFilter,
		fmt.Sprintf("(%s=%s)", s.cfg.MembershipAttribute, EscapeFilterValue(userDN)),
	})

	for _, base := range s.cfg.GroupSearchBases() {
		req := ldap.NewSearchRequest(
			base,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			0,
			s.cfg.MaxSearchTimeMillis/1000,
			false,
			filter,
			[]string{s.cfg.GroupNameAttribute},
			nil,
		)

		result, err := conn.Search(req)
		if err != nil {
			if IsNotFoundError(err) {
				continue
			}
			return NewStoreError("DeleteUser", s.cfg.ConnectionURL, err)
		}

		for _, entry := range result.Entries {
			if err := s.modifyMembership(conn, entry.DN, userDN, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// rdnAttributeOf returns the attribute type naming the entry, e.g. "cn" for
// a cn=...-led DN.
func rdnAttributeOf(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return ""
	}
	return parsed.RDNs[0].Attributes[0].Type
}
