package userstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Store is a directory-backed identity store. It resolves, authenticates and
// enumerates users and roles against an LDAP or Active Directory server.
//
// A Store is safe for concurrent use. Every operation opens a short-lived
// directory connection; the username-to-DN cache is the only shared mutable
// state.
type Store struct {
	cfg     *StoreConfig
	conns   *ConnectionContext
	cache   *IdentityCache
	dialect SchemaDialect
	keys    IdentityKeyStrategy
	users   *resolver
	roles   *roleManager
	logger  *slog.Logger

	closed atomic.Bool
}

type storeOptions struct {
	logger   *slog.Logger
	dialer   Dialer
	dialect  SchemaDialect
	keys     IdentityKeyStrategy
	registry *PropertyRegistry
}

// Option configures optional store behavior.
type Option func(*storeOptions)

// WithLogger sets the structured logger; slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) { o.logger = logger }
}

// WithDialer replaces the connection dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(o *storeOptions) { o.dialer = d }
}

// WithDialect overrides the schema dialect selected from the configuration.
func WithDialect(d SchemaDialect) Option {
	return func(o *storeOptions) { o.dialect = d }
}

// WithKeyStrategy overrides the identity key strategy selected from the
// configuration.
func WithKeyStrategy(s IdentityKeyStrategy) Option {
	return func(o *storeOptions) { o.keys = s }
}

// WithPropertyRegistry overrides the registry supplying property defaults.
func WithPropertyRegistry(r *PropertyRegistry) Option {
	return func(o *storeOptions) { o.registry = r }
}

// NewStore builds a store from a realm-supplied property map. Configuration
// problems and a failing domain controller discovery are fatal here.
func NewStore(ctx context.Context, props map[string]string, opts ...Option) (*Store, error) {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.registry == nil {
		if isTruthy(props[PropIsActiveDirectory]) {
			o.registry = ActiveDirectoryPropertyRegistry()
		} else {
			o.registry = GenericLDAPPropertyRegistry()
		}
	}

	cfg, err := NewStoreConfig(props, o.registry)
	if err != nil {
		return nil, err
	}
	return NewStoreFromConfig(ctx, cfg, opts...)
}

// NewStoreFromConfig builds a store from an already validated configuration.
func NewStoreFromConfig(ctx context.Context, cfg *StoreConfig, opts ...Option) (*Store, error) {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger
	if cfg.DomainName != "" {
		logger = logger.With(slog.String("user_store", cfg.DomainName))
	}

	conns, err := NewConnectionContext(ctx, cfg, o.dialer, logger)
	if err != nil {
		return nil, err
	}

	if o.dialect == nil {
		o.dialect = SelectDialect(cfg)
	}
	if o.keys == nil {
		o.keys = SelectKeyStrategy(cfg)
	}

	cache := NewIdentityCache(cfg.UserDNCacheSize, cfg.UserDNCacheTTLMillis, logger)
	users := newResolver(cfg, conns, cache, o.keys, logger)

	s := &Store{
		cfg:     cfg,
		conns:   conns,
		cache:   cache,
		dialect: o.dialect,
		keys:    o.keys,
		users:   users,
		roles:   newRoleManager(cfg, users, logger),
		logger:  logger,
	}

	logger.Info("user_store_initialized",
		slog.String("dialect", o.dialect.Name()),
		slog.String("key_strategy", o.keys.Name()),
		slog.Bool("read_only", cfg.ReadOnly))

	return s, nil
}

// Config returns the store's configuration.
func (s *Store) Config() *StoreConfig { return s.cfg }

// CacheStats returns the DN cache counters.
func (s *Store) CacheStats() CacheStats { return s.cache.Stats() }

// Close marks the store closed. Subsequent operations fail with
// ErrStoreClosed; Close is idempotent.
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cache.Clear()
		s.logger.Info("user_store_closed")
	}
	return nil
}

func (s *Store) connect(ctx context.Context) (DirectoryConn, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.conns.Connect(ctx)
}

// Authenticate verifies a username and password by binding as the user. A
// rejected password or an unknown user yields (false, nil); only transport
// and configuration problems are errors. On success the resolved identity is
// returned alongside.
func (s *Store) Authenticate(ctx context.Context, username, password string) (Identity, bool, error) {
	if username == "" || password == "" {
		return Identity{}, false, nil
	}
	if s.closed.Load() {
		return Identity{}, false, ErrStoreClosed
	}

	if patterns := s.cfg.UserDNPatterns(); len(patterns) > 0 {
		return s.authenticateWithPatterns(ctx, patterns, username, password)
	}
	return s.authenticateWithSearch(ctx, username, password)
}

// authenticateWithPatterns tries a direct bind against each DN pattern in
// order. The first accepted bind wins; a pattern whose bind is rejected is
// simply the wrong pattern for this user.
func (s *Store) authenticateWithPatterns(ctx context.Context, patterns []string, username, password string) (Identity, bool, error) {
	key := s.cfg.NormalizeUsername(username)

	if dn, ok := s.cache.Get(key); ok {
		conn, err := s.conns.ConnectWithCredentials(ctx, dn, password)
		switch {
		case err == nil:
			identity := s.identityAfterBind(conn, dn, username)
			conn.Close()
			s.logger.Debug("authentication_succeeded",
				slog.String("username", username),
				slog.String("dn", dn))
			return identity, true, nil
		case errors.Is(err, ErrInvalidCredentials):
			// Wrong password or a stale DN; either way the patterns decide.
			s.cache.Invalidate(key)
		default:
			return Identity{}, false, err
		}
	}

	escaped := escapeDNIfEnabled(s.cfg.EscapeUserLogin, username, DirectBind)

	for _, pattern := range patterns {
		dn := substitutePattern(pattern, escaped)

		conn, err := s.conns.ConnectWithCredentials(ctx, dn, password)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				continue
			}
			return Identity{}, false, err
		}

		identity := s.identityAfterBind(conn, dn, username)
		conn.Close()
		s.cache.Put(key, dn)

		s.logger.Debug("authentication_succeeded",
			slog.String("username", username),
			slog.String("dn", dn))
		return identity, true, nil
	}

	s.logger.Debug("authentication_failed", slog.String("username", username))
	return Identity{}, false, nil
}

func (s *Store) authenticateWithSearch(ctx context.Context, username, password string) (Identity, bool, error) {
	adminConn, err := s.connect(ctx)
	if err != nil {
		return Identity{}, false, err
	}
	dn, err := s.users.ResolveDN(ctx, adminConn, username)
	adminConn.Close()
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.logger.Debug("authentication_failed_unknown_user", slog.String("username", username))
			return Identity{}, false, nil
		}
		return Identity{}, false, err
	}

	conn, err := s.conns.ConnectWithCredentials(ctx, dn, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			// The cached DN may be stale after an external rename; drop it so
			// the next attempt resolves fresh.
			s.cache.Invalidate(s.cfg.NormalizeUsername(username))
			s.logger.Debug("authentication_failed", slog.String("username", username))
			return Identity{}, false, nil
		}
		return Identity{}, false, err
	}
	defer conn.Close()

	identity := s.identityAfterBind(conn, dn, username)

	s.logger.Debug("authentication_succeeded",
		slog.String("username", username),
		slog.String("dn", dn))
	return identity, true, nil
}

// identityAfterBind reads the bound user's own entry to fill in the identity.
// A failed read degrades to the minimal identity rather than failing the
// authentication that already succeeded.
func (s *Store) identityAfterBind(conn DirectoryConn, dn, username string) Identity {
	attrs := s.keys.Attributes(s.cfg)
	if s.cfg.DisplayNameAttribute != "" {
		attrs = append(attrs, s.cfg.DisplayNameAttribute)
	}

	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		s.cfg.MaxSearchTimeMillis/1000,
		false,
		"(objectClass=*)",
		attrs,
		nil,
	)

	result, err := conn.Search(req)
	if err != nil || len(result.Entries) == 0 {
		return Identity{Username: username, ID: username, DN: dn, Domain: s.cfg.DomainName}
	}
	return identityFromEntry(s.cfg, result.Entries[0])
}

// GetUser resolves a username to its identity.
func (s *Store) GetUser(ctx context.Context, username string) (Identity, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return Identity{}, err
	}
	defer conn.Close()

	return s.users.ResolveIdentity(ctx, conn, username)
}

// GetUserByID resolves an immutable user ID to its identity.
func (s *Store) GetUserByID(ctx context.Context, id string) (Identity, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return Identity{}, err
	}
	defer conn.Close()

	return s.users.ResolveByID(ctx, conn, id)
}

// UserExists reports whether a username resolves to exactly one entry.
func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	_, err := s.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListUsers returns usernames matching the wildcard pattern, sorted, at most
// maxItems entries. maxItems of zero returns nothing; a negative or oversized
// limit is clamped to the configured maximum. Service principals are
// excluded. The '?' single-character wildcard and '**' are not supported.
func (s *Store) ListUsers(ctx context.Context, pattern string, maxItems int) ([]string, error) {
	if strings.Contains(pattern, "?") || strings.Contains(pattern, "**") {
		return nil, fmt.Errorf("%w: pattern %q", ErrUnsupportedFilter, pattern)
	}
	if maxItems == 0 {
		return []string{}, nil
	}
	if maxItems < 0 || maxItems > s.cfg.MaxUserNameListLength {
		maxItems = s.cfg.MaxUserNameListLength
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	filter := andFilter([]string{
		s.cfg.UserNameListFilter,
		fmt.Sprintf("(%s=%s)", s.cfg.UserNameAttribute, EscapeFilterWildcard(pattern)),
	})

	seen := make(map[string]struct{})
	var names []string
	for _, base := range s.cfg.UserSearchBases() {
		if len(names) >= maxItems {
			break
		}

		req := ldap.NewSearchRequest(
			base,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			maxItems-len(names),
			s.cfg.MaxSearchTimeMillis/1000,
			false,
			filter,
			[]string{s.cfg.UserNameAttribute, "sn"},
			nil,
		)

		result, err := conn.Search(req)
		if err != nil {
			if IsNotFoundError(err) || ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
				continue
			}
			if isPartialResultError(err) && s.cfg.IgnoreReferralErrors() {
				s.logger.Debug("referral_partial_result_ignored", slog.String("base", base))
				continue
			}
			return nil, NewStoreError("ListUsers", s.cfg.ConnectionURL, err)
		}

		for _, entry := range result.Entries {
			if entry.GetAttributeValue("sn") == serviceAccountSurname {
				continue
			}
			name := entry.GetAttributeValue(s.cfg.UserNameAttribute)
			if name == "" {
				continue
			}
			key := s.cfg.NormalizeUsername(name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			names = append(names, s.qualify(name))
		}
	}

	sort.Strings(names)
	return names, nil
}

// GetUsersWithConditions returns usernames matching the conjunctive condition
// set. A ROLE condition pivots through group membership.
func (s *Store) GetUsersWithConditions(ctx context.Context, conds []Condition, maxItems int) ([]string, error) {
	plan, err := BuildUserSearchPlan(s.cfg, conds)
	if err != nil {
		return nil, err
	}
	if maxItems > 0 && maxItems < plan.SizeLimit {
		plan.SizeLimit = maxItems
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if plan.MembershipPivot {
		return s.usersFromPivot(conn, plan)
	}

	var names []string
	for _, base := range plan.Bases {
		result, err := conn.Search(plan.NewSearchRequest(base))
		if err != nil {
			if IsNotFoundError(err) || ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
				continue
			}
			if isPartialResultError(err) && s.cfg.IgnoreReferralErrors() {
				s.logger.Debug("referral_partial_result_ignored", slog.String("base", base))
				continue
			}
			return nil, NewStoreError("GetUsersWithConditions", s.cfg.ConnectionURL, err)
		}
		for _, entry := range result.Entries {
			if name := entry.GetAttributeValue(s.cfg.UserNameAttribute); name != "" {
				names = append(names, s.qualify(name))
			}
		}
	}

	sort.Strings(names)
	return names, nil
}

func (s *Store) usersFromPivot(conn DirectoryConn, plan *SearchPlan) ([]string, error) {
	var names []string
	for _, base := range plan.Bases {
		result, err := conn.Search(plan.NewSearchRequest(base))
		if err != nil {
			if IsNotFoundError(err) {
				continue
			}
			return nil, NewStoreError("GetUsersWithConditions", s.cfg.ConnectionURL, err)
		}

		for _, entry := range result.Entries {
			for _, memberDN := range entry.GetAttributeValues(plan.PivotAttribute) {
				if name := firstRDNValue(memberDN, s.cfg.UserNameAttribute); name != "" {
					names = append(names, s.qualify(name))
				}
			}
		}
	}

	sort.Strings(names)
	return names, nil
}

// GetUserClaimValues reads the given attributes of a user. Multi-valued
// attributes are joined with the configured separator, binary attributes are
// rendered through the ID decoding rules and generalized-time attributes are
// rendered as RFC 3339.
func (s *Store) GetUserClaimValues(ctx context.Context, username string, attributes []string) (map[string]string, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dn, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		return nil, err
	}

	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		s.cfg.MaxSearchTimeMillis/1000,
		false,
		"(objectClass=*)",
		attributes,
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		if IsNotFoundError(err) {
			s.cache.Invalidate(s.cfg.NormalizeUsername(username))
			return nil, fmt.Errorf("%w: %q", ErrUserNotFound, username)
		}
		return nil, NewStoreError("GetUserClaimValues", s.cfg.ConnectionURL, err).WithDN(dn)
	}
	if len(result.Entries) == 0 {
		s.cache.Invalidate(s.cfg.NormalizeUsername(username))
		return nil, fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}

	entry := result.Entries[0]
	claims := make(map[string]string, len(attributes))
	for _, attr := range attributes {
		if isBinaryAttribute(s.cfg, attr) {
			if raw := entry.GetRawAttributeValue(attr); len(raw) > 0 {
				claims[attr] = decodeBinaryID(raw, s.cfg.TransformGUIDToUUID)
			}
			continue
		}
		values := entry.GetAttributeValues(attr)
		if len(values) == 0 {
			continue
		}
		if isTimestampAttribute(attr) {
			for i, v := range values {
				if t, terr := DecodeGeneralizedTime(v); terr == nil {
					values[i] = t.UTC().Format(time.RFC3339)
				}
			}
		}
		claims[attr] = strings.Join(values, s.cfg.MultiAttributeSeparator)
	}

	return claims, nil
}

// GetUserClaimValue reads a single attribute of a user. A missing attribute
// yields an empty string, not an error.
func (s *Store) GetUserClaimValue(ctx context.Context, username, attribute string) (string, error) {
	claims, err := s.GetUserClaimValues(ctx, username, []string{attribute})
	if err != nil {
		return "", err
	}
	return claims[attribute], nil
}

// GetRoleListOfUser returns the role names the user belongs to.
func (s *Store) GetRoleListOfUser(ctx context.Context, username string) ([]string, error) {
	if !s.cfg.ReadGroups {
		return nil, nil
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dn, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		return nil, err
	}
	return s.roles.RolesOfUser(conn, dn)
}

// GetUserListOfRole returns the usernames of a role's members.
func (s *Store) GetUserListOfRole(ctx context.Context, roleName string) ([]string, error) {
	if !s.cfg.ReadGroups {
		return nil, nil
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	names, err := s.roles.UsersOfRole(conn, roleName)
	if err != nil {
		return nil, err
	}

	qualified := make([]string, len(names))
	for i, n := range names {
		qualified[i] = s.qualify(n)
	}
	sort.Strings(qualified)
	return qualified, nil
}

// GetRoleNames lists role names matching the wildcard pattern, shared roles
// qualified with their tenant.
func (s *Store) GetRoleNames(ctx context.Context, pattern string, maxItems int) ([]string, error) {
	if !s.cfg.ReadGroups {
		return nil, nil
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	names, err := s.roles.RoleNames(conn, pattern, maxItems)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// RoleExists reports whether a role entry exists.
func (s *Store) RoleExists(ctx context.Context, roleName string) (bool, error) {
	if !s.cfg.ReadGroups {
		return false, nil
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	return s.roles.RoleExists(conn, roleName)
}

// IsUserInRole reports whether the user is a member of the role.
func (s *Store) IsUserInRole(ctx context.Context, username, roleName string) (bool, error) {
	if !s.cfg.ReadGroups {
		return false, nil
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	dn, err := s.users.ResolveDN(ctx, conn, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.roles.IsUserInRole(conn, dn, roleName)
}

// qualify prefixes a username with the store's domain label.
func (s *Store) qualify(username string) string {
	if s.cfg.DomainName == "" {
		return username
	}
	return s.cfg.DomainName + "/" + username
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
