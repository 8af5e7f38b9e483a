package userstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// probeOutcome classifies one DN-pattern probe. Probes report their outcome
// as a value so the caller can distinguish "this pattern does not apply" from
// "the directory is broken" without inspecting error strings.
type probeOutcome int

const (
	probeMiss probeOutcome = iota
	probeHit
	probeFailed
)

type probeResult struct {
	outcome probeOutcome
	dn      string
	err     error
}

// resolver maps usernames and immutable IDs to directory entries. Resolution
// order is cache, then configured DN patterns, then subtree search across the
// user search bases.
type resolver struct {
	cfg    *StoreConfig
	conns  *ConnectionContext
	cache  *IdentityCache
	keys   IdentityKeyStrategy
	logger *slog.Logger
}

func newResolver(cfg *StoreConfig, conns *ConnectionContext, cache *IdentityCache, keys IdentityKeyStrategy, logger *slog.Logger) *resolver {
	return &resolver{cfg: cfg, conns: conns, cache: cache, keys: keys, logger: logger}
}

// ResolveDN returns the distinguished name for a username. The cached DN is
// trusted without a directory round trip; stale entries surface as operation
// failures downstream and are invalidated there.
func (r *resolver) ResolveDN(ctx context.Context, conn DirectoryConn, username string) (string, error) {
	cacheKey := r.cfg.NormalizeUsername(username)
	if dn, ok := r.cache.Get(cacheKey); ok {
		return dn, nil
	}

	if patterns := r.cfg.UserDNPatterns(); len(patterns) > 0 {
		dn, err := r.probePatterns(conn, patterns, username)
		if err != nil {
			return "", err
		}
		if dn != "" {
			r.cache.Put(cacheKey, dn)
			return dn, nil
		}
	}

	identity, err := r.searchIdentity(ctx, conn, buildUsernameFilter(r.cfg, username), username)
	if err != nil {
		return "", err
	}

	r.cache.Put(cacheKey, identity.DN)
	return identity.DN, nil
}

// probePatterns tries each DN pattern in order and returns the first DN whose
// entry exists and matches the username filter. All patterns missing is not
// an error; a directory failure during probing is.
func (r *resolver) probePatterns(conn DirectoryConn, patterns []string, username string) (string, error) {
	escaped := escapeDNIfEnabled(r.cfg.EscapeUserLogin, username, SearchBind)
	filter := buildUsernameFilter(r.cfg, username)

	for _, pattern := range patterns {
		res := r.probeOne(conn, substitutePattern(pattern, escaped), filter)
		switch res.outcome {
		case probeHit:
			return res.dn, nil
		case probeFailed:
			return "", res.err
		}
	}
	return "", nil
}

func (r *resolver) probeOne(conn DirectoryConn, dn, filter string) probeResult {
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		r.cfg.MaxSearchTimeMillis/1000,
		false,
		filter,
		[]string{r.cfg.UserNameAttribute},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		if IsNotFoundError(err) {
			return probeResult{outcome: probeMiss}
		}
		return probeResult{outcome: probeFailed, err: NewStoreError("ResolveDN", r.cfg.ConnectionURL, err).WithDN(dn)}
	}
	if len(result.Entries) == 0 {
		return probeResult{outcome: probeMiss}
	}
	return probeResult{outcome: probeHit, dn: result.Entries[0].DN}
}

// ResolveIdentity returns the full identity for a username via subtree
// search. More than one match is a hard error; the store never picks an
// arbitrary entry.
func (r *resolver) ResolveIdentity(ctx context.Context, conn DirectoryConn, username string) (Identity, error) {
	identity, err := r.searchIdentity(ctx, conn, buildUsernameFilter(r.cfg, username), username)
	if err != nil {
		return Identity{}, err
	}

	r.cache.Put(r.cfg.NormalizeUsername(username), identity.DN)
	return identity, nil
}

// ResolveByID returns the identity whose immutable ID attribute holds the
// given value.
func (r *resolver) ResolveByID(ctx context.Context, conn DirectoryConn, id string) (Identity, error) {
	filter, err := buildUserIDFilter(r.cfg, id)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUserNotFound, err)
	}

	identity, err := r.searchIdentity(ctx, conn, filter, id)
	if err != nil {
		return Identity{}, err
	}

	r.cache.Put(r.cfg.NormalizeUsername(identity.Username), identity.DN)
	return identity, nil
}

func (r *resolver) searchIdentity(_ context.Context, conn DirectoryConn, filter, subject string) (Identity, error) {
	attrs := r.keys.Attributes(r.cfg)
	if r.cfg.DisplayNameAttribute != "" {
		attrs = append(attrs, r.cfg.DisplayNameAttribute)
	}

	var matches []*ldap.Entry
	for _, base := range r.cfg.UserSearchBases() {
		req := ldap.NewSearchRequest(
			base,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			0,
			r.cfg.MaxSearchTimeMillis/1000,
			false,
			filter,
			attrs,
			nil,
		)

		result, err := conn.Search(req)
		if err != nil {
			if IsNotFoundError(err) {
				continue
			}
			return Identity{}, NewStoreError("ResolveIdentity", r.cfg.ConnectionURL, err)
		}
		matches = append(matches, result.Entries...)

		if len(matches) > 1 {
			break
		}
	}

	switch len(matches) {
	case 0:
		return Identity{}, fmt.Errorf("%w: %q", ErrUserNotFound, subject)
	case 1:
		return identityFromEntry(r.cfg, matches[0]), nil
	default:
		r.logger.Warn("ambiguous_user_entry",
			slog.String("subject", subject),
			slog.Int("match_count", len(matches)))
		return Identity{}, fmt.Errorf("%w: %q", ErrAmbiguousEntry, subject)
	}
}

// fetchRangedValues reads a multi-valued attribute from one entry, following
// the Active Directory ranged retrieval protocol when a window size is
// configured. Servers answer a request for attr;range=lo-hi with either the
// same ranged name when more values remain or attr;range=lo-* on the final
// window; a short window also terminates.
func fetchRangedValues(conn DirectoryConn, dn, attribute string, windowSize, timeLimitSeconds int) ([]string, error) {
	if windowSize <= 0 {
		values, _, err := fetchAttributeWindow(conn, dn, attribute, timeLimitSeconds)
		return values, err
	}

	var all []string
	for lo := 0; ; lo += windowSize {
		ranged := fmt.Sprintf("%s;range=%d-%d", attribute, lo, lo+windowSize-1)
		values, final, err := fetchAttributeWindow(conn, dn, ranged, timeLimitSeconds)
		if err != nil {
			return nil, err
		}
		all = append(all, values...)

		if final || len(values) < windowSize {
			return all, nil
		}
	}
}

// fetchAttributeWindow performs one base-object read for the given attribute
// name (possibly carrying a range option) and reports whether the server
// marked the response as the final window.
func fetchAttributeWindow(conn DirectoryConn, dn, attribute string, timeLimitSeconds int) ([]string, bool, error) {
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		timeLimitSeconds,
		false,
		"(objectClass=*)",
		[]string{attribute},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return nil, false, err
	}
	if len(result.Entries) == 0 {
		return nil, true, nil
	}

	baseName := strings.ToLower(attribute)
	if i := strings.Index(baseName, ";"); i >= 0 {
		baseName = baseName[:i]
	}

	var values []string
	found := false
	final := false
	for _, attr := range result.Entries[0].Attributes {
		name := strings.ToLower(attr.Name)
		if name != baseName && !strings.HasPrefix(name, baseName+";") {
			continue
		}
		values = append(values, attr.Values...)
		found = true
		if !strings.Contains(name, ";range=") || strings.HasSuffix(name, "-*") {
			final = true
		}
	}

	if !found {
		return nil, true, nil
	}
	return values, final, nil
}
