package userstore

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Operator is a comparison operator in a user list condition.
type Operator string

const (
	// OpEquals matches the attribute value exactly.
	OpEquals Operator = "EQ"
	// OpContains matches values containing the term.
	OpContains Operator = "CO"
	// OpStartsWith matches values with the term as a prefix.
	OpStartsWith Operator = "SW"
	// OpEndsWith matches values with the term as a suffix.
	OpEndsWith Operator = "EW"
)

// Pseudo attribute names accepted in conditions. They address store concepts
// rather than raw schema attributes and are translated during planning.
const (
	// PseudoAttributeUsername maps to the configured username attribute.
	PseudoAttributeUsername = "USERNAME"
	// PseudoAttributeRole pivots the search through group membership.
	PseudoAttributeRole = "ROLE"
)

// Condition is one term of a conditional user listing. Conditions combine
// conjunctively.
type Condition struct {
	Attribute string
	Operator  Operator
	Value     string
}

// SearchPlan is a fully resolved directory search: which bases to visit, what
// filter to apply, and which attributes to fetch. Plans are built up front so
// unsupported condition combinations fail before any directory round trip.
type SearchPlan struct {
	Bases      []string
	Scope      int
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  int

	// MembershipPivot is set when the plan targets group entries and user
	// results must be read from the group's membership attribute.
	MembershipPivot bool
	// PivotAttribute is the membership attribute to read when pivoting.
	PivotAttribute string
}

// NewSearchRequest converts the plan for one base into a go-ldap request.
func (p *SearchPlan) NewSearchRequest(base string) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		base,
		p.Scope,
		ldap.NeverDerefAliases,
		p.SizeLimit,
		p.TimeLimit,
		false,
		p.Filter,
		p.Attributes,
		nil,
	)
}

// BuildUserSearchPlan translates a set of conditions into a search plan
// against the configured schema.
//
// A ROLE condition pivots through group membership. With a memberOf
// back-link attribute configured the search stays on the user bases,
// filtering on the group DN listed in each user entry; without one it runs
// against the group bases and usernames are extracted from the membership
// attribute. Pivots support only equality, only a single ROLE condition, and
// cannot be combined with claim conditions.
func BuildUserSearchPlan(cfg *StoreConfig, conds []Condition) (*SearchPlan, error) {
	var roleConds, attrConds []Condition
	for _, c := range conds {
		if strings.EqualFold(c.Attribute, PseudoAttributeRole) {
			roleConds = append(roleConds, c)
		} else {
			attrConds = append(attrConds, c)
		}
	}

	if len(roleConds) > 1 {
		return nil, fmt.Errorf("%w: multiple role conditions", ErrUnsupportedFilter)
	}

	if len(roleConds) == 1 {
		if len(attrConds) > 0 {
			return nil, fmt.Errorf("%w: role condition cannot be combined with attribute conditions", ErrUnsupportedFilter)
		}
		return buildMembershipPivotPlan(cfg, roleConds[0])
	}

	terms := make([]string, 0, len(attrConds)+1)
	terms = append(terms, cfg.UserNameListFilter)
	for _, c := range attrConds {
		term, err := conditionTerm(cfg, c)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}

	return &SearchPlan{
		Bases:      cfg.UserSearchBases(),
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     andFilter(terms),
		Attributes: []string{cfg.UserNameAttribute},
		SizeLimit:  cfg.MaxUserNameListLength,
		TimeLimit:  cfg.MaxSearchTimeMillis / 1000,
	}, nil
}

func buildMembershipPivotPlan(cfg *StoreConfig, role Condition) (*SearchPlan, error) {
	if role.Operator != OpEquals {
		return nil, fmt.Errorf("%w: role conditions support only equality", ErrUnsupportedFilter)
	}
	if !cfg.ReadGroups {
		return nil, fmt.Errorf("%w: role conditions require ReadGroups", ErrUnsupportedFilter)
	}

	if cfg.MemberOfAttribute != "" {
		return buildMemberOfPlan(cfg, role)
	}

	filter := andFilter([]string{
		cfg.GroupNameListFilter,
		fmt.Sprintf("(%s=%s)", cfg.GroupNameAttribute, EscapeFilterValue(role.Value)),
	})

	return &SearchPlan{
		Bases:           cfg.GroupSearchBases(),
		Scope:           ldap.ScopeWholeSubtree,
		Filter:          filter,
		Attributes:      []string{cfg.MembershipAttribute},
		SizeLimit:       0,
		TimeLimit:       cfg.MaxSearchTimeMillis / 1000,
		MembershipPivot: true,
		PivotAttribute:  cfg.MembershipAttribute,
	}, nil
}

// buildMemberOfPlan targets the user bases directly: the back-link attribute
// on each user entry names the group DN, so usernames come straight from the
// matching user entries with no membership read-back.
func buildMemberOfPlan(cfg *StoreConfig, role Condition) (*SearchPlan, error) {
	bases := cfg.GroupSearchBases()
	terms := make([]string, 0, len(bases))
	for _, base := range bases {
		groupDN := fmt.Sprintf("%s=%s,%s", cfg.GroupNameAttribute, role.Value, base)
		terms = append(terms, fmt.Sprintf("(%s=%s)", cfg.MemberOfAttribute, EscapeFilterValue(groupDN)))
	}

	groupTerm := terms[0]
	if len(terms) > 1 {
		groupTerm = "(|" + strings.Join(terms, "") + ")"
	}

	return &SearchPlan{
		Bases:      cfg.UserSearchBases(),
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     andFilter([]string{cfg.UserNameListFilter, groupTerm}),
		Attributes: []string{cfg.UserNameAttribute},
		SizeLimit:  cfg.MaxUserNameListLength,
		TimeLimit:  cfg.MaxSearchTimeMillis / 1000,
	}, nil
}

func conditionTerm(cfg *StoreConfig, c Condition) (string, error) {
	attr := c.Attribute
	if strings.EqualFold(attr, PseudoAttributeUsername) {
		attr = cfg.UserNameAttribute
	}
	if attr == "" {
		return "", fmt.Errorf("%w: empty attribute", ErrUnsupportedFilter)
	}

	value := EscapeFilterValue(c.Value)
	switch c.Operator {
	case OpEquals:
		return fmt.Sprintf("(%s=%s)", attr, value), nil
	case OpContains:
		return fmt.Sprintf("(%s=*%s*)", attr, value), nil
	case OpStartsWith:
		return fmt.Sprintf("(%s=%s*)", attr, value), nil
	case OpEndsWith:
		return fmt.Sprintf("(%s=*%s)", attr, value), nil
	default:
		return "", fmt.Errorf("%w: operator %q", ErrUnsupportedFilter, c.Operator)
	}
}

// andFilter wraps the terms in a conjunction. A single already-parenthesized
// term passes through unwrapped.
func andFilter(terms []string) string {
	clean := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "(") {
			t = "(" + t + ")"
		}
		clean = append(clean, t)
	}

	switch len(clean) {
	case 0:
		return "(objectClass=*)"
	case 1:
		return clean[0]
	default:
		return "(&" + strings.Join(clean, "") + ")"
	}
}

// substituteFilterPlaceholder fills the '?' placeholder of a configured
// search filter with an already-escaped value. Filters without a placeholder
// are combined with an equality term on the given attribute instead.
func substituteFilterPlaceholder(filter, attribute, escapedValue string) string {
	if strings.Contains(filter, filterPlaceholder) {
		return strings.Replace(filter, filterPlaceholder, escapedValue, 1)
	}
	return andFilter([]string{filter, fmt.Sprintf("(%s=%s)", attribute, escapedValue)})
}

// buildUsernameFilter produces the filter matching a single username using
// UserNameSearchFilter.
func buildUsernameFilter(cfg *StoreConfig, username string) string {
	escaped := escapeFilterIfEnabled(cfg.EscapeUserLogin, username)
	filter := cfg.UserNameSearchFilter
	if filter == "" {
		filter = andFilter([]string{
			cfg.UserNameListFilter,
			fmt.Sprintf("(%s=%s)", cfg.UserNameAttribute, escaped),
		})
		return filter
	}
	return substituteFilterPlaceholder(filter, cfg.UserNameAttribute, escaped)
}

// buildUserIDFilter produces the filter matching a single immutable user ID
// using UserIdSearchFilter.
func buildUserIDFilter(cfg *StoreConfig, id string) (string, error) {
	escaped, err := encodeIDForFilter(id, cfg.TransformGUIDToUUID, isBinaryAttribute(cfg, cfg.UserIDAttribute))
	if err != nil {
		return "", err
	}
	filter := cfg.UserIDSearchFilter
	if filter == "" {
		return andFilter([]string{
			cfg.UserNameListFilter,
			fmt.Sprintf("(%s=%s)", cfg.UserIDAttribute, escaped),
		}), nil
	}
	return substituteFilterPlaceholder(filter, cfg.UserIDAttribute, escaped), nil
}

// buildGroupNameFilter produces the filter matching a single group name.
func buildGroupNameFilter(cfg *StoreConfig, name string) string {
	escaped := EscapeFilterValue(name)
	if cfg.GroupNameSearchFilter != "" {
		return substituteFilterPlaceholder(cfg.GroupNameSearchFilter, cfg.GroupNameAttribute, escaped)
	}
	return andFilter([]string{
		cfg.GroupNameListFilter,
		fmt.Sprintf("(%s=%s)", cfg.GroupNameAttribute, escaped),
	})
}
