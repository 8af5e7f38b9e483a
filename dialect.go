package userstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/text/encoding/unicode"
)

// SchemaDialect captures the behavioral differences between directory
// flavors: which attribute carries the credential, how a password is encoded
// on the wire, and how a user entry is brought to life. The dialect is
// selected once at store construction.
type SchemaDialect interface {
	// Name identifies the dialect in logs.
	Name() string

	// PasswordAttribute is the schema attribute holding the credential.
	PasswordAttribute() string

	// EncodePassword converts a clear-text password to its wire form.
	EncodePassword(password string) (string, error)

	// CreationAttributes returns the attributes for a new user entry beyond
	// the username itself. Dialects that cannot accept a password at creation
	// return the entry in a disabled state and finish in PostCreateChanges.
	CreationAttributes(cfg *StoreConfig, username, password string, claims map[string]string) ([]ldap.Attribute, error)

	// PostCreateChanges returns modify requests to run immediately after a
	// successful add, in order. An empty slice means the add was complete.
	PostCreateChanges(cfg *StoreConfig, dn, password string) ([]*ldap.ModifyRequest, error)

	// CredentialChangeRequest builds the modify request replacing an existing
	// user's password.
	CredentialChangeRequest(dn, newPassword string) (*ldap.ModifyRequest, error)

	// ImmutableAttributes lists attribute names (lower-cased) the directory
	// owns; writes to them are rejected before reaching the server.
	ImmutableAttributes() []string
}

// SelectDialect returns the dialect matching the store configuration.
func SelectDialect(cfg *StoreConfig) SchemaDialect {
	if cfg.IsActiveDirectory {
		return &activeDirectoryDialect{}
	}
	return &genericDialect{}
}

// genericDialect targets RFC 4519 directories such as OpenLDAP. Passwords go
// into userPassword in clear; the directory applies its configured hashing.
type genericDialect struct{}

func (d *genericDialect) Name() string              { return "generic" }
func (d *genericDialect) PasswordAttribute() string { return "userPassword" }

func (d *genericDialect) EncodePassword(password string) (string, error) {
	return password, nil
}

func (d *genericDialect) CreationAttributes(cfg *StoreConfig, username, password string, claims map[string]string) ([]ldap.Attribute, error) {
	attrs := []ldap.Attribute{
		{Type: "objectClass", Vals: objectClassValues(cfg.UserEntryObjectClass)},
		{Type: cfg.UserNameAttribute, Vals: []string{username}},
	}
	attrs = appendRequiredNamingAttributes(attrs, cfg, username, claims)

	if password != "" {
		attrs = append(attrs, ldap.Attribute{Type: d.PasswordAttribute(), Vals: []string{password}})
	}
	return attrs, nil
}

func (d *genericDialect) PostCreateChanges(*StoreConfig, string, string) ([]*ldap.ModifyRequest, error) {
	return nil, nil
}

func (d *genericDialect) CredentialChangeRequest(dn, newPassword string) (*ldap.ModifyRequest, error) {
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace(d.PasswordAttribute(), []string{newPassword})
	return req, nil
}

func (d *genericDialect) ImmutableAttributes() []string {
	return []string{"entryuuid", "createtimestamp", "modifytimestamp", "entrydn", "entrycsn"}
}

// Active Directory userAccountControl flags used during entry creation.
const (
	// uacDisabledNormalAccount is NORMAL_ACCOUNT with ACCOUNTDISABLE set; new
	// entries start disabled because AD refuses a password over anything but
	// a secure connection and refuses an enabled account without a password.
	uacDisabledNormalAccount = "514"
	// uacNormalAccount is a plain enabled NORMAL_ACCOUNT.
	uacNormalAccount = "512"
)

// activeDirectoryDialect targets AD and AD LDS. The credential lives in
// unicodePwd and must be sent as the UTF-16LE encoding of the quoted
// password; user entries are created disabled and enabled only after the
// password is set.
type activeDirectoryDialect struct{}

func (d *activeDirectoryDialect) Name() string              { return "activeDirectory" }
func (d *activeDirectoryDialect) PasswordAttribute() string { return "unicodePwd" }

func (d *activeDirectoryDialect) EncodePassword(password string) (string, error) {
	utf16le := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	encoded, err := utf16le.NewEncoder().String(`"` + password + `"`)
	if err != nil {
		return "", fmt.Errorf("failed to encode password: %w", err)
	}
	return encoded, nil
}

func (d *activeDirectoryDialect) CreationAttributes(cfg *StoreConfig, username, _ string, claims map[string]string) ([]ldap.Attribute, error) {
	attrs := []ldap.Attribute{
		{Type: "objectClass", Vals: objectClassValues(cfg.UserEntryObjectClass)},
		{Type: cfg.UserNameAttribute, Vals: []string{username}},
		{Type: "userAccountControl", Vals: []string{uacDisabledNormalAccount}},
	}
	attrs = appendRequiredNamingAttributes(attrs, cfg, username, claims)

	if !strings.EqualFold(cfg.UserNameAttribute, "sAMAccountName") {
		attrs = append(attrs, ldap.Attribute{Type: "sAMAccountName", Vals: []string{username}})
	}
	return attrs, nil
}

func (d *activeDirectoryDialect) PostCreateChanges(cfg *StoreConfig, dn, password string) ([]*ldap.ModifyRequest, error) {
	encoded, err := d.EncodePassword(password)
	if err != nil {
		return nil, err
	}

	pwReq := ldap.NewModifyRequest(dn, nil)
	pwReq.Replace(d.PasswordAttribute(), []string{encoded})

	uac := cfg.UserAccountControl
	if uac == "" {
		uac = uacNormalAccount
	}
	enableReq := ldap.NewModifyRequest(dn, nil)
	enableReq.Replace("userAccountControl", []string{uac})

	return []*ldap.ModifyRequest{pwReq, enableReq}, nil
}

func (d *activeDirectoryDialect) CredentialChangeRequest(dn, newPassword string) (*ldap.ModifyRequest, error) {
	encoded, err := d.EncodePassword(newPassword)
	if err != nil {
		return nil, err
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace(d.PasswordAttribute(), []string{encoded})
	return req, nil
}

func (d *activeDirectoryDialect) ImmutableAttributes() []string {
	return []string{
		"objectguid", "objectsid", "whencreated", "whenchanged",
		"usncreated", "usnchanged", "samaccounttype", "primarygroupid",
	}
}

func objectClassValues(s string) []string {
	classes := splitList(s, "/")
	if len(classes) == 0 {
		return []string{"inetOrgPerson"}
	}
	return classes
}

// appendRequiredNamingAttributes fills cn and sn from claims, falling back to
// the username. Both are mandatory in person-derived object classes.
func appendRequiredNamingAttributes(attrs []ldap.Attribute, cfg *StoreConfig, username string, claims map[string]string) []ldap.Attribute {
	has := func(name string) bool {
		if strings.EqualFold(cfg.UserNameAttribute, name) {
			return true
		}
		for k := range claims {
			if strings.EqualFold(k, name) {
				return true
			}
		}
		return false
	}

	if !has("cn") {
		attrs = append(attrs, ldap.Attribute{Type: "cn", Vals: []string{username}})
	}
	if !has("sn") {
		attrs = append(attrs, ldap.Attribute{Type: "sn", Vals: []string{username}})
	}

	for k, v := range claims {
		attrs = append(attrs, ldap.Attribute{Type: k, Vals: []string{v}})
	}
	return attrs
}

// generalizedTimeLayouts cover the forms directories emit for operational
// timestamps such as whenCreated and createTimestamp.
var generalizedTimeLayouts = []string{
	"20060102150405.0Z",
	"20060102150405Z",
	"20060102150405.000Z",
	"20060102150405-0700",
}

// DecodeGeneralizedTime parses an LDAP generalized-time attribute value.
func DecodeGeneralizedTime(value string) (time.Time, error) {
	for _, layout := range generalizedTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable generalized time %q", value)
}

var timestampAttributes = map[string]struct{}{
	"whencreated":     {},
	"whenchanged":     {},
	"createtimestamp": {},
	"modifytimestamp": {},
}

// isTimestampAttribute reports whether the attribute holds a generalized-time
// value that reads should render as RFC 3339.
func isTimestampAttribute(attr string) bool {
	_, ok := timestampAttributes[strings.ToLower(attr)]
	return ok
}
